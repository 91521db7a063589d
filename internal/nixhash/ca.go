// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package nixhash

import (
	"fmt"
	"strings"
)

// Method is the way a store object's content was hashed to produce
// its content address.
type Method int8

// Recognized content-address methods.
const (
	// Flat hashes the raw bytes of a single file.
	Flat Method = 1 + iota
	// NAR hashes the NAR serialization of a file or directory tree.
	NAR
	// Text hashes the raw bytes of a single text file
	// whose own content may reference other store paths by their printed form.
	Text
	// Git hashes a tree using Git's own tree/blob hashing scheme.
	Git
)

// Prefix returns the ATerm/derivation encoding prefix for m: "", "r:",
// "text:", or "git:".
func (m Method) Prefix() string {
	return m.prefix()
}

func (m Method) prefix() string {
	switch m {
	case Flat:
		return ""
	case NAR:
		return "r:"
	case Text:
		return "text:"
	case Git:
		return "git:"
	default:
		return ""
	}
}

// String returns the method's name, used only for diagnostics.
func (m Method) String() string {
	switch m {
	case Flat:
		return "flat"
	case NAR:
		return "nar"
	case Text:
		return "text"
	case Git:
		return "git"
	default:
		return "invalid"
	}
}

// allowedAlgorithm reports whether algo is a legal pairing for m.
// Nix ties text addressing to SHA-256 and git addressing to the two
// algorithms Git itself has used for tree hashing.
func (m Method) allowedAlgorithm(algo Algorithm) bool {
	switch m {
	case Text:
		return algo == SHA256
	case Git:
		return algo == SHA1 || algo == SHA256
	default:
		return true
	}
}

// ContentAddress is a content-addressibility assertion:
// a method paired with the digest that method produced.
type ContentAddress struct {
	method Method
	hash   Hash
}

// NewContentAddress returns a new [ContentAddress],
// rejecting method/algorithm combinations that the store does not permit.
func NewContentAddress(method Method, h Hash) (ContentAddress, error) {
	if h.IsZero() {
		return ContentAddress{}, fmt.Errorf("content address: empty hash")
	}
	if !method.allowedAlgorithm(h.Type()) {
		return ContentAddress{}, fmt.Errorf("content address: %v is not a valid hash algorithm for %v", h.Type(), method)
	}
	return ContentAddress{method: method, hash: h}, nil
}

// IsZero reports whether ca is the zero ContentAddress.
func (ca ContentAddress) IsZero() bool {
	return ca.method == 0
}

// Method returns the content-address method.
func (ca ContentAddress) Method() Method { return ca.method }

// Hash returns the content-address digest.
func (ca ContentAddress) Hash() Hash { return ca.hash }

// IsText reports whether ca uses the [Text] method.
func (ca ContentAddress) IsText() bool { return ca.method == Text }

// IsRecursiveFile reports whether ca uses the [NAR] method.
func (ca ContentAddress) IsRecursiveFile() bool { return ca.method == NAR }

// IsFixed reports whether ca is usable as a fixed-output derivation's
// content address (i.e. not [Text], which is reserved for expression-level
// string contexts).
func (ca ContentAddress) IsFixed() bool {
	return !ca.IsZero() && ca.method != Text
}

// Equal reports whether ca and other use the same method and hash.
func (ca ContentAddress) Equal(other ContentAddress) bool {
	return ca.method == other.method && ca.hash.Equal(other.hash)
}

// String renders ca as "<method-prefix><algo>:<digest-base32>".
func (ca ContentAddress) String() string {
	if ca.IsZero() {
		return ""
	}
	return ca.method.prefix() + string(ca.hash.Type()) + ":" + ca.hash.Base32()
}

// MarshalText implements [encoding.TextMarshaler].
func (ca ContentAddress) MarshalText() ([]byte, error) {
	if ca.IsZero() {
		return nil, nil
	}
	return []byte(ca.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (ca *ContentAddress) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*ca = ContentAddress{}
		return nil
	}
	parsed, err := ParseContentAddress(string(data))
	if err != nil {
		return err
	}
	*ca = parsed
	return nil
}

// ParseContentAddress parses the rendering produced by [ContentAddress.String]:
// "<method-prefix><algo>:<digest-base32>" where method-prefix is one of
// "" (flat), "r:" (nar), "text:", "git:".
func ParseContentAddress(s string) (ContentAddress, error) {
	method := Flat
	rest := s
	switch {
	case strings.HasPrefix(s, "r:"):
		method, rest = NAR, s[len("r:"):]
	case strings.HasPrefix(s, "text:"):
		method, rest = Text, s[len("text:"):]
	case strings.HasPrefix(s, "git:"):
		method, rest = Git, s[len("git:"):]
	}
	h, err := ParseHash(rest)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
	}
	ca, err := NewContentAddress(method, h)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
	}
	return ca, nil
}

// TextContentAddress returns the [Text] content address for the SHA-256 hash h.
func TextContentAddress(h Hash) ContentAddress {
	ca, err := NewContentAddress(Text, h)
	if err != nil {
		panic(err)
	}
	return ca
}

// RecursiveFileContentAddress returns the [NAR] content address for h.
func RecursiveFileContentAddress(h Hash) ContentAddress {
	ca, err := NewContentAddress(NAR, h)
	if err != nil {
		panic(err)
	}
	return ca
}

// FlatFileContentAddress returns the [Flat] content address for h.
func FlatFileContentAddress(h Hash) ContentAddress {
	ca, err := NewContentAddress(Flat, h)
	if err != nil {
		panic(err)
	}
	return ca
}
