// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package nixhash implements the hash and content-address primitives
// used throughout the store: multi-algorithm digests with base-16,
// base-32, base-64, and SRI rendering, and the {flat|nar|text|git}
// content-address scheme that store paths are derived from.
package nixhash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/opencontainers/go-digest"
	"lukechampine.com/blake3"
)

// Algorithm identifies a hash function.
type Algorithm string

// Recognized hash algorithms.
const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	BLAKE3 Algorithm = "blake3"
)

// Size returns the number of bytes a digest of this algorithm occupies.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256, BLAKE3:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		return blake3.New(32, nil), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", a)
	}
}

// Format is a rendering of a [Hash]'s digest.
type Format int8

// Recognized hash rendering formats.
const (
	Base16 Format = 1 + iota
	Base32
	Base64
	SRI
)

// Hash is an algorithm-tagged digest.
// The zero value is not a valid hash.
type Hash struct {
	algo   Algorithm
	digest []byte
}

// New returns a new [Hash] for algo with the given raw digest bytes.
// It returns an error if len(digest) does not match the algorithm's size.
func New(algo Algorithm, digest []byte) (Hash, error) {
	want := algo.Size()
	if want == 0 {
		return Hash{}, fmt.Errorf("nixhash: unknown algorithm %q", algo)
	}
	if len(digest) != want {
		return Hash{}, fmt.Errorf("nixhash: %s digest must be %d bytes (got %d)", algo, want, len(digest))
	}
	return Hash{algo: algo, digest: append([]byte(nil), digest...)}, nil
}

// IsZero reports whether h is the zero Hash.
func (h Hash) IsZero() bool {
	return h.algo == ""
}

// Type returns the hash's algorithm.
func (h Hash) Type() Algorithm {
	return h.algo
}

// Bytes returns a copy of the raw digest bytes.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h.digest...)
}

// Base16 renders the digest as lowercase hexadecimal.
func (h Hash) Base16() string {
	return hex.EncodeToString(h.digest)
}

// RawBase16 is an alias for [Hash.Base16] kept for parity with the
// terminology used when a derivation's hash-modulo is substituted
// into another derivation's encoding without an algorithm prefix.
func (h Hash) RawBase16() string {
	return h.Base16()
}

// Base32 renders the digest using the store's own base-32 alphabet
// (the usual base-32 alphabet with `e`, `o`, `u`, `t` removed).
func (h Hash) Base32() string {
	return encodeBase32(h.digest)
}

// Base64 renders the digest as standard base-64.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h.digest)
}

// SRI renders the hash in Subresource Integrity format: "<algo>-<base64>".
func (h Hash) SRI() string {
	return string(h.algo) + "-" + h.Base64()
}

// String renders the hash as "<algo>:<base16>", the form used when
// a hash is embedded in a derivation's textual encoding.
func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return string(h.algo) + ":" + h.Base16()
}

// Format renders the hash's digest in the given format.
func (h Hash) Format(f Format) string {
	switch f {
	case Base16:
		return h.Base16()
	case Base32:
		return h.Base32()
	case Base64:
		return h.Base64()
	case SRI:
		return h.SRI()
	default:
		return h.Base16()
	}
}

// Equal reports whether h and other represent the same algorithm and digest.
func (h Hash) Equal(other Hash) bool {
	return h.algo == other.algo && string(h.digest) == string(other.digest)
}

// OCIDigest renders h as an OCI content-addressable digest
// ("<algo>:<hex>"), so a store object's hash can be cross-referenced
// against an OCI-style content store. Only SHA-256 and SHA-512 have an
// OCI-registered algorithm identifier; any other algorithm is an error.
func (h Hash) OCIDigest() (digest.Digest, error) {
	var algo digest.Algorithm
	switch h.algo {
	case SHA256:
		algo = digest.SHA256
	case SHA512:
		algo = digest.SHA512
	default:
		return "", fmt.Errorf("convert %v hash to OCI digest: no registered OCI algorithm for %s", h.algo, h.algo)
	}
	d := digest.NewDigestFromEncoded(algo, h.Base16())
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("convert %v hash to OCI digest: %v", h.algo, err)
	}
	return d, nil
}

// ParseHash parses a hash in one of the forms "<algo>:<digest>",
// "<algo>-<digest>" (SRI), or a bare digest with algo given separately
// via [ParseHashWithAlgo].
func ParseHash(s string) (Hash, error) {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return ParseHashWithAlgo(s[:i], s[i+1:])
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return ParseHashWithAlgo(s[:i], s[i+1:])
	}
	return Hash{}, fmt.Errorf("parse hash %q: missing algorithm prefix", s)
}

// ParseHashWithAlgo parses digest (in base-16, base-32, or base-64,
// auto-detected from length) for the given algorithm.
func ParseHashWithAlgo(algo, digest string) (Hash, error) {
	a := Algorithm(algo)
	n := a.Size()
	if n == 0 {
		return Hash{}, fmt.Errorf("parse hash: unknown algorithm %q", algo)
	}
	switch len(digest) {
	case n * 2:
		raw, err := hex.DecodeString(digest)
		if err != nil {
			return Hash{}, fmt.Errorf("parse hash: %s: %v", algo, err)
		}
		return New(a, raw)
	case base32EncodedLen(n):
		raw, err := decodeBase32(digest, n)
		if err != nil {
			return Hash{}, fmt.Errorf("parse hash: %s: %v", algo, err)
		}
		return New(a, raw)
	default:
		raw, err := base64.StdEncoding.DecodeString(digest)
		if err != nil || len(raw) != n {
			return Hash{}, fmt.Errorf("parse hash: %s: digest %q has unrecognized length", algo, digest)
		}
		return New(a, raw)
	}
}

// Hasher incrementally computes a [Hash].
type Hasher struct {
	algo Algorithm
	h    hash.Hash
}

// NewHasher returns a new [Hasher] for the given algorithm.
// It panics if algo is not a recognized algorithm.
func NewHasher(algo Algorithm) *Hasher {
	h, err := algo.newHash()
	if err != nil {
		panic(err)
	}
	return &Hasher{algo: algo, h: h}
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// WriteString writes s to the hasher.
func (h *Hasher) WriteString(s string) (int, error) { return h.h.Write([]byte(s)) }

// Reset discards the hasher's state, as if it had just been created by
// [NewHasher] with the same algorithm.
func (h *Hasher) Reset() { h.h.Reset() }

// SumHash returns the [Hash] of everything written so far
// without resetting the hasher's state.
func (h *Hasher) SumHash() Hash {
	digest := h.h.Sum(nil)
	hh, err := New(h.algo, digest)
	if err != nil {
		panic(err)
	}
	return hh
}

// CompressHash folds a digest down to outputSize bytes by XOR-ing
// successive outputSize-byte windows together, the way the store
// derives its 160-bit store-path hash-part from a SHA-256 fingerprint.
func CompressHash(dst, src []byte) {
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < len(src); i++ {
		dst[i%len(dst)] ^= src[i]
	}
}
