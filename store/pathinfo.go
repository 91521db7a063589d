// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"

	"zombiezen.com/go/nix"
)

func base64StdEncode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// UnkeyedValidPathInfo is the metadata attached to a store object, not
// including the path it describes. Conceptually it is the information
// found in a .narinfo file minus the store path itself, which lets a
// [ValidPathInfo] be built either standalone or as a map value keyed by
// [Path] without duplicating the path inside and out.
type UnkeyedValidPathInfo struct {
	// Deriver is the store derivation that produced this object, if known.
	Deriver Path
	// NARHash is the hash of the object serialised as an uncompressed NAR.
	NARHash Hash
	// NARSize is the size in bytes of the uncompressed NAR serialisation.
	NARSize int64
	// References is the set of store objects (and possibly self) that
	// this object refers to.
	References References
	// CA is the content-addressability assertion for this object, or the
	// zero value if the object is input-addressed.
	CA ContentAddress
	// Sigs holds signatures attesting to the fingerprint of this path info.
	Sigs []*nix.Signature
	// Ultimate records whether this machine produced the realisation
	// itself, as opposed to having substituted it from a binary cache.
	// An ultimate path info is never re-signed when re-exported.
	Ultimate bool
}

// ValidPathInfo pairs a store path with its [UnkeyedValidPathInfo].
type ValidPathInfo struct {
	Path Path
	UnkeyedValidPathInfo
}

// Clone returns a deep copy of info.
func (info *ValidPathInfo) Clone() *ValidPathInfo {
	info2 := new(ValidPathInfo)
	*info2 = *info
	info2.References.Others = *info.References.Others.Clone()
	info2.Sigs = append([]*nix.Signature(nil), info.Sigs...)
	return info2
}

// validate reports whether info's fields form a coherent path info: hash
// and size set, and every reference sharing info.Path's store directory.
func (info *ValidPathInfo) validate() error {
	if info.Path == "" {
		return fmt.Errorf("store path empty")
	}
	if info.NARHash.IsZero() {
		return fmt.Errorf("nar hash not set")
	}
	if info.NARSize <= 0 {
		return fmt.Errorf("nar size not set")
	}
	dir := info.Path.Dir()
	for ref := range info.References.Others.Values() {
		if ref.Dir() != dir {
			return fmt.Errorf("reference %s is not in store directory %s", ref, dir)
		}
	}
	if info.Deriver != "" && info.Deriver.Dir() != dir {
		return fmt.Errorf("deriver %s is not in store directory %s", info.Deriver, dir)
	}
	return nil
}

// Fingerprint returns the string that is signed to produce a signature
// over info: the path, its NAR hash and size, and the sorted,
// deduplicated list of references, joined the way the narinfo format
// computes signatures.
func (info *ValidPathInfo) Fingerprint() (string, error) {
	if err := info.validate(); err != nil {
		return "", fmt.Errorf("compute fingerprint for %s: %v", info.Path, err)
	}
	var buf bytes.Buffer
	buf.WriteString("1;")
	buf.WriteString(string(info.Path))
	buf.WriteByte(';')
	buf.WriteString(info.NARHash.Base32())
	buf.WriteByte(';')
	buf.WriteString(strconv.FormatInt(info.NARSize, 10))
	buf.WriteByte(';')

	refs := make([]string, 0, info.References.Others.Len())
	for ref := range info.References.Others.Values() {
		refs = append(refs, string(ref))
	}
	if info.References.Self {
		refs = append(refs, string(info.Path))
	}
	sort.Strings(refs)
	for i, ref := range refs {
		if i > 0 {
			if ref == refs[i-1] {
				continue
			}
			buf.WriteByte(',')
		}
		buf.WriteString(ref)
	}
	return buf.String(), nil
}

// AddSignatures appends any of sigs not already present (compared by
// their rendered text) to info.Sigs.
func (info *ValidPathInfo) AddSignatures(sigs ...*nix.Signature) {
addLoop:
	for _, newSig := range sigs {
		for _, oldSig := range info.Sigs {
			if oldSig.String() == newSig.String() {
				continue addLoop
			}
		}
		info.Sigs = append(info.Sigs, newSig)
	}
}

// Sign computes a new signature over info's fingerprint using key and
// appends it to info.Sigs under signerName, in the "name:base64sig"
// rendering that a .narinfo Sig line uses.
func (info *ValidPathInfo) Sign(signerName string, key ed25519.PrivateKey) error {
	fp, err := info.Fingerprint()
	if err != nil {
		return fmt.Errorf("sign %s: %v", info.Path, err)
	}
	sigText := signerName + ":" + base64StdEncode(ed25519.Sign(key, []byte(fp)))
	sig := new(nix.Signature)
	if err := sig.UnmarshalText([]byte(sigText)); err != nil {
		return fmt.Errorf("sign %s: %v", info.Path, err)
	}
	info.AddSignatures(sig)
	return nil
}
