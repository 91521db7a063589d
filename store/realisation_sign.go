// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// RealizationSignatureFormat identifies the scheme used to sign a
// [Realisation], analogous to the format tag on a [Hash].
type RealizationSignatureFormat string

// Ed25519SignatureFormat is the only signature format this package knows
// how to produce or verify.
const Ed25519SignatureFormat RealizationSignatureFormat = "ed25519"

// RealizationPublicKey is a public key trusted to sign build trace
// entries, as loaded from a store's trusted-keys configuration.
type RealizationPublicKey struct {
	Format RealizationSignatureFormat
	Key    ed25519.PublicKey
}

// String renders k as "<format>:<base64 key>".
func (k RealizationPublicKey) String() string {
	return string(k.Format) + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

// MarshalText implements [encoding.TextMarshaler].
func (k RealizationPublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *RealizationPublicKey) UnmarshalText(data []byte) error {
	s := string(data)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return fmt.Errorf("parse realization public key %q: missing ':'", s)
	}
	format := RealizationSignatureFormat(s[:i])
	if format != Ed25519SignatureFormat {
		return fmt.Errorf("parse realization public key %q: unknown format %q", s, format)
	}
	key, err := base64.StdEncoding.DecodeString(s[i+1:])
	if err != nil {
		return fmt.Errorf("parse realization public key %q: %v", s, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("parse realization public key %q: wrong size (%d bytes)", s, len(key))
	}
	k.Format = format
	k.Key = ed25519.PublicKey(key)
	return nil
}

// RealizationSignature is a detached signature over a [Realisation],
// binding it to the [DrvOutput] it claims to be the realisation of.
// Unlike the on-disk [Realisation.Signatures] strings (which pack the
// key material into a single opaque blob, following the store's
// narinfo convention), a RealizationSignature keeps the public key
// alongside the signature bytes so it can be checked without first
// resolving a key name to a key.
type RealizationSignature struct {
	Format    RealizationSignatureFormat
	PublicKey ed25519.PublicKey
	Signature []byte
}

// marshalRealisationForSignature returns the byte string that is signed
// (or verified) for id's realisation r: the same fingerprint used by
// [Realisation.Fingerprint], prefixed with id so that a signature over
// one derivation output cannot be replayed against another.
func marshalRealisationForSignature(id DrvOutput, r *Realisation) []byte {
	rCopy := *r
	rCopy.ID = id
	return []byte(rCopy.Fingerprint())
}

// SignRealisationWithEd25519 signs id's realisation r with key, returning
// a detached [RealizationSignature]. It does not modify r.
func SignRealisationWithEd25519(id DrvOutput, r *Realisation, key ed25519.PrivateKey) (*RealizationSignature, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign realization: wrong private key size (%d bytes)", len(key))
	}
	msg := marshalRealisationForSignature(id, r)
	return &RealizationSignature{
		Format:    Ed25519SignatureFormat,
		PublicKey: key.Public().(ed25519.PublicKey),
		Signature: ed25519.Sign(key, msg),
	}, nil
}

// VerifyRealisationSignature reports whether sig is a valid signature
// over id's realisation r.
func VerifyRealisationSignature(id DrvOutput, r *Realisation, sig *RealizationSignature) bool {
	if sig == nil || sig.Format != Ed25519SignatureFormat {
		return false
	}
	if len(sig.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	msg := marshalRealisationForSignature(id, r)
	return ed25519.Verify(sig.PublicKey, msg, sig.Signature)
}
