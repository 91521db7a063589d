// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"testing"

	"github.com/NixOS/nix-sub009/internal/nixhash"
)

func TestRealisationSignature(t *testing.T) {
	testKey := ed25519.PrivateKey{
		0xf8, 0xd3, 0x03, 0x35, 0xfb, 0xe3, 0x0a, 0x67,
		0x53, 0xf6, 0x62, 0xeb, 0xf7, 0x36, 0x9d, 0x61,
		0x05, 0xf0, 0x17, 0xf9, 0x8f, 0x2e, 0xc4, 0xe8,
		0x33, 0x0d, 0xfa, 0xc9, 0x7e, 0xf0, 0xe8, 0x70,
		0x95, 0x09, 0x22, 0xbd, 0x27, 0x65, 0xac, 0x30,
		0x63, 0xc2, 0x01, 0x3f, 0x54, 0xd9, 0x8f, 0x79,
		0xf4, 0xd1, 0x60, 0x01, 0xf7, 0x62, 0x49, 0x61,
		0x91, 0xbd, 0x66, 0xd7, 0x62, 0x51, 0x94, 0x70,
	}
	testPublicKey := testKey.Public().(ed25519.PublicKey)

	h, err := nixhash.ParseHash("sha256-AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatal(err)
	}
	id := DrvOutput{DrvHash: h, OutputName: "out"}
	r := &Realisation{
		ID:      id,
		OutPath: "/opt/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-foo",
	}

	sig, err := SignRealisationWithEd25519(id, r, testKey)
	if err != nil {
		t.Fatalf("SignRealisationWithEd25519: %v", err)
	}
	if sig.Format != Ed25519SignatureFormat {
		t.Errorf("sig.Format = %q; want %q", sig.Format, Ed25519SignatureFormat)
	}
	if !testPublicKey.Equal(sig.PublicKey) {
		t.Errorf("sig.PublicKey = %x; want %x", sig.PublicKey, testPublicKey)
	}
	if !VerifyRealisationSignature(id, r, sig) {
		t.Error("VerifyRealisationSignature reported a freshly produced signature as invalid")
	}

	other := DrvOutput{DrvHash: h, OutputName: "dev"}
	if VerifyRealisationSignature(other, r, sig) {
		t.Error("VerifyRealisationSignature accepted a signature against a different output")
	}

	tamperedPath := &Realisation{ID: id, OutPath: "/opt/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-foo"}
	if VerifyRealisationSignature(id, tamperedPath, sig) {
		t.Error("VerifyRealisationSignature accepted a signature over a tampered output path")
	}

	tamperedSig := &RealizationSignature{
		Format:    sig.Format,
		PublicKey: sig.PublicKey,
		Signature: append([]byte(nil), sig.Signature...),
	}
	tamperedSig.Signature[0] ^= 0xff
	if VerifyRealisationSignature(id, r, tamperedSig) {
		t.Error("VerifyRealisationSignature accepted a corrupted signature")
	}
}

func TestRealizationPublicKeyRoundTrip(t *testing.T) {
	_, pub, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	k := RealizationPublicKey{Format: Ed25519SignatureFormat, Key: pub}
	text, err := k.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var got RealizationPublicKey
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText(%q): %v", text, err)
	}
	if got.Format != k.Format || !got.Key.Equal(k.Key) {
		t.Errorf("round trip of %q = %+v; want %+v", text, got, k)
	}
}
