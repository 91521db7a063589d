// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/NixOS/nix-sub009/internal/nixhash"
)

func testPathInfo(t *testing.T) *ValidPathInfo {
	t.Helper()
	p := testDrvPath(t)
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("fake nar contents")
	info := &ValidPathInfo{
		Path: p,
		UnkeyedValidPathInfo: UnkeyedValidPathInfo{
			NARHash: h.SumHash(),
			NARSize: 1234,
		},
	}
	return info
}

func TestValidPathInfoFingerprintDeterministic(t *testing.T) {
	info := testPathInfo(t)
	fp1, err := info.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := info.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Errorf("Fingerprint is not deterministic: %q != %q", fp1, fp2)
	}
}

func TestValidPathInfoFingerprintRejectsMissingHash(t *testing.T) {
	info := &ValidPathInfo{Path: testDrvPath(t)}
	if _, err := info.Fingerprint(); err == nil {
		t.Error("Fingerprint() with no NAR hash succeeded; want error")
	}
}

func TestValidPathInfoSignAndDedup(t *testing.T) {
	info := testPathInfo(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := info.Sign("cache.example.org-1", priv); err != nil {
		t.Fatal(err)
	}
	if len(info.Sigs) != 1 {
		t.Fatalf("len(Sigs) = %d; want 1", len(info.Sigs))
	}
	// Re-adding the same signature should not duplicate it.
	info.AddSignatures(info.Sigs[0])
	if len(info.Sigs) != 1 {
		t.Errorf("len(Sigs) after re-adding = %d; want 1", len(info.Sigs))
	}
}
