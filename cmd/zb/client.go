// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/NixOS/nix-sub009/internal/jsonrpc"
	"github.com/NixOS/nix-sub009/internal/zbstorerpc"
	"github.com/NixOS/nix-sub009/store"
)

// storeClient dials g.socketPath and returns a client for the store
// daemon's JSON-RPC API.
func (g *globalConfig) storeClient(opts *zbstorerpc.CodecOptions) (client *jsonrpc.Client, wait func()) {
	var wg sync.WaitGroup
	client = jsonrpc.NewClient(func(ctx context.Context) (jsonrpc.ClientCodec, error) {
		conn, err := new(net.Dialer).DialContext(ctx, "unix", g.socketPath)
		if err != nil {
			return nil, fmt.Errorf("connect to store daemon at %s: %w", g.socketPath, err)
		}
		return zbstorerpc.NewCodec(conn, opts), nil
	})
	return client, wg.Wait
}

// reusePolicy returns the [zbstorerpc.ReusePolicy] implied by a set of
// trusted public keys: every realization if none were given, otherwise
// only realizations signed by one of them.
func reusePolicy(trustedKeys []store.RealizationPublicKey) *zbstorerpc.ReusePolicy {
	if len(trustedKeys) == 0 {
		return &zbstorerpc.ReusePolicy{All: true}
	}
	policy := &zbstorerpc.ReusePolicy{PublicKeys: make([]*store.RealizationPublicKey, len(trustedKeys))}
	for i := range trustedKeys {
		policy.PublicKeys[i] = &trustedKeys[i]
	}
	return policy
}
