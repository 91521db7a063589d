// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package backendtest provides helpers for standing up an
// [internal/backend.Server] in tests and connecting to it over an in-memory
// pipe.
package backendtest

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/NixOS/nix-sub009/bytebuffer"
	"github.com/NixOS/nix-sub009/internal/backend"
	"github.com/NixOS/nix-sub009/internal/jsonrpc"
	"github.com/NixOS/nix-sub009/internal/zbstorerpc"
	"github.com/NixOS/nix-sub009/store"
)

// NewStoreDirectory returns a freshly created store directory suitable for
// use in a test, backed by a temporary directory on disk.
func NewStoreDirectory(tb testing.TB) store.Directory {
	tb.Helper()
	dir, err := store.CleanDirectory(tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	return dir
}

// Options is the set of optional parameters to [NewServer].
type Options struct {
	backend.Options

	// TempDir is where the server's database and build directories are
	// placed if not otherwise specified. If empty, defaults to [testing.T.TempDir].
	TempDir string
	// ClientOptions configures the codec used by the returned client.
	ClientOptions zbstorerpc.CodecOptions
	// ClientHandler serves any requests the server sends to the client.
	// If nil, the client responds to all such requests with "not found".
	ClientHandler jsonrpc.Handler
}

// NewServer starts a [backend.Server] for testing purposes over an in-memory
// pipe and returns the server along with a client connected to it.
// The server and client are torn down as part of tb's cleanup.
func NewServer(ctx context.Context, tb testing.TB, dir store.Directory, opts *Options) (*backend.Server, *jsonrpc.Client, error) {
	tb.Helper()
	if opts == nil {
		opts = new(Options)
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = tb.TempDir()
	}
	serverOpts := opts.Options
	if serverOpts.RealDir == "" {
		serverOpts.RealDir = string(dir)
	}
	if serverOpts.BuildDir == "" {
		serverOpts.BuildDir = filepath.Join(tempDir, "build")
	}
	srv := backend.NewServer(dir, filepath.Join(tempDir, "db.sqlite"), &serverOpts)

	serverConn, clientConn := net.Pipe()
	serverCtx, cancel := context.WithCancel(ctx)

	serverReceiver := srv.NewNARReceiver(serverCtx, bytebuffer.TempFileCreator{})
	serverCodec := zbstorerpc.NewCodec(serverConn, &zbstorerpc.CodecOptions{NARReceiver: serverReceiver})

	clientHandler := opts.ClientHandler
	if clientHandler == nil {
		clientHandler = jsonrpc.ServeMux{}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		peer := jsonrpc.NewClient(func(ctx context.Context) (jsonrpc.ClientCodec, error) {
			return serverCodec, nil
		})
		jsonrpc.Serve(backend.WithPeer(serverCtx, peer), serverCodec, srv)
		peer.Close() // closes serverCodec implicitly
	}()

	clientOpts := opts.ClientOptions
	clientCodec := zbstorerpc.NewCodec(clientConn, &clientOpts)
	wg.Add(1)
	go func() {
		defer wg.Done()
		jsonrpc.Serve(serverCtx, clientCodec, clientHandler)
	}()
	client := jsonrpc.NewClient(func(ctx context.Context) (jsonrpc.ClientCodec, error) {
		return clientCodec, nil
	})

	tb.Cleanup(func() {
		if err := client.Close(); err != nil {
			tb.Error("backendtest: close client:", err)
		}

		cancel()
		wg.Wait()

		serverReceiver.Cleanup(context.Background())
		if err := srv.Close(); err != nil {
			tb.Error("backendtest: close server:", err)
		}
	})

	return srv, client, nil
}
