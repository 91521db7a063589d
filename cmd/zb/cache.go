// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/NixOS/nix-sub009/internal/backend"
	"github.com/NixOS/nix-sub009/internal/cacheserver"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type cacheOptions struct {
	dbPath   string
	listen   string
	priority int
}

func newCacheCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "cache [options]",
		Short:                 "serve the store as a Nix binary cache over HTTP",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &cacheOptions{
		dbPath: filepath.Join(varDir(), "db.sqlite"),
		listen: "localhost:8080",
	}
	c.Flags().StringVar(&opts.dbPath, "db", opts.dbPath, "`path` to store database file")
	c.Flags().StringVar(&opts.listen, "listen", opts.listen, "`address` to listen on")
	c.Flags().IntVar(&opts.priority, "priority", 40, "advertised substituter `priority` (lower is preferred)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runCache(cmd.Context(), g, opts)
	}
	return c
}

func runCache(ctx context.Context, g *globalConfig, opts *cacheOptions) error {
	if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0o755); err != nil {
		return err
	}

	srv := backend.NewServer(g.storeDir, opts.dbPath, &backend.Options{})
	defer func() {
		if err := srv.Close(); err != nil {
			log.Errorf(ctx, "Closing store database: %v", err)
		}
	}()

	cache := &cacheserver.Server{
		StoreDirectory: g.storeDir,
		Backend:        srv,
		Priority:       opts.priority,
	}

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	httpServer := &http.Server{Handler: cache.Handler()}

	errc := make(chan error, 1)
	go func() {
		log.Infof(ctx, "Serving binary cache on %s", ln.Addr())
		errc <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("cache: shut down: %w", err)
		}
		return nil
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("cache: %w", err)
		}
		return nil
	}
}
