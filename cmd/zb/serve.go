// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NixOS/nix-sub009/bytebuffer"
	"github.com/NixOS/nix-sub009/internal/backend"
	"github.com/NixOS/nix-sub009/internal/jsonrpc"
	"github.com/NixOS/nix-sub009/internal/zbstorerpc"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

type serveOptions struct {
	dbPath   string
	realDir  string
	buildDir string
}

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "run the store and build daemon",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &serveOptions{
		dbPath: filepath.Join(varDir(), "db.sqlite"),
	}
	c.Flags().StringVar(&opts.dbPath, "db", opts.dbPath, "`path` to store database file")
	c.Flags().StringVar(&opts.realDir, "real-dir", "", "physical location of store objects, if different from the store `directory`")
	c.Flags().StringVar(&opts.buildDir, "build-dir", "", "`directory` to place realizations' working directories in")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g, opts)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig, opts *serveOptions) error {
	if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0o755); err != nil {
		return err
	}
	if opts.buildDir != "" {
		if err := os.MkdirAll(opts.buildDir, 0o755); err != nil {
			return err
		}
	}

	srv := backend.NewServer(g.storeDir, opts.dbPath, &backend.Options{
		RealDir:  opts.realDir,
		BuildDir: opts.buildDir,
	})
	defer func() {
		if err := srv.Close(); err != nil {
			log.Errorf(ctx, "Closing store database: %v", err)
		}
	}()

	ln, err := zbstorerpc.NewListener()
	if err != nil {
		return err
	}
	defer ln.Close()

	log.Infof(ctx, "Listening on %s", ln.Addr())
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf(ctx, "Notify systemd of readiness: %v", err)
	} else if sent {
		log.Debugf(ctx, "Notified systemd of readiness")
	}
	stopWatchdog := startWatchdog(ctx)
	defer stopWatchdog()

	go func() {
		<-ctx.Done()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()

			receiver := srv.NewNARReceiver(ctx, bytebuffer.TempFileCreator{})
			defer receiver.Cleanup(ctx)
			codec := zbstorerpc.NewCodec(conn, &zbstorerpc.CodecOptions{NARReceiver: receiver})
			defer codec.Close()

			if err := jsonrpc.Serve(ctx, codec, srv); err != nil {
				log.Debugf(ctx, "Connection closed: %v", err)
			}
		}()
	}
}

// startWatchdog pings systemd's service watchdog at half the configured
// interval, per sd_watchdog_enabled(3). It returns a function that stops
// the ping loop; calling it is a no-op if no watchdog is configured.
func startWatchdog(ctx context.Context) (stop func()) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warnf(ctx, "Notify systemd watchdog: %v", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
