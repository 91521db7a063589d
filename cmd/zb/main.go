// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Command zb is the command-line client for the store and build daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/NixOS/nix-sub009/internal/storepath"
	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

// globalConfig holds the flags shared by every subcommand.
type globalConfig struct {
	storeDir   storepath.Directory
	socketPath string
	cacheDB    string
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "zb",
		Short:         "inspect and drive a content-addressed store",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := &globalConfig{
		storeDir:   storepath.DefaultDirectory(),
		socketPath: storepath.SocketPath(),
		cacheDB:    filepath.Join(cacheDir(), "zb", "fetch-cache.db"),
	}
	storeDirFlag := (*storeDirectoryFlag)(&g.storeDir)
	rootCommand.PersistentFlags().Var(storeDirFlag, "store", "store `directory`")
	rootCommand.PersistentFlags().StringVar(&g.socketPath, "socket", g.socketPath, "`path` to the store daemon's socket")
	rootCommand.PersistentFlags().StringVar(&g.cacheDB, "cache", g.cacheDB, "`path` to fetcher cache database")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newServeCommand(g),
		newStoreCommand(g),
		newRealizeCommand(g),
		newCacheCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "zb: ", log.StdFlags, nil),
		})
	})
}

// varDir returns the directory the store daemon keeps its database and
// runtime state in.
func varDir() string {
	if d := os.Getenv("ZB_VAR_DIR"); d != "" {
		return d
	}
	return filepath.Join(string(storepath.DefaultDirectory()), "var", "zb")
}
