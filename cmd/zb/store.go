// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/NixOS/nix-sub009/internal/backend"
	"github.com/NixOS/nix-sub009/internal/sets"
	"github.com/NixOS/nix-sub009/internal/zbstorerpc"
	"github.com/NixOS/nix-sub009/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"
)

func newStoreCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "store COMMAND",
		Short:                 "inspect the store",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(newStoreObjectCommand(g))
	return c
}

func newStoreObjectCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "object COMMAND",
		Short:                 "inspect and transfer store objects",
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.AddCommand(
		newStoreObjectExportCommand(g),
		newStoreObjectImportCommand(g),
		newStoreObjectRegisterCommand(g),
	)
	return c
}

type storeObjectExportOptions struct {
	paths             []string
	includeReferences bool
	output            string
}

func newStoreObjectExportCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "export [options] PATH [...]",
		Short:                 "export one or more store objects",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(storeObjectExportOptions)
	c.Flags().BoolVar(&opts.includeReferences, "references", true, "include referenced store objects")
	c.Flags().StringVarP(&opts.output, "output", "o", "", "output `file` (\"-\" for stdout)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if opts.output == "" && term.IsTerminal(int(os.Stdout.Fd())) {
			return errors.New("refusing to write a binary export to a terminal; pass --output=- to override")
		}
		opts.paths = args
		return runStoreObjectExport(cmd.Context(), g, opts)
	}
	return c
}

func runStoreObjectExport(ctx context.Context, g *globalConfig, opts *storeObjectExportOptions) error {
	client, wait := g.storeClient(nil)
	defer func() {
		client.Close()
		wait()
	}()

	w := os.Stdout
	if opts.output != "" && opts.output != "-" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	paths := sets.New[store.Path]()
	for _, p := range opts.paths {
		path, err := store.ParsePath(p)
		if err != nil {
			return err
		}
		paths.Add(path)
	}

	rpcStore := &zbstorerpc.Store{Handler: client}
	err := rpcStore.StoreExport(ctx, w, paths, &store.ExportOptions{
		ExcludeReferences: !opts.includeReferences,
	})
	if err != nil {
		return err
	}
	return nil
}

type storeObjectImportOptions struct {
	input string
}

func newStoreObjectImportCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "import [options]",
		Short:                 "import store objects from a previous `zb store object export` command",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &storeObjectImportOptions{input: "-"}
	c.Flags().StringVarP(&opts.input, "input", "i", opts.input, "input `file` (\"-\" for stdin)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreObjectImport(cmd.Context(), g, opts)
	}
	return c
}

func runStoreObjectImport(ctx context.Context, g *globalConfig, opts *storeObjectImportOptions) error {
	r := os.Stdin
	if opts.input != "" && opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	} else if term.IsTerminal(int(os.Stdin.Fd())) {
		log.Infof(ctx, "Waiting for data on stdin...")
	}

	client, wait := g.storeClient(nil)
	defer func() {
		client.Close()
		wait()
	}()

	rpcStore := &zbstorerpc.Store{Handler: client}
	if err := rpcStore.StoreImport(ctx, r); err != nil {
		return err
	}
	return nil
}

type storeObjectRegisterOptions struct {
	input  io.Reader
	dbPath string
}

func newStoreObjectRegisterCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "register [options]",
		Short:                 "add info for objects already present in the store directory",
		Long: "register reads `zb store object export`-style metadata records\n" +
			"from standard input and adds them to the store database\n" +
			"without examining or copying the store objects themselves.",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &storeObjectRegisterOptions{
		input:  os.Stdin,
		dbPath: filepath.Join(varDir(), "db.sqlite"),
	}
	c.Flags().StringVar(&opts.dbPath, "db", opts.dbPath, "`path` to store database file")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runStoreObjectRegister(cmd.Context(), g, opts)
	}
	return c
}

func runStoreObjectRegister(ctx context.Context, g *globalConfig, opts *storeObjectRegisterOptions) error {
	if err := os.MkdirAll(filepath.Dir(opts.dbPath), 0o755); err != nil {
		return err
	}

	srv := backend.NewServer(g.storeDir, opts.dbPath, &backend.Options{})
	defer srv.Close()

	s := bufio.NewScanner(opts.input)
	s.Split(splitObjectInfos)
	ok := true
	for info := new(backend.ObjectInfo); s.Scan(); {
		if err := info.UnmarshalText(s.Bytes()); err != nil {
			log.Errorf(ctx, "Invalid object (skipping): %v", err)
			ok = false
			continue
		}
		if err := srv.Register(ctx, info); err != nil {
			log.Errorf(ctx, "Failed: %v", err)
			ok = false
		}
	}
	if !ok {
		return fmt.Errorf("one or more objects were not registered")
	}
	return nil
}

func splitObjectInfos(data []byte, atEOF bool) (advance int, token []byte, err error) {
	switch i := bytes.Index(data, []byte("\nStorePath:")); {
	case i >= 0:
		return i + 1, data[:i+1], nil
	case atEOF && len(data) == 0:
		return 0, nil, bufio.ErrFinalToken
	case atEOF && len(data) > 0:
		return len(data), data, bufio.ErrFinalToken
	default:
		return 0, nil, nil
	}
}
