// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/NixOS/nix-sub009/internal/jsonrpc"
	"github.com/NixOS/nix-sub009/store"
	"github.com/spf13/cobra"
)

type realizeOptions struct {
	drvPath string
	outputs stringSetFlag
}

func newRealizeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "realize [options] DRVPATH",
		Short:                 "build a derivation and print its output paths",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := &realizeOptions{outputs: stringSetFlag{csv: true}}
	c.Flags().Var(&opts.outputs, "output", "restrict output to the named `outputs` (comma-separated, default: all)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.drvPath = args[0]
		return runRealize(cmd.Context(), g, opts)
	}
	return c
}

func runRealize(ctx context.Context, g *globalConfig, opts *realizeOptions) error {
	drvPath, err := store.ParsePath(opts.drvPath)
	if err != nil {
		return err
	}

	client, wait := g.storeClient(nil)
	defer func() {
		client.Close()
		wait()
	}()

	resp := new(store.RealizeResponse)
	err = jsonrpc.Do(ctx, client, store.RealizeMethod, resp, &store.RealizeRequest{DrvPath: drvPath})
	if err != nil {
		return fmt.Errorf("realize %s: %w", drvPath, err)
	}

	ok := true
	for _, out := range resp.Outputs {
		if opts.outputs.set != nil && !opts.outputs.set.Has(out.Name) {
			continue
		}
		if !out.Path.Valid {
			fmt.Printf("%s: build failed\n", out.Name)
			ok = false
			continue
		}
		fmt.Println(out.Path.X)
	}
	if !ok {
		return fmt.Errorf("one or more outputs failed to build")
	}
	return nil
}
