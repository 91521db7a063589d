// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package goals

import (
	"context"
	"io"

	"github.com/NixOS/nix-sub009/internal/sets"
	"github.com/NixOS/nix-sub009/store"
)

// destStore is the capability a substitution goal needs of the store it
// is populating: it must be able to check what's already present and to
// accept an import stream.
type destStore interface {
	store.Store
	store.Importer
}

// copyObject streams path's closure from src into dest using the same
// `nix-store --export` framing [store.Export] and [store.ReceiveExport]
// use for every other store-to-store transfer, so a substitution goal
// never has to know src's or dest's concrete type.
func copyObject(ctx context.Context, dest destStore, src store.Store, path store.Path) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := store.Export(ctx, src, pw, sets.New(path), nil)
		pw.CloseWithError(err)
		done <- err
	}()
	if err := dest.StoreImport(ctx, pr); err != nil {
		<-done
		return err
	}
	return <-done
}

// PathSubstitutionGoal tries to make storePath valid in dest by copying
// it from the first of substituters that has it, per spec §4.3 item 5.
// Substituters are tried in the order given; callers sort by priority
// then declaration order before constructing the goal.
type PathSubstitutionGoal struct {
	baseGoal

	dest         destStore
	substituters []store.Store
	path         store.Path

	idx int
}

// NewPathSubstitutionGoal returns a goal that substitutes path into dest.
func NewPathSubstitutionGoal(dest destStore, substituters []store.Store, path store.Path) *PathSubstitutionGoal {
	return &PathSubstitutionGoal{
		baseGoal:     baseGoal{key: makeKey(kindPathSubstitution, path.Name(), string(path))},
		dest:         dest,
		substituters: substituters,
		path:         path,
	}
}

// Path returns the store path the goal is substituting.
func (g *PathSubstitutionGoal) Path() store.Path { return g.path }

// Work implements [Goal].
func (g *PathSubstitutionGoal) Work(s *Scheduler) []Goal {
	if _, err := g.dest.Object(context.Background(), g.path); err == nil {
		g.code = Success
		return nil
	}

	if !s.AcquireBuildSlot() {
		return nil // waitForBuildSlot()
	}
	defer s.ReleaseBuildSlot()

	for ; g.idx < len(g.substituters); g.idx++ {
		if err := copyObject(context.Background(), g.dest, g.substituters[g.idx], g.path); err == nil {
			g.code = Success
			return nil
		}
	}
	g.code = NoSubstituters
	return nil
}

// DrvOutputSubstitutionGoal tries to learn a realisation for a
// content-addressed derivation output, then substitutes the output path
// it names, per spec §4.3 item 6.
type DrvOutputSubstitutionGoal struct {
	baseGoal

	id           store.DrvOutput
	dest         destStore
	substituters []store.Store
	trace        *store.BuildTrace

	pathGoal    *PathSubstitutionGoal
	realisation *store.Realisation
}

// NewDrvOutputSubstitutionGoal returns a goal that substitutes the
// realisation and output path for id.
func NewDrvOutputSubstitutionGoal(dest destStore, substituters []store.Store, trace *store.BuildTrace, id store.DrvOutput) *DrvOutputSubstitutionGoal {
	return &DrvOutputSubstitutionGoal{
		baseGoal:     baseGoal{key: makeKey(kindDrvOutputSubstitution, id.OutputName, id.String())},
		id:           id,
		dest:         dest,
		substituters: substituters,
		trace:        trace,
	}
}

// Realisation returns the realisation the goal substituted, once it has
// succeeded.
func (g *DrvOutputSubstitutionGoal) Realisation() *store.Realisation { return g.realisation }

// Work implements [Goal].
func (g *DrvOutputSubstitutionGoal) Work(s *Scheduler) []Goal {
	if g.pathGoal == nil {
		if r, ok := g.trace.Lookup(g.id); ok {
			g.realisation = r
		} else {
			for _, sub := range g.substituters {
				rf, ok := sub.(store.RealizationFetcher)
				if !ok {
					continue
				}
				outs, err := rf.FetchRealizations(context.Background(), g.id.DrvHash)
				if err != nil {
					continue
				}
				if r, ok := outs[g.id.OutputName]; ok {
					g.realisation = r
					break
				}
			}
		}
		if g.realisation == nil {
			g.code = NoSubstituters
			return nil
		}
		g.pathGoal = NewPathSubstitutionGoal(g.dest, g.substituters, g.realisation.OutPath)
		return []Goal{g.pathGoal}
	}

	if g.pathGoal.ExitCode() != Success {
		g.code = g.pathGoal.ExitCode()
		return nil
	}
	g.trace.Record(g.realisation)
	g.code = Success
	return nil
}
