// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package goals

import (
	"context"
	"fmt"
	"time"

	"github.com/NixOS/nix-sub009/store"
)

// BuildMode selects how a [DerivationGoal] and [DerivationBuildingGoal]
// treat an output that is already valid.
type BuildMode int

// Recognized build modes.
const (
	// BuildNormal accepts an already-valid output without rebuilding.
	BuildNormal BuildMode = iota
	// BuildRepair skips substitution of the wanted output and goes on to
	// resolution and building. An already-valid output is still accepted
	// as is, and no substitution goals are spawned for the derivation's
	// inputs.
	BuildRepair
	// BuildCheck forces a rebuild of an already-valid output to compare
	// against the existing contents (not yet wired to a comparison
	// step; recorded for forward compatibility with `--check`).
	BuildCheck
)

// DerivationLoader obtains the parsed contents of a derivation at path,
// the capability [DerivationTrampolineGoal] needs to turn an opaque
// `.drv` store path into a [store.Derivation] it can spawn goals for.
type DerivationLoader interface {
	LoadDerivation(ctx context.Context, path store.Path) (*store.Derivation, error)
}

// Builder is the external collaborator spec §9 calls out as out of the
// scheduler's own scope: sandbox setup, user allocation, and process
// execution belong to the concrete builder, not to the goal graph.
// [DerivationBuildingGoal] calls Build once every input of drv is
// present and reports the resulting output paths.
//
// progress is called whenever the builder produces output (e.g. a
// stderr line), letting the goal reset its maxSilentTime timer the same
// way forwarding the child's stderr does in the reference worker loop.
type Builder interface {
	Build(ctx context.Context, drvPath store.Path, drv *store.Derivation, wantedOutputs []string, progress func()) (map[string]store.Path, error)
}

// derivationEnv bundles the dependencies every derivation-related goal
// in this file needs, so constructors don't have to repeat a dozen
// parameters.
type derivationEnv struct {
	dest          destStore
	substituters  []store.Store
	trace         *store.BuildTrace
	builder       Builder
	drvHashes     map[store.Path]store.DerivationHash
	inputDrvs     map[store.Path]*store.Derivation
	maxSilentTime time.Duration
	buildTimeout  time.Duration
}

// DerivationGoal realises a single output of a single derivation, per
// spec §4.3 item 2: already valid, else substitutable, else resolvable,
// else built.
type DerivationGoal struct {
	baseGoal

	drvPath      store.Path
	drv          *store.Derivation
	wantedOutput string
	buildMode    BuildMode
	env          derivationEnv

	checkedValid     bool
	substitutionDone bool
	resolutionDone   bool
	resolvedBuild    bool

	subGoal   Goal
	resGoal   *DerivationResolutionGoal
	buildGoal *DerivationBuildingGoal

	resultPath store.Path
	// outcome records which of the BuildResult::Success::Status variants
	// spec §9 says to preserve the distinction of; it is diagnostic only
	// and not otherwise exposed through [Goal].
	outcome string
}

// NewDerivationGoal returns a goal that realises wantedOutput of drv,
// found at drvPath.
func NewDerivationGoal(drvPath store.Path, drv *store.Derivation, wantedOutput string, buildMode BuildMode, dest destStore, substituters []store.Store, trace *store.BuildTrace, builder Builder, drvHashes map[store.Path]store.DerivationHash, inputDrvs map[store.Path]*store.Derivation, maxSilentTime, buildTimeout time.Duration) *DerivationGoal {
	return &DerivationGoal{
		baseGoal:     baseGoal{key: makeKey(kindDerivation, drv.Name, string(drvPath)+"!"+wantedOutput)},
		drvPath:      drvPath,
		drv:          drv,
		wantedOutput: wantedOutput,
		buildMode:    buildMode,
		env: derivationEnv{
			dest:          dest,
			substituters:  substituters,
			trace:         trace,
			builder:       builder,
			drvHashes:     drvHashes,
			inputDrvs:     inputDrvs,
			maxSilentTime: maxSilentTime,
			buildTimeout:  buildTimeout,
		},
	}
}

// ResultPath returns the store path the goal realised, once it has
// succeeded.
func (g *DerivationGoal) ResultPath() store.Path { return g.resultPath }

// Outcome names which success variant the goal ended in
// ("AlreadyValid", "Substituted", "ResolvesToAlreadyValid", or "Built"),
// once it has succeeded.
func (g *DerivationGoal) Outcome() string { return g.outcome }

// Work implements [Goal].
func (g *DerivationGoal) Work(s *Scheduler) []Goal {
	out := g.drv.Outputs[g.wantedOutput]
	if out == nil {
		g.code = Failed
		return nil
	}

	if !g.checkedValid {
		g.checkedValid = true
		if g.buildMode != BuildCheck {
			if p, ok := out.Path(g.drv.Dir, g.drv.Name, g.wantedOutput); ok {
				if _, err := g.env.dest.Object(context.Background(), p); err == nil {
					g.resultPath = p
					g.outcome = "AlreadyValid"
					g.code = Success
					return nil
				}
			}
		}
	}

	if !g.substitutionDone {
		if g.subGoal == nil {
			switch {
			case len(g.env.substituters) == 0 || g.buildMode != BuildNormal:
				g.substitutionDone = true
			case out.IsFloating():
				drvHash, ok := g.env.drvHashes[g.drvPath]
				if !ok {
					g.substitutionDone = true
					break
				}
				g.subGoal = NewDrvOutputSubstitutionGoal(g.env.dest, g.env.substituters, g.env.trace, store.DrvOutput{DrvHash: drvHash.Hash, OutputName: g.wantedOutput})
				return []Goal{g.subGoal}
			default:
				if p, ok := out.Path(g.drv.Dir, g.drv.Name, g.wantedOutput); ok {
					g.subGoal = NewPathSubstitutionGoal(g.env.dest, g.env.substituters, p)
					return []Goal{g.subGoal}
				}
				g.substitutionDone = true
			}
		} else {
			g.substitutionDone = true
			if g.subGoal.ExitCode() == Success {
				switch sub := g.subGoal.(type) {
				case *DrvOutputSubstitutionGoal:
					g.resultPath = sub.Realisation().OutPath
				case *PathSubstitutionGoal:
					g.resultPath = sub.Path()
				}
				g.outcome = "Substituted"
				g.code = Success
				return nil
			}
			g.subGoal = nil
		}
		if !g.substitutionDone {
			return nil
		}
	}

	if !g.resolutionDone {
		if g.resGoal == nil {
			g.resGoal = NewDerivationResolutionGoal(g.drvPath, g.drv, g.env)
			return []Goal{g.resGoal}
		}
		g.resolutionDone = true
		if g.resGoal.ExitCode() != Success {
			g.code = g.resGoal.ExitCode()
			return nil
		}
		if resolvedPath, resolvedDrv, ok := g.resGoal.Resolved(); ok {
			resolvedHashes := cloneDrvHashes(g.env.drvHashes)
			resolvedHashes[resolvedPath] = g.resGoal.resolvedHash
			resolvedEnv := g.env
			resolvedEnv.drvHashes = resolvedHashes
			g.buildGoal = NewDerivationBuildingGoal(resolvedPath, resolvedDrv, []string{g.wantedOutput}, g.buildMode, resolvedEnv)
			g.resolvedBuild = true
			return []Goal{g.buildGoal}
		}
	}

	if g.buildGoal == nil {
		g.buildGoal = NewDerivationBuildingGoal(g.drvPath, g.drv, []string{g.wantedOutput}, g.buildMode, g.env)
		return []Goal{g.buildGoal}
	}

	if g.buildGoal.ExitCode() != Success {
		g.code = g.buildGoal.ExitCode()
		return nil
	}
	p, ok := g.buildGoal.OutputPath(g.wantedOutput)
	if !ok {
		g.code = Failed
		return nil
	}
	g.resultPath = p
	if g.resolvedBuild {
		drvHash, ok := g.env.drvHashes[g.drvPath]
		if ok {
			g.env.trace.Record(&store.Realisation{ID: store.DrvOutput{DrvHash: drvHash.Hash, OutputName: g.wantedOutput}, OutPath: p})
		}
		g.outcome = "ResolvesToAlreadyValid"
	} else {
		g.outcome = "Built"
	}
	g.code = Success
	return nil
}

func cloneDrvHashes(m map[store.Path]store.DerivationHash) map[store.Path]store.DerivationHash {
	clone := make(map[store.Path]store.DerivationHash, len(m)+1)
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// DerivationResolutionGoal rewrites a derivation's dynamic inputs away,
// per spec §4.3 item 3.
type DerivationResolutionGoal struct {
	baseGoal

	drvPath store.Path
	drv     *store.Derivation
	env     derivationEnv

	started         bool
	traceGoals      map[store.OutputReference]*BuildTraceTrampolineGoal
	resolvedOutputs map[store.OutputReference]store.Path

	resolved     *store.Derivation
	resolvedPath store.Path
	resolvedHash store.DerivationHash
}

// NewDerivationResolutionGoal returns a goal that resolves drv's dynamic
// inputs, if it has any.
func NewDerivationResolutionGoal(drvPath store.Path, drv *store.Derivation, env derivationEnv) *DerivationResolutionGoal {
	return &DerivationResolutionGoal{
		baseGoal: baseGoal{key: makeKey(kindDerivationResolution, drv.Name, string(drvPath))},
		drvPath:  drvPath,
		drv:      drv,
		env:      env,
	}
}

// Resolved returns the resolved derivation and the store path it was
// written to, if resolution was needed.
func (g *DerivationResolutionGoal) Resolved() (store.Path, *store.Derivation, bool) {
	return g.resolvedPath, g.resolved, g.resolved != nil
}

// Work implements [Goal].
func (g *DerivationResolutionGoal) Work(s *Scheduler) []Goal {
	if !g.started {
		g.started = true
		g.resolvedOutputs = make(map[store.OutputReference]store.Path)
		g.traceGoals = make(map[store.OutputReference]*BuildTraceTrampolineGoal)
		var pending []Goal
		for drvPath, outputNames := range g.drv.InputDerivations {
			child, ok := g.env.inputDrvs[drvPath]
			if !ok {
				g.code = Failed
				return nil
			}
			for outputName := range outputNames.Values() {
				ref := store.OutputReference{DrvPath: drvPath, OutputName: outputName}
				out := child.Outputs[outputName]
				if out.IsFloating() || out.IsDeferred() {
					childHash, ok := g.env.drvHashes[drvPath]
					if !ok {
						g.code = Failed
						return nil
					}
					tg := NewBuildTraceTrampolineGoal(g.env.trace, g.env.dest, g.env.substituters, store.DrvOutput{DrvHash: childHash.Hash, OutputName: outputName})
					g.traceGoals[ref] = tg
					pending = append(pending, tg)
				} else if p, ok := out.Path(child.Dir, child.Name, outputName); ok {
					g.resolvedOutputs[ref] = p
				}
			}
		}
		if len(pending) > 0 {
			return pending
		}
		g.finish()
		return nil
	}

	for ref, tg := range g.traceGoals {
		if tg.ExitCode() != Success {
			g.code = tg.ExitCode()
			return nil
		}
		g.resolvedOutputs[ref] = tg.Realisation().OutPath
	}
	g.finish()
	return nil
}

func (g *DerivationResolutionGoal) finish() {
	resolved, needed, err := store.ResolveDerivation(g.drv, g.env.inputDrvs, g.resolvedOutputs)
	if err != nil {
		g.code = Failed
		return
	}
	if !needed {
		g.code = Success
		return
	}

	hashMod, err := store.HashDerivationModulo(resolved, nil)
	if err != nil {
		g.code = Failed
		return
	}
	data, err := resolved.MarshalText()
	if err != nil {
		g.code = Failed
		return
	}
	tw, ok := g.env.dest.(store.TextWriter)
	if !ok {
		g.code = Failed
		return
	}
	p, err := tw.AddText(resolved.Name+store.DerivationExt, data, resolved.InputSources.Clone())
	if err != nil {
		g.code = Failed
		return
	}

	g.resolved = resolved
	g.resolvedPath = p
	g.resolvedHash = hashMod
	g.code = Success
}

// DerivationBuildingGoal drives the actual build of a derivation's
// wanted outputs, per spec §4.3 item 7. Sandbox setup, privilege
// handling, and process supervision belong to the injected [Builder];
// this goal only sequences the call against the scheduler's build-slot
// accounting and enforces maxSilentTime/buildTimeout.
type DerivationBuildingGoal struct {
	baseGoal

	drvPath       store.Path
	drv           *store.Derivation
	wantedOutputs []string
	buildMode     BuildMode
	env           derivationEnv

	started  bool
	resultCh chan buildOutcome
	outputs  map[string]store.Path
}

type buildOutcome struct {
	outputs map[string]store.Path
	err     error
}

// NewDerivationBuildingGoal returns a goal that builds wantedOutputs of
// drv, found at drvPath.
func NewDerivationBuildingGoal(drvPath store.Path, drv *store.Derivation, wantedOutputs []string, buildMode BuildMode, env derivationEnv) *DerivationBuildingGoal {
	return &DerivationBuildingGoal{
		baseGoal:      baseGoal{key: makeKey(kindDerivationBuilding, drv.Name, string(drvPath))},
		drvPath:       drvPath,
		drv:           drv,
		wantedOutputs: wantedOutputs,
		buildMode:     buildMode,
		env:           env,
	}
}

// OutputPath returns the store path the goal built for the named
// output, once it has succeeded.
func (g *DerivationBuildingGoal) OutputPath(name string) (store.Path, bool) {
	p, ok := g.outputs[name]
	return p, ok
}

// Work implements [Goal].
func (g *DerivationBuildingGoal) Work(s *Scheduler) []Goal {
	if !g.started {
		if !s.AcquireBuildSlot() {
			return nil // waitForBuildSlot()
		}
		g.started = true
		g.resultCh = make(chan buildOutcome, 1)
		go g.run()
		return nil
	}

	select {
	case outcome := <-g.resultCh:
		s.ReleaseBuildSlot()
		if outcome.err != nil {
			g.code = Failed
			return nil
		}
		g.outputs = outcome.outputs
		g.registerRealisations()
		g.code = Success
		return nil
	default:
		return nil // still running; poll again next round
	}
}

// run executes the build in its own goroutine: the scheduler's own loop
// is single-threaded, so the only way to both let the builder take real
// wall-clock time and keep other goals making progress is to hand the
// call off and poll [DerivationBuildingGoal.resultCh] from Work.
func (g *DerivationBuildingGoal) run() {
	ctx := context.Background()
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(ctx)
	defer cancel()

	var deadline <-chan time.Time
	if g.env.buildTimeout > 0 {
		timer := time.NewTimer(g.env.buildTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var silence *time.Timer
	var silenceC <-chan time.Time
	if g.env.maxSilentTime > 0 {
		silence = time.NewTimer(g.env.maxSilentTime)
		defer silence.Stop()
		silenceC = silence.C
	}

	progress := make(chan struct{}, 1)
	done := make(chan buildOutcome, 1)
	go func() {
		outputs, err := g.env.builder.Build(ctx, g.drvPath, g.drv, g.wantedOutputs, func() {
			select {
			case progress <- struct{}{}:
			default:
			}
		})
		done <- buildOutcome{outputs: outputs, err: err}
	}()

	for {
		select {
		case outcome := <-done:
			g.resultCh <- outcome
			return
		case <-progress:
			if silence != nil {
				if !silence.Stop() {
					<-silence.C
				}
				silence.Reset(g.env.maxSilentTime)
			}
		case <-silenceC:
			cancel()
			<-done
			g.resultCh <- buildOutcome{err: fmt.Errorf("build %s: no output for %s (maxSilentTime)", g.drvPath, g.env.maxSilentTime)}
			return
		case <-deadline:
			cancel()
			<-done
			g.resultCh <- buildOutcome{err: fmt.Errorf("build %s: exceeded build timeout %s", g.drvPath, g.env.buildTimeout)}
			return
		}
	}
}

func (g *DerivationBuildingGoal) registerRealisations() {
	drvHash, haveDrvHash := g.env.drvHashes[g.drvPath]
	for name, path := range g.outputs {
		out := g.drv.Outputs[name]
		if out == nil || !haveDrvHash || !(out.IsFloating() || out.IsFixed()) {
			continue
		}
		g.env.trace.Record(&store.Realisation{
			ID:      store.DrvOutput{DrvHash: drvHash.Hash, OutputName: name},
			OutPath: path,
		})
	}
}

// DerivationTrampolineGoal is purely administrative, per spec §4.3 item
// 1: it turns a [store.SingleDerivedPath] request plus a set of wanted
// output names into one [DerivationGoal] per output and aggregates the
// result. It never forks or fetches.
type DerivationTrampolineGoal struct {
	baseGoal

	drvReq        store.SingleDerivedPath
	wantedOutputs []string
	buildMode     BuildMode
	loader        DerivationLoader
	env           derivationEnv

	drvPath      store.Path
	drv          *store.Derivation
	outputGoals  map[string]*DerivationGoal
	builtOutputs map[string]store.Path
}

// NewDerivationTrampolineGoal returns a goal that realises wantedOutputs
// of whatever derivation drvReq names.
func NewDerivationTrampolineGoal(drvReq store.SingleDerivedPath, wantedOutputs []string, buildMode BuildMode, loader DerivationLoader, env derivationEnv) *DerivationTrampolineGoal {
	return &DerivationTrampolineGoal{
		baseGoal:      baseGoal{key: makeKey(kindDerivationTrampoline, "", drvReq.String())},
		drvReq:        drvReq,
		wantedOutputs: wantedOutputs,
		buildMode:     buildMode,
		loader:        loader,
		env:           env,
	}
}

// BuiltOutputs returns the store path realised for each wanted output,
// once the goal has succeeded.
func (g *DerivationTrampolineGoal) BuiltOutputs() map[string]store.Path { return g.builtOutputs }

// Work implements [Goal].
func (g *DerivationTrampolineGoal) Work(s *Scheduler) []Goal {
	if g.drvPath == "" {
		p, ok := g.drvReq.OpaquePath()
		if !ok {
			// drvReq names an output of another derivation that is
			// itself a .drv (a dynamic derivation). Obtaining that
			// output without actually building its owning derivation
			// isn't modeled; surface it rather than guess.
			g.code = IncompleteClosure
			return nil
		}
		drv, err := g.loader.LoadDerivation(context.Background(), p)
		if err != nil {
			g.code = Failed
			return nil
		}
		g.drvPath = p
		g.drv = drv
		g.outputGoals = make(map[string]*DerivationGoal, len(g.wantedOutputs))
		goalList := make([]Goal, 0, len(g.wantedOutputs))
		for _, name := range g.wantedOutputs {
			dg := NewDerivationGoal(p, drv, name, g.buildMode, g.env.dest, g.env.substituters, g.env.trace, g.env.builder, g.env.drvHashes, g.env.inputDrvs, g.env.maxSilentTime, g.env.buildTimeout)
			g.outputGoals[name] = dg
			goalList = append(goalList, dg)
		}
		return goalList
	}

	g.builtOutputs = make(map[string]store.Path, len(g.outputGoals))
	for name, dg := range g.outputGoals {
		if dg.ExitCode() != Success {
			g.code = dg.ExitCode()
			return nil
		}
		g.builtOutputs[name] = dg.ResultPath()
	}
	g.code = Success
	return nil
}
