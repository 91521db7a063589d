// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package goals

import "github.com/NixOS/nix-sub009/store"

// BuildTraceTrampolineGoal answers "can we skip building this output?"
// for a single content-addressed derivation output, per spec §4.3 item
// 4. It never builds: a local build trace hit or a substituter's
// realisation are the only ways it succeeds.
//
// The full spec description also has a missing trace entry fall back to
// resolving the owning derivation and trying the resolved output id;
// that requires the derivation and its inputs, which this goal is not
// given (it is handed only the output id by [DerivationResolutionGoal]).
// Callers that want the resolution fallback should resolve first and
// construct the trampoline goal for the resolved id instead.
type BuildTraceTrampolineGoal struct {
	baseGoal

	id           store.DrvOutput
	trace        *store.BuildTrace
	dest         destStore
	substituters []store.Store

	sub         *DrvOutputSubstitutionGoal
	realisation *store.Realisation
}

// NewBuildTraceTrampolineGoal returns a goal that resolves id to a
// realisation via trace or substituters.
func NewBuildTraceTrampolineGoal(trace *store.BuildTrace, dest destStore, substituters []store.Store, id store.DrvOutput) *BuildTraceTrampolineGoal {
	return &BuildTraceTrampolineGoal{
		baseGoal:     baseGoal{key: makeKey(kindBuildTraceTrampoline, id.OutputName, id.String())},
		id:           id,
		trace:        trace,
		dest:         dest,
		substituters: substituters,
	}
}

// Realisation returns the realisation the goal found, once it has
// succeeded.
func (g *BuildTraceTrampolineGoal) Realisation() *store.Realisation { return g.realisation }

// Work implements [Goal].
func (g *BuildTraceTrampolineGoal) Work(s *Scheduler) []Goal {
	if g.sub == nil {
		if r, ok := g.trace.Lookup(g.id); ok {
			g.realisation = r
			g.code = Success
			return nil
		}
		g.sub = NewDrvOutputSubstitutionGoal(g.dest, g.substituters, g.trace, g.id)
		return []Goal{g.sub}
	}

	if g.sub.ExitCode() != Success {
		g.code = g.sub.ExitCode()
		return nil
	}
	g.realisation = g.sub.Realisation()
	g.code = Success
	return nil
}
