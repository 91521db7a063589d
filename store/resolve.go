// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"strings"
)

// ResolveDerivation rewrites drv's input derivations away, producing a
// concrete derivation with no dynamic dependencies left, following
// spec §4.3 item 3's `DerivationResolutionGoal`. inputDrvs must hold
// every derivation named in drv.InputDerivations; resolvedOutputs must
// hold the resolved store path of every (derivation, output name) pair
// drv.InputDerivationOutputs enumerates — concrete ones
// ([DerivationOutput.Path]) for ordinary outputs, and the result of a
// build-trace lookup for any [DerivationOutputFloating] or
// [DerivationOutputDeferred] one.
//
// Resolution is needed only when at least one input derivation output
// is floating or deferred, i.e. its store path could not have been
// known when drv's ATerm was written and was instead referenced via
// [UnknownCAOutputPlaceholder]. If none are, ResolveDerivation reports
// needed=false and returns a nil derivation: drv's own inputs were
// already concrete, so there is nothing to resolve.
//
// When resolution is needed, the returned derivation has every input
// derivation folded into InputSources at its resolved path, and every
// occurrence of an [UnknownCAOutputPlaceholder] in Builder, Args, or
// Env values replaced with the corresponding resolved path.
func ResolveDerivation(drv *Derivation, inputDrvs map[Path]*Derivation, resolvedOutputs map[OutputReference]Path) (resolved *Derivation, needed bool, err error) {
	for drvPath, outputNames := range drv.InputDerivations {
		child, ok := inputDrvs[drvPath]
		if !ok {
			return nil, false, fmt.Errorf("resolve derivation %s: missing input derivation %s", drv.Name, drvPath)
		}
		for outputName := range outputNames.Values() {
			out := child.Outputs[outputName]
			if out.IsFloating() || out.IsDeferred() {
				needed = true
			}
		}
	}
	if !needed {
		return nil, false, nil
	}

	resolved = &Derivation{
		Dir:     drv.Dir,
		Name:    drv.Name,
		System:  drv.System,
		Builder: drv.Builder,
		Args:    append([]string(nil), drv.Args...),
		Env:     make(map[string]string, len(drv.Env)),
		Outputs: drv.Outputs,
	}
	resolved.InputSources.AddSet(&drv.InputSources)
	for k, v := range drv.Env {
		resolved.Env[k] = v
	}

	var replacements [][2]string
	for drvPath, outputNames := range drv.InputDerivations {
		child := inputDrvs[drvPath]
		for outputName := range outputNames.Values() {
			ref := OutputReference{DrvPath: drvPath, OutputName: outputName}
			resolvedPath, ok := resolvedOutputs[ref]
			if !ok {
				return nil, false, fmt.Errorf("resolve derivation %s: missing resolved output for %s", drv.Name, ref)
			}
			resolved.InputSources.Add(resolvedPath)

			out := child.Outputs[outputName]
			if out.IsFloating() || out.IsDeferred() {
				replacements = append(replacements, [2]string{
					UnknownCAOutputPlaceholder(drvPath, outputName),
					string(resolvedPath),
				})
			}
		}
	}

	resolved.Builder = applyPlaceholderReplacements(resolved.Builder, replacements)
	for i, a := range resolved.Args {
		resolved.Args[i] = applyPlaceholderReplacements(a, replacements)
	}
	for k, v := range resolved.Env {
		resolved.Env[k] = applyPlaceholderReplacements(v, replacements)
	}
	return resolved, true, nil
}

func applyPlaceholderReplacements(s string, replacements [][2]string) string {
	for _, r := range replacements {
		s = strings.ReplaceAll(s, r[0], r[1])
	}
	return s
}
