// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package goals

import (
	"context"
	"sort"
)

// Scheduler is the worker loop described in spec §4.3: it holds every
// interned goal, the wait relationships between them, and the set of
// goals ready to be given another step, and drives them to completion
// in deterministic key order.
//
// A Scheduler is single-threaded: [Scheduler.Run] must be the only
// goroutine calling into the scheduler or any goal's [Goal.Work] for
// the lifetime of the run, matching spec §9's "coroutines as state
// machines" design note — parallelism comes from concurrent child
// work a goal kicks off and later awaits, never from running two
// goals' Work methods at once.
type Scheduler struct {
	goals    map[string]Goal
	waiters  map[string][]Goal
	finished map[string]bool
	awake    map[string]bool

	top []Goal

	maxBuildJobs     int
	runningBuildJobs int

	nrFailed            int
	nrNoSubstituters    int
	nrIncompleteClosure int
}

// NewScheduler returns an empty Scheduler that allows up to
// maxBuildJobs concurrent build/substitution slots (spec's
// `waitForBuildSlot`). maxBuildJobs <= 0 is treated as 1.
func NewScheduler(maxBuildJobs int) *Scheduler {
	if maxBuildJobs <= 0 {
		maxBuildJobs = 1
	}
	return &Scheduler{
		goals:        make(map[string]Goal),
		waiters:      make(map[string][]Goal),
		finished:     make(map[string]bool),
		awake:        make(map[string]bool),
		maxBuildJobs: maxBuildJobs,
	}
}

// Intern registers goal under its key if no goal is already
// registered for that key, implementing spec §4.3's goal
// deduplication: two requests for the same derivation output, the
// same path substitution, etc., become the same goal, awaited by
// however many callers asked for it.
func (s *Scheduler) Intern(goal Goal) Goal {
	if existing, ok := s.goals[goal.Key()]; ok {
		return existing
	}
	s.goals[goal.Key()] = goal
	s.awake[goal.Key()] = true
	return goal
}

// AddTop marks goal as a top-level goal: one of the user's originally
// requested roots, kept alive for the whole run regardless of whether
// anything else depends on it.
func (s *Scheduler) AddTop(goal Goal) Goal {
	goal = s.Intern(goal)
	s.top = append(s.top, goal)
	return goal
}

// Done reports whether the goal interned under key has reached a
// terminal (non-[Busy]) exit code.
func (s *Scheduler) Done(key string) bool {
	return s.finished[key]
}

// AcquireBuildSlot implements `waitForBuildSlot()`: it reports whether
// the caller may proceed to run a build or substitution right now,
// consuming a slot if so. The caller must call [Scheduler.ReleaseBuildSlot]
// once the slot is no longer in use.
func (s *Scheduler) AcquireBuildSlot() bool {
	if s.runningBuildJobs >= s.maxBuildJobs {
		return false
	}
	s.runningBuildJobs++
	return true
}

// ReleaseBuildSlot returns a slot acquired by [Scheduler.AcquireBuildSlot].
func (s *Scheduler) ReleaseBuildSlot() {
	if s.runningBuildJobs > 0 {
		s.runningBuildJobs--
	}
}

// Run drives every interned goal to a terminal exit code: repeatedly
// taking the awake set in deterministic key order and calling each
// goal's Work method once, registering new wait relationships or
// recording completions as Work reports them, until no goal is awake.
// Run returns ctx's error if ctx is cancelled mid-run; otherwise it
// returns nil once the run is quiescent (spec §8 invariant 8: the
// scheduler terminates for every finite, acyclic goal graph).
func (s *Scheduler) Run(ctx context.Context) error {
	for len(s.awake) > 0 {
		keys := make([]string, 0, len(s.awake))
		for k := range s.awake {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if !s.awake[k] {
				// Already consumed earlier in this same round.
				continue
			}
			delete(s.awake, k)
			if s.finished[k] {
				continue
			}
			g := s.goals[k]

			waitFor := g.Work(s)
			if g.ExitCode() != Busy {
				s.finish(g)
				continue
			}
			s.await(g, waitFor)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// await registers g as waiting on every not-yet-finished goal in
// waitFor, interning each first. If every goal in waitFor has already
// finished (or waitFor is empty: spec's `waitForAWhile`/
// `waitForBuildSlot` retry case), g is put back on the awake set
// immediately so it gets another step next round.
func (s *Scheduler) await(g Goal, waitFor []Goal) {
	pending := 0
	for _, dep := range waitFor {
		dep = s.Intern(dep)
		if s.finished[dep.Key()] {
			continue
		}
		pending++
		s.waiters[dep.Key()] = append(s.waiters[dep.Key()], g)
	}
	if pending == 0 {
		s.awake[g.Key()] = true
	}
}

// finish marks g terminal and wakes everything waiting on it,
// accumulating its exit code into the scheduler's run-wide counters
// the way spec's `await` does ("accumulate their nrFailed/
// nrNoSubstituters counters").
func (s *Scheduler) finish(g Goal) {
	s.finished[g.Key()] = true
	switch g.ExitCode() {
	case Failed:
		s.nrFailed++
	case NoSubstituters:
		s.nrNoSubstituters++
	case IncompleteClosure:
		s.nrIncompleteClosure++
	}
	for _, waiter := range s.waiters[g.Key()] {
		s.awake[waiter.Key()] = true
	}
	delete(s.waiters, g.Key())
}

// Stats returns the accumulated failure counters for goals that have
// finished so far, matching the fields spec's `await(set<Goal>)`
// accumulates from the goals it waits on.
func (s *Scheduler) Stats() (nrFailed, nrNoSubstituters, nrIncompleteClosure int) {
	return s.nrFailed, s.nrNoSubstituters, s.nrIncompleteClosure
}
