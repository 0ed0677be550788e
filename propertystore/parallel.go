// Copyright 2024 The fpcf Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package propertystore

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ParallelConfig configures the work-stealing-equivalent driver.
type ParallelConfig struct {
	// Workers is the size of the worker pool. Defaults to 1 (degrading to
	// effectively sequential execution) if <= 0.
	Workers int
}

// WaitOnPhaseCompletionParallel is the parallel-driver counterpart of
// WaitOnPhaseCompletion. It shares the same high-level loop shape —
// drain, fallback pass, cycle resolution, collaborative finalisation — but
// replaces the single-threaded drain with a fan-out of cfg.Workers
// goroutines racing the task queue until it is quiescent (pending count
// zero) or cancellation is observed. Per-slot mutation is already
// serialised by Store.update's per-slot locking (graph.go); this method
// adds only the concurrent fan-out, following the bounded-goroutine,
// first-error-capture shape of cmd/cue/cmd's errgroup.WithContext use.
func (s *Store) WaitOnPhaseCompletionParallel(cfg ParallelConfig) error {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	runID := s.phase.runID

	for {
		if err := s.drainQueueParallel(workers); err != nil {
			s.errs.add(err)
		}
		if s.cancelled.Load() {
			s.logger.Infof("phase %s: cancelled (parallel, workers=%d)", runID, workers)
			return nil
		}

		progressed := s.runFallbackPass(runID)
		if progressed {
			continue
		}

		progressed = s.runCycleResolutionPass(runID)
		if progressed {
			continue
		}

		s.runCollaborativeFinalisation(runID)
		break
	}

	s.phase.active = false
	if failure := s.errs.failure(); failure != nil {
		s.poisoned.Store(true)
		s.logger.Warnf("phase %s: failed (parallel): %v", runID, failure)
		return failure
	}
	s.logger.Debugf("phase %s: completed cleanly (parallel, workers=%d)", runID, workers)
	return nil
}

// drainQueueParallel fans work out across workers goroutines, each pulling
// tasks from the shared queue until it reports quiescence (no task queued
// and no task in flight anywhere) or the store's cancellation flag is
// observed. A worker never blocks indefinitely: popOrWait wakes on every
// enqueue and on the transition to quiescence.
func (s *Store) drainQueueParallel(workers int) error {
	ctx := context.Background()
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				t, ok := s.queue.popOrWait(s.cancelled.Load)
				if !ok {
					return nil
				}
				s.runTaskTracked(t)
			}
		})
	}
	return g.Wait()
}

// runTaskTracked executes t and marks it done on the queue's pending
// counter regardless of outcome; t itself is always one of
// Store.runComputation/runContinuation's closures, which already recover
// from analysis panics internally, so this never observes a panic.
func (s *Store) runTaskTracked(t task) {
	defer s.queue.taskDone()
	t()
}
