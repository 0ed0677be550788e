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
	"sort"

	"github.com/google/uuid"
	"github.com/mpvl/unique"
	"k8s.io/apimachinery/pkg/util/sets"
)

// maxLoggedSCCMembers is the largest closed SCC whose member EPKs are
// listed in the resolution log line; a larger SCC is logged by its member
// count only.
const maxLoggedSCCMembers = 10

// phaseState holds the two kind-sets recorded by SetupPhase for the
// upcoming WaitOnPhaseCompletion call.
type phaseState struct {
	active   bool
	computed sets.Set[KindID]
	delayed  sets.Set[KindID]
	runID    string
}

// SetupPhase records the set of kinds analyses will derive this phase
// (computed) and the subset that must not trigger fallbacks this phase
// (delayed). It fails with PhasePoisonedError if a previous phase failed
// and the store has not been recovered.
func (s *Store) SetupPhase(computed, delayed []KindID) error {
	if s.poisoned.Load() {
		return &PhasePoisonedError{Cause: s.errs.failure()}
	}
	s.phase = phaseState{
		active:   true,
		computed: sets.New(computed...),
		delayed:  sets.New(delayed...),
		runID:    uuid.NewString(),
	}
	s.errs.reset()
	s.logger.Debugf("phase %s: setup computed=%v delayed=%v", s.phase.runID, computed, delayed)
	return nil
}

// WaitOnPhaseCompletion runs the sequential driver loop: drain the
// task queue, then alternate fallback passes and closed-SCC cycle
// resolution until neither makes progress, then run collaborative
// finalisation once and stop.
// Returns the phase's aggregated failure, or nil on a clean or cancelled
// completion.
func (s *Store) WaitOnPhaseCompletion() error {
	runID := s.phase.runID
	for {
		s.drainQueue()
		if s.cancelled.Load() {
			s.logger.Infof("phase %s: cancelled", runID)
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
		s.logger.Warnf("phase %s: failed: %v", runID, failure)
		return failure
	}
	s.logger.Debugf("phase %s: completed cleanly", runID)
	return nil
}

// drainQueue pops and runs tasks until the queue is empty or cancellation
// is observed between tasks.
func (s *Store) drainQueue() {
	for {
		if s.cancelled.Load() {
			return
		}
		t, ok := s.queue.pop()
		if !ok {
			return
		}
		t()
		s.queue.taskDone()
	}
}

// runFallbackPass applies the fallback property to every slot that is
// still absent or still holds the LazilyComputed placeholder, whose kind
// is in computed \ delayed.
// Returns whether any fallback was applied.
func (s *Store) runFallbackPass(runID string) bool {
	progressed := false
	for _, target := range s.absentFallbackTargets() {
		info := s.kinds.info(target.Kind)
		if info == nil || info.fallback == nil {
			continue
		}
		p, err := s.runFallback(info, target.Entity)
		if err != nil {
			s.errs.add(err)
			continue
		}
		if err := s.handleResult(FinalResult{E: target.Entity, Kind: target.Kind, P: p}); err != nil {
			s.errs.add(err)
			continue
		}
		s.addFallback()
		progressed = true
		s.drainQueue()
	}
	if progressed {
		s.logger.Debugf("phase %s: fallback pass applied fallbacks", runID)
	}
	return progressed
}

// absentFallbackTargets collects every (entity, kind) whose slot is absent
// or still lazily-computed-with-no-ub, for a kind in computed \ delayed.
// Only entities that were reached (passed to Get, Set or ScheduleFor) are
// considered; an entity that merely appears as a dependee EPK is not.
func (s *Store) absentFallbackTargets() []EPK {
	eligible := s.phase.computed.Difference(s.phase.delayed)
	if eligible.Len() == 0 {
		return nil
	}

	s.idMu.Lock()
	entityOrder := append([]Entity(nil), s.entityOrder...)
	s.idMu.Unlock()

	var out []EPK
	for _, e := range entityOrder {
		for _, k := range eligible.UnsortedList() {
			epk := EPK{Entity: e, Kind: k}
			sl, ok := s.getSlotIfExists(epk)
			if ok {
				eps := sl.snapshot()
				if eps.Status != StatusAbsent && eps.Status != StatusLazy {
					continue
				}
			}
			out = append(out, epk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := s.entityID(out[i].Entity), s.entityID(out[j].Entity)
		if ei != ej {
			return ei < ej
		}
		return out[i].Kind < out[j].Kind
	})
	n := unique.Unique(epkSlice{epks: out, ids: func(e Entity) int64 { return s.entityID(e) }})
	return out[:n]
}

// epkSlice adapts []EPK to sort.Interface so github.com/mpvl/unique can
// dedupe the (already entity/kind-sorted) fallback target list in place;
// Less mirrors the same (entity-id, kind-id) order it was sorted with, so
// equal-and-adjacent entries collapse correctly.
type epkSlice struct {
	epks []EPK
	ids  func(Entity) int64
}

func (s epkSlice) Len() int { return len(s.epks) }
func (s epkSlice) Less(i, j int) bool {
	ei, ej := s.ids(s.epks[i].Entity), s.ids(s.epks[j].Entity)
	if ei != ej {
		return ei < ej
	}
	return s.epks[i].Kind < s.epks[j].Kind
}
func (s epkSlice) Swap(i, j int) { s.epks[i], s.epks[j] = s.epks[j], s.epks[i] }

func (s *Store) runFallback(info *kindInfo, e Entity) (p Property, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ResolverCrashError{EPK: EPK{Entity: e, Kind: info.id}, KindName: info.name, Resolver: "fallback", Recovered: r}
		}
	}()
	return info.fallback(s, e, info.id)
}

// runCycleResolutionPass detects closed SCCs in the dependee graph
// restricted to non-final slots with both dependees and dependers, and
// resolves each by calling its kind's cycle resolver on a deterministically
// chosen representative. Returns whether any SCC was resolved.
func (s *Store) runCycleResolutionPass(runID string) bool {
	roots := s.stuckSlots()
	if len(roots) == 0 {
		return false
	}
	sccs := s.closedSCCs(roots)
	if len(sccs) == 0 {
		return false
	}

	progressed := false
	for _, scc := range sccs {
		rep := chooseRepresentative(s, scc)
		info := s.kinds.info(rep.Kind)
		if info == nil || info.cycleResolver == nil {
			continue
		}
		head := s.snapshotEPK(rep)
		p, err := s.runCycleResolver(info, head)
		if err != nil {
			s.errs.add(err)
			continue
		}
		if err := s.update(rep, p, p, nil, nil); err != nil {
			s.errs.add(err)
			continue
		}
		s.addCycleResolved()
		progressed = true
		if len(scc) > maxLoggedSCCMembers {
			s.logger.Debugf("phase %s: resolved cycle of %d members at %s (truncated)", runID, len(scc), s.kinds.name(rep.Kind))
		} else {
			s.logger.Debugf("phase %s: resolved cycle %v at %s", runID, scc, s.kinds.name(rep.Kind))
		}
		s.drainQueue()
	}
	return progressed
}

func (s *Store) runCycleResolver(info *kindInfo, head EPS) (p Property, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ResolverCrashError{EPK: head.EPK, KindName: info.name, Resolver: "cycle", Recovered: r}
		}
	}()
	return info.cycleResolver(s, head)
}

// stuckSlots returns every non-final EPK whose slot has at least one
// dependee and at least one depender: the candidate set for closed-SCC
// detection.
func (s *Store) stuckSlots() []EPK {
	var out []EPK
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	for epk, sl := range s.slots {
		sl.mu.Lock()
		if !sl.final && sl.dependees.len() > 0 && sl.dependers.len() > 0 {
			out = append(out, epk)
		}
		sl.mu.Unlock()
	}
	return out
}

// chooseRepresentative picks the deterministic representative of a closed
// SCC: smallest by entity-id, then kind-id.
func chooseRepresentative(s *Store, scc []EPK) EPK {
	rep := scc[0]
	repID := s.entityID(rep.Entity)
	for _, epk := range scc[1:] {
		id := s.entityID(epk.Entity)
		if id < repID || (id == repID && epk.Kind < rep.Kind) {
			rep, repID = epk, id
		}
	}
	return rep
}

// runCollaborativeFinalisation commits every remaining refinable slot with
// empty dependees as final at its current ub.
func (s *Store) runCollaborativeFinalisation(runID string) {
	var targets []EPK
	s.slotsMu.RLock()
	for epk, sl := range s.slots {
		sl.mu.Lock()
		if !sl.final && !IsLazilyComputed(sl.ub) && sl.dependees.len() == 0 {
			targets = append(targets, epk)
		}
		sl.mu.Unlock()
	}
	s.slotsMu.RUnlock()

	for _, epk := range targets {
		eps := s.snapshotEPK(epk)
		if eps.Status != StatusIntermediate {
			continue
		}
		if err := s.update(epk, eps.UB, eps.UB, nil, nil); err != nil {
			s.errs.add(err)
			continue
		}
		s.addFinalized()
	}
	if len(targets) > 0 {
		s.logger.Debugf("phase %s: collaborative finalisation committed %d slot(s)", runID, len(targets))
	}
}

// dependeesOf returns the current dependee EPKs of the slot at epk, in
// insertion order, without taking the wider multi-slot lock ordering (a
// single-slot read suffices here).
func (s *Store) dependeesOf(epk EPK) []EPK {
	sl, ok := s.getSlotIfExists(epk)
	if !ok {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	entries := sl.dependees.entries()
	out := make([]EPK, len(entries))
	for i, e := range entries {
		out[i] = e.EPK
	}
	return out
}

// closedSCCs runs Tarjan's algorithm over the dependee graph restricted to
// roots and returns only the *closed* SCCs: components none of whose
// members has a dependee outside the component. Traversal order over roots is sorted by
// (entity-id, kind-id) so the result is deterministic across runs with
// identical entity-id assignment.
func (s *Store) closedSCCs(roots []EPK) [][]EPK {
	inRoots := sets.New(roots...)
	sort.Slice(roots, func(i, j int) bool {
		ei, ej := s.entityID(roots[i].Entity), s.entityID(roots[j].Entity)
		if ei != ej {
			return ei < ej
		}
		return roots[i].Kind < roots[j].Kind
	})

	index := 0
	indices := make(map[EPK]int, len(roots))
	lowlink := make(map[EPK]int, len(roots))
	onStack := sets.New[EPK]()
	var stack []EPK
	var all [][]EPK

	var strongconnect func(v EPK)
	strongconnect = func(v EPK) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack.Insert(v)

		for _, w := range s.dependeesOf(v) {
			if !inRoots.Has(w) {
				continue
			}
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack.Has(w) {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []EPK
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack.Delete(w)
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			all = append(all, scc)
		}
	}

	for _, v := range roots {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}

	var closed [][]EPK
	for _, scc := range all {
		if s.sccIsClosed(scc) {
			closed = append(closed, scc)
		}
	}
	return closed
}

// sccIsClosed reports whether every dependee of every member of scc is
// itself a member of scc (no edge escapes the component).
func (s *Store) sccIsClosed(scc []EPK) bool {
	members := sets.New(scc...)
	for _, v := range scc {
		for _, w := range s.dependeesOf(v) {
			if !members.Has(w) {
				return false
			}
		}
	}
	return true
}
