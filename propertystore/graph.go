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

import "sort"

// OnUpdateContinuation is re-invoked by the store when a dependee slot it
// was registered against changes. It must not retain the EPS it is handed
// beyond its own invocation.
type OnUpdateContinuation func(eps EPS) Result

// edgeSet is a small ordered set of EPKs, each carrying a continuation.
// Iteration order is insertion order, required to be
// stable across runs; k8s.io/apimachinery's sets.Set is hash-based and does
// not offer that, so this is a bespoke map+slice pair rather than a pulled
// dependency (see DESIGN.md).
type edgeSet struct {
	order []EPK
	conts map[EPK]OnUpdateContinuation
}

func (s *edgeSet) add(epk EPK, cont OnUpdateContinuation) {
	if s.conts == nil {
		s.conts = make(map[EPK]OnUpdateContinuation)
	}
	if _, ok := s.conts[epk]; !ok {
		s.order = append(s.order, epk)
	}
	s.conts[epk] = cont
}

func (s *edgeSet) remove(epk EPK) {
	if s.conts == nil {
		return
	}
	if _, ok := s.conts[epk]; !ok {
		return
	}
	delete(s.conts, epk)
	for i, k := range s.order {
		if k == epk {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *edgeSet) has(epk EPK) bool {
	_, ok := s.conts[epk]
	return ok
}

func (s *edgeSet) continuation(epk EPK) OnUpdateContinuation {
	return s.conts[epk]
}

func (s *edgeSet) len() int { return len(s.order) }

// entries returns a snapshot of (epk, continuation) pairs in insertion
// order. The returned slice is safe to range over after the caller
// releases any lock on the owning slot.
func (s *edgeSet) entries() []edgeEntry {
	out := make([]edgeEntry, len(s.order))
	for i, k := range s.order {
		out[i] = edgeEntry{EPK: k, Continuation: s.conts[k]}
	}
	return out
}

// clear empties the set and returns what it held, in insertion order.
func (s *edgeSet) clear() []edgeEntry {
	out := s.entries()
	s.order = nil
	s.conts = nil
	return out
}

type edgeEntry struct {
	EPK          EPK
	Continuation OnUpdateContinuation
}

// lockEPKs locks the slots for the given EPKs in a total order derived from
// (entityID, KindID), avoiding deadlock when two goroutines touch an
// overlapping pair of slots in opposite orders. Duplicate EPKs are
// locked once. Returns an unlock function.
func (s *Store) lockEPKs(epks ...EPK) func() {
	type keyed struct {
		epk EPK
		s   *slot
	}
	seen := make(map[EPK]bool, len(epks))
	var ks []keyed
	for _, epk := range epks {
		if seen[epk] {
			continue
		}
		seen[epk] = true
		ks = append(ks, keyed{epk: epk, s: s.getOrCreateSlot(epk)})
	}
	sort.Slice(ks, func(i, j int) bool {
		ei, ej := s.entityID(ks[i].epk.Entity), s.entityID(ks[j].epk.Entity)
		if ei != ej {
			return ei < ej
		}
		return ks[i].epk.Kind < ks[j].epk.Kind
	})
	for _, k := range ks {
		k.s.mu.Lock()
	}
	return func() {
		for i := len(ks) - 1; i >= 0; i-- {
			ks[i].s.mu.Unlock()
		}
	}
}

// update is the internal workhorse behind Set, and every Result kind that
// commits an (lb, ub) pair. It enforces monotonicity,
// rewrites dependee links, and enqueues depender notifications.
func (s *Store) update(epk EPK, lb, ub Property, newDependees []EPK, depCont OnUpdateContinuation) error {
	info := s.kinds.info(epk.Kind)
	if info == nil {
		panic("propertystore: update on unknown kind")
	}

	unlockSelf := s.lockEPKs(epk)
	defer unlockSelf()
	sl := s.getOrCreateSlot(epk)

	hadSlot := sl.lb != nil || sl.ub != nil
	oldLB, oldUB := sl.lb, sl.ub
	oldFinal := sl.final

	if oldFinal {
		return &FinalOverwriteError{EPK: epk, KindName: info.name}
	}

	if hadSlot && !IsLazilyComputed(oldLB) && !IsLazilyComputed(lb) {
		if !info.order.LessOrEqual(oldLB, lb) {
			return &MonotonicityError{EPK: epk, OldLB: oldLB, OldUB: oldUB, NewLB: lb, NewUB: ub, KindName: info.name}
		}
	}
	if hadSlot && !IsLazilyComputed(oldUB) && !IsLazilyComputed(ub) {
		if !info.order.LessOrEqual(ub, oldUB) {
			return &MonotonicityError{EPK: epk, OldLB: oldLB, OldUB: oldUB, NewLB: lb, NewUB: ub, KindName: info.name}
		}
	}

	sl.lb, sl.ub = lb, ub
	sl.final = isFinalPair(info.order, lb, ub)

	changed := !propertyIdentical(oldLB, lb) || !propertyIdentical(oldUB, ub)
	becameFinal := sl.final && !oldFinal

	// Rewrite dependee links: remove this slot from the dependers of its
	// old dependees, then install the new dependee set.
	oldDependees := sl.dependees.entries()
	sl.dependees = edgeSet{}
	for _, e := range newDependees {
		sl.dependees.add(e, depCont)
	}
	self := epk

	// Release our own lock before touching other slots' dependers/dependees
	// (each such touch takes only one lock at a time, so no lock-ordering
	// deadlock is possible). This opens a narrow window in which a
	// concurrent update of the very same EPK could interleave; that is
	// safe here because by this point sl.lb/sl.ub/sl.final already reflect
	// this call's result, so a racing update observes consistent data and
	// simply continues monotonically from it.
	sl.mu.Unlock()
	for _, old := range oldDependees {
		if containsEPK(newDependees, old.EPK) {
			continue
		}
		s.withSlot(old.EPK, func(dependee *slot) {
			dependee.dependers.remove(self)
		})
	}
	for _, e := range newDependees {
		s.withSlot(e, func(dependee *slot) {
			dependee.dependers.add(self, depCont)
		})
	}
	sl.mu.Lock()

	if !changed && !becameFinal {
		return nil
	}

	// Notify dependers: snapshot-and-clear under lock, enqueue tasks, then
	// (outside the lock) remove the symmetric dependee edge on each
	// notified depender so a re-registration is never conflated with a
	// stale one.
	notify := sl.dependers.clear()
	sl.mu.Unlock()
	for _, n := range notify {
		n := n
		appendTask := s.delayDependerNotification
		task := func() {
			// n.EPK is the depender being notified; the continuation must see
			// a fresh snapshot of the dependee that just changed, i.e. this
			// slot (epk/self), not the depender's own slot.
			eps := s.snapshotEPK(epk)
			s.runContinuation(n.EPK, n.Continuation, eps)
		}
		if appendTask {
			s.queue.append(task)
		} else {
			s.queue.prepend(task)
		}
		s.withSlot(n.EPK, func(dependerSlot *slot) {
			dependerSlot.dependees.remove(self)
		})
	}
	if !hadSlot {
		s.fireTriggered(epk.Entity, epk.Kind)
	}
	sl.mu.Lock()
	return nil
}

func propertyIdentical(a, b Property) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func containsEPK(epks []EPK, epk EPK) bool {
	for _, e := range epks {
		if e == epk {
			return true
		}
	}
	return false
}

// withSlot runs f with the target slot's lock held, in isolation from any
// wider multi-slot lock ordering (used for single-slot edge mutation where
// the caller has already released its own slot's lock).
func (s *Store) withSlot(epk EPK, f func(*slot)) {
	sl := s.getOrCreateSlot(epk)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	f(sl)
}

func (s *Store) snapshotEPK(epk EPK) EPS {
	return s.getOrCreateSlot(epk).snapshot()
}
