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

import "sync"

// Status classifies the current state of an Entity/Property-Kind Slot.
type Status int

const (
	// StatusAbsent means no slot exists: no lazy computation is registered
	// and nothing has ever been written for this EPK.
	StatusAbsent Status = iota
	// StatusLazy means a lazy computation has been scheduled but has not
	// yet produced a value; LB and UB are both LazilyComputed.
	StatusLazy
	// StatusIntermediate means the slot holds a refinable (lb, ub) pair.
	StatusIntermediate
	// StatusFinal means lb == ub and the slot will never change again.
	StatusFinal
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusLazy:
		return "lazy"
	case StatusIntermediate:
		return "intermediate"
	case StatusFinal:
		return "final"
	default:
		return "unknown"
	}
}

// EPS is an Entity/Property-Kind pair together with a point-in-time
// snapshot of its (lower-bound, upper-bound) pair. It is a read-only
// value; mutating the live slot never mutates an EPS someone is holding.
type EPS struct {
	EPK
	LB, UB Property
	Status Status
}

// IsFinal reports whether this snapshot represents a final, immutable
// slot.
func (e EPS) IsFinal() bool { return e.Status == StatusFinal }

// slot is the live, mutable record behind one EPK. lb/ub/final and the two
// edge sets are guarded by mu; lock ordering across slots is by
// (entityID, KindID) — see lockEPKs in graph.go.
type slot struct {
	mu    sync.Mutex
	epk   EPK
	lb    Property
	ub    Property
	final bool
	// lazyScheduled is set once the lazy computation for this EPK has been
	// scheduled, so Get never schedules it twice.
	lazyScheduled bool

	dependees edgeSet // EPKs this slot's continuation depends on
	dependers edgeSet // EPKs whose continuation depends on this slot
}

func newAbsentSlot(epk EPK) *slot {
	return &slot{epk: epk}
}

// snapshotLocked returns an EPS for the slot's current state. Caller must
// hold s.mu.
func (s *slot) snapshotLocked() EPS {
	switch {
	case s.lb == nil && s.ub == nil:
		return EPS{EPK: s.epk, Status: StatusAbsent}
	case s.final:
		return EPS{EPK: s.epk, LB: s.lb, UB: s.ub, Status: StatusFinal}
	case IsLazilyComputed(s.ub):
		return EPS{EPK: s.epk, LB: s.lb, UB: s.ub, Status: StatusLazy}
	default:
		return EPS{EPK: s.epk, LB: s.lb, UB: s.ub, Status: StatusIntermediate}
	}
}

func (s *slot) snapshot() EPS {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func isFinalPair(ord Order, lb, ub Property) bool {
	if IsLazilyComputed(ub) {
		return false
	}
	return Equal(ord, lb, ub)
}
