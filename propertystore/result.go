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

// PropertyComputation is an analysis invoked on one entity. It is pure
// except for reads from the store via Get, which may register a
// dependency for the returned IntermediateResult.
type PropertyComputation func(s *Store, e Entity) Result

// Result is the closed sum type an analysis (or continuation) returns.
// Each concrete type below carries a marker method so the set is closed
// the way cuelang.org/go/internal/core/adt closes its Node/Expr/Value
// hierarchy with unexported marker methods.
type Result interface {
	result()
}

// NoResult means the computation produced nothing to commit.
type NoResult struct{}

func (NoResult) result() {}

// FinalResult commits a single final property for (e, kind).
type FinalResult struct {
	E    Entity
	Kind KindID
	P    Property
}

func (FinalResult) result() {}

// MultiResult commits several final properties in one go.
type MultiResult struct {
	Results []FinalResult
}

func (MultiResult) result() {}

// Dependency names one EPK an analysis consulted while producing an
// IntermediateResult, together with the EPS it observed at the time
// (via Get). The store uses Observed to detect whether the dependee has
// since moved on to a finer value than what the analysis saw.
type Dependency struct {
	EPK      EPK
	Observed EPS
}

// IntermediateResult commits a refinable (lb, ub) pair for (e, kind) that
// depends on the given dependees; Continuation is re-invoked when any
// dependee changes.
type IntermediateResult struct {
	E            Entity
	Kind         KindID
	LB, UB       Property
	Dependees    []Dependency
	Continuation OnUpdateContinuation
}

func (IntermediateResult) result() {}

// PartialResult lets several analyses collaboratively refine the same
// slot. Refine is given the slot's current snapshot (which may be Absent)
// and returns the new (lb, ub) to commit plus ok=true, or ok=false to
// apply nothing. Refine must be monotone with respect to whatever it is
// handed.
type PartialResult struct {
	E      Entity
	Kind   KindID
	Refine func(current EPS) (lb, ub Property, ok bool)
}

func (PartialResult) result() {}

// Results dispatches a sequence of Results, in order.
type Results struct {
	Results []Result
}

func (Results) result() {}

// IncrementalEntry schedules pc for e as a side effect of dispatching an
// IncrementalResult.
type IncrementalEntry struct {
	PC PropertyComputation
	E  Entity
}

// IncrementalResult dispatches R and then schedules a PropertyComputation
// for each newly-discovered entity.
type IncrementalResult struct {
	R   Result
	New []IncrementalEntry
}

func (IncrementalResult) result() {}

// handleResult dispatches r against the store. Every concrete
// Result names its own (entity, kind); there is no ambient call context.
func (s *Store) handleResult(r Result) error {
	switch v := r.(type) {
	case NoResult:
		return nil

	case FinalResult:
		return s.update(EPK{Entity: v.E, Kind: v.Kind}, v.P, v.P, nil, nil)

	case MultiResult:
		for _, fr := range v.Results {
			if err := s.handleResult(fr); err != nil {
				return err
			}
		}
		return nil

	case IntermediateResult:
		return s.handleIntermediate(v)

	case PartialResult:
		return s.handlePartial(v)

	case Results:
		for _, inner := range v.Results {
			if err := s.handleResult(inner); err != nil {
				return err
			}
		}
		return nil

	case IncrementalResult:
		if err := s.handleResult(v.R); err != nil {
			return err
		}
		for _, ne := range v.New {
			s.ScheduleFor(ne.E, ne.PC)
		}
		return nil

	default:
		panic("propertystore: unknown Result type")
	}
}

// handleIntermediate implements the IntermediateResult contract:
// if any dependee has already moved on to a strictly finer value than the
// snapshot the analysis used, the continuation is rescheduled against the
// fresher data instead of being registered as a depender of the stale
// snapshot — but the (lb, ub) is still committed so other queries observe
// monotone progress.
func (s *Store) handleIntermediate(v IntermediateResult) error {
	epk := EPK{Entity: v.E, Kind: v.Kind}

	var depEPKs []EPK
	type staleDep struct {
		epk   EPK
		final bool
	}
	var stale []staleDep
	for _, dep := range v.Dependees {
		cur := s.snapshotEPK(dep.EPK)
		if epsIsFiner(cur, dep.Observed) {
			stale = append(stale, staleDep{epk: dep.EPK, final: cur.Status == StatusFinal})
			continue
		}
		depEPKs = append(depEPKs, dep.EPK)
	}

	if err := s.update(epk, v.LB, v.UB, depEPKs, v.Continuation); err != nil {
		return err
	}

	for _, d := range stale {
		d := d
		task := func() {
			s.runContinuation(d.epk, v.Continuation, s.snapshotEPK(d.epk))
		}
		delay := s.delayNonFinalDependeeUpdates
		if d.final {
			delay = s.delayFinalDependeeUpdates
		}
		if delay {
			s.queue.append(task)
		} else {
			s.queue.prepend(task)
		}
	}
	return nil
}

// epsIsFiner reports whether cur is a strictly more refined snapshot of
// the same slot than observed (different bounds, or newly final).
func epsIsFiner(cur, observed EPS) bool {
	if observed.Status == StatusAbsent {
		return cur.Status != StatusAbsent
	}
	if cur.Status == StatusFinal && observed.Status != StatusFinal {
		return true
	}
	return !propertyIdentical(cur.LB, observed.LB) || !propertyIdentical(cur.UB, observed.UB)
}

// handlePartial implements the collaborative-refinement contract.
func (s *Store) handlePartial(v PartialResult) error {
	epk := EPK{Entity: v.E, Kind: v.Kind}
	current := s.snapshotEPK(epk)
	lb, ub, ok := v.Refine(current)
	if !ok {
		return nil
	}
	return s.update(epk, lb, ub, nil, nil)
}

// runContinuation invokes cont, recovering from and recording any panic as
// an AnalysisCrashError, then dispatches the resulting Result.
func (s *Store) runContinuation(epk EPK, cont OnUpdateContinuation, eps EPS) {
	if cont == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.errs.add(&AnalysisCrashError{EPK: epk, KindName: s.kinds.name(epk.Kind), Recovered: r})
		}
	}()
	result := cont(eps)
	if err := s.handleResult(result); err != nil {
		s.errs.add(err)
	}
}
