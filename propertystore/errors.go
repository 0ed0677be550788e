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
	"fmt"
	"strings"
	"sync"
)

// KindConflictError is returned by CreateKind when name was already
// registered with a different order, fallback, or cycle resolver.
type KindConflictError struct {
	Name string
}

func (e *KindConflictError) Error() string {
	return fmt.Sprintf("propertystore: kind %q already registered with a different configuration", e.Name)
}

// MonotonicityError is returned when an analysis produces a bound that is
// not >=/<= the slot's previous bound.
type MonotonicityError struct {
	EPK      EPK
	OldLB    Property
	OldUB    Property
	NewLB    Property
	NewUB    Property
	KindName string
}

func (e *MonotonicityError) Error() string {
	return fmt.Sprintf("propertystore: monotonicity violation for %s/%s: (%v,%v) -> (%v,%v)",
		e.KindName, formatEntity(e.EPK.Entity), e.OldLB, e.OldUB, e.NewLB, e.NewUB)
}

// FinalOverwriteError is returned when an update targets a slot that is
// already final.
type FinalOverwriteError struct {
	EPK      EPK
	KindName string
}

func (e *FinalOverwriteError) Error() string {
	return fmt.Sprintf("propertystore: attempt to update final slot %s/%s", e.KindName, formatEntity(e.EPK.Entity))
}

// LazyConflictError is returned when a second lazy computation is
// registered for a kind that already has one, or when Set targets a slot
// whose kind has a lazy computation registered.
type LazyConflictError struct {
	KindName string
}

func (e *LazyConflictError) Error() string {
	return fmt.Sprintf("propertystore: lazy computation conflict for kind %q", e.KindName)
}

// AlreadyPresentError is returned by Set when a slot already exists for the
// targeted (entity, kind).
type AlreadyPresentError struct {
	EPK      EPK
	KindName string
}

func (e *AlreadyPresentError) Error() string {
	return fmt.Sprintf("propertystore: slot already present for %s/%s", e.KindName, formatEntity(e.EPK.Entity))
}

// AnalysisCrashError wraps a panic recovered from a PropertyComputation or
// OnUpdateContinuation.
type AnalysisCrashError struct {
	EPK      EPK
	KindName string
	Recovered any
}

func (e *AnalysisCrashError) Error() string {
	return fmt.Sprintf("propertystore: analysis for %s/%s panicked: %v", e.KindName, formatEntity(e.EPK.Entity), e.Recovered)
}

// ResolverCrashError wraps a panic recovered from a FallbackFunc or
// CycleResolverFunc.
type ResolverCrashError struct {
	EPK      EPK
	KindName string
	Resolver string // "fallback" or "cycle"
	Recovered any
}

func (e *ResolverCrashError) Error() string {
	return fmt.Sprintf("propertystore: %s resolver for %s/%s panicked: %v", e.Resolver, e.KindName, formatEntity(e.EPK.Entity), e.Recovered)
}

// PhasePoisonedError is returned by SetupPhase when a previous phase failed
// and the store has not been recovered.
type PhasePoisonedError struct {
	Cause error
}

func (e *PhasePoisonedError) Error() string {
	return fmt.Sprintf("propertystore: store poisoned by a prior phase failure: %v", e.Cause)
}

func (e *PhasePoisonedError) Unwrap() error { return e.Cause }

// PhaseFailure aggregates every error captured during a phase: Primary is
// the first one observed, Errors holds all of them in observation order.
type PhaseFailure struct {
	Primary error
	Errors  []error
}

func (e *PhaseFailure) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return "propertystore: phase failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "propertystore: phase failed with %d error(s), first: %v", len(e.Errors), e.Primary)
	return b.String()
}

func (e *PhaseFailure) Unwrap() error { return e.Primary }

// errorList accumulates phase errors under a mutex; the first error
// recorded becomes the phase's Primary.
type errorList struct {
	mu   sync.Mutex
	errs []error
}

func newErrorList() *errorList {
	return &errorList{}
}

func (l *errorList) add(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorList) failure() *PhaseFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	errsCopy := make([]error, len(l.errs))
	copy(errsCopy, l.errs)
	return &PhaseFailure{Primary: errsCopy[0], Errors: errsCopy}
}

func (l *errorList) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = nil
}

func formatEntity(e Entity) string {
	return fmt.Sprintf("%v", e)
}
