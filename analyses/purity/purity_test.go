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

package purity_test

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/bhermann/fpcf/analyses/purity"
	"github.com/bhermann/fpcf/propertystore"
)

func newPurityStore(t *testing.T, prog *purity.Program) (*propertystore.Store, propertystore.KindID) {
	t.Helper()
	s := propertystore.NewStore(nil)
	k, err := s.CreateKind("purity", purity.Order(), purity.Fallback, purity.CycleResolver)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(s.SetupPhase([]propertystore.KindID{k}, nil)))
	pc := purity.ComputePurity(prog, k)
	for m := range prog.CallGraph {
		s.ScheduleFor(m, pc)
	}
	qt.Assert(t, qt.IsNil(s.WaitOnPhaseCompletion()))
	return s, k
}

func TestLeafIsPure(t *testing.T) {
	prog := purity.NewProgram()
	prog.CallGraph["Add"] = nil
	s, k := newPurityStore(t, prog)
	qt.Assert(t, qt.Equals(s.Get("Add", k).UB, purity.Pure))
}

func TestSideEffectingIsImpure(t *testing.T) {
	prog := purity.NewProgram()
	prog.SideEffecting["Print"] = true
	prog.CallGraph["Print"] = nil
	s, k := newPurityStore(t, prog)
	qt.Assert(t, qt.Equals(s.Get("Print", k).UB, purity.Impure))
}

func TestTransitivePurityPropagates(t *testing.T) {
	prog := purity.NewProgram()
	prog.AddCall("Sum", "Add")
	prog.CallGraph["Add"] = nil
	s, k := newPurityStore(t, prog)
	qt.Assert(t, qt.Equals(s.Get("Add", k).UB, purity.Pure))
	qt.Assert(t, qt.Equals(s.Get("Sum", k).UB, purity.Pure))
}

func TestImpurityPropagatesToCaller(t *testing.T) {
	prog := purity.NewProgram()
	prog.AddCall("Main", "LogAndAdd")
	prog.AddCall("LogAndAdd", "Add")
	prog.SideEffecting["LogAndAdd"] = true
	prog.CallGraph["Add"] = nil
	s, k := newPurityStore(t, prog)
	qt.Assert(t, qt.Equals(s.Get("Main", k).UB, purity.Impure))
	qt.Assert(t, qt.Equals(s.Get("LogAndAdd", k).UB, purity.Impure))
	qt.Assert(t, qt.Equals(s.Get("Add", k).UB, purity.Pure))
}

func TestMutualRecursionResolvedByCycleResolver(t *testing.T) {
	prog := purity.NewProgram()
	prog.AddCall("IsEven", "IsOdd")
	prog.AddCall("IsOdd", "IsEven")
	s, k := newPurityStore(t, prog)
	qt.Assert(t, qt.Equals(s.Get("IsEven", k).UB, purity.CompileTimePure))
	qt.Assert(t, qt.Equals(s.Get("IsOdd", k).UB, purity.CompileTimePure))
	qt.Assert(t, qt.Equals(s.Stats().CyclesResolved, int64(1)))
}

func TestUnreachedMethodFallsBackToImpure(t *testing.T) {
	prog := purity.NewProgram()
	prog.CallGraph["Known"] = nil

	s := propertystore.NewStore(nil)
	k, err := s.CreateKind("purity", purity.Order(), purity.Fallback, purity.CycleResolver)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(s.SetupPhase([]propertystore.KindID{k}, nil)))
	s.ScheduleFor(purity.MethodID("Known"), purity.ComputePurity(prog, k))
	// "Unknown" is queried by some other collaborator but never scheduled.
	s.ScheduleFor(purity.MethodID("Known"), func(s *propertystore.Store, e propertystore.Entity) propertystore.Result {
		s.Get(purity.MethodID("Unknown"), k)
		return propertystore.NoResult{}
	})
	qt.Assert(t, qt.IsNil(s.WaitOnPhaseCompletion()))

	qt.Assert(t, qt.Equals(s.Get(purity.MethodID("Unknown"), k).UB, purity.Impure))
	qt.Assert(t, qt.Equals(s.Stats().FallbacksApplied, int64(1)))
}

func TestParallelDriverAgreesWithSequential(t *testing.T) {
	prog := purity.NewProgram()
	prog.AddCall("Sum", "Add")
	prog.AddCall("IsEven", "IsOdd")
	prog.AddCall("IsOdd", "IsEven")
	prog.AddCall("LogAndAdd", "Add")
	prog.SideEffecting["LogAndAdd"] = true
	prog.CallGraph["Add"] = nil

	s := propertystore.NewStore(nil)
	k, err := s.CreateKind("purity", purity.Order(), purity.Fallback, purity.CycleResolver)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(s.SetupPhase([]propertystore.KindID{k}, nil)))
	pc := purity.ComputePurity(prog, k)
	for m := range prog.CallGraph {
		s.ScheduleFor(m, pc)
	}
	qt.Assert(t, qt.IsNil(s.WaitOnPhaseCompletionParallel(propertystore.ParallelConfig{Workers: 4})))

	qt.Assert(t, qt.Equals(s.Get("Add", k).UB, purity.Pure))
	qt.Assert(t, qt.Equals(s.Get("Sum", k).UB, purity.Pure))
	qt.Assert(t, qt.Equals(s.Get("LogAndAdd", k).UB, purity.Impure))
	qt.Assert(t, qt.Equals(s.Get("IsEven", k).UB, purity.CompileTimePure))
	qt.Assert(t, qt.Equals(s.Get("IsOdd", k).UB, purity.CompileTimePure))
}
