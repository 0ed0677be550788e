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

func newEscapeStore(t *testing.T, prog *purity.Program) (*propertystore.Store, propertystore.KindID) {
	t.Helper()
	s := propertystore.NewStore(nil)
	k, err := s.CreateKind("escape", purity.EscapeOrder(), purity.EscapeFallback, purity.EscapeCycleResolver)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(purity.ScheduleLazyReturnCheck(s, prog, k)))
	purity.RegisterStaticStoreCheck(s, prog, k)
	return s, k
}

func TestEscapeJoinsBothContributions(t *testing.T) {
	prog := purity.NewProgram()
	site := purity.AllocationSite{Method: "LogAndAdd", Index: 0}
	prog.StaticallyStoredSites[site] = true

	s, k := newEscapeStore(t, prog)
	qt.Assert(t, qt.IsNil(s.SetupPhase([]propertystore.KindID{k}, nil)))
	s.Get(site, k) // triggers the lazy return check, which fires the triggered static-store check
	qt.Assert(t, qt.IsNil(s.WaitOnPhaseCompletion()))

	eps := s.Get(site, k)
	qt.Assert(t, qt.Equals(eps.Status, propertystore.StatusFinal))
	qt.Assert(t, qt.Equals(eps.UB, purity.EscapesGlobally))
}

func TestEscapeNoContributionStaysNoEscape(t *testing.T) {
	prog := purity.NewProgram()
	site := purity.AllocationSite{Method: "Pure", Index: 0}

	s, k := newEscapeStore(t, prog)
	qt.Assert(t, qt.IsNil(s.SetupPhase([]propertystore.KindID{k}, nil)))
	s.Get(site, k)
	qt.Assert(t, qt.IsNil(s.WaitOnPhaseCompletion()))

	qt.Assert(t, qt.Equals(s.Get(site, k).UB, purity.NoEscape))
}

func TestEscapeReturnOnlyContribution(t *testing.T) {
	prog := purity.NewProgram()
	site := purity.AllocationSite{Method: "Sum", Index: 0}
	prog.ReturnedSites[site] = true

	s, k := newEscapeStore(t, prog)
	qt.Assert(t, qt.IsNil(s.SetupPhase([]propertystore.KindID{k}, nil)))
	s.Get(site, k)
	qt.Assert(t, qt.IsNil(s.WaitOnPhaseCompletion()))

	qt.Assert(t, qt.Equals(s.Get(site, k).UB, purity.EscapesViaReturn))
}
