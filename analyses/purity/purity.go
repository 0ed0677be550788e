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

package purity

import (
	"github.com/bhermann/fpcf/propertystore"
)

// Purity is the lattice of the "purity" kind, ordered
// Pure < CompileTimePure < Impure (most to least precise).
type Purity int

const (
	Pure Purity = iota
	CompileTimePure
	Impure
)

func (p Purity) String() string {
	switch p {
	case Pure:
		return "Pure"
	case CompileTimePure:
		return "CompileTimePure"
	case Impure:
		return "Impure"
	default:
		return "Unknown"
	}
}

// Order implements propertystore.Order for the purity lattice.
func Order() propertystore.Order {
	return propertystore.OrderFunc(func(a, b propertystore.Property) bool {
		return a.(Purity) <= b.(Purity)
	})
}

func join(a, b Purity) Purity {
	if a > b {
		return a
	}
	return b
}

// Fallback is the purity kind's fallback property: a method never reached
// by the analysis is conservatively assumed Impure.
func Fallback(_ *propertystore.Store, _ propertystore.Entity, _ propertystore.KindID) (propertystore.Property, error) {
	return Impure, nil
}

// CycleResolver breaks a closed purity SCC (mutually recursive methods
// whose purity each depend on the other's) by committing CompileTimePure
// for the chosen representative: none of the methods in the cycle were
// found directly side-effecting, so the only reason they are stuck is
// mutual recursion, which conditional purity accepts.
func CycleResolver(_ *propertystore.Store, _ propertystore.EPS) (propertystore.Property, error) {
	return CompileTimePure, nil
}

// ComputePurity returns the PropertyComputation for kind, closed over prog.
// Registered with Store.ScheduleFor (or ScheduleLazy) for the purity kind,
// it computes a method's purity as the join of its own directly-observed
// effects and the (possibly still-refining) purity of every method it
// calls, transitively. For mutually recursive call chains this drives the
// cycle-resolution path instead: the two methods' slots get stuck on each
// other until the cycle resolver commits a representative value.
func ComputePurity(prog *Program, kind propertystore.KindID) propertystore.PropertyComputation {
	return func(s *propertystore.Store, e propertystore.Entity) propertystore.Result {
		m := e.(MethodID)
		return purityOf(s, prog, kind, m)
	}
}

func purityOf(s *propertystore.Store, prog *Program, kind propertystore.KindID, m MethodID) propertystore.Result {
	if prog.SideEffecting[m] {
		return propertystore.FinalResult{E: m, Kind: kind, P: Impure}
	}

	callees := prog.CallGraph[m]
	if len(callees) == 0 {
		return propertystore.FinalResult{E: m, Kind: kind, P: Pure}
	}

	lb, ub := Pure, Pure
	allFinal := true
	var deps []propertystore.Dependency
	for _, c := range callees {
		eps := s.Get(c, kind)
		if eps.Status == propertystore.StatusFinal {
			cp := eps.UB.(Purity)
			lb = join(lb, cp)
			ub = join(ub, cp)
			continue
		}
		allFinal = false
		ub = join(ub, Impure)
		deps = append(deps, propertystore.Dependency{EPK: propertystore.EPK{Entity: c, Kind: kind}, Observed: eps})
	}

	if allFinal {
		return propertystore.FinalResult{E: m, Kind: kind, P: ub}
	}

	return propertystore.IntermediateResult{
		E: m, Kind: kind, LB: lb, UB: ub, Dependees: deps,
		Continuation: func(propertystore.EPS) propertystore.Result {
			return purityOf(s, prog, kind, m)
		},
	}
}
