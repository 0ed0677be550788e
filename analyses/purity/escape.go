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

// Escape is the lattice of the "escape" kind, ordered
// NoEscape < EscapesViaReturn < EscapesGlobally.
type Escape int

const (
	NoEscape Escape = iota
	EscapesViaReturn
	EscapesGlobally
)

func (e Escape) String() string {
	switch e {
	case NoEscape:
		return "NoEscape"
	case EscapesViaReturn:
		return "EscapesViaReturn"
	case EscapesGlobally:
		return "EscapesGlobally"
	default:
		return "Unknown"
	}
}

// EscapeOrder implements propertystore.Order for the escape lattice.
func EscapeOrder() propertystore.Order {
	return propertystore.OrderFunc(func(a, b propertystore.Property) bool {
		return a.(Escape) <= b.(Escape)
	})
}

func joinEscape(a, b Escape) Escape {
	if a > b {
		return a
	}
	return b
}

// EscapeFallback is the escape kind's fallback: an allocation site never
// reached by either contributing analysis is assumed not to escape.
func EscapeFallback(_ *propertystore.Store, _ propertystore.Entity, _ propertystore.KindID) (propertystore.Property, error) {
	return NoEscape, nil
}

// EscapeCycleResolver is never expected to fire for this fixture (partial
// results register no dependees, so escape slots never become "stuck"),
// but every kind needs one; EscapesGlobally is the conservative choice.
func EscapeCycleResolver(_ *propertystore.Store, _ propertystore.EPS) (propertystore.Property, error) {
	return EscapesGlobally, nil
}

// ScheduleLazyReturnCheck registers the lazy half of the escape analysis:
// the first Get of any allocation site's escape property triggers a check
// of whether the site's value is returned to the caller, and that check
// runs exactly once per site no matter how many times Get is called.
func ScheduleLazyReturnCheck(s *propertystore.Store, prog *Program, kind propertystore.KindID) error {
	return s.ScheduleLazy(kind, func(s *propertystore.Store, e propertystore.Entity) propertystore.Result {
		site := e.(AllocationSite)
		contributed := NoEscape
		if prog.ReturnedSites[site] {
			contributed = EscapesViaReturn
		}
		return partialJoin(e, kind, contributed)
	})
}

// RegisterStaticStoreCheck registers a triggered computation: whenever any
// allocation site first acquires an escape slot (via the lazy return check
// above), this second, independent analysis also contributes its own
// partial judgement on whether the site is stored into a static field. The
// two analyses' PartialResults join into the same slot.
func RegisterStaticStoreCheck(s *propertystore.Store, prog *Program, kind propertystore.KindID) {
	s.RegisterTriggered(kind, func(s *propertystore.Store, e propertystore.Entity) propertystore.Result {
		site := e.(AllocationSite)
		contributed := NoEscape
		if prog.StaticallyStoredSites[site] {
			contributed = EscapesGlobally
		}
		return partialJoin(e, kind, contributed)
	})
}

// partialJoin builds the PartialResult that raises a slot's ub to the join
// of its current ub and contributed, leaving lb at the lattice bottom
// until collaborative finalisation commits it.
func partialJoin(e propertystore.Entity, kind propertystore.KindID, contributed Escape) propertystore.Result {
	return propertystore.PartialResult{
		E: e, Kind: kind,
		Refine: func(current propertystore.EPS) (lb, ub propertystore.Property, ok bool) {
			curUB := NoEscape
			switch current.Status {
			case propertystore.StatusIntermediate, propertystore.StatusFinal:
				curUB = current.UB.(Escape)
			}
			newUB := joinEscape(curUB, contributed)
			if newUB == curUB {
				return nil, nil, false
			}
			return NoEscape, newUB, true
		},
	}
}
