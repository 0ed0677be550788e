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
	"reflect"
	"sync"
)

// KindID is the dense integer id of a PropertyKind, assigned at creation
// time in creation order.
type KindID int

// FallbackFunc computes the property assumed for an (entity, kind) slot
// that is still lacking any produced property at quiescence.
type FallbackFunc func(s *Store, e Entity, kind KindID) (Property, error)

// CycleResolverFunc is called once per closed strongly-connected component
// of still-refinable slots detected at quiescence. It is given the EPS of a
// deterministically chosen representative member and must return the final
// property to commit for that entity/kind.
type CycleResolverFunc func(s *Store, head EPS) (Property, error)

// kindInfo is the immutable configuration of one PropertyKind.
type kindInfo struct {
	id            KindID
	name          string
	order         Order
	fallback      FallbackFunc
	cycleResolver CycleResolverFunc
}

// kindRegistry is the name-space for kinds: fallback lookup by id and
// cycle-resolution dispatch. Kinds are immutable once created; there is no
// per-kind state machine.
type kindRegistry struct {
	mu     sync.Mutex
	byName map[string]KindID
	byID   []*kindInfo
}

func newKindRegistry() *kindRegistry {
	return &kindRegistry{byName: make(map[string]KindID)}
}

// create returns a fresh dense id for name, or the existing id if name was
// already registered with an equivalent configuration. Re-registering name
// with a different order type or a different fallback/cycleResolver
// function fails with KindConflictError. Functions are compared by code
// pointer only, so two closures built from the same function literal count
// as equivalent even when they capture different values; re-registering
// with such a closure returns the existing id.
func (r *kindRegistry) create(name string, order Order, fallback FallbackFunc, cycleResolver CycleResolverFunc) (KindID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		existing := r.byID[id]
		if !sameKindConfig(existing, order, fallback, cycleResolver) {
			return 0, &KindConflictError{Name: name}
		}
		return id, nil
	}

	id := KindID(len(r.byID))
	info := &kindInfo{
		id:            id,
		name:          name,
		order:         order,
		fallback:      fallback,
		cycleResolver: cycleResolver,
	}
	r.byID = append(r.byID, info)
	r.byName[name] = id
	return id, nil
}

func (r *kindRegistry) info(id KindID) *kindInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < 0 || int(id) >= len(r.byID) {
		return nil
	}
	return r.byID[id]
}

func (r *kindRegistry) name(id KindID) string {
	if info := r.info(id); info != nil {
		return info.name
	}
	return "<unknown-kind>"
}

// sameKindConfig does a best-effort structural/identity comparison: it is
// not possible to compare arbitrary Go closures for deep equality, so
// function identity (the underlying code pointer) is used, which is exact
// for the common case of passing the same package-level function or the
// same bound closure value twice.
func sameKindConfig(existing *kindInfo, order Order, fallback FallbackFunc, cycleResolver CycleResolverFunc) bool {
	return reflect.TypeOf(existing.order) == reflect.TypeOf(order) &&
		funcIdentity(existing.fallback) == funcIdentity(fallback) &&
		funcIdentity(existing.cycleResolver) == funcIdentity(cycleResolver)
}

func funcIdentity(f any) uintptr {
	v := reflect.ValueOf(f)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}
