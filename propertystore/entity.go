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

// Package propertystore implements a fixed-point property-computation
// engine: a store that lets independent analyses derive mutually-dependent,
// lattice-valued properties over opaque entities until global quiescence.
package propertystore

// Entity is an opaque, hash/identity-comparable handle supplied by external
// collaborators: a declared method, a field, an allocation site, the whole
// project, or anything else a client wants to attach properties to. The
// store never interprets an Entity's contents; it only uses it as a map key
// and, for diagnostics, passes it through a caller-supplied EntityFormatter.
//
// Values used as an Entity must be comparable (usable as a Go map key);
// the store panics if given one that is not.
type Entity = any

// EPK is the addressable key (entity, kind) — an Entity/Property-Kind pair.
type EPK struct {
	Entity Entity
	Kind   KindID
}
