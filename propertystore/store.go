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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kr/pretty"
)

// CapabilityTag identifies one collaborator recognised in the context map
// passed to NewStore: DeclaredMethods, AllocationSites,
// VirtualFormalParameters, Project, TACProvider, Logger, or any
// client-defined tag. The store never interprets the associated value; it
// is retrieved verbatim by analyses via Store.Capability.
type CapabilityTag string

// Recognised capability tags. Analyses may also define and
// use their own tags; the store treats every tag identically.
const (
	CapabilityDeclaredMethods         CapabilityTag = "DeclaredMethods"
	CapabilityAllocationSites         CapabilityTag = "AllocationSites"
	CapabilityVirtualFormalParameters CapabilityTag = "VirtualFormalParameters"
	CapabilityProject                CapabilityTag = "Project"
	CapabilityTACProvider             CapabilityTag = "TACProvider"
	CapabilityLogger                  CapabilityTag = "Logger"
)

// EntityFormatter renders an Entity for logging and debug output only; the
// store never uses it for comparison or hashing.
type EntityFormatter func(Entity) string

// Stats counts engine activity across the lifetime of a Store, primarily
// useful for tests and the demo CLI.
type Stats struct {
	TasksExecuted    int64
	FallbacksApplied int64
	CyclesResolved   int64
	SlotsFinalized   int64
}

// Store is the property store: the fixed-point engine coordinating
// analyses over entities until quiescence. A Store
// has an independent lifetime: construction, zero or more phases, then
// Shutdown.
type Store struct {
	kinds *kindRegistry
	queue *taskQueue

	slotsMu sync.RWMutex
	slots   map[EPK]*slot

	idMu         sync.Mutex
	entityIDs    map[Entity]int64
	nextEntityID int64
	entityOrder  []Entity
	seenEntity   map[Entity]bool

	lazyMu    sync.Mutex
	lazyComps map[KindID]PropertyComputation

	triggeredMu sync.Mutex
	triggered   map[KindID][]PropertyComputation
	// triggeredFired records (entity, kind) pairs already handed to a
	// triggered computation, so each fires at most once per entity.
	triggeredFired map[EPK]bool

	context   map[CapabilityTag]any
	logger    Logger
	formatter EntityFormatter

	errs *errorList

	cancelled atomic.Bool
	poisoned  atomic.Bool

	phase phaseState

	// Delay flags: true means append (delay), false means prepend (apply
	// immediately ahead of older pending work). Default true for all
	// three, which empirically minimises notification churn.
	delayFinalDependeeUpdates    bool
	delayNonFinalDependeeUpdates bool
	delayDependerNotification    bool

	statsMu sync.Mutex
	stats   Stats
}

// NewStore constructs a Store from a capability context map. The Logger
// capability, if present, must implement Logger; if absent, logging is a
// no-op.
func NewStore(context map[CapabilityTag]any) *Store {
	s := &Store{
		kinds:          newKindRegistry(),
		queue:          newTaskQueue(),
		slots:          make(map[EPK]*slot),
		entityIDs:      make(map[Entity]int64),
		seenEntity:     make(map[Entity]bool),
		lazyComps:      make(map[KindID]PropertyComputation),
		triggered:      make(map[KindID][]PropertyComputation),
		triggeredFired: make(map[EPK]bool),
		context:        context,
		errs:           newErrorList(),

		delayFinalDependeeUpdates:    true,
		delayNonFinalDependeeUpdates: true,
		delayDependerNotification:    true,
	}
	if l, ok := context[CapabilityLogger].(Logger); ok {
		s.logger = l
	} else {
		s.logger = NopLogger{}
	}
	return s
}

// SetDelayFlags configures the three re-scheduling policy flags. It may be
// changed between phases, or even mid-phase since the flags are read fresh
// for every task enqueued.
func (s *Store) SetDelayFlags(delayFinal, delayNonFinal, delayNotification bool) {
	s.delayFinalDependeeUpdates = delayFinal
	s.delayNonFinalDependeeUpdates = delayNonFinal
	s.delayDependerNotification = delayNotification
}

// SetEntityFormatter installs the formatter used for log/debug output.
func (s *Store) SetEntityFormatter(f EntityFormatter) { s.formatter = f }

// Capability retrieves a collaborator registered under tag in the context
// map passed to NewStore.
func (s *Store) Capability(tag CapabilityTag) (any, bool) {
	v, ok := s.context[tag]
	return v, ok
}

// CreateKind registers (or looks up) a PropertyKind.
func (s *Store) CreateKind(name string, order Order, fallback FallbackFunc, cycleResolver CycleResolverFunc) (KindID, error) {
	return s.kinds.create(name, order, fallback, cycleResolver)
}

// KindName returns the name a kind was created with.
func (s *Store) KindName(k KindID) string { return s.kinds.name(k) }

func (s *Store) entityID(e Entity) int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if id, ok := s.entityIDs[e]; ok {
		return id
	}
	id := s.nextEntityID
	s.nextEntityID++
	s.entityIDs[e] = id
	return id
}

// touchEntity records e's first-materialisation order and assigns its
// entity id. Called whenever e is referenced via Get, Set, or ScheduleFor;
// triggered computations are fired separately, by fireTriggered.
func (s *Store) touchEntity(e Entity) {
	s.idMu.Lock()
	if !s.seenEntity[e] {
		s.seenEntity[e] = true
		s.entityOrder = append(s.entityOrder, e)
	}
	s.idMu.Unlock()
	_ = s.entityID(e)
}

func (s *Store) getOrCreateSlot(epk EPK) *slot {
	s.slotsMu.RLock()
	sl, ok := s.slots[epk]
	s.slotsMu.RUnlock()
	if ok {
		return sl
	}
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	if sl, ok := s.slots[epk]; ok {
		return sl
	}
	sl = newAbsentSlot(epk)
	s.slots[epk] = sl
	return sl
}

func (s *Store) getSlotIfExists(epk EPK) (*slot, bool) {
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	sl, ok := s.slots[epk]
	return sl, ok
}

// fireTriggered schedules every triggered computation registered for
// kind, for entity e, provided it has not already fired for this EPK.
func (s *Store) fireTriggered(e Entity, kind KindID) {
	epk := EPK{Entity: e, Kind: kind}
	s.triggeredMu.Lock()
	if s.triggeredFired[epk] {
		s.triggeredMu.Unlock()
		return
	}
	s.triggeredFired[epk] = true
	pcs := append([]PropertyComputation(nil), s.triggered[kind]...)
	s.triggeredMu.Unlock()
	for _, pc := range pcs {
		s.ScheduleFor(e, pc)
	}
}

// IsKnown reports whether e has ever been referenced (apply, set,
// schedule) on this store.
func (s *Store) IsKnown(e Entity) bool {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.seenEntity[e]
}

// HasProperty reports whether (e, k) currently has any slot at all
// (absent is false; lazy/intermediate/final are true).
func (s *Store) HasProperty(e Entity, k KindID) bool {
	sl, ok := s.getSlotIfExists(EPK{Entity: e, Kind: k})
	if !ok {
		return false
	}
	eps := sl.snapshot()
	return eps.Status != StatusAbsent
}

// Get returns the current slot for (e, k). If a lazy computation is
// registered for k and no slot yet exists, Get materialises the
// LazilyComputed placeholder, schedules the lazy computation exactly once,
// and returns that placeholder. Entities are marked known as a side effect
// of calling Get; triggered computations for k are fired only when the
// returned slot is not absent.
func (s *Store) Get(e Entity, k KindID) EPS {
	s.touchEntity(e)
	epk := EPK{Entity: e, Kind: k}

	sl, existed := s.getSlotIfExists(epk)
	if existed {
		eps := sl.snapshot()
		if eps.Status != StatusAbsent {
			s.fireTriggered(e, k)
			return eps
		}
	}

	s.lazyMu.Lock()
	pc, hasLazy := s.lazyComps[k]
	s.lazyMu.Unlock()
	if !hasLazy {
		return EPS{EPK: epk, Status: StatusAbsent}
	}

	sl = s.getOrCreateSlot(epk)
	sl.mu.Lock()
	alreadyScheduled := sl.lazyScheduled
	if !alreadyScheduled {
		sl.lazyScheduled = true
		sl.lb, sl.ub = LazilyComputed, LazilyComputed
	}
	eps := sl.snapshotLocked()
	sl.mu.Unlock()

	if !alreadyScheduled {
		s.fireTriggered(e, k)
		s.ScheduleFor(e, pc)
	}
	return eps
}

// Set inserts a final slot holding p for (e, k). Fails with
// AlreadyPresentError if a slot already exists, or LazyConflictError if a
// lazy computation is registered for that kind.
func (s *Store) Set(e Entity, k KindID, p Property) error {
	s.touchEntity(e)
	epk := EPK{Entity: e, Kind: k}

	s.lazyMu.Lock()
	_, hasLazy := s.lazyComps[k]
	s.lazyMu.Unlock()
	if hasLazy {
		return &LazyConflictError{KindName: s.kinds.name(k)}
	}

	if sl, ok := s.getSlotIfExists(epk); ok {
		if sl.snapshot().Status != StatusAbsent {
			return &AlreadyPresentError{EPK: epk, KindName: s.kinds.name(k)}
		}
	}

	s.fireTriggered(e, k)
	return s.update(epk, p, p, nil, nil)
}

// ScheduleFor appends a task that runs pc(e) and dispatches its Result
//.
func (s *Store) ScheduleFor(e Entity, pc PropertyComputation) {
	s.touchEntity(e)
	s.queue.append(func() {
		s.runComputation(e, pc)
	})
}

// ScheduleLazy registers pc as the lazy computation for kind k. At most
// one lazy registration is allowed per kind; a second call returns
// LazyConflictError.
func (s *Store) ScheduleLazy(k KindID, pc PropertyComputation) error {
	s.lazyMu.Lock()
	defer s.lazyMu.Unlock()
	if _, ok := s.lazyComps[k]; ok {
		return &LazyConflictError{KindName: s.kinds.name(k)}
	}
	s.lazyComps[k] = pc
	return nil
}

// RegisterTriggered arranges for pc to be scheduled, exactly once, for any
// entity that first acquires a slot of kind k. Must be registered before
// the phase in which it should apply begins; delivery ordering relative to
// ScheduleFor is not guaranteed.
func (s *Store) RegisterTriggered(k KindID, pc PropertyComputation) {
	s.triggeredMu.Lock()
	defer s.triggeredMu.Unlock()
	s.triggered[k] = append(s.triggered[k], pc)
}

// runComputation invokes pc, recovering from and recording any panic.
func (s *Store) runComputation(e Entity, pc PropertyComputation) {
	s.addTasksExecuted()
	defer func() {
		if r := recover(); r != nil {
			s.errs.add(&AnalysisCrashError{EPK: EPK{Entity: e}, Recovered: r})
		}
	}()
	result := pc(s, e)
	// Every concrete Result payload names its own (entity, kind) already
	// (FinalResult.E/Kind, IntermediateResult.E/Kind, ...), so there is no
	// separate call-context to thread through.
	if err := s.handleResult(result); err != nil {
		s.errs.add(err)
	}
}

// Properties returns a snapshot of every non-lazy-placeholder EPS known
// for e.
func (s *Store) Properties(e Entity) []EPS {
	var out []EPS
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	for epk, sl := range s.slots {
		if epk.Entity != e {
			continue
		}
		eps := sl.snapshot()
		if eps.Status == StatusAbsent || eps.Status == StatusLazy {
			continue
		}
		out = append(out, eps)
	}
	return out
}

// Entities returns every entity, in first-materialisation order, that has
// at least one slot satisfying pred.
func (s *Store) Entities(pred func(EPS) bool) []Entity {
	matches := make(map[Entity]bool)
	s.slotsMu.RLock()
	for _, sl := range s.slots {
		eps := sl.snapshot()
		if eps.Status == StatusAbsent {
			continue
		}
		if pred(eps) {
			matches[eps.EPK.Entity] = true
		}
	}
	s.slotsMu.RUnlock()

	s.idMu.Lock()
	defer s.idMu.Unlock()
	var out []Entity
	for _, e := range s.entityOrder {
		if matches[e] {
			out = append(out, e)
		}
	}
	return out
}

// EntitiesOfKind returns every EPS of kind k, in first-materialisation
// order of their entity.
func (s *Store) EntitiesOfKind(k KindID) []EPS {
	byEntity := make(map[Entity]EPS)
	s.slotsMu.RLock()
	for epk, sl := range s.slots {
		if epk.Kind != k {
			continue
		}
		eps := sl.snapshot()
		if eps.Status == StatusAbsent || eps.Status == StatusLazy {
			continue
		}
		byEntity[epk.Entity] = eps
	}
	s.slotsMu.RUnlock()

	s.idMu.Lock()
	defer s.idMu.Unlock()
	var out []EPS
	for _, e := range s.entityOrder {
		if eps, ok := byEntity[e]; ok {
			out = append(out, eps)
		}
	}
	return out
}

// Cancel signals cooperative cancellation: queued tasks are discarded and
// in-flight ones are allowed to finish.
func (s *Store) Cancel() {
	s.cancelled.Store(true)
	s.queue.wake()
}

// Cancelled reports whether Cancel has been called.
func (s *Store) Cancelled() bool { return s.cancelled.Load() }

// Shutdown releases the store's resources. A store instance is not usable
// afterward.
func (s *Store) Shutdown() {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	s.slots = nil
}

func (s *Store) addTasksExecuted() {
	s.statsMu.Lock()
	s.stats.TasksExecuted++
	s.statsMu.Unlock()
}

func (s *Store) addFallback() {
	s.statsMu.Lock()
	s.stats.FallbacksApplied++
	s.statsMu.Unlock()
}

func (s *Store) addCycleResolved() {
	s.statsMu.Lock()
	s.stats.CyclesResolved++
	s.statsMu.Unlock()
}

func (s *Store) addFinalized() {
	s.statsMu.Lock()
	s.stats.SlotsFinalized++
	s.statsMu.Unlock()
}

// Stats returns a snapshot of engine activity counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// debugSlot is the shape DebugString renders each slot as; a plain struct
// gives kr/pretty something more legible to walk than the raw EPS.
type debugSlot struct {
	Entity string
	Kind   string
	LB, UB Property
	Status string
}

// DebugString renders every known slot via kr/pretty, for use in tests and
// ad-hoc debugging; never parsed, and not covered by any compatibility
// promise.
func (s *Store) DebugString() string {
	s.slotsMu.RLock()
	snapshots := make([]EPS, 0, len(s.slots))
	for _, sl := range s.slots {
		snapshots = append(snapshots, sl.snapshot())
	}
	s.slotsMu.RUnlock()

	s.idMu.Lock()
	order := make(map[Entity]int, len(s.entityOrder))
	for i, e := range s.entityOrder {
		order[e] = i
	}
	s.idMu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		oi, oj := order[snapshots[i].Entity], order[snapshots[j].Entity]
		if oi != oj {
			return oi < oj
		}
		return snapshots[i].Kind < snapshots[j].Kind
	})

	rows := make([]debugSlot, 0, len(snapshots))
	for _, eps := range snapshots {
		rows = append(rows, debugSlot{
			Entity: s.formatEntity(eps.Entity),
			Kind:   s.kinds.name(eps.Kind),
			LB:     eps.LB,
			UB:     eps.UB,
			Status: eps.Status.String(),
		})
	}
	return pretty.Sprint(rows)
}

func (s *Store) formatEntity(e Entity) string {
	if s.formatter != nil {
		return s.formatter(e)
	}
	return fmt.Sprintf("%v", e)
}
