// Package mapper implements the in-memory component that deduplicates and
// merges incoming states before they are committed to the store (spec §4.5).
package mapper

import (
	"context"
	"log/slog"
	"sync"

	"github.com/watchstate/syncengine/entity"
)

// Store is the slice of store.Store the mapper needs: look states up by
// identity pointer, and persist a merged record. Declared here (rather than
// imported from package store) so mapper has no dependency on the concrete
// storage backend.
type Store interface {
	FindByPointers(ctx context.Context, pointers []string) ([]entity.State, error)
	Upsert(ctx context.Context, s entity.State) (id int64, created bool, err error)
}

// Metrics is a point-in-time snapshot of mapper activity, surfaced by the
// orchestrator in its RunReport.
type Metrics struct {
	Added    int
	Merged   int
	Created  int
	Dirty    int
}

// slot is one state held in the mapper's append-only array plus its dirty
// flag. Kept separate from entity.State so the mapper can track commit
// status without polluting the canonical type.
type slot struct {
	state entity.State
	dirty bool
}

// Mapper is the in-memory pointer index described in spec §4.5: every
// pointer string a state owns maps to the slot holding it, so a newly
// ingested state that shares any pointer with an existing slot is merged
// into it rather than creating a duplicate.
//
// A Mapper is single-owner per orchestrator run — it is never shared across
// concurrent runs (spec §5 "In-memory mapper index: single-owner per
// orchestrator run").
type Mapper struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	slots   []slot
	byPtr   map[string]int // pointer -> index into slots
	metrics Metrics
}

// New creates a Mapper backed by store. A nil logger falls back to
// slog.Default().
func New(store Store, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		store:  store,
		logger: logger,
		byPtr:  make(map[string]int),
	}
}

// Add ingests one incoming state. It computes the state's pointers, looks
// for a colliding slot (one that shares any pointer), and either merges into
// that slot or appends a brand-new one. The slot is marked dirty either way.
//
// Add may read the store to find an existing record, but never writes to
// it — see Commit.
func (m *Mapper) Add(ctx context.Context, incoming entity.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.Added++

	ptrs := incoming.Pointers()
	idx := -1
	for _, p := range ptrs {
		if i, ok := m.byPtr[p]; ok {
			idx = i
			break
		}
	}

	if idx == -1 {
		// No in-memory collision — check the store itself, since a prior
		// commit (or a prior orchestrator run) may already hold this
		// entity under a pointer this batch hasn't indexed yet.
		if stored, err := m.store.FindByPointers(ctx, ptrs); err == nil && len(stored) > 0 {
			m.slots = append(m.slots, slot{state: stored[0], dirty: false})
			idx = len(m.slots) - 1
			m.indexSlot(idx)
		}
	}

	if idx == -1 {
		m.slots = append(m.slots, slot{state: incoming, dirty: true})
		idx = len(m.slots) - 1
		m.indexSlot(idx)
		return
	}

	merged := entity.Merge(m.slots[idx].state, incoming, m.logger)
	m.slots[idx] = slot{state: merged, dirty: true}
	m.metrics.Merged++
	m.indexSlot(idx)
}

// indexSlot registers every pointer the slot's state now owns, so future
// Add calls can find it regardless of which pointer they arrive under.
func (m *Mapper) indexSlot(idx int) {
	for _, p := range m.slots[idx].state.Pointers() {
		m.byPtr[p] = idx
	}
}

// Commit flushes every dirty slot to the store in one pass and clears the
// dirty flags. Each Upsert runs in its own store transaction, so Commit as
// a whole is not atomic: an error stops the flush and leaves the slots
// already written committed.
func (m *Mapper) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.slots {
		if !m.slots[i].dirty {
			continue
		}
		id, created, err := m.store.Upsert(ctx, m.slots[i].state)
		if err != nil {
			return err
		}
		m.slots[i].state.ID = id
		m.slots[i].dirty = false
		if created {
			m.metrics.Created++
		}
	}
	return nil
}

// Iter returns every state currently held by the mapper, committed or not.
func (m *Mapper) Iter() []entity.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.State, len(m.slots))
	for i, s := range m.slots {
		out[i] = s.state
	}
	return out
}

// Metrics returns a snapshot of ingestion counters for this run.
func (m *Mapper) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.metrics
	snap.Dirty = 0
	for _, s := range m.slots {
		if s.dirty {
			snap.Dirty++
		}
	}
	return snap
}

// DirectMapper bypasses the in-memory index entirely and upserts straight to
// the store. Used by webhook ingestion (spec §4.5) where a single event's
// low latency matters more than deduplication across a batch — Add's own
// FindByPointers lookup before each Upsert still prevents duplicate rows.
type DirectMapper struct {
	store Store
}

// NewDirect creates a DirectMapper backed by store.
func NewDirect(store Store) *DirectMapper {
	return &DirectMapper{store: store}
}

// Add merges incoming against whatever the store already holds for the same
// identity (if anything) and upserts the result immediately.
func (d *DirectMapper) Add(ctx context.Context, incoming entity.State) (id int64, created bool, err error) {
	existing, err := d.store.FindByPointers(ctx, incoming.Pointers())
	if err != nil {
		return 0, false, err
	}
	merged := incoming
	if len(existing) > 0 {
		merged = entity.Merge(existing[0], incoming, nil)
	}
	return d.store.Upsert(ctx, merged)
}
