// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sync"

	"github.com/warp/billing-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	docs  map[ledger.Collection]map[string]document
	caps  ledger.Capabilities
	fault func(ledger.Write) error
}

type document struct {
	version int64
	fields  ledger.Fields
}

func NewMemory() *Memory {
	return NewMemoryWithCapabilities(ledger.DefaultCapabilities())
}

func NewMemoryWithCapabilities(caps ledger.Capabilities) *Memory {
	return &Memory{
		docs: make(map[ledger.Collection]map[string]document),
		caps: caps,
	}
}

func (m *Memory) Capabilities() ledger.Capabilities { return m.caps }

// Reset deletes every document.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[ledger.Collection]map[string]document)
	return nil
}

// InjectFault makes Commit call fn before applying each write. A non-nil
// error aborts the commit midway; the batch is then rolled back like any
// other failed commit. Pass nil to clear.
func (m *Memory) InjectFault(fn func(ledger.Write) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *Memory) Get(_ context.Context, c ledger.Collection, id string) (*ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(c, id), nil
}

func (m *Memory) GetMany(_ context.Context, c ledger.Collection, ids []string) ([]*ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ledger.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap := m.snapshotLocked(c, id); snap != nil {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *Memory) Query(_ context.Context, q ledger.Query) (*ledger.Page, error) {
	if err := m.caps.Validate(q); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matched := m.matchLocked(q)
	m.mu.RUnlock()

	ledger.SortSnapshots(matched, q.OrderBy, q.Descending)

	start := 0
	if q.After != nil {
		for start < len(matched) && !ledger.AfterPosition(matched[start], q.After, q.OrderBy, q.Descending) {
			start++
		}
	}
	matched = matched[start:]

	page := &ledger.Page{Snapshots: matched}
	if q.Limit > 0 && len(matched) > q.Limit {
		page.Snapshots = matched[:q.Limit]
		page.More = true
	}
	return page, nil
}

func (m *Memory) Count(_ context.Context, q ledger.Query) (int64, error) {
	q.Limit, q.After = 0, nil
	if err := m.caps.Validate(q); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matchLocked(q))), nil
}

// Commit applies every write or none.
// Simulated with a snapshot + rollback on error.
func (m *Memory) Commit(_ context.Context, b *ledger.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.snapshotState()
	for _, w := range b.Writes {
		if err := m.applyLocked(w); err != nil {
			m.docs = saved
			return err
		}
	}
	return nil
}

func (m *Memory) applyLocked(w ledger.Write) error {
	coll := m.docs[w.Collection]
	current, exists := coll[w.ID]

	switch w.Precondition {
	case ledger.MustNotExist:
		if exists {
			return &ledger.ConflictError{Collection: w.Collection, ID: w.ID}
		}
	case ledger.MatchVersion:
		if !exists || current.version != w.Version {
			return &ledger.ConflictError{Collection: w.Collection, ID: w.ID}
		}
	}
	if m.fault != nil {
		if err := m.fault(w); err != nil {
			return err
		}
	}

	if coll == nil {
		coll = make(map[string]document)
		m.docs[w.Collection] = coll
	}
	coll[w.ID] = document{
		version: current.version + 1,
		fields:  ledger.NormalizeFields(w.Fields.Clone()),
	}
	return nil
}

func (m *Memory) matchLocked(q ledger.Query) []*ledger.Snapshot {
	var out []*ledger.Snapshot
	for id, doc := range m.docs[q.Collection] {
		if matchesAll(doc.fields, q.Filters) {
			out = append(out, toSnapshot(q.Collection, id, doc))
		}
	}
	return out
}

func matchesAll(fields ledger.Fields, filters []ledger.Filter) bool {
	for _, f := range filters {
		if !f.Matches(fields) {
			return false
		}
	}
	return true
}

func (m *Memory) snapshotLocked(c ledger.Collection, id string) *ledger.Snapshot {
	doc, ok := m.docs[c][id]
	if !ok {
		return nil
	}
	return toSnapshot(c, id, doc)
}

func toSnapshot(c ledger.Collection, id string, doc document) *ledger.Snapshot {
	return &ledger.Snapshot{Collection: c, ID: id, Version: doc.version, Fields: doc.fields.Clone()}
}

// snapshotState copies the collection maps. Documents are immutable once
// stored, so sharing them is safe.
func (m *Memory) snapshotState() map[ledger.Collection]map[string]document {
	saved := make(map[ledger.Collection]map[string]document, len(m.docs))
	for c, coll := range m.docs {
		cp := make(map[string]document, len(coll))
		for id, doc := range coll {
			cp[id] = doc
		}
		saved[c] = cp
	}
	return saved
}
