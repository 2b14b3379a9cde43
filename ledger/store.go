/*
store.go - Document store contract

PURPOSE:
  Defines the interface between the ledger and the backing document store.
  The store is deliberately narrow: per-document reads, constrained queries,
  server-side counts and one atomic multi-document batch write.

KEY INTERFACES:
  Store:        Get / GetMany / Query / Count / Commit
  Capabilities: the query model every adapter enforces

CAPABILITY MODEL:
  - at most one field may carry range (<, <=, >, >=) filters per query
  - an "in" filter holds at most MaxAnyOf values
  - when a range filter is present the query must be ordered by that field

ATOMIC BATCHES:
  Commit() applies every write or none. Each write may carry a
  precondition (MustNotExist, MatchVersion); a failed precondition aborts
  the batch with a ConflictError. There is no transaction spanning more
  than one batch.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite document table
  - store/firestore/firestore.go: Cloud Firestore

SEE ALSO:
  - planner.go: builds Query values from filter specs
  - reader.go: typed reads on top of Store
*/
package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// SNAPSHOT / QUERY TYPES
// =============================================================================

// Snapshot is a document as read from the store.
type Snapshot struct {
	Collection Collection
	ID         string
	Version    int64
	Fields     Fields
}

type Operator string

const (
	OpEqual          Operator = "=="
	OpIn             Operator = "in"
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
)

// IsRange reports whether the operator is an inequality.
func (o Operator) IsRange() bool {
	switch o {
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		return true
	}
	return false
}

// Filter is a single store-native constraint. For OpIn, Value is []any.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Matches evaluates the filter against a document body.
func (f Filter) Matches(fields Fields) bool {
	actual := fields[f.Field]
	switch f.Op {
	case OpEqual:
		c, ok := CompareValues(actual, f.Value)
		return ok && c == 0
	case OpIn:
		values, _ := f.Value.([]any)
		for _, v := range values {
			if c, ok := CompareValues(actual, v); ok && c == 0 {
				return true
			}
		}
		return false
	}
	if actual == nil {
		return false
	}
	c, ok := CompareValues(actual, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	}
	return false
}

// Position identifies the last document of a page ("start after").
type Position struct {
	Value any
	ID    string
}

// Query is a store-native query. Limit 0 means unlimited.
type Query struct {
	Collection Collection
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
	After      *Position
}

// Page is one fetched page. More is true when documents remain after the
// last snapshot.
type Page struct {
	Snapshots []*Snapshot
	More      bool
}

// =============================================================================
// BATCH - Atomic multi-document write
// =============================================================================

type Precondition int

const (
	NoPrecondition Precondition = iota
	MustNotExist
	MatchVersion
)

// Write replaces the whole body of one document.
type Write struct {
	Collection   Collection
	ID           string
	Fields       Fields
	Precondition Precondition
	Version      int64 // expected version for MatchVersion
}

type Batch struct {
	Writes []Write
}

func NewBatch() *Batch { return &Batch{} }

// Create writes a new document; the batch fails if it already exists.
func (b *Batch) Create(c Collection, id string, fields Fields) *Batch {
	b.Writes = append(b.Writes, Write{Collection: c, ID: id, Fields: fields, Precondition: MustNotExist})
	return b
}

// Update replaces a document read at version; the batch fails if the
// stored version moved on.
func (b *Batch) Update(c Collection, id string, version int64, fields Fields) *Batch {
	b.Writes = append(b.Writes, Write{Collection: c, ID: id, Fields: fields, Precondition: MatchVersion, Version: version})
	return b
}

// Set writes a document unconditionally.
func (b *Batch) Set(c Collection, id string, fields Fields) *Batch {
	b.Writes = append(b.Writes, Write{Collection: c, ID: id, Fields: fields})
	return b
}

func (b *Batch) Len() int { return len(b.Writes) }

// Validate rejects empty batches and batches writing one document twice.
func (b *Batch) Validate() error {
	if len(b.Writes) == 0 {
		return newValidationError(CodeInvalidInput, nil, "empty batch")
	}
	seen := make(map[string]bool, len(b.Writes))
	for _, w := range b.Writes {
		if w.ID == "" || w.Collection == "" {
			return newValidationError(CodeInvalidInput, nil, "batch write without collection or id")
		}
		key := string(w.Collection) + "/" + w.ID
		if seen[key] {
			return newValidationError(CodeInvalidInput, []string{w.ID}, "document written twice in one batch")
		}
		seen[key] = true
	}
	return nil
}

// =============================================================================
// STORE - Interface for document persistence
// =============================================================================

type Store interface {
	// Get returns (nil, nil) when the document does not exist.
	Get(ctx context.Context, c Collection, id string) (*Snapshot, error)

	// GetMany omits missing ids and keeps the order of ids.
	GetMany(ctx context.Context, c Collection, ids []string) ([]*Snapshot, error)

	// Query returns one page ordered by q.OrderBy then document id.
	Query(ctx context.Context, q Query) (*Page, error)

	// Count ignores ordering, limit and position.
	Count(ctx context.Context, q Query) (int64, error)

	// Commit applies the batch atomically.
	Commit(ctx context.Context, b *Batch) error
}

// =============================================================================
// CAPABILITIES
// =============================================================================

// DefaultMaxAnyOf is the "in" cap of the reference document store.
const DefaultMaxAnyOf = 10

// Capabilities describes what a store can express natively.
type Capabilities struct {
	MaxAnyOf int // 0 means unlimited
}

func DefaultCapabilities() Capabilities {
	return Capabilities{MaxAnyOf: DefaultMaxAnyOf}
}

// Validate rejects queries the store cannot run.
func (c Capabilities) Validate(q Query) error {
	rangeField := ""
	for _, f := range q.Filters {
		if f.Field == "" {
			return newValidationError(CodeQueryCapability, nil, "filter without field")
		}
		switch {
		case f.Op == OpIn:
			values, ok := f.Value.([]any)
			if !ok || len(values) == 0 {
				return newValidationError(CodeQueryCapability, nil, "in filter on %s needs at least one value", f.Field)
			}
			if c.MaxAnyOf > 0 && len(values) > c.MaxAnyOf {
				return newValidationError(CodeQueryCapability, nil, "in filter on %s has %d values, limit is %d", f.Field, len(values), c.MaxAnyOf)
			}
		case f.Op.IsRange():
			if rangeField != "" && rangeField != f.Field {
				return newValidationError(CodeQueryCapability, nil, "range filters on %s and %s; only one field may carry a range", rangeField, f.Field)
			}
			rangeField = f.Field
		case f.Op == OpEqual:
		default:
			return newValidationError(CodeQueryCapability, nil, "unsupported operator %q", f.Op)
		}
	}
	if rangeField != "" && q.OrderBy != rangeField {
		return newValidationError(CodeQueryCapability, nil, "range filter on %s requires ordering by %s, got %q", rangeField, rangeField, q.OrderBy)
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return nil
}
