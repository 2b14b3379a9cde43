/*
Package sqlite provides a SQLite-backed ledger.Store.

PURPOSE:
  Persists ledger documents in a single document table and answers the
  same narrow query model as the production document store. Useful for
  local runs that should survive a restart, and as a second adapter the
  capability rules are tested against.

KEY TABLE:
  documents(collection, id, version, body, kinds, updated_at)
    body:  JSON object of field values, comparable with json_extract
    kinds: JSON object of field -> value kind, used to decode body

VALUE ENCODING:
  string      JSON string
  int64       JSON number
  bool        JSON true/false (json_extract yields 1/0)
  time.Time   fixed-width UTC string, so lexical order == time order
  []string    JSON array
  nil         JSON null (sorts first, like the memory store)

ATOMIC BATCHES:
  Commit() runs every write of a batch in one SQL transaction. Each write
  reads the stored version first and aborts the transaction with a
  ConflictError when its precondition fails.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; SQLite allows a single writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  reader := ledger.NewReader(store, ledger.NewPlanner(store.Capabilities()))

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/billing-ledger/ledger"
)

// timeLayout is fixed width so stored times compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	caps ledger.Capabilities
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithCapabilities(dbPath, ledger.DefaultCapabilities())
}

func NewWithCapabilities(dbPath string, caps ledger.Capabilities) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, caps: caps}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Capabilities() ledger.Capabilities { return s.caps }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL,
		kinds TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes every document.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Get(ctx context.Context, c ledger.Collection, id string) (*ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, version, body, kinds FROM documents WHERE collection = ? AND id = ?",
		string(c), id)
	snap, err := scanSnapshot(c, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// GetMany fetches ids in one statement and returns them in input order.
func (s *Store) GetMany(ctx context.Context, c ledger.Collection, ids []string) ([]*ledger.Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, 0, len(ids)+1)
	args = append(args, string(c))
	for _, id := range ids {
		args = append(args, id)
	}
	query := "SELECT id, version, body, kinds FROM documents WHERE collection = ? AND id IN (" + placeholders(len(ids)) + ")"

	snaps, err := s.querySnapshots(ctx, c, query, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*ledger.Snapshot, len(snaps))
	for _, snap := range snaps {
		byID[snap.ID] = snap
	}
	out := make([]*ledger.Snapshot, 0, len(snaps))
	for _, id := range ids {
		if snap, ok := byID[id]; ok {
			out = append(out, snap)
			delete(byID, id)
		}
	}
	return out, nil
}

func (s *Store) Query(ctx context.Context, q ledger.Query) (*ledger.Page, error) {
	if err := s.caps.Validate(q); err != nil {
		return nil, err
	}
	where, args := whereClause(q)

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	order := "id " + dir
	if q.OrderBy != "" && q.OrderBy != ledger.FieldID {
		order = "json_extract(body, ?) " + dir + ", " + order
		args = append(args, jsonPath(q.OrderBy))
	}

	query := "SELECT id, version, body, kinds FROM documents WHERE " + where + " ORDER BY " + order
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit+1)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps, err := s.querySnapshots(ctx, q.Collection, query, args...)
	if err != nil {
		return nil, err
	}
	page := &ledger.Page{Snapshots: snaps}
	if q.Limit > 0 && len(snaps) > q.Limit {
		page.Snapshots = snaps[:q.Limit]
		page.More = true
	}
	return page, nil
}

func (s *Store) Count(ctx context.Context, q ledger.Query) (int64, error) {
	q.Limit, q.After = 0, nil
	if err := s.caps.Validate(q); err != nil {
		return 0, err
	}
	where, args := whereClause(q)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.Collection, err)
	}
	return n, nil
}

func (s *Store) querySnapshots(ctx context.Context, c ledger.Collection, query string, args ...any) ([]*ledger.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c, err)
	}
	defer rows.Close()

	var snaps []*ledger.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(c, rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(c ledger.Collection, row scanner) (*ledger.Snapshot, error) {
	var (
		id      string
		version int64
		body    string
		kinds   string
	)
	if err := row.Scan(&id, &version, &body, &kinds); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	fields, err := decodeBody(body, kinds)
	if err != nil {
		return nil, fmt.Errorf("document %s/%s: %w", c, id, err)
	}
	return &ledger.Snapshot{Collection: c, ID: id, Version: version, Fields: fields}, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Commit applies the batch in one SQL transaction.
func (s *Store) Commit(ctx context.Context, b *ledger.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	for _, w := range b.Writes {
		if err := applyWrite(ctx, sqlTx, w, now); err != nil {
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, w ledger.Write, now string) error {
	var current int64
	err := tx.QueryRowContext(ctx,
		"SELECT version FROM documents WHERE collection = ? AND id = ?",
		string(w.Collection), w.ID).Scan(&current)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read version of %s/%s: %w", w.Collection, w.ID, err)
	}

	switch w.Precondition {
	case ledger.MustNotExist:
		if exists {
			return &ledger.ConflictError{Collection: w.Collection, ID: w.ID}
		}
	case ledger.MatchVersion:
		if !exists || current != w.Version {
			return &ledger.ConflictError{Collection: w.Collection, ID: w.ID}
		}
	}

	body, kinds, err := encodeBody(w.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", w.Collection, w.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, version, body, kinds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			version = excluded.version,
			body = excluded.body,
			kinds = excluded.kinds,
			updated_at = excluded.updated_at
	`, string(w.Collection), w.ID, current+1, body, kinds, now)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", w.Collection, w.ID, err)
	}
	return nil
}

// =============================================================================
// QUERY TRANSLATION
// =============================================================================

func whereClause(q ledger.Query) (string, []any) {
	clauses := []string{"collection = ?"}
	args := []any{string(q.Collection)}

	for _, f := range q.Filters {
		expr := "json_extract(body, ?)"
		path := jsonPath(f.Field)
		switch f.Op {
		case ledger.OpEqual:
			if f.Value == nil {
				clauses = append(clauses, expr+" IS NULL")
				args = append(args, path)
				continue
			}
			clauses = append(clauses, expr+" = ?")
			args = append(args, path, sqlArg(f.Value))
		case ledger.OpIn:
			values, _ := f.Value.([]any)
			clauses = append(clauses, expr+" IN ("+placeholders(len(values))+")")
			args = append(args, path)
			for _, v := range values {
				args = append(args, sqlArg(v))
			}
		default:
			clauses = append(clauses, expr+" "+string(f.Op)+" ?")
			args = append(args, path, sqlArg(f.Value))
		}
	}

	if q.After != nil {
		clause, afterArgs := afterClause(q)
		clauses = append(clauses, clause)
		args = append(args, afterArgs...)
	}
	return strings.Join(clauses, " AND "), args
}

// afterClause selects documents strictly after the position in the
// (field, id) ordering. NULL sorts first.
func afterClause(q ledger.Query) (string, []any) {
	cmp := ">"
	if q.Descending {
		cmp = "<"
	}
	pos := q.After
	if q.OrderBy == "" || q.OrderBy == ledger.FieldID {
		return "id " + cmp + " ?", []any{pos.ID}
	}

	expr := "json_extract(body, ?)"
	path := jsonPath(q.OrderBy)
	if pos.Value == nil {
		if q.Descending {
			return "(" + expr + " IS NULL AND id < ?)", []any{path, pos.ID}
		}
		return "(" + expr + " IS NOT NULL OR id > ?)", []any{path, pos.ID}
	}
	value := sqlArg(pos.Value)
	clause := "(" + expr + " " + cmp + " ? OR (" + expr + " = ? AND id " + cmp + " ?)"
	args := []any{path, value, path, value, pos.ID}
	if q.Descending {
		clause += " OR " + expr + " IS NULL"
		args = append(args, path)
	}
	return clause + ")", args
}

func jsonPath(field string) string {
	return "$." + field
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// sqlArg converts a canonical value into what json_extract returns for it.
func sqlArg(v any) any {
	switch x := ledger.NormalizeValue(v).(type) {
	case time.Time:
		return x.UTC().Format(timeLayout)
	case bool:
		if x {
			return 1
		}
		return 0
	case []string:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return x
	}
}

// =============================================================================
// BODY CODEC
// =============================================================================

const (
	kindString = "s"
	kindInt    = "i"
	kindFloat  = "f"
	kindBool   = "b"
	kindTime   = "t"
	kindList   = "l"
	kindNull   = "n"
)

func encodeBody(fields ledger.Fields) (string, string, error) {
	values := make(map[string]any, len(fields))
	kinds := make(map[string]string, len(fields))
	for k, v := range fields {
		switch x := ledger.NormalizeValue(v).(type) {
		case nil:
			values[k], kinds[k] = nil, kindNull
		case string:
			values[k], kinds[k] = x, kindString
		case int64:
			values[k], kinds[k] = x, kindInt
		case float64:
			values[k], kinds[k] = x, kindFloat
		case bool:
			values[k], kinds[k] = x, kindBool
		case time.Time:
			values[k], kinds[k] = x.UTC().Format(timeLayout), kindTime
		case []string:
			values[k], kinds[k] = x, kindList
		default:
			return "", "", fmt.Errorf("field %s: unsupported value type %T", k, v)
		}
	}
	body, err := json.Marshal(values)
	if err != nil {
		return "", "", err
	}
	kindsJSON, err := json.Marshal(kinds)
	if err != nil {
		return "", "", err
	}
	return string(body), string(kindsJSON), nil
}

func decodeBody(body, kindsJSON string) (ledger.Fields, error) {
	var kinds map[string]string
	if err := json.Unmarshal([]byte(kindsJSON), &kinds); err != nil {
		return nil, fmt.Errorf("failed to decode kinds: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}

	fields := make(ledger.Fields, len(raw))
	for k, msg := range raw {
		v, err := decodeValue(kinds[k], msg)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = v
	}
	return fields, nil
}

func decodeValue(kind string, msg json.RawMessage) (any, error) {
	if kind == kindNull || bytes.Equal(msg, []byte("null")) {
		return nil, nil
	}
	switch kind {
	case kindString:
		var s string
		err := json.Unmarshal(msg, &s)
		return s, err
	case kindInt:
		var n int64
		err := json.Unmarshal(msg, &n)
		return n, err
	case kindFloat:
		var f float64
		err := json.Unmarshal(msg, &f)
		return f, err
	case kindBool:
		var b bool
		err := json.Unmarshal(msg, &b)
		return b, err
	case kindTime:
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, s)
		return t.UTC(), err
	case kindList:
		var l []string
		err := json.Unmarshal(msg, &l)
		if l == nil {
			l = []string{}
		}
		return l, err
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}
