/*
Package firestore provides a Cloud Firestore-backed ledger.Store.

PURPOSE:
  The production document store. Its query model is exactly the one the
  ledger plans for: equality and "in" filters, a single range field that
  must lead the ordering, and StartAfter cursors.

DOCUMENT LAYOUT:
  One Firestore collection per ledger collection, document id = ledger id.
  The store-managed version lives in the reserved field "_version" and is
  stripped from Snapshot.Fields on read.

ATOMIC BATCHES:
  Commit() runs inside RunTransaction: all referenced documents are read
  first, preconditions are checked against "_version", then every write is
  staged. A failed precondition returns ConflictError and Firestore
  discards the transaction.

ERRORS:
  gRPC status codes are mapped to the ledger taxonomy:
    Aborted                                   -> ConflictError
    Unavailable, DeadlineExceeded,
    ResourceExhausted, Internal               -> TransientStoreError
    InvalidArgument, FailedPrecondition       -> ValidationError (query shape,
                                                 missing composite index)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: local persistent implementation
*/
package firestore

import (
	"context"
	"errors"
	"fmt"

	fs "cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/warp/billing-ledger/ledger"
)

const versionField = "_version"

// Store implements ledger.Store on Firestore.
type Store struct {
	client *fs.Client
	caps   ledger.Capabilities
}

// New connects to projectID with the default query capabilities.
// FIRESTORE_EMULATOR_HOST is honoured by the client library.
func New(ctx context.Context, projectID string) (*Store, error) {
	return NewWithCapabilities(ctx, projectID, ledger.DefaultCapabilities())
}

// NewWithCapabilities connects to projectID and reports caps to planners.
func NewWithCapabilities(ctx context.Context, projectID string, caps ledger.Capabilities) (*Store, error) {
	client, err := fs.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFromClient(client, caps), nil
}

func NewFromClient(client *fs.Client, caps ledger.Capabilities) *Store {
	return &Store{client: client, caps: caps}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Capabilities() ledger.Capabilities { return s.caps }

// =============================================================================
// READS
// =============================================================================

func (s *Store) Get(ctx context.Context, c ledger.Collection, id string) (*ledger.Snapshot, error) {
	doc, err := s.client.Collection(string(c)).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get "+string(c)+"/"+id, err)
	}
	return toSnapshot(c, doc), nil
}

func (s *Store) GetMany(ctx context.Context, c ledger.Collection, ids []string) ([]*ledger.Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	coll := s.client.Collection(string(c))
	refs := make([]*fs.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = coll.Doc(id)
	}
	docs, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, mapError("get many "+string(c), err)
	}
	out := make([]*ledger.Snapshot, 0, len(docs))
	for _, doc := range docs {
		if doc.Exists() {
			out = append(out, toSnapshot(c, doc))
		}
	}
	return out, nil
}

func (s *Store) Query(ctx context.Context, q ledger.Query) (*ledger.Page, error) {
	if err := s.caps.Validate(q); err != nil {
		return nil, err
	}
	fq := s.baseQuery(q)

	dir := fs.Asc
	if q.Descending {
		dir = fs.Desc
	}
	byID := q.OrderBy == "" || q.OrderBy == ledger.FieldID
	if !byID {
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	fq = fq.OrderBy(fs.DocumentID, dir)

	if q.After != nil {
		if byID {
			fq = fq.StartAfter(q.After.ID)
		} else {
			fq = fq.StartAfter(q.After.Value, q.After.ID)
		}
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit + 1)
	}

	iter := fq.Documents(ctx)
	defer iter.Stop()

	page := &ledger.Page{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapError("query "+string(q.Collection), err)
		}
		if q.Limit > 0 && len(page.Snapshots) == q.Limit {
			page.More = true
			break
		}
		page.Snapshots = append(page.Snapshots, toSnapshot(q.Collection, doc))
	}
	return page, nil
}

// Count runs a server-side aggregation; no documents are transferred.
func (s *Store) Count(ctx context.Context, q ledger.Query) (int64, error) {
	q.Limit, q.After = 0, nil
	if err := s.caps.Validate(q); err != nil {
		return 0, err
	}
	bq := s.baseQuery(q)
	res, err := bq.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, mapError("count "+string(q.Collection), err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("count %s: unexpected aggregation result %T", q.Collection, res["all"])
	}
	return v.GetIntegerValue(), nil
}

func (s *Store) baseQuery(q ledger.Query) fs.Query {
	fq := s.client.Collection(string(q.Collection)).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	return fq
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) Commit(ctx context.Context, b *ledger.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	refs := make([]*fs.DocumentRef, len(b.Writes))
	for i, w := range b.Writes {
		refs[i] = s.client.Collection(string(w.Collection)).Doc(w.ID)
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *fs.Transaction) error {
		docs, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for i, w := range b.Writes {
			exists := docs[i].Exists()
			current := storedVersion(docs[i])
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
			if err := tx.Set(refs[i], toData(w.Fields, current+1)); err != nil {
				return err
			}
		}
		return nil
	}, fs.MaxAttempts(1))
	if err != nil {
		return mapError("commit", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func toSnapshot(c ledger.Collection, doc *fs.DocumentSnapshot) *ledger.Snapshot {
	data := doc.Data()
	version := storedVersion(doc)
	delete(data, versionField)
	return &ledger.Snapshot{
		Collection: c,
		ID:         doc.Ref.ID,
		Version:    version,
		Fields:     ledger.NormalizeFields(ledger.Fields(data)),
	}
}

func storedVersion(doc *fs.DocumentSnapshot) int64 {
	if doc == nil || !doc.Exists() {
		return 0
	}
	v, _ := doc.Data()[versionField].(int64)
	return v
}

func toData(fields ledger.Fields, version int64) map[string]interface{} {
	data := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		data[k] = ledger.NormalizeValue(v)
	}
	data[versionField] = version
	return data
}

// mapError translates gRPC status codes into ledger errors.
func mapError(op string, err error) error {
	var conflict *ledger.ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	switch status.Code(err) {
	case codes.Aborted:
		return &ledger.ConflictError{ID: op}
	case codes.InvalidArgument, codes.FailedPrecondition:
		return &ledger.ValidationError{Code: ledger.CodeQueryCapability, Message: op + ": " + status.Convert(err).Message()}
	case codes.NotFound:
		return &ledger.NotFoundError{IDs: []string{op}}
	}
	return ledger.Transient(op, err)
}
