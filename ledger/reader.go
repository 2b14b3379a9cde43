package ledger

import (
	"context"
)

// =============================================================================
// READER - Read path: planner + store + residual
// =============================================================================

// Reader serves every read: single and batched gets, paged queries and
// counts. It holds no pagination state; callers pass the cursor back.
type Reader struct {
	Store   Store
	Planner *Planner

	// MaxResidualFetches bounds the extra store pages fetched to fill one
	// result page when residual filters drop documents.
	MaxResidualFetches int
}

func NewReader(store Store, planner *Planner) *Reader {
	return &Reader{Store: store, Planner: planner, MaxResidualFetches: 5}
}

// Result is one page of a query.
type Result struct {
	Snapshots  []*Snapshot
	NextCursor string
	// Reset is set when the presented cursor belonged to another filter set
	// and the result restarts at the first page.
	Reset    bool
	Warnings []PlanWarning
}

// CountResult is a server-side count. Approximate is set when client-only
// filters exist, since the count ignores them.
type CountResult struct {
	Total       int64
	Approximate bool
	Warnings    []PlanWarning
}

// Get returns (nil, nil) when the document does not exist.
func (r *Reader) Get(ctx context.Context, c Collection, id string) (*Snapshot, error) {
	snap, err := r.Store.Get(ctx, c, id)
	return snap, Transient("get "+string(c), err)
}

// GetMany omits missing ids.
func (r *Reader) GetMany(ctx context.Context, c Collection, ids []string) ([]*Snapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	snaps, err := r.Store.GetMany(ctx, c, ids)
	return snaps, Transient("get many "+string(c), err)
}

// Query fetches one page for spec.
func (r *Reader) Query(ctx context.Context, c Collection, spec FilterSpec, page PageRequest) (*Result, error) {
	plan, err := r.Planner.Plan(c, spec, page)
	if err != nil {
		return nil, err
	}

	result := &Result{Reset: plan.Reset, Warnings: plan.Warnings}
	q := plan.Query
	size := q.Limit

	for fetches := 1; ; fetches++ {
		pg, err := r.Store.Query(ctx, q)
		if err != nil {
			return nil, Transient("query "+string(c), err)
		}

		for i, snap := range pg.Snapshots {
			if plan.Keep(snap.Fields) {
				result.Snapshots = append(result.Snapshots, snap)
			}
			if len(result.Snapshots) == size {
				if i < len(pg.Snapshots)-1 || pg.More {
					result.NextCursor = EncodeCursor(plan.Fingerprint, q.OrderBy, snap)
				}
				return result, nil
			}
		}

		if !pg.More || len(pg.Snapshots) == 0 {
			return result, nil
		}
		last := pg.Snapshots[len(pg.Snapshots)-1]
		if !plan.HasResidual() || fetches >= r.MaxResidualFetches {
			result.NextCursor = EncodeCursor(plan.Fingerprint, q.OrderBy, last)
			return result, nil
		}
		q.After = &Position{Value: last.Fields[q.OrderBy], ID: last.ID}
	}
}

// Count returns the server-side count for spec's store constraints.
func (r *Reader) Count(ctx context.Context, c Collection, spec FilterSpec) (CountResult, error) {
	plan, err := r.Planner.CountPlan(c, spec)
	if err != nil {
		return CountResult{}, err
	}
	n, err := r.Store.Count(ctx, plan.Query)
	if err != nil {
		return CountResult{}, Transient("count "+string(c), err)
	}
	return CountResult{Total: n, Approximate: plan.HasResidual(), Warnings: plan.Warnings}, nil
}

// ScanAll walks every page for spec and calls fn per snapshot.
func (r *Reader) ScanAll(ctx context.Context, c Collection, spec FilterSpec, pageSize int, fn func(*Snapshot) error) error {
	page := PageRequest{Size: pageSize}
	for {
		res, err := r.Query(ctx, c, spec, page)
		if err != nil {
			return err
		}
		for _, snap := range res.Snapshots {
			if err := fn(snap); err != nil {
				return err
			}
		}
		if res.NextCursor == "" {
			return nil
		}
		page.Cursor = res.NextCursor
	}
}

// =============================================================================
// TYPED READS
// =============================================================================

func (r *Reader) GetCampaign(ctx context.Context, id string) (*Campaign, bool, error) {
	return getTyped(ctx, r, Campaigns, id, CampaignFromSnapshot)
}

func (r *Reader) GetInvoice(ctx context.Context, id string) (*Invoice, bool, error) {
	return getTyped(ctx, r, Invoices, id, InvoiceFromSnapshot)
}

func (r *Reader) GetLineItem(ctx context.Context, id string) (*LineItem, bool, error) {
	return getTyped(ctx, r, LineItems, id, LineItemFromSnapshot)
}

func (r *Reader) GetChangeLogEntry(ctx context.Context, id string) (*ChangeLogEntry, bool, error) {
	return getTyped(ctx, r, ChangeLog, id, ChangeLogEntryFromSnapshot)
}

// GetLineItems returns the found items and the ids that were missing.
func (r *Reader) GetLineItems(ctx context.Context, ids []string) ([]*LineItem, []string, error) {
	return getManyTyped(ctx, r, LineItems, ids, LineItemFromSnapshot)
}

func (r *Reader) GetInvoices(ctx context.Context, ids []string) ([]*Invoice, []string, error) {
	return getManyTyped(ctx, r, Invoices, ids, InvoiceFromSnapshot)
}

func getTyped[T any](ctx context.Context, r *Reader, c Collection, id string, decode func(*Snapshot) (*T, error)) (*T, bool, error) {
	snap, err := r.Get(ctx, c, id)
	if err != nil || snap == nil {
		return nil, false, err
	}
	v, err := decode(snap)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func getManyTyped[T any](ctx context.Context, r *Reader, c Collection, ids []string, decode func(*Snapshot) (*T, error)) ([]*T, []string, error) {
	snaps, err := r.GetMany(ctx, c, ids)
	if err != nil {
		return nil, nil, err
	}
	found := make(map[string]bool, len(snaps))
	out := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		v, err := decode(snap)
		if err != nil {
			return nil, nil, err
		}
		found[snap.ID] = true
		out = append(out, v)
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return out, missing, nil
}

// DecodeAll decodes a page of snapshots.
func DecodeAll[T any](snaps []*Snapshot, decode func(*Snapshot) (*T, error)) ([]*T, error) {
	out := make([]*T, 0, len(snaps))
	for _, snap := range snaps {
		v, err := decode(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
