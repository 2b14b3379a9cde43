package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/ledger"
	"github.com/warp/billing-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ids(page *ledger.Page) []string {
	out := make([]string, len(page.Snapshots))
	for i, snap := range page.Snapshots {
		out[i] = snap.ID
	}
	return out
}

func TestSQLite_FieldsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	issued := time.Date(2025, 3, 1, 9, 30, 0, 123, time.UTC)

	fields := ledger.Fields{
		"name":        "Spring",
		"count":       int64(42),
		"active":      true,
		"issueDate":   issued,
		"lineItemIds": []string{"L1", "L2"},
		"paidDate":    nil,
	}
	require.NoError(t, s.Commit(ctx, ledger.NewBatch().Create(ledger.Invoices, "I1", fields)))

	snap, err := s.Get(ctx, ledger.Invoices, "I1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, "Spring", snap.Fields.String("name"))
	assert.Equal(t, int64(42), snap.Fields.Int("count"))
	assert.Equal(t, true, snap.Fields["active"])
	assert.True(t, issued.Equal(snap.Fields.Time("issueDate")))
	assert.Equal(t, []string{"L1", "L2"}, snap.Fields.Strings("lineItemIds"))
	assert.Contains(t, snap.Fields, "paidDate")
	assert.Nil(t, snap.Fields["paidDate"])

	missing, err := s.Get(ctx, ledger.Invoices, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_CommitPreconditions(t *testing.T) {
	// GIVEN: A stored document at version 1
	// WHEN: Writing with stale or conflicting preconditions
	// THEN: The batch fails with a conflict and nothing in it is applied

	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Commit(ctx, ledger.NewBatch().Create(ledger.Invoices, "I", ledger.Fields{"status": "draft"})))

	err := s.Commit(ctx, ledger.NewBatch().Create(ledger.Invoices, "I", ledger.Fields{}))
	assert.ErrorIs(t, err, ledger.ErrConflict)

	err = s.Commit(ctx, ledger.NewBatch().
		Create(ledger.LineItems, "L1", ledger.Fields{"name": "a"}).
		Update(ledger.Invoices, "I", 3, ledger.Fields{"status": "sent"}))
	assert.ErrorIs(t, err, ledger.ErrConflict)

	item, err := s.Get(ctx, ledger.LineItems, "L1")
	require.NoError(t, err)
	assert.Nil(t, item, "rolled back with the batch")

	require.NoError(t, s.Commit(ctx, ledger.NewBatch().Update(ledger.Invoices, "I", 1, ledger.Fields{"status": "sent"})))
	inv, err := s.Get(ctx, ledger.Invoices, "I")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inv.Version)
	assert.Equal(t, "sent", inv.Fields.String("status"))
}

func TestSQLite_QueryFiltersOrdersAndPages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i := 0; i < 7; i++ {
		status := "draft"
		if i%2 == 1 {
			status = "sent"
		}
		fields := ledger.Fields{"status": status, "rank": int64(i % 3)}
		require.NoError(t, s.Commit(ctx, ledger.NewBatch().Create(ledger.Invoices, fmt.Sprintf("I%d", i), fields)))
	}

	q := ledger.Query{
		Collection: ledger.Invoices,
		Filters:    []ledger.Filter{{Field: "rank", Op: ledger.OpGreaterOrEqual, Value: int64(1)}},
		OrderBy:    "rank",
		Limit:      3,
	}
	page, err := s.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"I1", "I4", "I2"}, ids(page))
	assert.True(t, page.More)

	last := page.Snapshots[len(page.Snapshots)-1]
	q.After = &ledger.Position{Value: last.Fields["rank"], ID: last.ID}
	page, err = s.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"I5"}, ids(page))
	assert.False(t, page.More)

	page, err = s.Query(ctx, ledger.Query{
		Collection: ledger.Invoices,
		Filters:    []ledger.Filter{{Field: "status", Op: ledger.OpIn, Value: []any{"sent"}}},
		Descending: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"I5", "I3", "I1"}, ids(page))

	n, err := s.Count(ctx, ledger.Query{
		Collection: ledger.Invoices,
		Filters:    []ledger.Filter{{Field: "status", Op: ledger.OpEqual, Value: "draft"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestSQLite_QueryMatchesNullAndTimes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	b := ledger.NewBatch()
	b.Create(ledger.LineItems, "A", ledger.Fields{"invoiceId": nil, "createdAt": day})
	b.Create(ledger.LineItems, "B", ledger.Fields{"invoiceId": "I1", "createdAt": day.Add(time.Hour)})
	b.Create(ledger.LineItems, "C", ledger.Fields{"invoiceId": nil, "createdAt": day.Add(2 * time.Hour)})
	require.NoError(t, s.Commit(ctx, b))

	page, err := s.Query(ctx, ledger.Query{
		Collection: ledger.LineItems,
		Filters:    []ledger.Filter{{Field: "invoiceId", Op: ledger.OpEqual, Value: nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, ids(page))

	page, err = s.Query(ctx, ledger.Query{
		Collection: ledger.LineItems,
		Filters:    []ledger.Filter{{Field: "createdAt", Op: ledger.OpGreater, Value: day}},
		OrderBy:    "createdAt",
		Descending: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, ids(page))
}

func TestSQLite_QueryEnforcesCapabilities(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.NewWithCapabilities(":memory:", ledger.Capabilities{MaxAnyOf: 2})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Query(ctx, ledger.Query{
		Collection: ledger.Invoices,
		Filters:    []ledger.Filter{{Field: "status", Op: ledger.OpIn, Value: []any{"a", "b", "c"}}},
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestSQLite_ServesReader(t *testing.T) {
	// GIVEN: The typed reader on top of the SQLite store
	// WHEN: Listing with a residual predicate
	// THEN: Results match the memory store's semantics

	ctx := context.Background()
	s := newStore(t)
	reader := ledger.NewReader(s, ledger.NewPlanner(s.Capabilities()))
	for i, name := range []string{"Acme", "Globex", "acme west"} {
		c := ledger.Campaign{ID: fmt.Sprintf("C%d", i), Name: name, Status: ledger.CampaignActive}
		require.NoError(t, s.Commit(ctx, ledger.NewBatch().Create(ledger.Campaigns, c.ID, c.Fields())))
	}

	ascending := false
	res, err := reader.Query(ctx, ledger.Campaigns, ledger.FilterSpec{
		ClientOnly:     map[string]ledger.Predicate{ledger.FieldName: ledger.Contains("acme")},
		SortField:      ledger.FieldName,
		SortDescending: &ascending,
	}, ledger.PageRequest{Size: 10})
	require.NoError(t, err)
	require.Len(t, res.Snapshots, 2)
	assert.Equal(t, "C0", res.Snapshots[0].ID)
	assert.Equal(t, "C2", res.Snapshots[1].ID)

	require.NoError(t, s.Reset(ctx))
	n, err := s.Count(ctx, ledger.Query{Collection: ledger.Campaigns})
	require.NoError(t, err)
	assert.Zero(t, n)
}
