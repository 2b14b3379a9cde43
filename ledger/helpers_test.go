package ledger_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/ledger"
	"github.com/warp/billing-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var baseTime = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// tickingClock returns baseTime plus one second per call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := baseTime
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	mem    *store.Memory
	reader *ledger.Reader
	engine *ledger.Engine
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, ledger.DefaultEngineConfig())
}

func newFixtureWithConfig(t *testing.T, cfg ledger.EngineConfig) *fixture {
	t.Helper()
	mem := store.NewMemory()
	reader := ledger.NewReader(mem, ledger.NewPlanner(ledger.DefaultCapabilities()))
	engine := ledger.NewEngine(mem, reader, cfg, quietLogger())
	engine.Clock = tickingClock()
	return &fixture{t: t, ctx: context.Background(), mem: mem, reader: reader, engine: engine}
}

func (f *fixture) seedCampaign(id string) {
	f.t.Helper()
	c := ledger.Campaign{
		ID:        id,
		Name:      "Campaign " + id,
		Status:    ledger.CampaignActive,
		StartDate: baseTime,
		EndDate:   baseTime.AddDate(0, 3, 0),
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	require.NoError(f.t, f.mem.Commit(f.ctx, ledger.NewBatch().Create(ledger.Campaigns, id, c.Fields())))
}

func (f *fixture) seedLineItem(id, campaignID, booked, actual, adjustments string) {
	f.t.Helper()
	item := ledger.LineItem{
		ID:           id,
		CampaignID:   campaignID,
		Name:         "Line " + id,
		BookedAmount: ledger.MustMoney(booked),
		ActualAmount: ledger.MustMoney(actual),
		Adjustments:  ledger.MustMoney(adjustments),
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
	require.NoError(f.t, f.mem.Commit(f.ctx, ledger.NewBatch().Create(ledger.LineItems, id, item.Fields())))
}

func createInput(campaignID string, lineItemIDs ...string) ledger.CreateInvoiceInput {
	return ledger.CreateInvoiceInput{
		CampaignID:  campaignID,
		LineItemIDs: lineItemIDs,
		ClientName:  "Acme Media",
		ClientEmail: "billing@acme.test",
		Currency:    "USD",
		IssueDate:   baseTime,
		DueDate:     baseTime.AddDate(0, 0, 30),
	}
}

func (f *fixture) createInvoice(campaignID string, lineItemIDs ...string) string {
	f.t.Helper()
	id, err := f.engine.CreateInvoiceFromLineItems(f.ctx, createInput(campaignID, lineItemIDs...))
	require.NoError(f.t, err)
	return id
}

func (f *fixture) invoice(id string) *ledger.Invoice {
	f.t.Helper()
	inv, found, err := f.reader.GetInvoice(f.ctx, id)
	require.NoError(f.t, err)
	require.True(f.t, found, "invoice %s should exist", id)
	return inv
}

func (f *fixture) lineItem(id string) *ledger.LineItem {
	f.t.Helper()
	item, found, err := f.reader.GetLineItem(f.ctx, id)
	require.NoError(f.t, err)
	require.True(f.t, found, "line item %s should exist", id)
	return item
}

func (f *fixture) count(c ledger.Collection) int64 {
	f.t.Helper()
	n, err := f.mem.Count(f.ctx, ledger.Query{Collection: c})
	require.NoError(f.t, err)
	return n
}

func (f *fixture) changeLog(filter ledger.AuditFilter) []*ledger.ChangeLogEntry {
	f.t.Helper()
	page, err := f.engine.Recorder.Query(f.ctx, filter, ledger.PageRequest{Size: 100})
	require.NoError(f.t, err)
	return page.Entries
}

func amount(s string) string { return ledger.FormatMoney(ledger.MustMoney(s)) }

// assertSumInvariant checks the four amount fields against the line items
// referencing the invoice, and both directions of membership.
func (f *fixture) assertSumInvariant(invoiceID string) {
	f.t.Helper()
	inv := f.invoice(invoiceID)

	items, missing, err := f.reader.GetLineItems(f.ctx, inv.LineItemIDs)
	require.NoError(f.t, err)
	require.Empty(f.t, missing, "invoice lists missing line items")
	for _, item := range items {
		assert.Equal(f.t, inv.ID, item.InvoiceID, "member %s should reference invoice", item.ID)
	}

	page, err := f.mem.Query(f.ctx, ledger.Query{
		Collection: ledger.LineItems,
		Filters:    []ledger.Filter{{Field: ledger.FieldInvoiceID, Op: ledger.OpEqual, Value: inv.ID}},
	})
	require.NoError(f.t, err)
	assert.Len(f.t, page.Snapshots, len(inv.LineItemIDs), "referencing items should equal listed members")

	want := ledger.SumLineItems(items)
	assert.Equal(f.t, ledger.FormatMoney(want.Booked), ledger.FormatMoney(inv.BookedAmount), "bookedAmount")
	assert.Equal(f.t, ledger.FormatMoney(want.Actual), ledger.FormatMoney(inv.ActualAmount), "actualAmount")
	assert.Equal(f.t, ledger.FormatMoney(want.Adjustments), ledger.FormatMoney(inv.TotalAdjustments), "totalAdjustments")
	assert.True(f.t, inv.TotalAmount.Equal(inv.ActualAmount.Add(inv.TotalAdjustments)), "totalAmount == actual + adjustments")
}

// assertMembershipExclusive checks that every billed line item is listed by
// exactly the invoice it references.
func (f *fixture) assertMembershipExclusive() {
	f.t.Helper()
	invoices, err := f.mem.Query(f.ctx, ledger.Query{Collection: ledger.Invoices})
	require.NoError(f.t, err)
	listedBy := make(map[string][]string)
	for _, snap := range invoices.Snapshots {
		for _, id := range snap.Fields.Strings("lineItemIds") {
			listedBy[id] = append(listedBy[id], snap.ID)
		}
	}

	items, err := f.mem.Query(f.ctx, ledger.Query{Collection: ledger.LineItems})
	require.NoError(f.t, err)
	for _, snap := range items.Snapshots {
		invoiceID := snap.Fields.String(ledger.FieldInvoiceID)
		if invoiceID == "" {
			assert.Empty(f.t, listedBy[snap.ID], "unbilled item %s listed by an invoice", snap.ID)
			continue
		}
		assert.Equal(f.t, []string{invoiceID}, listedBy[snap.ID], "item %s", snap.ID)
	}
}
