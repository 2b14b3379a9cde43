package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// METRICS - Read-only dashboard aggregates
// =============================================================================
// Everything here goes through the Reader; nothing is written. Counts come
// from server-side aggregate queries, amounts from full scans.

type MetricsReader struct {
	Reader *Reader

	// ScanPageSize is the page size used for amount scans.
	ScanPageSize int
}

func NewMetricsReader(reader *Reader) *MetricsReader {
	return &MetricsReader{Reader: reader, ScanPageSize: 200}
}

type InvoiceSummary struct {
	Count    int64
	ByStatus map[InvoiceStatus]int64
	Totals   Totals
	// Outstanding is the total amount of sent and overdue invoices.
	Outstanding decimal.Decimal
	Approximate bool
}

// InvoiceSummary counts invoices per status and sums their amounts for the
// invoices matching spec. Status counts run concurrently.
func (m *MetricsReader) InvoiceSummary(ctx context.Context, spec FilterSpec) (*InvoiceSummary, error) {
	statuses := InvoiceStatuses
	if fv, ok := spec.Equality[FieldStatus]; ok {
		statuses = statuses[:0:0]
		for _, v := range fv.Values {
			if s, ok := v.(string); ok && InvoiceStatus(s).Valid() {
				statuses = append(statuses, InvoiceStatus(s))
			}
			if s, ok := v.(InvoiceStatus); ok && s.Valid() {
				statuses = append(statuses, s)
			}
		}
	}

	summary := &InvoiceSummary{ByStatus: make(map[InvoiceStatus]int64, len(statuses))}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, status := range statuses {
		status := status
		g.Go(func() error {
			res, err := m.Reader.Count(gctx, Invoices, withEquality(spec, FieldStatus, string(status)))
			if err != nil {
				return err
			}
			mu.Lock()
			summary.ByStatus[status] = res.Total
			summary.Count += res.Total
			summary.Approximate = summary.Approximate || res.Approximate
			mu.Unlock()
			return nil
		})
	}

	var booked, actual, adjustments, outstanding decimal.Decimal
	g.Go(func() error {
		return m.Reader.ScanAll(gctx, Invoices, spec, m.ScanPageSize, func(snap *Snapshot) error {
			inv, err := InvoiceFromSnapshot(snap)
			if err != nil {
				return err
			}
			booked = booked.Add(inv.BookedAmount)
			actual = actual.Add(inv.ActualAmount)
			adjustments = adjustments.Add(inv.TotalAdjustments)
			if inv.Status == InvoiceSent || inv.Status == InvoiceOverdue {
				outstanding = outstanding.Add(inv.TotalAmount)
			}
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	summary.Totals = Totals{
		Booked:      RoundMoney(booked),
		Actual:      RoundMoney(actual),
		Adjustments: RoundMoney(adjustments),
	}
	summary.Totals.Total = summary.Totals.Actual.Add(summary.Totals.Adjustments)
	summary.Outstanding = RoundMoney(outstanding)
	return summary, nil
}

type CampaignSummary struct {
	Campaign          *Campaign
	InvoiceCount      int64
	BilledLineItems   int
	UnbilledLineItems int
	Billed            Totals
	Unbilled          Totals
}

// CampaignSummary splits the campaign's line items into billed and
// unbilled and sums each side.
func (m *MetricsReader) CampaignSummary(ctx context.Context, campaignID string) (*CampaignSummary, error) {
	campaign, found, err := m.Reader.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Collection: Campaigns, IDs: []string{campaignID}}
	}

	byCampaign := FilterSpec{Equality: map[string]FilterValue{FieldCampaignID: Eq(campaignID)}}
	summary := &CampaignSummary{Campaign: campaign}
	var billed, unbilled []*LineItem

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := m.Reader.Count(gctx, Invoices, byCampaign)
		summary.InvoiceCount = res.Total
		return err
	})
	g.Go(func() error {
		return m.Reader.ScanAll(gctx, LineItems, byCampaign, m.ScanPageSize, func(snap *Snapshot) error {
			item, err := LineItemFromSnapshot(snap)
			if err != nil {
				return err
			}
			if item.Billed() {
				billed = append(billed, item)
			} else {
				unbilled = append(unbilled, item)
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary.BilledLineItems = len(billed)
	summary.UnbilledLineItems = len(unbilled)
	summary.Billed = SumLineItems(billed)
	summary.Unbilled = SumLineItems(unbilled)
	return summary, nil
}

type AdjustmentActivity struct {
	Entries      int
	ByChangeType map[ChangeType]int
	Increases    decimal.Decimal
	Decreases    decimal.Decimal
	Net          decimal.Decimal
}

// AdjustmentActivity aggregates adjustment entries of the change log in
// [from, to]. Zero bounds are open.
func (m *MetricsReader) AdjustmentActivity(ctx context.Context, campaignID string, from, to time.Time) (*AdjustmentActivity, error) {
	filter := AuditFilter{
		CampaignID:  campaignID,
		EntityType:  EntityLineItem,
		ChangeTypes: []ChangeType{ChangeAdjustmentCreated, ChangeAdjustmentUpdated, ChangeAdjustmentDeleted},
	}
	if !from.IsZero() {
		filter.From = &from
	}
	if !to.IsZero() {
		filter.To = &to
	}

	activity := &AdjustmentActivity{ByChangeType: make(map[ChangeType]int)}
	err := m.Reader.ScanAll(ctx, ChangeLog, filter.Spec(), m.ScanPageSize, func(snap *Snapshot) error {
		entry, err := ChangeLogEntryFromSnapshot(snap)
		if err != nil {
			return err
		}
		activity.Entries++
		activity.ByChangeType[entry.ChangeType]++
		if entry.Difference.IsPositive() {
			activity.Increases = activity.Increases.Add(entry.Difference)
		} else {
			activity.Decreases = activity.Decreases.Add(entry.Difference)
		}
		activity.Net = activity.Net.Add(entry.Difference)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activity, nil
}

// withEquality returns a copy of spec with field pinned to value.
func withEquality(spec FilterSpec, field string, value any) FilterSpec {
	eq := make(map[string]FilterValue, len(spec.Equality)+1)
	for k, v := range spec.Equality {
		eq[k] = v
	}
	eq[field] = Eq(value)
	spec.Equality = eq
	return spec
}
