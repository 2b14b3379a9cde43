/*
audit.go - Append-only change log with a transactional outbox

PURPOSE:
  Every adjustment change and every line item move leaves exactly one
  ChangeLogEntry. Entries are immutable: the recorder has no update or
  delete path.

OUTBOX:
  Mutations never write the change log directly. They stage a pending
  auditOutbox document inside their own atomic batch, so an entry exists
  if and only if the mutation committed. Drain() then copies each pending
  document into changeLog (MustNotExist on the same id) and marks the
  outbox document delivered, both in one batch. A crashed or concurrent
  drain can therefore neither lose nor duplicate an entry.

  Window of inconsistency: between the mutation commit and the drain, the
  entry is visible in auditOutbox but not yet in changeLog. The engine
  drains right after each commit; the background scheduler
  (api/scheduler.go) picks up anything left behind.

SNAPSHOT AMOUNTS:
  bookedAmountAtTime / actualAmountAtTime are copied from the line item
  when the entry is composed and never refreshed, including for moves.

SEE ALSO:
  - engine.go: stages entries
  - store/eventbus: optional publisher for drained entries
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// RECORDER
// =============================================================================

const (
	fieldOutboxStatus = "outboxStatus"
	outboxPending     = "pending"
	outboxDelivered   = "delivered"
)

// AuditPublisher receives each entry once it is in the change log.
type AuditPublisher interface {
	PublishChangeLog(ctx context.Context, entry ChangeLogEntry) error
}

type Recorder struct {
	Store     Store
	Reader    *Reader
	Publisher AuditPublisher
	Logger    *logrus.Logger
	Clock     func() time.Time

	// DrainBatchSize is the number of outbox documents fetched per round.
	DrainBatchSize int
}

func NewRecorder(store Store, reader *Reader, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recorder{
		Store:          store,
		Reader:         reader,
		Logger:         logger,
		Clock:          func() time.Time { return time.Now().UTC() },
		DrainBatchSize: 50,
	}
}

// Stage adds a pending outbox document for entry to b.
func (r *Recorder) Stage(b *Batch, entry ChangeLogEntry) {
	fields := entry.Fields()
	fields[fieldOutboxStatus] = outboxPending
	fields[FieldCreatedAt] = timeValue(entry.Timestamp)
	b.Create(AuditOutbox, entry.ID, fields)
}

// Drain delivers pending outbox documents into the change log and returns
// how many it delivered.
func (r *Recorder) Drain(ctx context.Context) (int, error) {
	asc := false
	spec := FilterSpec{
		Equality:       map[string]FilterValue{fieldOutboxStatus: Eq(outboxPending)},
		SortField:      FieldCreatedAt,
		SortDescending: &asc,
	}

	delivered := 0
	for {
		res, err := r.Reader.Query(ctx, AuditOutbox, spec, PageRequest{Size: r.DrainBatchSize})
		if err != nil {
			return delivered, err
		}
		progressed := false
		for _, snap := range res.Snapshots {
			if err := r.deliver(ctx, snap); err != nil {
				if !errors.Is(err, ErrConflict) {
					return delivered, err
				}
				if err := r.settle(ctx, snap); err != nil && !errors.Is(err, ErrConflict) {
					return delivered, err
				}
				continue
			}
			delivered++
			progressed = true
		}
		if !progressed || res.NextCursor == "" {
			return delivered, nil
		}
	}
}

func (r *Recorder) deliver(ctx context.Context, snap *Snapshot) error {
	entry, err := changeLogEntryFromFields(snap.ID, snap.Fields)
	if err != nil {
		return err
	}

	outbox := snap.Fields.Clone()
	outbox[fieldOutboxStatus] = outboxDelivered
	outbox["deliveredAt"] = r.Clock()

	b := NewBatch().
		Create(ChangeLog, entry.ID, entry.Fields()).
		Update(AuditOutbox, snap.ID, snap.Version, outbox)
	if err := r.Store.Commit(ctx, b); err != nil {
		return Transient("deliver change log entry", err)
	}

	if r.Publisher != nil {
		if err := r.Publisher.PublishChangeLog(ctx, *entry); err != nil {
			r.Logger.WithFields(logrus.Fields{
				"component": "audit",
				"entry_id":  entry.ID,
			}).WithError(err).Warn("change log entry delivered but not published")
		}
	}
	return nil
}

// settle marks an outbox document delivered when its entry already made
// it into the change log, e.g. written by a drainer that died before
// marking the outbox.
func (r *Recorder) settle(ctx context.Context, snap *Snapshot) error {
	existing, err := r.Reader.Get(ctx, ChangeLog, snap.ID)
	if err != nil || existing == nil {
		return err
	}
	outbox := snap.Fields.Clone()
	outbox[fieldOutboxStatus] = outboxDelivered
	outbox["deliveredAt"] = r.Clock()
	return Transient("settle outbox", r.Store.Commit(ctx, NewBatch().Update(AuditOutbox, snap.ID, snap.Version, outbox)))
}

// Pending counts outbox documents not yet delivered.
func (r *Recorder) Pending(ctx context.Context) (int64, error) {
	res, err := r.Reader.Count(ctx, AuditOutbox, FilterSpec{
		Equality: map[string]FilterValue{fieldOutboxStatus: Eq(outboxPending)},
	})
	return res.Total, err
}

// =============================================================================
// QUERIES
// =============================================================================

// AuditFilter selects change log entries. From/To filter on the entry
// timestamp, the only range field of the change log.
type AuditFilter struct {
	InvoiceID   string
	LineItemID  string
	CampaignID  string
	EntityType  EntityType
	ChangeTypes []ChangeType
	From        *time.Time
	To          *time.Time
	// Comment is matched client-side, case-insensitively.
	Comment string
}

func (f AuditFilter) Spec() FilterSpec {
	spec := FilterSpec{
		Equality:  map[string]FilterValue{},
		SortField: FieldTimestamp,
	}
	if f.InvoiceID != "" {
		spec.Equality[FieldInvoiceID] = Eq(f.InvoiceID)
	}
	if f.CampaignID != "" {
		spec.Equality[FieldCampaignID] = Eq(f.CampaignID)
	}
	entityType := f.EntityType
	if f.LineItemID != "" {
		spec.Equality[FieldEntityID] = Eq(f.LineItemID)
		if entityType == "" {
			entityType = EntityLineItem
		}
	}
	if entityType != "" {
		spec.Equality[FieldEntityType] = Eq(string(entityType))
	}
	if len(f.ChangeTypes) > 0 {
		values := make([]any, len(f.ChangeTypes))
		for i, ct := range f.ChangeTypes {
			values[i] = string(ct)
		}
		spec.Equality[FieldChangeType] = AnyOf(values...)
	}
	if f.From != nil || f.To != nil {
		rf := &RangeFilter{Field: FieldTimestamp}
		if f.From != nil {
			rf.From = f.From.UTC()
		}
		if f.To != nil {
			rf.To = f.To.UTC()
		}
		spec.Range = rf
	}
	if f.Comment != "" {
		spec.ClientOnly = map[string]Predicate{"comment": Contains(f.Comment)}
	}
	return spec
}

type ChangeLogPage struct {
	Entries    []*ChangeLogEntry
	NextCursor string
	Reset      bool
	Warnings   []PlanWarning
}

func (r *Recorder) Query(ctx context.Context, filter AuditFilter, page PageRequest) (*ChangeLogPage, error) {
	res, err := r.Reader.Query(ctx, ChangeLog, filter.Spec(), page)
	if err != nil {
		return nil, err
	}
	entries, err := DecodeAll(res.Snapshots, ChangeLogEntryFromSnapshot)
	if err != nil {
		return nil, err
	}
	return &ChangeLogPage{Entries: entries, NextCursor: res.NextCursor, Reset: res.Reset, Warnings: res.Warnings}, nil
}

func (r *Recorder) Count(ctx context.Context, filter AuditFilter) (CountResult, error) {
	return r.Reader.Count(ctx, ChangeLog, filter.Spec())
}

// =============================================================================
// ENTRY COMPOSITION
// =============================================================================

// AdjustmentChangeType classifies an adjustment edit: from zero is a
// creation, to zero is a deletion, anything else an update.
func AdjustmentChangeType(previous, next decimal.Decimal) ChangeType {
	switch {
	case previous.IsZero() && !next.IsZero():
		return ChangeAdjustmentCreated
	case !previous.IsZero() && next.IsZero():
		return ChangeAdjustmentDeleted
	}
	return ChangeAdjustmentUpdated
}

func adjustmentEntry(item *LineItem, inv *Invoice, next decimal.Decimal, comment string, at time.Time) ChangeLogEntry {
	entry := ChangeLogEntry{
		ID:                 uuid.NewString(),
		EntityType:         EntityLineItem,
		EntityID:           item.ID,
		ChangeType:         AdjustmentChangeType(item.Adjustments, next),
		PreviousAmount:     item.Adjustments,
		NewAmount:          next,
		Difference:         next.Sub(item.Adjustments),
		BookedAmountAtTime: item.BookedAmount,
		ActualAmountAtTime: item.ActualAmount,
		Comment:            comment,
		Timestamp:          at,
		CampaignID:         item.CampaignID,
		LineItemName:       item.Name,
	}
	if inv != nil {
		entry.InvoiceID = inv.ID
		entry.InvoiceNumber = inv.InvoiceNumber
	}
	return entry
}

// moveEntry is attributed to the destination invoice. A move does not
// change amounts: previous and new carry the item's adjustment and the
// difference is zero.
func moveEntry(item *LineItem, from, to *Invoice, comment string, at time.Time) ChangeLogEntry {
	return ChangeLogEntry{
		ID:                    uuid.NewString(),
		EntityType:            EntityLineItem,
		EntityID:              item.ID,
		ChangeType:            ChangeLineItemMoved,
		PreviousAmount:        item.Adjustments,
		NewAmount:             item.Adjustments,
		Difference:            decimal.Zero,
		BookedAmountAtTime:    item.BookedAmount,
		ActualAmountAtTime:    item.ActualAmount,
		Comment:               comment,
		Timestamp:             at,
		InvoiceID:             to.ID,
		InvoiceNumber:         to.InvoiceNumber,
		CampaignID:            item.CampaignID,
		LineItemName:          item.Name,
		PreviousInvoiceID:     from.ID,
		PreviousInvoiceNumber: from.InvoiceNumber,
	}
}
