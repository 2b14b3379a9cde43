/*
engine.go - Ledger mutation engine

PURPOSE:
  The only write path into the ledger. Each operation reads the documents
  it touches, validates every precondition, then commits ONE atomic batch.
  A rejected call writes nothing.

OPERATIONS:
  CreateInvoiceFromLineItems  unbilled items of one campaign -> new draft invoice
  AddLineItemsToInvoice       unbilled items -> existing invoice
  MoveLineItemsToInvoice      members of one invoice -> another invoice
  RemoveLineItemsFromInvoice  members -> unbilled
  UpdateLineItemAdjustments   new adjustment + owning invoice recompute
  RecomputeInvoiceTotals      totals := sums over referencing line items
  UpdateInvoiceStatus         status, with paidDate only for paid

CONCURRENCY:
  1. Every operation holds the lock of its campaign (and of the invoice
     number counter on creation) from first read to commit.
  2. Every written document carries a MatchVersion precondition, so a
     writer that bypasses the lock (another process with its own
     in-process locker) fails with ConflictError instead of overwriting.
  The caller may retry a Conflict or TransientStore failure wholesale.

TOTALS:
  Invoice totals are recomputed from the line items that reference the
  invoice, with the batch's own line item writes overlaid. With
  RecomputeOnMembershipChange disabled, membership operations leave totals
  alone and callers run RecomputeInvoiceTotals afterwards.

AUDIT:
  Adjustments and moves stage their change log entries in the same batch
  (see audit.go). The outbox is drained after each successful commit.

SEE ALSO:
  - audit.go: change log outbox
  - numbering.go: invoice numbers
  - locker.go: per-campaign serialization
*/
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE
// =============================================================================

type EngineConfig struct {
	// OperationTimeout bounds one whole operation. Exceeding it fails the
	// operation as a TransientStoreError. Zero disables the bound.
	OperationTimeout time.Duration

	// RecomputeOnMembershipChange makes add, remove and move refresh the
	// affected invoice totals inside their own batch.
	RecomputeOnMembershipChange bool

	InvoiceNumberPrefix string
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		OperationTimeout:            10 * time.Second,
		RecomputeOnMembershipChange: true,
		InvoiceNumberPrefix:         "INV",
	}
}

type Engine struct {
	Store    Store
	Locker   Locker
	Recorder *Recorder
	Config   EngineConfig
	Logger   *logrus.Logger
	Clock    func() time.Time

	reader   *Reader
	validate *validator.Validate
}

// NewEngine wires an engine with an in-process locker. Replace Locker
// before first use to share locks across processes.
func NewEngine(store Store, reader *Reader, cfg EngineConfig, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	recorder := NewRecorder(store, reader, logger)
	return &Engine{
		Store:    store,
		Locker:   NewKeyedMutex(),
		Recorder: recorder,
		Config:   cfg,
		Logger:   logger,
		Clock:    recorder.Clock,
		reader:   reader,
		validate: validator.New(),
	}
}

// Reader exposes the read path the engine validates against.
func (e *Engine) Reader() *Reader { return e.reader }

// =============================================================================
// INPUTS
// =============================================================================

type CreateInvoiceInput struct {
	CampaignID  string    `json:"campaignId" validate:"required"`
	LineItemIDs []string  `json:"lineItemIds" validate:"required,min=1,dive,required"`
	ClientName  string    `json:"clientName" validate:"required"`
	ClientEmail string    `json:"clientEmail" validate:"omitempty,email"`
	Currency    string    `json:"currency" validate:"required,len=3,alpha"`
	IssueDate   time.Time `json:"issueDate"`
	DueDate     time.Time `json:"dueDate"`
}

type lineItemsInput struct {
	LineItemIDs []string `validate:"required,min=1,dive,required"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateInvoiceFromLineItems creates a draft invoice over unbilled line
// items of one campaign and returns its id.
func (e *Engine) CreateInvoiceFromLineItems(ctx context.Context, in CreateInvoiceInput) (string, error) {
	if err := e.validateInput(in); err != nil {
		return "", err
	}
	if err := checkDistinct(in.LineItemIDs); err != nil {
		return "", err
	}
	if in.IssueDate.IsZero() || in.DueDate.IsZero() {
		return "", newValidationError(CodeMissingField, nil, "issue date and due date are required")
	}
	if in.DueDate.Before(in.IssueDate) {
		return "", newValidationError(CodeInvalidInput, nil, "due date %s precedes issue date %s",
			in.DueDate.Format(time.DateOnly), in.IssueDate.Format(time.DateOnly))
	}

	var invoiceID string
	err := e.run(ctx, operation{
		name:   "create_invoice",
		fields: logrus.Fields{"campaign_id": in.CampaignID, "line_items": len(in.LineItemIDs)},
		keys:   staticKeys(campaignLockKey(in.CampaignID), invoiceCounterLockKey),
		apply: func(ctx context.Context) error {
			campaign, found, err := e.reader.GetCampaign(ctx, in.CampaignID)
			if err != nil {
				return err
			}
			if !found {
				return &NotFoundError{Collection: Campaigns, IDs: []string{in.CampaignID}}
			}
			items, err := e.loadLineItems(ctx, in.LineItemIDs)
			if err != nil {
				return err
			}

			var cross, invoiced []string
			for _, item := range items {
				switch {
				case item.CampaignID != in.CampaignID:
					cross = append(cross, item.ID)
				case item.Billed():
					invoiced = append(invoiced, item.ID)
				}
			}
			if len(cross) > 0 {
				return newValidationError(CodeCrossCampaign, cross, "line items do not belong to campaign %s", in.CampaignID)
			}
			if len(invoiced) > 0 {
				return newValidationError(CodeAlreadyInvoiced, invoiced, "line items are already invoiced")
			}

			now := e.now()
			b := NewBatch()
			number, err := e.nextInvoiceNumber(ctx, b, in.IssueDate, now)
			if err != nil {
				return err
			}

			inv := &Invoice{
				ID:            uuid.NewString(),
				CampaignID:    in.CampaignID,
				InvoiceNumber: number,
				ClientName:    in.ClientName,
				ClientEmail:   in.ClientEmail,
				Currency:      strings.ToUpper(in.Currency),
				LineItemIDs:   append([]string(nil), in.LineItemIDs...),
				IssueDate:     in.IssueDate.UTC(),
				DueDate:       in.DueDate.UTC(),
				Status:        InvoiceDraft,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			inv.ApplyTotals(SumLineItems(items))
			b.Create(Invoices, inv.ID, inv.Fields())

			for _, item := range items {
				item.InvoiceID = inv.ID
				item.UpdatedAt = now
				b.Update(LineItems, item.ID, item.Version, item.Fields())
			}

			campaign.InvoiceIDs = appendMissing(campaign.InvoiceIDs, inv.ID)
			campaign.UpdatedAt = now
			b.Update(Campaigns, campaign.ID, campaign.Version, campaign.Fields())

			if err := e.commit(ctx, "create_invoice", b); err != nil {
				return err
			}
			invoiceID = inv.ID
			return nil
		},
	})
	if err != nil {
		return "", err
	}
	return invoiceID, nil
}

// AddLineItemsToInvoice attaches unbilled line items of the invoice's
// campaign to the invoice.
func (e *Engine) AddLineItemsToInvoice(ctx context.Context, invoiceID string, lineItemIDs []string) error {
	if err := e.checkLineItemIDs(lineItemIDs); err != nil {
		return err
	}
	return e.run(ctx, operation{
		name:   "add_line_items",
		fields: logrus.Fields{"invoice_id": invoiceID, "line_items": len(lineItemIDs)},
		keys:   e.invoiceKeys(invoiceID),
		apply: func(ctx context.Context) error {
			inv, err := e.loadInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			items, err := e.loadLineItems(ctx, lineItemIDs)
			if err != nil {
				return err
			}

			var members, cross, invoiced []string
			for _, item := range items {
				switch {
				case inv.HasLineItem(item.ID) || item.InvoiceID == inv.ID:
					members = append(members, item.ID)
				case item.CampaignID != inv.CampaignID:
					cross = append(cross, item.ID)
				case item.Billed():
					invoiced = append(invoiced, item.ID)
				}
			}
			if len(members) > 0 {
				return newValidationError(CodeDuplicateMembership, members, "line items are already members of invoice %s", inv.ID)
			}
			if len(cross) > 0 {
				return newValidationError(CodeCrossCampaign, cross, "line items do not belong to campaign %s", inv.CampaignID)
			}
			if len(invoiced) > 0 {
				return newValidationError(CodeAlreadyInvoiced, invoiced, "line items are already invoiced")
			}

			now := e.now()
			b := NewBatch()
			for _, item := range items {
				item.InvoiceID = inv.ID
				item.UpdatedAt = now
				inv.LineItemIDs = append(inv.LineItemIDs, item.ID)
				b.Update(LineItems, item.ID, item.Version, item.Fields())
			}
			if e.Config.RecomputeOnMembershipChange {
				if err := e.refreshTotals(ctx, inv, items); err != nil {
					return err
				}
			}
			inv.UpdatedAt = now
			b.Update(Invoices, inv.ID, inv.Version, inv.Fields())
			return e.commit(ctx, "add_line_items", b)
		},
	})
}

// MoveLineItemsToInvoice moves members of fromInvoiceID to toInvoiceID and
// records one line_item_moved entry per item.
func (e *Engine) MoveLineItemsToInvoice(ctx context.Context, fromInvoiceID, toInvoiceID string, lineItemIDs []string, comment string) error {
	if err := e.checkLineItemIDs(lineItemIDs); err != nil {
		return err
	}
	if fromInvoiceID == toInvoiceID {
		return newValidationError(CodeSameInvoice, nil, "source and destination invoice are both %s", fromInvoiceID)
	}
	return e.run(ctx, operation{
		name:    "move_line_items",
		fields:  logrus.Fields{"from_invoice_id": fromInvoiceID, "to_invoice_id": toInvoiceID, "line_items": len(lineItemIDs)},
		audited: true,
		keys:    e.invoiceKeys(fromInvoiceID, toInvoiceID),
		apply: func(ctx context.Context) error {
			src, err := e.loadInvoice(ctx, fromInvoiceID)
			if err != nil {
				return err
			}
			dst, err := e.loadInvoice(ctx, toInvoiceID)
			if err != nil {
				return err
			}
			items, err := e.loadLineItems(ctx, lineItemIDs)
			if err != nil {
				return err
			}

			var notMembers, members, cross []string
			for _, item := range items {
				switch {
				case !src.HasLineItem(item.ID) || item.InvoiceID != src.ID:
					notMembers = append(notMembers, item.ID)
				case dst.HasLineItem(item.ID):
					members = append(members, item.ID)
				case item.CampaignID != dst.CampaignID:
					cross = append(cross, item.ID)
				}
			}
			if len(notMembers) > 0 {
				return newValidationError(CodeNotMember, notMembers, "line items are not members of invoice %s", src.ID)
			}
			if len(members) > 0 {
				return newValidationError(CodeDuplicateMembership, members, "line items are already members of invoice %s", dst.ID)
			}
			if len(cross) > 0 {
				return newValidationError(CodeCrossCampaign, cross, "line items do not belong to campaign %s", dst.CampaignID)
			}

			now := e.now()
			b := NewBatch()
			src.LineItemIDs = without(src.LineItemIDs, lineItemIDs)
			for _, item := range items {
				e.Recorder.Stage(b, moveEntry(item, src, dst, comment, now))
				item.InvoiceID = dst.ID
				item.UpdatedAt = now
				dst.LineItemIDs = append(dst.LineItemIDs, item.ID)
				b.Update(LineItems, item.ID, item.Version, item.Fields())
			}
			if e.Config.RecomputeOnMembershipChange {
				if err := e.refreshTotals(ctx, src, items); err != nil {
					return err
				}
				if err := e.refreshTotals(ctx, dst, items); err != nil {
					return err
				}
			}
			src.UpdatedAt = now
			dst.UpdatedAt = now
			b.Update(Invoices, src.ID, src.Version, src.Fields())
			b.Update(Invoices, dst.ID, dst.Version, dst.Fields())
			return e.commit(ctx, "move_line_items", b)
		},
	})
}

// RemoveLineItemsFromInvoice returns members of the invoice to unbilled.
func (e *Engine) RemoveLineItemsFromInvoice(ctx context.Context, invoiceID string, lineItemIDs []string) error {
	if err := e.checkLineItemIDs(lineItemIDs); err != nil {
		return err
	}
	return e.run(ctx, operation{
		name:   "remove_line_items",
		fields: logrus.Fields{"invoice_id": invoiceID, "line_items": len(lineItemIDs)},
		keys:   e.invoiceKeys(invoiceID),
		apply: func(ctx context.Context) error {
			inv, err := e.loadInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			items, err := e.loadLineItems(ctx, lineItemIDs)
			if err != nil {
				return err
			}

			var notMembers []string
			for _, item := range items {
				if !inv.HasLineItem(item.ID) || item.InvoiceID != inv.ID {
					notMembers = append(notMembers, item.ID)
				}
			}
			if len(notMembers) > 0 {
				return newValidationError(CodeNotMember, notMembers, "line items are not members of invoice %s", inv.ID)
			}

			now := e.now()
			b := NewBatch()
			inv.LineItemIDs = without(inv.LineItemIDs, lineItemIDs)
			for _, item := range items {
				item.InvoiceID = ""
				item.UpdatedAt = now
				b.Update(LineItems, item.ID, item.Version, item.Fields())
			}
			if e.Config.RecomputeOnMembershipChange {
				if err := e.refreshTotals(ctx, inv, items); err != nil {
					return err
				}
			}
			inv.UpdatedAt = now
			b.Update(Invoices, inv.ID, inv.Version, inv.Fields())
			return e.commit(ctx, "remove_line_items", b)
		},
	})
}

// UpdateLineItemAdjustments sets the adjustment of a line item, records
// the change and recomputes the owning invoice in the same batch. It
// returns the recorded entry, or nil when the adjustment is unchanged.
//
// Only allowed while the owning invoice is draft or overdue.
func (e *Engine) UpdateLineItemAdjustments(ctx context.Context, lineItemID string, adjustment decimal.Decimal, comment string) (*ChangeLogEntry, error) {
	if lineItemID == "" {
		return nil, newValidationError(CodeMissingField, nil, "line item id is required")
	}
	adjustment = RoundMoney(adjustment)

	var recorded *ChangeLogEntry
	err := e.run(ctx, operation{
		name:    "update_adjustments",
		fields:  logrus.Fields{"line_item_id": lineItemID, "adjustment": FormatMoney(adjustment)},
		audited: true,
		keys:    e.lineItemKeys(lineItemID),
		apply: func(ctx context.Context) error {
			items, err := e.loadLineItems(ctx, []string{lineItemID})
			if err != nil {
				return err
			}
			item := items[0]

			var inv *Invoice
			if item.Billed() {
				inv, err = e.loadInvoice(ctx, item.InvoiceID)
				if err != nil {
					return err
				}
				if !inv.Status.AdjustmentsEditable() {
					return &PermissionError{Operation: "adjustment update", InvoiceID: inv.ID, Status: inv.Status}
				}
			}
			if item.Adjustments.Equal(adjustment) {
				return nil
			}

			now := e.now()
			b := NewBatch()
			entry := adjustmentEntry(item, inv, adjustment, comment, now)
			e.Recorder.Stage(b, entry)

			item.Adjustments = adjustment
			item.UpdatedAt = now
			b.Update(LineItems, item.ID, item.Version, item.Fields())

			if inv != nil {
				if err := e.refreshTotals(ctx, inv, items); err != nil {
					return err
				}
				inv.UpdatedAt = now
				b.Update(Invoices, inv.ID, inv.Version, inv.Fields())
			}
			if err := e.commit(ctx, "update_adjustments", b); err != nil {
				return err
			}
			recorded = &entry
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// RecomputeInvoiceTotals rewrites the four amount fields from the line
// items referencing the invoice. Nothing is written when they already
// match.
func (e *Engine) RecomputeInvoiceTotals(ctx context.Context, invoiceID string) (Totals, error) {
	var totals Totals
	err := e.run(ctx, operation{
		name:   "recompute_totals",
		fields: logrus.Fields{"invoice_id": invoiceID},
		keys:   e.invoiceKeys(invoiceID),
		apply: func(ctx context.Context) error {
			inv, err := e.loadInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			before := inv.Totals()
			if err := e.refreshTotals(ctx, inv, nil); err != nil {
				return err
			}
			totals = inv.Totals()
			if totals.Equal(before) {
				return nil
			}
			inv.UpdatedAt = e.now()
			b := NewBatch().Update(Invoices, inv.ID, inv.Version, inv.Fields())
			return e.commit(ctx, "recompute_totals", b)
		},
	})
	return totals, err
}

// UpdateInvoiceStatus sets the status. paidDate is required for paid and
// cleared for every other status.
func (e *Engine) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus, paidDate *time.Time) error {
	if !status.Valid() {
		return newValidationError(CodeInvalidStatus, nil, "unknown invoice status %q", status)
	}
	if status == InvoicePaid && (paidDate == nil || paidDate.IsZero()) {
		return newValidationError(CodeMissingField, nil, "paid date is required for status paid")
	}
	return e.run(ctx, operation{
		name:   "update_status",
		fields: logrus.Fields{"invoice_id": invoiceID, "status": status},
		keys:   e.invoiceKeys(invoiceID),
		apply: func(ctx context.Context) error {
			inv, err := e.loadInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			inv.Status = status
			inv.PaidDate = nil
			if status == InvoicePaid {
				paid := paidDate.UTC()
				inv.PaidDate = &paid
			}
			inv.UpdatedAt = e.now()
			b := NewBatch().Update(Invoices, inv.ID, inv.Version, inv.Fields())
			return e.commit(ctx, "update_status", b)
		},
	})
}

// =============================================================================
// EXECUTION
// =============================================================================

type operation struct {
	name    string
	fields  logrus.Fields
	audited bool
	keys    func(ctx context.Context) ([]string, error)
	apply   func(ctx context.Context) error
}

func (e *Engine) run(ctx context.Context, op operation) error {
	if e.Config.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.OperationTimeout)
		defer cancel()
	}
	log := e.log(op.name).WithFields(op.fields)

	err := func() error {
		keys, err := op.keys(ctx)
		if err != nil {
			return err
		}
		unlock, err := e.Locker.Lock(ctx, keys...)
		if err != nil {
			return err
		}
		defer unlock()
		return op.apply(ctx)
	}()
	if err != nil {
		err = Transient(op.name, err)
		if IsClientError(err) || IsNotFound(err) {
			log.WithError(err).Info("ledger operation rejected")
		} else {
			log.WithError(err).Warn("ledger operation failed")
		}
		return err
	}
	log.Debug("ledger operation committed")

	if op.audited {
		if n, err := e.Recorder.Drain(ctx); err != nil {
			log.WithError(err).Warn("change log drain deferred to scheduler")
		} else if n > 0 {
			log.WithField("entries", n).Debug("change log drained")
		}
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, op string, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return Transient("commit "+op, e.Store.Commit(ctx, b))
}

func (e *Engine) log(op string) *logrus.Entry {
	return e.Logger.WithFields(logrus.Fields{"component": "ledger", "op": op})
}

func (e *Engine) now() time.Time { return e.Clock().UTC() }

func (e *Engine) validateInput(v any) error {
	err := e.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newValidationError(CodeInvalidInput, nil, "%v", err)
	}
	code := CodeInvalidInput
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			code = CodeMissingField
		}
		problems = append(problems, fe.Field()+" failed "+fe.Tag())
	}
	return newValidationError(code, nil, "%s", strings.Join(problems, "; "))
}

func (e *Engine) checkLineItemIDs(ids []string) error {
	if err := e.validateInput(lineItemsInput{LineItemIDs: ids}); err != nil {
		return err
	}
	return checkDistinct(ids)
}

// =============================================================================
// LOCK KEYS
// =============================================================================
// Campaign ids never change, so the campaign of an invoice or line item can
// be resolved before the lock is taken.

func staticKeys(keys ...string) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) { return keys, nil }
}

func (e *Engine) invoiceKeys(ids ...string) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		keys := make([]string, 0, len(ids))
		for _, id := range ids {
			inv, err := e.loadInvoice(ctx, id)
			if err != nil {
				return nil, err
			}
			keys = append(keys, campaignLockKey(inv.CampaignID))
		}
		return keys, nil
	}
}

func (e *Engine) lineItemKeys(id string) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		items, err := e.loadLineItems(ctx, []string{id})
		if err != nil {
			return nil, err
		}
		return []string{campaignLockKey(items[0].CampaignID)}, nil
	}
}

// =============================================================================
// LOADING
// =============================================================================

func (e *Engine) loadInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, found, err := e.reader.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{Collection: Invoices, IDs: []string{id}}
	}
	return inv, nil
}

// loadLineItems returns items in the order of ids, or NotFoundError naming
// every missing id.
func (e *Engine) loadLineItems(ctx context.Context, ids []string) ([]*LineItem, error) {
	items, missing, err := e.reader.GetLineItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &NotFoundError{Collection: LineItems, IDs: missing}
	}
	return items, nil
}

// refreshTotals sets inv's totals from the stored line items referencing
// it, with staged (already modified, not yet committed) items taking
// precedence over their stored copies.
func (e *Engine) refreshTotals(ctx context.Context, inv *Invoice, staged []*LineItem) error {
	members := make(map[string]*LineItem)
	var order []string
	spec := FilterSpec{Equality: map[string]FilterValue{FieldInvoiceID: Eq(inv.ID)}}
	err := e.reader.ScanAll(ctx, LineItems, spec, 200, func(snap *Snapshot) error {
		item, err := LineItemFromSnapshot(snap)
		if err != nil {
			return err
		}
		members[item.ID] = item
		order = append(order, item.ID)
		return nil
	})
	if err != nil {
		return err
	}
	for _, item := range staged {
		if _, ok := members[item.ID]; !ok {
			order = append(order, item.ID)
		}
		if item.InvoiceID == inv.ID {
			members[item.ID] = item
		} else {
			delete(members, item.ID)
		}
	}

	current := make([]*LineItem, 0, len(members))
	for _, id := range order {
		if item, ok := members[id]; ok {
			current = append(current, item)
			delete(members, id)
		}
	}
	inv.ApplyTotals(SumLineItems(current))
	return nil
}

// =============================================================================
// ID LIST HELPERS
// =============================================================================

func checkDistinct(ids []string) error {
	seen := make(map[string]bool, len(ids))
	var dups []string
	for _, id := range ids {
		if seen[id] {
			dups = append(dups, id)
		}
		seen[id] = true
	}
	if len(dups) > 0 {
		return newValidationError(CodeDuplicateInput, dups, "line item ids repeated in input")
	}
	return nil
}

func without(list, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, id := range remove {
		drop[id] = true
	}
	out := make([]string, 0, len(list))
	for _, id := range list {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

func appendMissing(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
