/*
Package ledger provides the billing ledger consistency engine.

PURPOSE:
  Campaigns contain line items, line items are grouped into invoices, and
  adjustments change amounts. This package keeps the three collections
  (campaigns, invoices, line items) and the derived change log mutually
  consistent on top of a document store that only offers atomic batches
  and a narrow query model.

KEY CONCEPTS IN THIS FILE (types.go):
  - Campaign: container of line items and invoices (back-references only)
  - LineItem: a billable unit with booked/actual amounts and an adjustment
  - Invoice: a group of line items with denormalized amount totals
  - ChangeLogEntry: immutable audit record of an adjustment or a move

DESIGN PRINCIPLES:
  1. Line items and invoices are the source of truth for their own campaign
     association; campaign id lists are back-references.
  2. Money uses decimal.Decimal, rounded to 2 places half away from zero.
  3. Every persisted document carries a store-managed Version used for
     optimistic concurrency on write.
  4. Change log entries are append-only.

SEE ALSO:
  - money.go: rounding and totals
  - engine.go: mutation operations
  - audit.go: change log recorder
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLECTIONS
// =============================================================================

// Collection names a set of documents in the backing store.
type Collection string

const (
	Campaigns   Collection = "campaigns"
	Invoices    Collection = "invoices"
	LineItems   Collection = "lineItems"
	ChangeLog   Collection = "changeLog"
	AuditOutbox Collection = "auditOutbox"
	Counters    Collection = "counters"
)

// ParseCollection maps an external name to a readable collection.
func ParseCollection(name string) (Collection, bool) {
	switch Collection(name) {
	case Campaigns, Invoices, LineItems, ChangeLog:
		return Collection(name), true
	}
	switch name {
	case "line-items", "line_items":
		return LineItems, true
	case "change-log", "change_log":
		return ChangeLog, true
	}
	return "", false
}

// =============================================================================
// STATUSES
// =============================================================================

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// InvoiceStatus follows draft -> sent -> {paid | overdue | cancelled} and
// overdue -> {paid | cancelled}. Transitions are not enforced; only the
// adjustment gate looks at the status.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// InvoiceStatuses lists every known invoice status.
var InvoiceStatuses = []InvoiceStatus{InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceOverdue, InvoiceCancelled}

func (s InvoiceStatus) Valid() bool {
	for _, known := range InvoiceStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// AdjustmentsEditable reports whether line item adjustments may change
// while the invoice is in this status.
func (s InvoiceStatus) AdjustmentsEditable() bool {
	return s == InvoiceDraft || s == InvoiceOverdue
}

type EntityType string

const (
	EntityLineItem EntityType = "line_item"
	EntityInvoice  EntityType = "invoice"
)

type ChangeType string

const (
	ChangeAdjustmentCreated ChangeType = "adjustment_created"
	ChangeAdjustmentUpdated ChangeType = "adjustment_updated"
	ChangeAdjustmentDeleted ChangeType = "adjustment_deleted"
	ChangeLineItemMoved     ChangeType = "line_item_moved"
)

// =============================================================================
// CAMPAIGN
// =============================================================================

type Campaign struct {
	ID          string
	Name        string
	Status      CampaignStatus
	StartDate   time.Time
	EndDate     time.Time
	InvoiceIDs  []string
	LineItemIDs []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
}

// =============================================================================
// LINE ITEM
// =============================================================================

// LineItem is unbilled while InvoiceID is empty. CampaignID never changes.
type LineItem struct {
	ID           string
	CampaignID   string
	Name         string
	BookedAmount decimal.Decimal
	ActualAmount decimal.Decimal
	Adjustments  decimal.Decimal
	InvoiceID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Version      int64
}

// Total is the billable amount: actual plus adjustments.
func (l LineItem) Total() decimal.Decimal {
	return l.ActualAmount.Add(l.Adjustments)
}

func (l LineItem) Billed() bool { return l.InvoiceID != "" }

// =============================================================================
// INVOICE
// =============================================================================

type Invoice struct {
	ID            string
	CampaignID    string
	InvoiceNumber string
	ClientName    string
	ClientEmail   string
	Currency      string
	LineItemIDs   []string

	// Denormalized sums over member line items, see Totals.
	BookedAmount     decimal.Decimal
	ActualAmount     decimal.Decimal
	TotalAdjustments decimal.Decimal
	TotalAmount      decimal.Decimal

	IssueDate time.Time
	DueDate   time.Time
	PaidDate  *time.Time
	Status    InvoiceStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// HasLineItem reports membership in the invoice's id list.
func (inv Invoice) HasLineItem(id string) bool {
	for _, member := range inv.LineItemIDs {
		if member == id {
			return true
		}
	}
	return false
}

// ApplyTotals overwrites the four amount fields.
func (inv *Invoice) ApplyTotals(t Totals) {
	inv.BookedAmount = t.Booked
	inv.ActualAmount = t.Actual
	inv.TotalAdjustments = t.Adjustments
	inv.TotalAmount = t.Total
}

// Totals returns the stored amount fields.
func (inv Invoice) Totals() Totals {
	return Totals{
		Booked:      inv.BookedAmount,
		Actual:      inv.ActualAmount,
		Adjustments: inv.TotalAdjustments,
		Total:       inv.TotalAmount,
	}
}

// =============================================================================
// CHANGE LOG ENTRY
// =============================================================================

// ChangeLogEntry is immutable once written. The amounts at time are a
// snapshot and are never refreshed.
type ChangeLogEntry struct {
	ID         string
	EntityType EntityType
	EntityID   string
	ChangeType ChangeType

	PreviousAmount decimal.Decimal
	NewAmount      decimal.Decimal
	Difference     decimal.Decimal

	BookedAmountAtTime decimal.Decimal
	ActualAmountAtTime decimal.Decimal

	Comment   string
	Timestamp time.Time

	InvoiceID     string
	InvoiceNumber string
	CampaignID    string
	LineItemName  string

	// Moves only.
	PreviousInvoiceID     string
	PreviousInvoiceNumber string
}
