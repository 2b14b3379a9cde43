/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  - Money: 2-decimal strings ("1234.50"), never floats
  - Business dates (issue, due, paid): "2006-01-02"
  - Timestamps: RFC 3339, UTC

TYPES:
  Entities:   CampaignDTO, LineItemDTO, InvoiceDTO, ChangeLogEntryDTO
  Reads:      PageResponse, CountResponse, BatchGetRequest
  Mutations:  CreateInvoiceRequest, LineItemsRequest, MoveLineItemsRequest,
              AdjustmentRequest, StatusRequest
  Metrics:    InvoiceSummaryDTO, CampaignSummaryDTO, AdjustmentActivityDTO

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/billing-ledger/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ENTITY DTOs
// =============================================================================

type CampaignDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	StartDate   string   `json:"start_date,omitempty"`
	EndDate     string   `json:"end_date,omitempty"`
	InvoiceIDs  []string `json:"invoice_ids"`
	LineItemIDs []string `json:"line_item_ids"`
	CreatedAt   string   `json:"created_at,omitempty"`
	Version     int64    `json:"version"`
}

type LineItemDTO struct {
	ID           string  `json:"id"`
	CampaignID   string  `json:"campaign_id"`
	Name         string  `json:"name"`
	BookedAmount string  `json:"booked_amount"`
	ActualAmount string  `json:"actual_amount"`
	Adjustments  string  `json:"adjustments"`
	Total        string  `json:"total"`
	InvoiceID    *string `json:"invoice_id"`
	CreatedAt    string  `json:"created_at,omitempty"`
	Version      int64   `json:"version"`
}

type InvoiceDTO struct {
	ID               string   `json:"id"`
	CampaignID       string   `json:"campaign_id"`
	InvoiceNumber    string   `json:"invoice_number"`
	ClientName       string   `json:"client_name"`
	ClientEmail      string   `json:"client_email,omitempty"`
	Currency         string   `json:"currency"`
	LineItemIDs      []string `json:"line_item_ids"`
	BookedAmount     string   `json:"booked_amount"`
	ActualAmount     string   `json:"actual_amount"`
	TotalAdjustments string   `json:"total_adjustments"`
	TotalAmount      string   `json:"total_amount"`
	IssueDate        string   `json:"issue_date"`
	DueDate          string   `json:"due_date"`
	PaidDate         *string  `json:"paid_date"`
	Status           string   `json:"status"`
	CreatedAt        string   `json:"created_at,omitempty"`
	Version          int64    `json:"version"`
}

type ChangeLogEntryDTO struct {
	ID                    string `json:"id"`
	EntityType            string `json:"entity_type"`
	EntityID              string `json:"entity_id"`
	ChangeType            string `json:"change_type"`
	PreviousAmount        string `json:"previous_amount"`
	NewAmount             string `json:"new_amount"`
	Difference            string `json:"difference"`
	BookedAmountAtTime    string `json:"booked_amount_at_time"`
	ActualAmountAtTime    string `json:"actual_amount_at_time"`
	Comment               string `json:"comment,omitempty"`
	Timestamp             string `json:"timestamp"`
	InvoiceID             string `json:"invoice_id,omitempty"`
	InvoiceNumber         string `json:"invoice_number,omitempty"`
	CampaignID            string `json:"campaign_id"`
	LineItemName          string `json:"line_item_name,omitempty"`
	PreviousInvoiceID     string `json:"previous_invoice_id,omitempty"`
	PreviousInvoiceNumber string `json:"previous_invoice_number,omitempty"`
}

type TotalsDTO struct {
	BookedAmount     string `json:"booked_amount"`
	ActualAmount     string `json:"actual_amount"`
	TotalAdjustments string `json:"total_adjustments"`
	TotalAmount      string `json:"total_amount"`
}

// =============================================================================
// READ TYPES
// =============================================================================

type BatchGetRequest struct {
	IDs []string `json:"ids"`
}

type WarningDTO struct {
	Field     string `json:"field"`
	Requested int    `json:"requested,omitempty"`
	Kept      int    `json:"kept,omitempty"`
	Message   string `json:"message"`
}

// PageResponse is one page of a list query. Reset is true when the
// presented cursor belonged to different filters and the list restarted.
type PageResponse struct {
	Items      []any        `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
	Reset      bool         `json:"reset,omitempty"`
	Warnings   []WarningDTO `json:"warnings,omitempty"`
}

type CountResponse struct {
	Count       int64        `json:"count"`
	Approximate bool         `json:"approximate"`
	Warnings    []WarningDTO `json:"warnings,omitempty"`
}

// =============================================================================
// MUTATION REQUESTS
// =============================================================================

type CreateInvoiceRequest struct {
	CampaignID  string   `json:"campaign_id"`
	LineItemIDs []string `json:"line_item_ids"`
	ClientName  string   `json:"client_name"`
	ClientEmail string   `json:"client_email"`
	Currency    string   `json:"currency"`
	IssueDate   string   `json:"issue_date"`
	DueDate     string   `json:"due_date"`
}

type LineItemsRequest struct {
	LineItemIDs []string `json:"line_item_ids"`
}

type MoveLineItemsRequest struct {
	ToInvoiceID string   `json:"to_invoice_id"`
	LineItemIDs []string `json:"line_item_ids"`
	Comment     string   `json:"comment"`
}

type AdjustmentRequest struct {
	Adjustment string `json:"adjustment"`
	Comment    string `json:"comment"`
}

type StatusRequest struct {
	Status   string `json:"status"`
	PaidDate string `json:"paid_date"`
}

// =============================================================================
// METRICS
// =============================================================================

type InvoiceSummaryDTO struct {
	Count       int64            `json:"count"`
	ByStatus    map[string]int64 `json:"by_status"`
	Totals      TotalsDTO        `json:"totals"`
	Outstanding string           `json:"outstanding"`
	Approximate bool             `json:"approximate"`
}

type CampaignSummaryDTO struct {
	Campaign          CampaignDTO `json:"campaign"`
	InvoiceCount      int64       `json:"invoice_count"`
	BilledLineItems   int         `json:"billed_line_items"`
	UnbilledLineItems int         `json:"unbilled_line_items"`
	Billed            TotalsDTO   `json:"billed"`
	Unbilled          TotalsDTO   `json:"unbilled"`
}

type AdjustmentActivityDTO struct {
	Entries      int            `json:"entries"`
	ByChangeType map[string]int `json:"by_change_type"`
	Increases    string         `json:"increases"`
	Decreases    string         `json:"decreases"`
	Net          string         `json:"net"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details any      `json:"details,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{
			Code:    ledger.CodeInvalidInput,
			Message: fmt.Sprintf("%s: expected YYYY-MM-DD, got %q", field, s),
		}
	}
	return t, nil
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func toCampaignDTO(c *ledger.Campaign) CampaignDTO {
	return CampaignDTO{
		ID:          c.ID,
		Name:        c.Name,
		Status:      string(c.Status),
		StartDate:   formatDate(c.StartDate),
		EndDate:     formatDate(c.EndDate),
		InvoiceIDs:  emptyIfNil(c.InvoiceIDs),
		LineItemIDs: emptyIfNil(c.LineItemIDs),
		CreatedAt:   formatTimestamp(c.CreatedAt),
		Version:     c.Version,
	}
}

func toLineItemDTO(l *ledger.LineItem) LineItemDTO {
	dto := LineItemDTO{
		ID:           l.ID,
		CampaignID:   l.CampaignID,
		Name:         l.Name,
		BookedAmount: ledger.FormatMoney(l.BookedAmount),
		ActualAmount: ledger.FormatMoney(l.ActualAmount),
		Adjustments:  ledger.FormatMoney(l.Adjustments),
		Total:        ledger.FormatMoney(l.Total()),
		CreatedAt:    formatTimestamp(l.CreatedAt),
		Version:      l.Version,
	}
	if l.Billed() {
		id := l.InvoiceID
		dto.InvoiceID = &id
	}
	return dto
}

func toInvoiceDTO(inv *ledger.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:               inv.ID,
		CampaignID:       inv.CampaignID,
		InvoiceNumber:    inv.InvoiceNumber,
		ClientName:       inv.ClientName,
		ClientEmail:      inv.ClientEmail,
		Currency:         inv.Currency,
		LineItemIDs:      emptyIfNil(inv.LineItemIDs),
		BookedAmount:     ledger.FormatMoney(inv.BookedAmount),
		ActualAmount:     ledger.FormatMoney(inv.ActualAmount),
		TotalAdjustments: ledger.FormatMoney(inv.TotalAdjustments),
		TotalAmount:      ledger.FormatMoney(inv.TotalAmount),
		IssueDate:        formatDate(inv.IssueDate),
		DueDate:          formatDate(inv.DueDate),
		Status:           string(inv.Status),
		CreatedAt:        formatTimestamp(inv.CreatedAt),
		Version:          inv.Version,
	}
	if inv.PaidDate != nil {
		paid := formatDate(*inv.PaidDate)
		dto.PaidDate = &paid
	}
	return dto
}

func toChangeLogEntryDTO(e *ledger.ChangeLogEntry) ChangeLogEntryDTO {
	return ChangeLogEntryDTO{
		ID:                    e.ID,
		EntityType:            string(e.EntityType),
		EntityID:              e.EntityID,
		ChangeType:            string(e.ChangeType),
		PreviousAmount:        ledger.FormatMoney(e.PreviousAmount),
		NewAmount:             ledger.FormatMoney(e.NewAmount),
		Difference:            ledger.FormatMoney(e.Difference),
		BookedAmountAtTime:    ledger.FormatMoney(e.BookedAmountAtTime),
		ActualAmountAtTime:    ledger.FormatMoney(e.ActualAmountAtTime),
		Comment:               e.Comment,
		Timestamp:             formatTimestamp(e.Timestamp),
		InvoiceID:             e.InvoiceID,
		InvoiceNumber:         e.InvoiceNumber,
		CampaignID:            e.CampaignID,
		LineItemName:          e.LineItemName,
		PreviousInvoiceID:     e.PreviousInvoiceID,
		PreviousInvoiceNumber: e.PreviousInvoiceNumber,
	}
}

func toTotalsDTO(t ledger.Totals) TotalsDTO {
	return TotalsDTO{
		BookedAmount:     ledger.FormatMoney(t.Booked),
		ActualAmount:     ledger.FormatMoney(t.Actual),
		TotalAdjustments: ledger.FormatMoney(t.Adjustments),
		TotalAmount:      ledger.FormatMoney(t.Total),
	}
}

func toWarningDTOs(ws []ledger.PlanWarning) []WarningDTO {
	if len(ws) == 0 {
		return nil
	}
	out := make([]WarningDTO, len(ws))
	for i, w := range ws {
		out[i] = WarningDTO{Field: w.Field, Requested: w.Requested, Kept: w.Kept, Message: w.Message}
	}
	return out
}

// toDTO decodes a snapshot into the DTO of its collection.
func toDTO(snap *ledger.Snapshot) (any, error) {
	switch snap.Collection {
	case ledger.Campaigns:
		c, err := ledger.CampaignFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		return toCampaignDTO(c), nil
	case ledger.LineItems:
		l, err := ledger.LineItemFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		return toLineItemDTO(l), nil
	case ledger.Invoices:
		inv, err := ledger.InvoiceFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		return toInvoiceDTO(inv), nil
	case ledger.ChangeLog:
		e, err := ledger.ChangeLogEntryFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		return toChangeLogEntryDTO(e), nil
	}
	return nil, fmt.Errorf("collection %s has no DTO", snap.Collection)
}

func toDTOs(snaps []*ledger.Snapshot) ([]any, error) {
	out := make([]any, 0, len(snaps))
	for _, snap := range snaps {
		dto, err := toDTO(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, dto)
	}
	return out, nil
}
