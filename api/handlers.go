/*
handlers.go - HTTP API handlers for the billing ledger

PURPOSE:
  Exposes the ledger's read API and mutation engine via REST. Handles
  HTTP request/response, JSON serialization, and delegates to the ledger
  package for every rule.

ENDPOINTS:
  Reads (collection = campaigns | invoices | line-items | change-log):
    GET    /api/{collection}                 Filtered, paged list
    GET    /api/{collection}/count           Server-side count
    POST   /api/{collection}/batch           Read many by id
    GET    /api/{collection}/{id}            Read one by id

  Invoices:
    POST   /api/invoices                         Create from line items
    POST   /api/invoices/{id}/line-items         Add line items
    POST   /api/invoices/{id}/line-items/remove  Remove line items
    POST   /api/invoices/{id}/line-items/move    Move to another invoice
    POST   /api/invoices/{id}/recompute          Recompute totals
    PUT    /api/invoices/{id}/status             Change status

  Line items:
    PUT    /api/line-items/{id}/adjustments      Set the adjustment

  Audit:
    GET    /api/change-log                   Change log by entity / time
    GET    /api/change-log/count
    GET    /api/audit/pending                Undelivered outbox entries
    POST   /api/audit/drain                  Drain the outbox now

  Metrics:
    GET    /api/metrics/invoices
    GET    /api/metrics/campaigns/{id}
    GET    /api/metrics/adjustments

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the ledger (which validates and enforces every invariant)
  3. Serialize response
  4. Map ledger errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON {error, code, details, ids}:
  - 400: ValidationError (code names the violated rule, ids the items)
  - 403: PermissionError (invoice status forbids the change)
  - 404: NotFoundError
  - 409: ConflictError (concurrent modification, retry)
  - 503: TransientStoreError (store unavailable, retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Callers are assumed authorized.

SEE ALSO:
  - dto.go: Request/response data structures
  - filters.go: List query parameters
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/billing-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    ledger.Store
	Engine   *ledger.Engine
	Reader   *ledger.Reader
	Recorder *ledger.Recorder
	Metrics  *ledger.MetricsReader
	Logger   *logrus.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler serving the engine's store.
func NewHandler(engine *ledger.Engine, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reader := engine.Reader()
	return &Handler{
		Store:    engine.Store,
		Engine:   engine,
		Reader:   reader,
		Recorder: engine.Recorder,
		Metrics:  ledger.NewMetricsReader(reader),
		Logger:   logger,
	}
}

// =============================================================================
// READ HANDLERS
// =============================================================================

// GetDocument returns one entity. GET /api/{collection}/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	snap, err := h.Reader.Get(r.Context(), c, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if snap == nil {
		h.writeLedgerError(w, r, &ledger.NotFoundError{Collection: c, IDs: []string{id}})
		return
	}
	dto, err := toDTO(snap)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// BatchGetDocuments returns the entities that exist, in request order.
// POST /api/{collection}/batch
func (h *Handler) BatchGetDocuments(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	var req BatchGetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	snaps, err := h.Reader.GetMany(r.Context(), c, req.IDs)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	items, err := toDTOs(snaps)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{Items: items})
}

// ListDocuments runs a filtered, paged query. GET /api/{collection}
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	spec, page, err := parseListQuery(c, r.URL.Query())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	res, err := h.Reader.Query(r.Context(), c, spec, page)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	items, err := toDTOs(res.Snapshots)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{
		Items:      items,
		NextCursor: res.NextCursor,
		Reset:      res.Reset,
		Warnings:   toWarningDTOs(res.Warnings),
	})
}

// CountDocuments returns the server-side count. GET /api/{collection}/count
func (h *Handler) CountDocuments(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	spec, err := parseFilterSpec(c, r.URL.Query())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	res, err := h.Reader.Count(r.Context(), c, spec)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{
		Count:       res.Total,
		Approximate: res.Approximate,
		Warnings:    toWarningDTOs(res.Warnings),
	})
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice creates a draft invoice. POST /api/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in := ledger.CreateInvoiceInput{
		CampaignID:  req.CampaignID,
		LineItemIDs: req.LineItemIDs,
		ClientName:  req.ClientName,
		ClientEmail: req.ClientEmail,
		Currency:    strings.ToUpper(req.Currency),
	}
	var err error
	if req.IssueDate != "" {
		if in.IssueDate, err = parseDate("issue_date", req.IssueDate); err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
	}
	if req.DueDate != "" {
		if in.DueDate, err = parseDate("due_date", req.DueDate); err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
	}

	ctx := r.Context()
	id, err := h.Engine.CreateInvoiceFromLineItems(ctx, in)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.writeInvoice(w, r, http.StatusCreated, id)
}

// AddLineItems adds unbilled line items. POST /api/invoices/{id}/line-items
func (h *Handler) AddLineItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req LineItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Engine.AddLineItemsToInvoice(r.Context(), id, req.LineItemIDs); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.writeInvoice(w, r, http.StatusOK, id)
}

// RemoveLineItems unbills line items. POST /api/invoices/{id}/line-items/remove
func (h *Handler) RemoveLineItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req LineItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Engine.RemoveLineItemsFromInvoice(r.Context(), id, req.LineItemIDs); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.writeInvoice(w, r, http.StatusOK, id)
}

// MoveLineItems moves line items to another invoice of the same campaign.
// POST /api/invoices/{id}/line-items/move
func (h *Handler) MoveLineItems(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "id")
	var req MoveLineItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Engine.MoveLineItemsToInvoice(r.Context(), from, req.ToInvoiceID, req.LineItemIDs, req.Comment); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	invoices, _, err := h.Reader.GetInvoices(r.Context(), []string{from, req.ToInvoiceID})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]any, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, PageResponse{Items: dtos})
}

// RecomputeTotals recomputes the denormalized totals.
// POST /api/invoices/{id}/recompute
func (h *Handler) RecomputeTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Engine.RecomputeInvoiceTotals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTotalsDTO(totals))
}

// UpdateStatus changes the invoice status. PUT /api/invoices/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var paidDate *time.Time
	if req.PaidDate != "" {
		t, err := parseDate("paid_date", req.PaidDate)
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		paidDate = &t
	}
	if err := h.Engine.UpdateInvoiceStatus(r.Context(), id, ledger.InvoiceStatus(req.Status), paidDate); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.writeInvoice(w, r, http.StatusOK, id)
}

// =============================================================================
// LINE ITEM HANDLERS
// =============================================================================

// UpdateAdjustment sets a line item's adjustment. The response carries the
// change log entry, or none when the value did not change.
// PUT /api/line-items/{id}/adjustments
func (h *Handler) UpdateAdjustment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Adjustment) == "" {
		h.writeLedgerError(w, r, &ledger.ValidationError{Code: ledger.CodeMissingField, Message: "adjustment is required"})
		return
	}
	amount, err := ledger.ParseMoney(req.Adjustment)
	if err != nil {
		h.writeLedgerError(w, r, &ledger.ValidationError{Code: ledger.CodeInvalidInput, Message: err.Error()})
		return
	}

	ctx := r.Context()
	entry, err := h.Engine.UpdateLineItemAdjustments(ctx, id, amount, req.Comment)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	item, _, err := h.Reader.GetLineItem(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	resp := struct {
		LineItem LineItemDTO        `json:"line_item"`
		Entry    *ChangeLogEntryDTO `json:"change_log_entry"`
	}{LineItem: toLineItemDTO(item)}
	if entry != nil {
		dto := toChangeLogEntryDTO(entry)
		resp.Entry = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListChangeLog queries the change log. GET /api/change-log
func (h *Handler) ListChangeLog(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	_, page, err := parseListQuery(ledger.ChangeLog, r.URL.Query())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	res, err := h.Recorder.Query(r.Context(), filter, page)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	items := make([]any, len(res.Entries))
	for i, e := range res.Entries {
		items[i] = toChangeLogEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, PageResponse{
		Items:      items,
		NextCursor: res.NextCursor,
		Reset:      res.Reset,
		Warnings:   toWarningDTOs(res.Warnings),
	})
}

// CountChangeLog counts change log entries. GET /api/change-log/count
func (h *Handler) CountChangeLog(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	res, err := h.Recorder.Count(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: res.Total, Approximate: res.Approximate, Warnings: toWarningDTOs(res.Warnings)})
}

// PendingAudit reports undelivered outbox entries. GET /api/audit/pending
func (h *Handler) PendingAudit(w http.ResponseWriter, r *http.Request) {
	n, err := h.Recorder.Pending(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": n})
}

// DrainAudit delivers pending outbox entries. POST /api/audit/drain
func (h *Handler) DrainAudit(w http.ResponseWriter, r *http.Request) {
	n, err := h.Recorder.Drain(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func parseAuditFilter(r *http.Request) (ledger.AuditFilter, error) {
	q := r.URL.Query()
	filter := ledger.AuditFilter{
		InvoiceID:  q.Get("invoice_id"),
		LineItemID: q.Get("line_item_id"),
		CampaignID: q.Get("campaign_id"),
		EntityType: ledger.EntityType(q.Get("entity_type")),
		Comment:    q.Get("search"),
	}
	for _, ct := range splitValues(q["change_type"]) {
		filter.ChangeTypes = append(filter.ChangeTypes, ledger.ChangeType(ct))
	}
	var err error
	if filter.From, err = parseBound("from", q.Get("from"), false); err != nil {
		return ledger.AuditFilter{}, err
	}
	if filter.To, err = parseBound("to", q.Get("to"), true); err != nil {
		return ledger.AuditFilter{}, err
	}
	return filter, nil
}

// =============================================================================
// METRICS HANDLERS
// =============================================================================

// InvoiceMetrics summarizes invoices matching the list filters.
// GET /api/metrics/invoices
func (h *Handler) InvoiceMetrics(w http.ResponseWriter, r *http.Request) {
	spec, err := parseFilterSpec(ledger.Invoices, r.URL.Query())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	summary, err := h.Metrics.InvoiceSummary(r.Context(), spec)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	byStatus := make(map[string]int64, len(summary.ByStatus))
	for s, n := range summary.ByStatus {
		byStatus[string(s)] = n
	}
	writeJSON(w, http.StatusOK, InvoiceSummaryDTO{
		Count:       summary.Count,
		ByStatus:    byStatus,
		Totals:      toTotalsDTO(summary.Totals),
		Outstanding: ledger.FormatMoney(summary.Outstanding),
		Approximate: summary.Approximate,
	})
}

// CampaignMetrics splits a campaign into billed and unbilled amounts.
// GET /api/metrics/campaigns/{id}
func (h *Handler) CampaignMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Metrics.CampaignSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CampaignSummaryDTO{
		Campaign:          toCampaignDTO(summary.Campaign),
		InvoiceCount:      summary.InvoiceCount,
		BilledLineItems:   summary.BilledLineItems,
		UnbilledLineItems: summary.UnbilledLineItems,
		Billed:            toTotalsDTO(summary.Billed),
		Unbilled:          toTotalsDTO(summary.Unbilled),
	})
}

// AdjustmentMetrics aggregates adjustment activity.
// GET /api/metrics/adjustments?campaign_id=&from=&to=
func (h *Handler) AdjustmentMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseBound("from", q.Get("from"), false)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	to, err := parseBound("to", q.Get("to"), true)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	var fromT, toT time.Time
	if from != nil {
		fromT = *from
	}
	if to != nil {
		toT = *to
	}

	activity, err := h.Metrics.AdjustmentActivity(r.Context(), q.Get("campaign_id"), fromT, toT)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	byType := make(map[string]int, len(activity.ByChangeType))
	for ct, n := range activity.ByChangeType {
		byType[string(ct)] = n
	}
	writeJSON(w, http.StatusOK, AdjustmentActivityDTO{
		Entries:      activity.Entries,
		ByChangeType: byType,
		Increases:    ledger.FormatMoney(activity.Increases),
		Decreases:    ledger.FormatMoney(activity.Decreases),
		Net:          ledger.FormatMoney(activity.Net),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func collectionParam(w http.ResponseWriter, r *http.Request) (ledger.Collection, bool) {
	name := chi.URLParam(r, "collection")
	c, ok := ledger.ParseCollection(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown collection "+name, nil)
		return "", false
	}
	return c, true
}

func (h *Handler) writeInvoice(w http.ResponseWriter, r *http.Request, status int, id string) {
	inv, found, err := h.Reader.GetInvoice(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if !found {
		h.writeLedgerError(w, r, &ledger.NotFoundError{Collection: ledger.Invoices, IDs: []string{id}})
		return
	}
	writeJSON(w, status, toInvoiceDTO(inv))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps the ledger error taxonomy to HTTP.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithFields(logrus.Fields{
			"component":  "api",
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func errorResponse(err error) (int, ErrorResponse) {
	var (
		notFound   *ledger.NotFoundError
		validation *ledger.ValidationError
		permission *ledger.PermissionError
		conflict   *ledger.ConflictError
		corrupt    *ledger.CorruptDocumentError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found", IDs: notFound.IDs}
	case errors.As(err, &validation):
		return http.StatusBadRequest, ErrorResponse{Error: validation.Message, Code: validation.Code, IDs: validation.IDs}
	case errors.As(err, &permission):
		return http.StatusForbidden, ErrorResponse{
			Error: err.Error(),
			Code:  "status_locked",
			Details: map[string]string{
				"operation":  permission.Operation,
				"invoice_id": permission.InvoiceID,
				"status":     string(permission.Status),
			},
		}
	case errors.As(err, &conflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict", IDs: []string{conflict.ID}}
	case errors.As(err, &corrupt):
		return http.StatusInternalServerError, ErrorResponse{Error: "corrupt document", Code: "corrupt_document", IDs: []string{corrupt.ID}, Details: err.Error()}
	case errors.Is(err, ledger.ErrTransientStore):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable, retry", Code: "transient", Details: err.Error()}
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: ledger.CodeInvalidInput}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Details: err.Error()}
}
