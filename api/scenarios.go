/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	billing data for demos and manual testing of the UI. Each scenario
	seeds campaigns and line items, then drives the engine to create
	invoices, adjust, move and change status, so the resulting change log
	is exactly what the API would have produced.

AVAILABLE SCENARIOS:

	unbilled-campaign: One active campaign, nothing invoiced yet
	billing-cycle:     Two campaigns, draft/sent/paid invoices, adjustments
	                   and a move between invoices
	locked-invoices:   Paid and cancelled invoices whose line items can no
	                   longer be adjusted

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Write campaigns and line items in one batch
 3. Create invoices through the engine
 4. Apply adjustments, moves and status changes through the engine
 5. Drain the audit outbox

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "billing-cycle"}

NOTE:

	Scenarios reset the store. Only stores that support Reset (memory,
	sqlite) can load them.

SEE ALSO:
  - handlers.go: Handler context
  - ledger/engine.go: Operations used by the loaders
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/billing-ledger/ledger"
)

// Resetter is implemented by stores that can be wiped.
type Resetter interface {
	Reset(ctx context.Context) error
}

var errResetUnsupported = errors.New("store does not support reset")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "unbilled-campaign",
		Name:        "Unbilled Campaign",
		Description: "One active campaign with four unbilled line items",
	},
	{
		ID:          "billing-cycle",
		Name:        "Billing Cycle",
		Description: "Draft, sent and paid invoices across two campaigns with adjustments and a move",
	},
	{
		ID:          "locked-invoices",
		Name:        "Locked Invoices",
		Description: "Paid and cancelled invoices whose line items reject adjustments",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "unbilled-campaign":
		loader = h.loadUnbilledCampaignScenario
	case "billing-cycle":
		loader = h.loadBillingCycleScenario
	case "locked-invoices":
		loader = h.loadLockedInvoicesScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.writeResetError(w, err)
		return
	}
	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	if _, err := h.Recorder.Drain(ctx); err != nil {
		h.Logger.WithError(err).WithField("scenario", req.ScenarioID).Warn("audit drain after scenario failed")
	}

	h.currentScenario = req.ScenarioID
	h.Logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetStore clears all data. POST /api/scenarios/reset
func (h *Handler) ResetStore(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.writeResetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Store.(Resetter)
	if !ok {
		return errResetUnsupported
	}
	h.currentScenario = ""
	return resetter.Reset(ctx)
}

func (h *Handler) writeResetError(w http.ResponseWriter, err error) {
	if errors.Is(err, errResetUnsupported) {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
}

// =============================================================================
// SEED HELPERS
// =============================================================================

type seedItem struct {
	id     string
	name   string
	booked string
	actual string
}

// seedCampaign writes a campaign and its line items in one batch.
func (h *Handler) seedCampaign(ctx context.Context, id, name string, status ledger.CampaignStatus, start time.Time, items []seedItem) error {
	now := time.Now().UTC()
	campaign := ledger.Campaign{
		ID:        id,
		Name:      name,
		Status:    status,
		StartDate: start,
		EndDate:   start.AddDate(0, 3, 0),
		CreatedAt: start,
		UpdatedAt: now,
	}

	b := ledger.NewBatch()
	for i, it := range items {
		booked, err := ledger.ParseMoney(it.booked)
		if err != nil {
			return err
		}
		actual, err := ledger.ParseMoney(it.actual)
		if err != nil {
			return err
		}
		item := ledger.LineItem{
			ID:           it.id,
			CampaignID:   id,
			Name:         it.name,
			BookedAmount: booked,
			ActualAmount: actual,
			CreatedAt:    start.Add(time.Duration(i) * time.Hour),
			UpdatedAt:    now,
		}
		b.Create(ledger.LineItems, item.ID, item.Fields())
		campaign.LineItemIDs = append(campaign.LineItemIDs, item.ID)
	}
	b.Create(ledger.Campaigns, campaign.ID, campaign.Fields())
	return h.Store.Commit(ctx, b)
}

func (h *Handler) createInvoice(ctx context.Context, campaignID, client string, issue time.Time, lineItemIDs ...string) (string, error) {
	return h.Engine.CreateInvoiceFromLineItems(ctx, ledger.CreateInvoiceInput{
		CampaignID:  campaignID,
		LineItemIDs: lineItemIDs,
		ClientName:  client,
		ClientEmail: "billing@example.com",
		Currency:    "USD",
		IssueDate:   issue,
		DueDate:     issue.AddDate(0, 0, 30),
	})
}

func (h *Handler) adjust(ctx context.Context, lineItemID, amount, comment string) error {
	_, err := h.Engine.UpdateLineItemAdjustments(ctx, lineItemID, ledger.MustMoney(amount), comment)
	return err
}

func monthStart(offset int) time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, offset, 0)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadUnbilledCampaignScenario(ctx context.Context) error {
	return h.seedCampaign(ctx, "cmp-spring", "Spring Launch", ledger.CampaignActive, monthStart(-1), []seedItem{
		{"li-spring-search", "Search ads", "12000.00", "11850.40"},
		{"li-spring-social", "Social video", "8000.00", "8312.75"},
		{"li-spring-display", "Display retargeting", "4500.00", "3990.10"},
		{"li-spring-audio", "Podcast sponsorship", "2500.00", "2500.00"},
	})
}

func (h *Handler) loadBillingCycleScenario(ctx context.Context) error {
	if err := h.seedCampaign(ctx, "cmp-acme", "Acme Q3 Awareness", ledger.CampaignActive, monthStart(-3), []seedItem{
		{"li-acme-tv", "Connected TV", "30000.00", "29410.00"},
		{"li-acme-search", "Search ads", "9000.00", "9125.55"},
		{"li-acme-social", "Social carousel", "6000.00", "5870.20"},
		{"li-acme-ooh", "Digital out-of-home", "15000.00", "15000.00"},
		{"li-acme-email", "Newsletter placement", "1200.00", "1200.00"},
	}); err != nil {
		return err
	}
	if err := h.seedCampaign(ctx, "cmp-globex", "Globex Holiday Push", ledger.CampaignCompleted, monthStart(-5), []seedItem{
		{"li-globex-display", "Display network", "7000.00", "6875.00"},
		{"li-globex-video", "Pre-roll video", "11000.00", "10420.35"},
	}); err != nil {
		return err
	}

	// Acme: one paid, one sent, one draft
	paidID, err := h.createInvoice(ctx, "cmp-acme", "Acme Corp", monthStart(-2), "li-acme-tv")
	if err != nil {
		return err
	}
	sentID, err := h.createInvoice(ctx, "cmp-acme", "Acme Corp", monthStart(-1), "li-acme-search", "li-acme-social")
	if err != nil {
		return err
	}
	draftID, err := h.createInvoice(ctx, "cmp-acme", "Acme Corp", monthStart(0), "li-acme-ooh")
	if err != nil {
		return err
	}

	if err := h.adjust(ctx, "li-acme-tv", "-410.00", "Make-good for under-delivery"); err != nil {
		return err
	}
	if err := h.adjust(ctx, "li-acme-search", "125.00", "Agency fee"); err != nil {
		return err
	}
	if err := h.adjust(ctx, "li-acme-ooh", "-1500.00", "Screen outage credit"); err != nil {
		return err
	}
	if err := h.Engine.MoveLineItemsToInvoice(ctx, sentID, draftID, []string{"li-acme-social"}, "Bill with next month's flight"); err != nil {
		return err
	}
	if err := h.Engine.AddLineItemsToInvoice(ctx, draftID, []string{"li-acme-email"}); err != nil {
		return err
	}

	paidDate := monthStart(-1).AddDate(0, 0, 12)
	if err := h.Engine.UpdateInvoiceStatus(ctx, paidID, ledger.InvoicePaid, &paidDate); err != nil {
		return err
	}
	if err := h.Engine.UpdateInvoiceStatus(ctx, sentID, ledger.InvoiceSent, nil); err != nil {
		return err
	}

	// Globex: overdue
	overdueID, err := h.createInvoice(ctx, "cmp-globex", "Globex Inc", monthStart(-4), "li-globex-display", "li-globex-video")
	if err != nil {
		return err
	}
	if err := h.adjust(ctx, "li-globex-video", "-420.35", "Rounding to contract"); err != nil {
		return err
	}
	return h.Engine.UpdateInvoiceStatus(ctx, overdueID, ledger.InvoiceOverdue, nil)
}

func (h *Handler) loadLockedInvoicesScenario(ctx context.Context) error {
	if err := h.seedCampaign(ctx, "cmp-initech", "Initech Rebrand", ledger.CampaignCompleted, monthStart(-4), []seedItem{
		{"li-initech-print", "Print inserts", "5000.00", "5000.00"},
		{"li-initech-radio", "Regional radio", "7500.00", "7210.80"},
		{"li-initech-web", "Web takeover", "3000.00", "3000.00"},
	}); err != nil {
		return err
	}

	paidID, err := h.createInvoice(ctx, "cmp-initech", "Initech", monthStart(-3), "li-initech-print", "li-initech-radio")
	if err != nil {
		return err
	}
	cancelledID, err := h.createInvoice(ctx, "cmp-initech", "Initech", monthStart(-2), "li-initech-web")
	if err != nil {
		return err
	}
	if err := h.adjust(ctx, "li-initech-radio", "-210.80", "Spots not aired"); err != nil {
		return err
	}

	paidDate := monthStart(-2).AddDate(0, 0, 3)
	if err := h.Engine.UpdateInvoiceStatus(ctx, paidID, ledger.InvoicePaid, &paidDate); err != nil {
		return err
	}
	return h.Engine.UpdateInvoiceStatus(ctx, cancelledID, ledger.InvoiceCancelled, nil)
}
