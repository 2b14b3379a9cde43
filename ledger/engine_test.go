package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-ledger/ledger"
	"github.com/warp/billing-ledger/ledger/store"
)

// =============================================================================
// CREATE INVOICE
// =============================================================================

func TestScenarioA_CreateInvoiceFromLineItems(t *testing.T) {
	// GIVEN: Campaign C with two unbilled line items
	// WHEN: Creating an invoice from both
	// THEN: Totals are the server-side sums, status is draft, items reference it

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "10000", "11000", "500")
	f.seedLineItem("L2", "C", "5000", "4800", "-200")

	id := f.createInvoice("C", "L1", "L2")

	inv := f.invoice(id)
	assert.Equal(t, amount("15000"), ledger.FormatMoney(inv.BookedAmount))
	assert.Equal(t, amount("15800"), ledger.FormatMoney(inv.ActualAmount))
	assert.Equal(t, amount("300"), ledger.FormatMoney(inv.TotalAdjustments))
	assert.Equal(t, amount("16100"), ledger.FormatMoney(inv.TotalAmount))
	assert.Equal(t, ledger.InvoiceDraft, inv.Status)
	assert.Nil(t, inv.PaidDate)
	assert.Equal(t, []string{"L1", "L2"}, inv.LineItemIDs)
	assert.Equal(t, "INV-2025-000001", inv.InvoiceNumber)
	assert.Equal(t, "C", inv.CampaignID)

	assert.Equal(t, id, f.lineItem("L1").InvoiceID)
	assert.Equal(t, id, f.lineItem("L2").InvoiceID)

	campaign, found, err := f.reader.GetCampaign(f.ctx, "C")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{id}, campaign.InvoiceIDs)

	f.assertSumInvariant(id)
}

func TestScenarioB_CrossCampaignRejected(t *testing.T) {
	// GIVEN: L1 in campaign C and L3 in campaign D
	// WHEN: Creating an invoice under C from both
	// THEN: ValidationError naming L3, nothing written

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedCampaign("D")
	f.seedLineItem("L1", "C", "10000", "11000", "500")
	f.seedLineItem("L3", "D", "100", "100", "0")

	_, err := f.engine.CreateInvoiceFromLineItems(f.ctx, createInput("C", "L1", "L3"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeCrossCampaign, verr.Code)
	assert.Equal(t, []string{"L3"}, verr.IDs)

	assert.Zero(t, f.count(ledger.Invoices))
	assert.Zero(t, f.count(ledger.Counters))
	assert.False(t, f.lineItem("L1").Billed())
	assert.False(t, f.lineItem("L3").Billed())
}

func TestCreateInvoice_AlreadyInvoicedRejected(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "100", "0")
	f.seedLineItem("L2", "C", "100", "100", "0")
	f.createInvoice("C", "L1")

	_, err := f.engine.CreateInvoiceFromLineItems(f.ctx, createInput("C", "L1", "L2"))

	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeAlreadyInvoiced, verr.Code)
	assert.Equal(t, []string{"L1"}, verr.IDs)
	assert.Equal(t, int64(1), f.count(ledger.Invoices))
	assert.False(t, f.lineItem("L2").Billed())
}

func TestCreateInvoice_InputValidation(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "100", "0")

	tests := []struct {
		name   string
		mutate func(*ledger.CreateInvoiceInput)
		code   string
	}{
		{"no line items", func(in *ledger.CreateInvoiceInput) { in.LineItemIDs = nil }, ledger.CodeMissingField},
		{"no client", func(in *ledger.CreateInvoiceInput) { in.ClientName = "" }, ledger.CodeMissingField},
		{"bad email", func(in *ledger.CreateInvoiceInput) { in.ClientEmail = "not-an-email" }, ledger.CodeInvalidInput},
		{"bad currency", func(in *ledger.CreateInvoiceInput) { in.Currency = "DOLLARS" }, ledger.CodeInvalidInput},
		{"duplicate ids", func(in *ledger.CreateInvoiceInput) { in.LineItemIDs = []string{"L1", "L1"} }, ledger.CodeDuplicateInput},
		{"no due date", func(in *ledger.CreateInvoiceInput) { in.DueDate = time.Time{} }, ledger.CodeMissingField},
		{"due before issue", func(in *ledger.CreateInvoiceInput) { in.DueDate = in.IssueDate.AddDate(0, 0, -1) }, ledger.CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := createInput("C", "L1")
			tt.mutate(&in)

			_, err := f.engine.CreateInvoiceFromLineItems(f.ctx, in)

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.code, verr.Code)
		})
	}
	assert.Zero(t, f.count(ledger.Invoices))
}

func TestCreateInvoice_UnknownReferences(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "100", "0")

	_, err := f.engine.CreateInvoiceFromLineItems(f.ctx, createInput("C", "L1", "ghost-1", "ghost-2"))
	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ledger.LineItems, nf.Collection)
	assert.Equal(t, []string{"ghost-1", "ghost-2"}, nf.IDs)

	_, err = f.engine.CreateInvoiceFromLineItems(f.ctx, createInput("nope", "L1"))
	assert.True(t, ledger.IsNotFound(err))
}

func TestCreateInvoice_NumbersAreSequential(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "100", "0")
	f.seedLineItem("L2", "C", "100", "100", "0")

	first := f.invoice(f.createInvoice("C", "L1"))
	second := f.invoice(f.createInvoice("C", "L2"))

	assert.Equal(t, "INV-2025-000001", first.InvoiceNumber)
	assert.Equal(t, "INV-2025-000002", second.InvoiceNumber)
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

func TestAddLineItems_RecomputesTotals(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "110", "5")
	f.seedLineItem("L2", "C", "200", "190", "-10.55")
	id := f.createInvoice("C", "L1")

	require.NoError(t, f.engine.AddLineItemsToInvoice(f.ctx, id, []string{"L2"}))

	inv := f.invoice(id)
	assert.Equal(t, []string{"L1", "L2"}, inv.LineItemIDs)
	assert.Equal(t, amount("294.45"), ledger.FormatMoney(inv.TotalAmount))
	assert.Equal(t, id, f.lineItem("L2").InvoiceID)
	f.assertSumInvariant(id)
}

func TestAddLineItems_WithoutRecompute_NeedsExplicitRecompute(t *testing.T) {
	// GIVEN: An engine that leaves totals alone on membership changes
	// WHEN: Adding a line item
	// THEN: Totals stay stale until RecomputeInvoiceTotals runs

	cfg := ledger.DefaultEngineConfig()
	cfg.RecomputeOnMembershipChange = false
	f := newFixtureWithConfig(t, cfg)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "100", "0")
	f.seedLineItem("L2", "C", "50", "40", "2")
	id := f.createInvoice("C", "L1")

	require.NoError(t, f.engine.AddLineItemsToInvoice(f.ctx, id, []string{"L2"}))
	assert.Equal(t, amount("100"), ledger.FormatMoney(f.invoice(id).TotalAmount))

	totals, err := f.engine.RecomputeInvoiceTotals(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, amount("142"), ledger.FormatMoney(totals.Total))
	f.assertSumInvariant(id)
}

func TestAddLineItems_Rejections(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedCampaign("D")
	f.seedLineItem("L1", "C", "100", "100", "0")
	f.seedLineItem("L2", "C", "100", "100", "0")
	f.seedLineItem("L3", "D", "100", "100", "0")
	f.seedLineItem("L4", "C", "100", "100", "0")
	id := f.createInvoice("C", "L1")
	f.createInvoice("C", "L4")

	tests := []struct {
		name string
		ids  []string
		code string
		bad  []string
	}{
		{"already a member", []string{"L2", "L1"}, ledger.CodeDuplicateMembership, []string{"L1"}},
		{"other campaign", []string{"L3"}, ledger.CodeCrossCampaign, []string{"L3"}},
		{"invoiced elsewhere", []string{"L4"}, ledger.CodeAlreadyInvoiced, []string{"L4"}},
		{"repeated input", []string{"L2", "L2"}, ledger.CodeDuplicateInput, []string{"L2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.AddLineItemsToInvoice(f.ctx, id, tt.ids)

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.code, verr.Code)
			assert.Equal(t, tt.bad, verr.IDs)
		})
	}
	assert.Equal(t, []string{"L1"}, f.invoice(id).LineItemIDs)
	assert.False(t, f.lineItem("L2").Billed())
}

func TestRemoveLineItems_ReturnsItemsToUnbilled(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "100", "10")
	f.seedLineItem("L2", "C", "300", "250", "0")
	id := f.createInvoice("C", "L1", "L2")

	require.NoError(t, f.engine.RemoveLineItemsFromInvoice(f.ctx, id, []string{"L1"}))

	inv := f.invoice(id)
	assert.Equal(t, []string{"L2"}, inv.LineItemIDs)
	assert.Equal(t, amount("250"), ledger.FormatMoney(inv.TotalAmount))
	assert.False(t, f.lineItem("L1").Billed())
	f.assertSumInvariant(id)

	err := f.engine.RemoveLineItemsFromInvoice(f.ctx, id, []string{"L1"})
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeNotMember, verr.Code)
}

func TestScenarioE_MoveLineItem(t *testing.T) {
	// GIVEN: I1 holds L1 and L2, I2 holds L3, same campaign
	// WHEN: Moving L1 to I2
	// THEN: Both lists and L1 change together, one move entry is recorded

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "1000", "900", "25")
	f.seedLineItem("L2", "C", "500", "500", "0")
	f.seedLineItem("L3", "C", "700", "750", "0")
	i1 := f.createInvoice("C", "L1", "L2")
	i2 := f.createInvoice("C", "L3")

	require.NoError(t, f.engine.MoveLineItemsToInvoice(f.ctx, i1, i2, []string{"L1"}, "wrong month"))

	src, dst := f.invoice(i1), f.invoice(i2)
	assert.Equal(t, []string{"L2"}, src.LineItemIDs)
	assert.Equal(t, []string{"L3", "L1"}, dst.LineItemIDs)
	assert.Equal(t, i2, f.lineItem("L1").InvoiceID)
	f.assertSumInvariant(i1)
	f.assertSumInvariant(i2)

	entries := f.changeLog(ledger.AuditFilter{LineItemID: "L1"})
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, ledger.ChangeLineItemMoved, entry.ChangeType)
	assert.Equal(t, i2, entry.InvoiceID)
	assert.Equal(t, dst.InvoiceNumber, entry.InvoiceNumber)
	assert.Equal(t, i1, entry.PreviousInvoiceID)
	assert.Equal(t, src.InvoiceNumber, entry.PreviousInvoiceNumber)
	assert.True(t, entry.Difference.IsZero())
	assert.Equal(t, amount("1000"), ledger.FormatMoney(entry.BookedAmountAtTime))
	assert.Equal(t, amount("900"), ledger.FormatMoney(entry.ActualAmountAtTime))
	assert.Equal(t, "wrong month", entry.Comment)
}

func TestMove_Rejections(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedCampaign("D")
	f.seedLineItem("L1", "C", "100", "100", "0")
	f.seedLineItem("L2", "C", "100", "100", "0")
	f.seedLineItem("L3", "D", "100", "100", "0")
	i1 := f.createInvoice("C", "L1")
	i2 := f.createInvoice("C", "L2")
	i3 := f.createInvoice("D", "L3")

	err := f.engine.MoveLineItemsToInvoice(f.ctx, i1, i1, []string{"L1"}, "")
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeSameInvoice, verr.Code)

	err = f.engine.MoveLineItemsToInvoice(f.ctx, i1, i2, []string{"L2"}, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeNotMember, verr.Code)

	err = f.engine.MoveLineItemsToInvoice(f.ctx, i1, i3, []string{"L1"}, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeCrossCampaign, verr.Code)

	err = f.engine.MoveLineItemsToInvoice(f.ctx, i1, "missing", []string{"L1"}, "")
	assert.True(t, ledger.IsNotFound(err))

	assert.Zero(t, f.count(ledger.ChangeLog))
	f.assertMembershipExclusive()
}

func TestMoveAtomicity_FaultMidBatch(t *testing.T) {
	// GIVEN: A store that fails on the destination invoice write, after the
	//        line item and source invoice writes were applied
	// WHEN: Moving a line item
	// THEN: The move fails as transient and no document changed

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L1", "C", "100", "100", "0")
	f.seedLineItem("L2", "C", "100", "100", "0")
	i1 := f.createInvoice("C", "L1")
	i2 := f.createInvoice("C", "L2")
	beforeSrc, beforeDst, beforeItem := f.invoice(i1), f.invoice(i2), f.lineItem("L1")

	f.mem.InjectFault(func(w ledger.Write) error {
		if w.Collection == ledger.Invoices && w.ID == i2 {
			return errors.New("connection reset")
		}
		return nil
	})
	err := f.engine.MoveLineItemsToInvoice(f.ctx, i1, i2, []string{"L1"}, "")
	f.mem.InjectFault(nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrTransientStore)
	assert.True(t, ledger.IsRetryable(err))

	assert.Equal(t, beforeSrc, f.invoice(i1))
	assert.Equal(t, beforeDst, f.invoice(i2))
	assert.Equal(t, beforeItem, f.lineItem("L1"))
	assert.Zero(t, f.count(ledger.AuditOutbox))
	assert.Zero(t, f.count(ledger.ChangeLog))

	// A retry succeeds.
	require.NoError(t, f.engine.MoveLineItemsToInvoice(f.ctx, i1, i2, []string{"L1"}, ""))
	assert.Equal(t, i2, f.lineItem("L1").InvoiceID)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestScenarioC_AdjustmentUpdateRecordsChange(t *testing.T) {
	// GIVEN: Draft invoice I with line item L (adjustment 500)
	// WHEN: Setting the adjustment to 750
	// THEN: L and I reflect +250 and one change log entry records it

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "10000", "11000", "500")
	id := f.createInvoice("C", "L")
	before := f.invoice(id)

	entry, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("750"), "late delivery credit reversed")
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, amount("750"), ledger.FormatMoney(f.lineItem("L").Adjustments))
	after := f.invoice(id)
	assert.Equal(t, amount("250"), ledger.FormatMoney(after.TotalAdjustments.Sub(before.TotalAdjustments)))
	f.assertSumInvariant(id)

	entries := f.changeLog(ledger.AuditFilter{InvoiceID: id})
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, ledger.ChangeAdjustmentUpdated, got.ChangeType)
	assert.Equal(t, amount("500"), ledger.FormatMoney(got.PreviousAmount))
	assert.Equal(t, amount("750"), ledger.FormatMoney(got.NewAmount))
	assert.Equal(t, amount("250"), ledger.FormatMoney(got.Difference))
	assert.Equal(t, amount("10000"), ledger.FormatMoney(got.BookedAmountAtTime))
	assert.Equal(t, amount("11000"), ledger.FormatMoney(got.ActualAmountAtTime))
	assert.Equal(t, before.InvoiceNumber, got.InvoiceNumber)
	assert.Equal(t, "C", got.CampaignID)
	assert.Equal(t, "Line L", got.LineItemName)
}

func TestScenarioD_PaidInvoiceRejectsAdjustment(t *testing.T) {
	// GIVEN: Invoice I with status paid
	// WHEN: Updating an adjustment of one of its line items
	// THEN: PermissionError and no write

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "5")
	id := f.createInvoice("C", "L")
	paid := baseTime.AddDate(0, 0, 10)
	require.NoError(t, f.engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoicePaid, &paid))
	before := f.lineItem("L")

	_, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("50"), "")

	assert.ErrorIs(t, err, ledger.ErrPermission)
	var perr *ledger.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ledger.InvoicePaid, perr.Status)
	assert.Equal(t, before, f.lineItem("L"))
	assert.Zero(t, f.count(ledger.AuditOutbox))
	assert.Zero(t, f.count(ledger.ChangeLog))
}

func TestAdjustmentGate_PerStatus(t *testing.T) {
	tests := []struct {
		status  ledger.InvoiceStatus
		allowed bool
	}{
		{ledger.InvoiceDraft, true},
		{ledger.InvoiceSent, false},
		{ledger.InvoicePaid, false},
		{ledger.InvoiceOverdue, true},
		{ledger.InvoiceCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f := newFixture(t)
			f.seedCampaign("C")
			f.seedLineItem("L", "C", "100", "100", "0")
			id := f.createInvoice("C", "L")
			paid := baseTime
			require.NoError(t, f.engine.UpdateInvoiceStatus(f.ctx, id, tt.status, &paid))

			_, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("1"), "")

			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ledger.ErrPermission)
			}
		})
	}
}

func TestAdjustment_ChangeTypesAndNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "0")
	id := f.createInvoice("C", "L")

	created, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("12.5"), "")
	require.NoError(t, err)
	assert.Equal(t, ledger.ChangeAdjustmentCreated, created.ChangeType)

	same, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("12.50"), "")
	require.NoError(t, err)
	assert.Nil(t, same, "unchanged adjustment records nothing")

	deleted, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("0"), "")
	require.NoError(t, err)
	assert.Equal(t, ledger.ChangeAdjustmentDeleted, deleted.ChangeType)
	assert.Equal(t, amount("-12.5"), ledger.FormatMoney(deleted.Difference))

	assert.Equal(t, int64(2), f.count(ledger.ChangeLog))
	f.assertSumInvariant(id)
}

func TestAdjustment_UnbilledLineItem(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "0")

	entry, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("-3.333"), "")
	require.NoError(t, err)

	assert.Empty(t, entry.InvoiceID)
	assert.Equal(t, amount("-3.33"), ledger.FormatMoney(f.lineItem("L").Adjustments))
}

func TestAuditCompleteness(t *testing.T) {
	// GIVEN: A sequence of adjustment updates, some of them no-ops
	// WHEN: Reading the change log of the line item
	// THEN: One entry per effective change, chained previous -> new

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "0")
	f.createInvoice("C", "L")

	values := []string{"10", "10", "-5.25", "0", "0", "99.99"}
	for _, v := range values {
		_, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney(v), "")
		require.NoError(t, err)
	}

	asc := f.changeLog(ledger.AuditFilter{LineItemID: "L"})
	require.Len(t, asc, 4)

	// Entries come newest first.
	want := []string{"99.99", "0", "-5.25", "10"}
	for i, entry := range asc {
		assert.Equal(t, amount(want[i]), ledger.FormatMoney(entry.NewAmount))
		assert.True(t, entry.Difference.Equal(entry.NewAmount.Sub(entry.PreviousAmount)))
		if i+1 < len(asc) {
			assert.True(t, entry.PreviousAmount.Equal(asc[i+1].NewAmount), "entries chain")
		}
	}
	assert.True(t, asc[0].NewAmount.Equal(f.lineItem("L").Adjustments))
}

// =============================================================================
// STATUS
// =============================================================================

func TestUpdateInvoiceStatus_PaidDateFollowsStatus(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "0")
	id := f.createInvoice("C", "L")

	err := f.engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoicePaid, nil)
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeMissingField, verr.Code)

	paid := time.Date(2025, time.April, 2, 15, 0, 0, 0, time.FixedZone("CET", 3600))
	require.NoError(t, f.engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoicePaid, &paid))
	inv := f.invoice(id)
	assert.Equal(t, ledger.InvoicePaid, inv.Status)
	require.NotNil(t, inv.PaidDate)
	assert.True(t, inv.PaidDate.Equal(paid))

	require.NoError(t, f.engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoiceOverdue, &paid))
	inv = f.invoice(id)
	assert.Equal(t, ledger.InvoiceOverdue, inv.Status)
	assert.Nil(t, inv.PaidDate, "paid date cleared for any status but paid")

	err = f.engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoiceStatus("archived"), nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ledger.CodeInvalidStatus, verr.Code)
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestSumInvariant_AfterOperationSequence(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	for i := 1; i <= 6; i++ {
		f.seedLineItem(fmt.Sprintf("L%d", i), "C", fmt.Sprintf("%d.335", i*100), fmt.Sprintf("%d.105", i*90), "0")
	}
	i1 := f.createInvoice("C", "L1", "L2", "L3")
	i2 := f.createInvoice("C", "L4")

	require.NoError(t, f.engine.AddLineItemsToInvoice(f.ctx, i2, []string{"L5"}))
	_, err := f.engine.UpdateLineItemAdjustments(f.ctx, "L2", ledger.MustMoney("-12.345"), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.MoveLineItemsToInvoice(f.ctx, i1, i2, []string{"L1", "L3"}, ""))
	_, err = f.engine.UpdateLineItemAdjustments(f.ctx, "L5", ledger.MustMoney("7.005"), "")
	require.NoError(t, err)
	require.NoError(t, f.engine.RemoveLineItemsFromInvoice(f.ctx, i2, []string{"L4"}))
	require.NoError(t, f.engine.AddLineItemsToInvoice(f.ctx, i1, []string{"L4", "L6"}))

	f.assertSumInvariant(i1)
	f.assertSumInvariant(i2)
	f.assertMembershipExclusive()
}

func TestReadIdempotence(t *testing.T) {
	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "0")
	id := f.createInvoice("C", "L")

	first, found1, err1 := f.reader.GetInvoice(f.ctx, id)
	second, found2, err2 := f.reader.GetInvoice(f.ctx, id)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.True(t, found1 && found2)
	assert.Equal(t, first, second)

	missing, found, err := f.reader.GetInvoice(f.ctx, "nope")
	require.NoError(t, err, "absence is not an error")
	assert.False(t, found)
	assert.Nil(t, missing)
}

func TestConcurrentAdjustments_KeepTotalsConsistent(t *testing.T) {
	// GIVEN: One invoice with many line items
	// WHEN: Adjusting every item concurrently
	// THEN: The final totals still equal the sums over the items

	f := newFixture(t)
	f.seedCampaign("C")
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("L%d", i)
		f.seedLineItem(ids[i], "C", "100", "100", "0")
	}
	id := f.createInvoice("C", ids...)

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for i, lineItemID := range ids {
		wg.Add(1)
		go func(i int, lineItemID string) {
			defer wg.Done()
			_, err := f.engine.UpdateLineItemAdjustments(f.ctx, lineItemID, ledger.MustMoney(fmt.Sprintf("%d.25", i+1)), "")
			errs <- err
		}(i, lineItemID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	f.assertSumInvariant(id)
	assert.Equal(t, amount("38"), ledger.FormatMoney(f.invoice(id).TotalAdjustments))
	assert.Equal(t, int64(len(ids)), f.count(ledger.ChangeLog))
}

// =============================================================================
// FAILURE MODES
// =============================================================================

// racingStore commits a competing invoice update right before the first
// engine commit, as another process would.
type racingStore struct {
	*store.Memory
	invoiceID string
	once      sync.Once
}

func (r *racingStore) Commit(ctx context.Context, b *ledger.Batch) error {
	var raceErr error
	r.once.Do(func() {
		snap, err := r.Memory.Get(ctx, ledger.Invoices, r.invoiceID)
		if err != nil {
			raceErr = err
			return
		}
		fields := snap.Fields.Clone()
		fields[ledger.FieldClientName] = "Renamed elsewhere"
		raceErr = r.Memory.Commit(ctx, ledger.NewBatch().Update(ledger.Invoices, snap.ID, snap.Version, fields))
	})
	if raceErr != nil {
		return raceErr
	}
	return r.Memory.Commit(ctx, b)
}

func TestConflict_StaleVersionRejected(t *testing.T) {
	// GIVEN: Another writer updates the invoice between read and commit
	// WHEN: The engine commits its status change
	// THEN: ConflictError, retryable, and the other writer's change survives

	f := newFixture(t)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "0")
	id := f.createInvoice("C", "L")

	racing := &racingStore{Memory: f.mem, invoiceID: id}
	engine := ledger.NewEngine(racing, ledger.NewReader(racing, ledger.NewPlanner(ledger.DefaultCapabilities())), ledger.DefaultEngineConfig(), quietLogger())

	err := engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoiceSent, nil)

	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.True(t, ledger.IsRetryable(err))
	inv := f.invoice(id)
	assert.Equal(t, ledger.InvoiceDraft, inv.Status)
	assert.Equal(t, "Renamed elsewhere", inv.ClientName)

	require.NoError(t, engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoiceSent, nil))
	assert.Equal(t, ledger.InvoiceSent, f.invoice(id).Status)
}

func TestOperationTimeout_IsTransient(t *testing.T) {
	cfg := ledger.DefaultEngineConfig()
	cfg.OperationTimeout = 20 * time.Millisecond
	f := newFixtureWithConfig(t, cfg)
	f.seedCampaign("C")
	f.seedLineItem("L", "C", "100", "100", "0")
	id := f.createInvoice("C", "L")

	unlock, err := f.engine.Locker.Lock(f.ctx, "campaign:C")
	require.NoError(t, err)
	defer unlock()

	err = f.engine.UpdateInvoiceStatus(f.ctx, id, ledger.InvoiceSent, nil)

	assert.ErrorIs(t, err, ledger.ErrTransientStore)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ledger.InvoiceDraft, f.invoice(id).Status)
}

func TestCorruptDocument_IsNotRetryable(t *testing.T) {
	// GIVEN: A line item whose stored actual amount is not a decimal
	// WHEN: Reading it and adjusting it
	// THEN: Both fail as a corrupt document, neither transient nor retryable

	f := newFixture(t)
	f.seedCampaign("C")
	fields := ledger.LineItem{ID: "L", CampaignID: "C", Name: "Broken", CreatedAt: baseTime, UpdatedAt: baseTime}.Fields()
	fields["actualAmount"] = "12,50"
	require.NoError(t, f.mem.Commit(f.ctx, ledger.NewBatch().Create(ledger.LineItems, "L", fields)))

	_, _, err := f.reader.GetLineItem(f.ctx, "L")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrCorruptDocument)
	var corrupt *ledger.CorruptDocumentError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "L", corrupt.ID)
	assert.Equal(t, "actualAmount", corrupt.Field)

	_, err = f.engine.UpdateLineItemAdjustments(f.ctx, "L", ledger.MustMoney("5"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrCorruptDocument)
	assert.NotErrorIs(t, err, ledger.ErrTransientStore)
	assert.False(t, ledger.IsRetryable(err))
	assert.False(t, ledger.IsClientError(err))
}
