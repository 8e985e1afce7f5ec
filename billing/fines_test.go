package billing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// FINES
// =============================================================================

func TestApplyFine_OnOutstandingRent(t *testing.T) {
	// GIVEN: an invoice with 1000 rent outstanding
	// WHEN: it is fined twice
	// THEN: the first call creates a 300.00 fine, the second is rejected

	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")

	res, err := f.engine.ApplyFine(f.ctx, inv.ID, "inspector")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "300.00", res.FineAmount.StringFixed(2))

	_, err = f.engine.ApplyFine(f.ctx, inv.ID, "inspector")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrFineAlreadyExists))
	assert.Equal(t, ledger.KindDuplicate, ledger.KindOf(err))

	d := f.detail(inv.ID)
	require.NotNil(t, d.Fine)
	requireDec(t, "300", d.Fine.Amount)
	assert.Equal(t, ledger.StatusUnpaid, d.Fine.Status)

	dues, err := f.engine.Dues(f.ctx, "S1")
	require.NoError(t, err)
	requireDec(t, "300", dues.TotalUnpaidFine)
	requireDec(t, "1210", dues.TotalArrears())

	events, err := f.engine.AuditTrail(f.ctx, ledger.AuditFilter{
		InvoiceID: inv.ID,
		Types:     []ledger.EventType{ledger.EventFineApplied},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "inspector", events[0].Actor)
}

func TestApplyFine_PartiallyPaidRent(t *testing.T) {
	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	f.pay("S1", "500")

	res, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)
	requireDec(t, "150", res.FineAmount)
}

func TestApplyFine_NoOutstandingRent(t *testing.T) {
	// GIVEN: rent paid in full but fee and VAT still open
	// WHEN: the invoice is fined
	// THEN: the fine would be zero, so none is created

	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	f.pay("S1", "1000")

	_, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrNoOutstandingRent))
	assert.Nil(t, f.detail(inv.ID).Fine)
}

func TestApplyFine_InvoiceNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ApplyFine(f.ctx, "INV-S1-202501", "")
	assert.True(t, errors.Is(err, ledger.ErrInvoiceNotFound))
}

func TestDeleteFine(t *testing.T) {
	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	_, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteFine(f.ctx, inv.ID, "manager"))

	assert.Nil(t, f.detail(inv.ID).Fine)
	events, err := f.engine.AuditTrail(f.ctx, ledger.AuditFilter{
		InvoiceID: inv.ID,
		Types:     []ledger.EventType{ledger.EventCorrection},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "manager", events[0].Actor)

	err = f.engine.DeleteFine(f.ctx, inv.ID, "manager")
	assert.True(t, errors.Is(err, ledger.ErrFineNotFound))
}

func TestDeleteFine_PaidFineSettlesInvoice(t *testing.T) {
	// GIVEN: line items paid in full, fine still open
	// WHEN: the fine is removed
	// THEN: the invoice becomes Paid

	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	_, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)
	f.pay("S1", "1210")
	require.Equal(t, ledger.StatusPartiallyPaid, f.detail(inv.ID).Invoice.Status)

	require.NoError(t, f.engine.DeleteFine(f.ctx, inv.ID, ""))

	assert.Equal(t, ledger.StatusPaid, f.detail(inv.ID).Invoice.Status)
	f.checkInvariants("S1")
}

func TestDeleteFine_ReleasesArrestHeldOnlyByFine(t *testing.T) {
	// GIVEN: an invoice arrested solely because its fine was escalated
	// WHEN: the fine is removed
	// THEN: the invoice falls back to the status of its line items

	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	_, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)
	f.advanceDays(31)
	_, err = f.engine.RunFineArrestAction(f.ctx)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusArrest, f.detail(inv.ID).Invoice.Status)

	require.NoError(t, f.engine.DeleteFine(f.ctx, inv.ID, "manager"))

	d := f.detail(inv.ID)
	assert.Nil(t, d.Fine)
	for _, it := range d.Items {
		assert.Equal(t, ledger.StatusUnpaid, it.Status, it.Kind)
	}
	assert.Equal(t, ledger.StatusUnpaid, d.Invoice.Status)
	f.checkInvariants("S1")
}

// =============================================================================
// ARREST JOBS
// =============================================================================

func TestRunArrestAction_EscalatesOldInvoices(t *testing.T) {
	// GIVEN: an invoice 31 days old with a fine only 15 days old
	// WHEN: the arrest job runs
	// THEN: invoice and items go to Arrest, the young fine does not

	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	f.advanceDays(16)
	_, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)
	f.advanceDays(15)

	res, err := f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EscalatedCount)
	assert.Empty(t, res.Failures)

	d := f.detail(inv.ID)
	assert.Equal(t, ledger.StatusArrest, d.Invoice.Status)
	for _, it := range d.Items {
		assert.Equal(t, ledger.StatusArrest, it.Status, "%s", it.Kind)
	}
	assert.Equal(t, ledger.StatusUnpaid, d.Fine.Status)

	events, err := f.engine.AuditTrail(f.ctx, ledger.AuditFilter{
		InvoiceID: inv.ID,
		Types:     []ledger.EventType{ledger.EventArrestAction},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// WHEN: the job runs again
	// THEN: arrested invoices are not candidates
	again, err := f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.EscalatedCount)

	// WHEN: the fine ages past the arrest threshold
	// THEN: the fine-only job escalates it
	f.advanceDays(16)
	fineRes, err := f.engine.RunFineArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fineRes.EscalatedCount)
	assert.Equal(t, ledger.StatusArrest, f.detail(inv.ID).Fine.Status)

	fineAgain, err := f.engine.RunFineArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fineAgain.EscalatedCount)
}

func TestRunArrestAction_EscalatesOldFineWithInvoice(t *testing.T) {
	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	_, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)
	f.advanceDays(31)

	_, err = f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusArrest, f.detail(inv.ID).Fine.Status)
}

func TestRunArrestAction_SkipsYoungAndPaidInvoices(t *testing.T) {
	f := newFixture(t)
	f.standardShop("S1")
	f.standardShop("S2")
	young := f.generate("S1", "2025-01")
	paid := f.generate("S2", "2025-01")
	f.pay("S2", "1210")
	f.advanceDays(29)

	res, err := f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.EscalatedCount)
	assert.Equal(t, ledger.StatusUnpaid, f.detail(young.ID).Invoice.Status)

	f.advanceDays(2)
	res, err = f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EscalatedCount)
	assert.Equal(t, ledger.StatusPaid, f.detail(paid.ID).Invoice.Status)
}

func TestRunArrestAction_PaidItemsStayPaid(t *testing.T) {
	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	f.pay("S1", "1100")
	f.advanceDays(31)

	_, err := f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)

	d := f.detail(inv.ID)
	assert.Equal(t, ledger.StatusArrest, d.Invoice.Status)
	assert.Equal(t, ledger.StatusPaid, f.item(d, ledger.ItemRent).Status)
	assert.Equal(t, ledger.StatusPaid, f.item(d, ledger.ItemOperationFee).Status)
	assert.Equal(t, ledger.StatusArrest, f.item(d, ledger.ItemVAT).Status)
}

func TestArrest_SurvivesPartialPayment(t *testing.T) {
	// GIVEN: an arrested 1210 invoice
	// WHEN: 500 is paid, then the remaining 710
	// THEN: it stays Arrest until fully settled, then becomes Paid

	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	f.advanceDays(31)
	_, err := f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)

	f.pay("S1", "500")

	d := f.detail(inv.ID)
	assert.Equal(t, ledger.StatusArrest, d.Invoice.Status)
	rent := f.item(d, ledger.ItemRent)
	assert.Equal(t, ledger.StatusArrest, rent.Status)
	requireDec(t, "500", rent.PaidAmount)

	dues, err := f.engine.Dues(f.ctx, "S1")
	require.NoError(t, err)
	requireDec(t, "710", dues.TotalArrest)

	f.pay("S1", "710")
	assert.Equal(t, ledger.StatusPaid, f.detail(inv.ID).Invoice.Status)
	f.checkInvariants("S1")
}

func TestAllocatePayment_ArrestedInvoiceFirst(t *testing.T) {
	// GIVEN: an arrested January invoice and a fresh February invoice
	// WHEN: a payment arrives
	// THEN: January is settled first

	f := newFixture(t)
	f.standardShop("S1")
	jan := f.generate("S1", "2025-01")
	f.advanceDays(31)
	_, err := f.engine.RunArrestAction(f.ctx)
	require.NoError(t, err)
	feb := f.generate("S1", "2025-02")

	f.pay("S1", "1210")

	assert.Equal(t, ledger.StatusPaid, f.detail(jan.ID).Invoice.Status)
	assert.Equal(t, ledger.StatusUnpaid, f.detail(feb.ID).Invoice.Status)
}

func TestRunFineArrestAction_IndependentOfInvoice(t *testing.T) {
	f := newFixture(t)
	f.standardShop("S1")
	inv := f.generate("S1", "2025-01")
	_, err := f.engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)
	f.advanceDays(31)

	res, err := f.engine.RunFineArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EscalatedCount)

	d := f.detail(inv.ID)
	assert.Equal(t, ledger.StatusArrest, d.Fine.Status)
	assert.Equal(t, ledger.StatusUnpaid, f.item(d, ledger.ItemRent).Status)
	assert.Equal(t, ledger.StatusArrest, d.Invoice.Status)
}

// =============================================================================
// FINE SWEEP
// =============================================================================

func TestRunFineSweep_FinesPastGrace(t *testing.T) {
	f := newFixture(t)
	f.standardShop("S1")
	f.standardShop("S2")
	old := f.generate("S1", "2025-01")
	settled := f.generate("S2", "2025-01")
	f.pay("S2", "1210")
	f.advanceDays(16)
	young := f.generate("S1", "2025-02")

	res, err := f.engine.RunFineSweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, billing.JobFineSweep, res.Job)
	assert.Equal(t, 1, res.FinedCount)

	require.NotNil(t, f.detail(old.ID).Fine)
	assert.Nil(t, f.detail(settled.ID).Fine)
	assert.Nil(t, f.detail(young.ID).Fine)

	again, err := f.engine.RunFineSweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.FinedCount)
	assert.Equal(t, 1, again.Skipped)
}

func TestPolicy_CustomThresholds(t *testing.T) {
	f := newFixture(t)
	policy := billing.DefaultPolicy()
	policy.ArrestThresholdDays = 5
	policy.FineRate = dec("0.10")
	engine := billing.New(f.store, billing.Options{Policy: policy, Clock: func() time.Time { return f.now }})

	_, err := engine.UpsertShop(f.ctx, billing.ShopRequest{
		ID: "S1", Name: "Shop", RentAmount: dec("1000"), VATRate: dec("0"),
	}, "")
	require.NoError(t, err)
	inv, err := engine.GenerateInvoice(f.ctx, "S1", "2025-01")
	require.NoError(t, err)

	fine, err := engine.ApplyFine(f.ctx, inv.ID, "")
	require.NoError(t, err)
	requireDec(t, "100", fine.FineAmount)

	f.advanceDays(6)
	res, err := engine.RunArrestAction(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EscalatedCount)
}
