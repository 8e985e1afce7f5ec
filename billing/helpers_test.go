package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlite.Store
	engine *billing.Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{t: t, ctx: context.Background(), store: store, now: t0}
	f.engine = billing.New(store, billing.Options{
		Clock: func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) advanceDays(n int) { f.now = f.now.AddDate(0, 0, n) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// requireDec compares decimals by value so "1210" equals "1210.00".
func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

// shop registers a shop with rent, operation fee and VAT rate in percent.
func (f *fixture) shop(id, rent, fee, vat string) {
	f.t.Helper()
	_, err := f.engine.UpsertShop(f.ctx, billing.ShopRequest{
		ID:           id,
		Name:         "Shop " + id,
		Location:     "Block A",
		RentAmount:   dec(rent),
		OperationFee: dec(fee),
		VATRate:      dec(vat),
	}, "tester")
	require.NoError(f.t, err)
}

// standardShop is rent 1000, fee 100, VAT 10%: a 1210 invoice.
func (f *fixture) standardShop(id string) { f.shop(id, "1000", "100", "10") }

func (f *fixture) generate(shopID, period string) *ledger.Invoice {
	f.t.Helper()
	inv, err := f.engine.GenerateInvoice(f.ctx, shopID, period)
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) pay(shopID, amount string) *billing.PaymentResult {
	f.t.Helper()
	res, err := f.engine.AllocatePaymentByShop(f.ctx, billing.PaymentRequest{
		ShopID: shopID,
		Amount: dec(amount),
		Method: ledger.MethodCash,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) detail(invoiceID string) *billing.InvoiceDetail {
	f.t.Helper()
	d, err := f.engine.GetInvoiceDetail(f.ctx, invoiceID)
	require.NoError(f.t, err)
	return d
}

func (f *fixture) balance(shopID string) decimal.Decimal {
	f.t.Helper()
	b, err := f.engine.GetBalance(f.ctx, shopID)
	require.NoError(f.t, err)
	return b.Amount
}

func (f *fixture) item(d *billing.InvoiceDetail, kind ledger.ItemKind) ledger.LineItem {
	f.t.Helper()
	for _, it := range d.Items {
		if it.Kind == kind {
			return it
		}
	}
	f.t.Fatalf("invoice %s has no %s item", d.Invoice.ID, kind)
	return ledger.LineItem{}
}

// paidTotal sums paid amounts over every line item and fine of the shop.
func (f *fixture) paidTotal(shopID string) decimal.Decimal {
	f.t.Helper()
	invoices, err := f.engine.ListInvoices(f.ctx, shopID)
	require.NoError(f.t, err)
	total := decimal.Zero
	for _, inv := range invoices {
		d := f.detail(inv.ID)
		for _, it := range d.Items {
			total = total.Add(it.PaidAmount)
		}
		if d.Fine != nil {
			total = total.Add(d.Fine.PaidAmount)
		}
	}
	return total
}

// checkInvariants asserts the ledger-wide invariants for a shop.
func (f *fixture) checkInvariants(shopID string) {
	f.t.Helper()
	invoices, err := f.engine.ListInvoices(f.ctx, shopID)
	require.NoError(f.t, err)
	for _, inv := range invoices {
		d := f.detail(inv.ID)
		require.Len(f.t, d.Items, 3, "invoice %s", inv.ID)

		charges := make([]ledger.Charge, 0, 4)
		for _, it := range d.Items {
			charges = append(charges, it.Charge)
		}
		if d.Fine != nil {
			charges = append(charges, d.Fine.Charge)
		}
		allPaid := true
		for _, c := range charges {
			require.False(f.t, c.PaidAmount.IsNegative(), "invoice %s: negative paid amount", inv.ID)
			require.True(f.t, c.PaidAmount.LessThanOrEqual(c.Amount), "invoice %s: overpaid charge", inv.ID)
			if c.Status != ledger.StatusPaid {
				allPaid = false
			}
		}
		require.Equal(f.t, allPaid, d.Invoice.Status == ledger.StatusPaid, "invoice %s status %s", inv.ID, d.Invoice.Status)
	}
}
