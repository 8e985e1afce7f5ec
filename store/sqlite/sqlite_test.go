package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/ledger"
)

var base = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedShop(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.SaveShop(context.Background(), ledger.Shop{
			ID: id, Name: "Shop " + id, RentAmount: money("1000"), VATRate: money("10"),
			OperationFee: money("100"), CreatedAt: base, UpdatedAt: base,
		})
	})
	require.NoError(t, err)
}

func invoice(shopID string, month time.Month, status ledger.Status, created time.Time) ledger.Invoice {
	p := ledger.Period{Year: 2025, Month: month}
	return ledger.Invoice{
		ID: ledger.InvoiceID(shopID, p), ShopID: shopID, Period: p,
		RentAmount: money("1000"), OperationFee: money("100"), VATAmount: money("110"),
		PreviousBalance: money("-12.50"), Fines: decimal.Zero, PreviousFines: decimal.Zero,
		TotalArrears: decimal.Zero, TotalAmount: money("1222.50"),
		Status: status, CreatedAt: created, UpdatedAt: created,
	}
}

func items(inv ledger.Invoice) []ledger.LineItem {
	out := make([]ledger.LineItem, 0, 3)
	for _, k := range ledger.Waterfall {
		out = append(out, ledger.LineItem{
			InvoiceID: inv.ID, ShopID: inv.ShopID, Kind: k,
			Charge: ledger.NewCharge(money("100"), inv.CreatedAt), CreatedAt: inv.CreatedAt,
		})
	}
	return out
}

func insertInvoice(t *testing.T, s *Store, inv ledger.Invoice) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		return tx.InsertLineItems(ctx, items(inv))
	})
	require.NoError(t, err)
}

// =============================================================================
// TESTS
// =============================================================================

func TestInvoice_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedShop(t, s, "S1")
	want := invoice("S1", time.March, ledger.StatusUnpaid, base)
	insertInvoice(t, s, want)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		got, err := tx.GetInvoice(ctx, want.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Period, got.Period)
		assert.True(t, want.PreviousBalance.Equal(got.PreviousBalance))
		assert.True(t, want.TotalAmount.Equal(got.TotalAmount))
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

		lis, err := tx.ListLineItems(ctx, want.ID)
		require.NoError(t, err)
		require.Len(t, lis, 3)
		assert.Equal(t, ledger.Waterfall, []ledger.ItemKind{lis[0].Kind, lis[1].Kind, lis[2].Kind})

		missing, err := tx.GetInvoice(ctx, "INV-S1-199901")
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestInvoice_DuplicatePeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedShop(t, s, "S1")
	inv := invoice("S1", time.January, ledger.StatusUnpaid, base)
	insertInvoice(t, s, inv)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertInvoice(ctx, inv)
	})
	assert.True(t, errors.Is(err, ledger.ErrDuplicatePeriod), "got %v", err)

	// same (shop, period) under another id still collides
	inv.ID = "INV-other"
	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertInvoice(ctx, inv)
	})
	assert.True(t, errors.Is(err, ledger.ErrDuplicatePeriod), "got %v", err)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: an invoice insert followed by a failing step
	// WHEN: the unit of work returns the error
	// THEN: neither the invoice nor its items exist

	s := newTestStore(t)
	ctx := context.Background()
	seedShop(t, s, "S1")
	inv := invoice("S1", time.January, ledger.StatusUnpaid, base)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.InsertInvoice(ctx, inv))
		require.NoError(t, tx.InsertLineItems(ctx, items(inv)[:1]))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		got, err := tx.GetInvoice(ctx, inv.ID)
		assert.Nil(t, got)
		lis, _ := tx.ListShopLineItems(ctx, "S1")
		assert.Empty(t, lis)
		return err
	})
	require.NoError(t, err)
}

func TestListOpenInvoices_PriorityOrder(t *testing.T) {
	// GIVEN: invoices in every status, created at different times
	// WHEN: open invoices are listed
	// THEN: Arrest first, then Partially Paid, then Unpaid, oldest first

	s := newTestStore(t)
	ctx := context.Background()
	seedShop(t, s, "S1")
	insertInvoice(t, s, invoice("S1", time.January, ledger.StatusUnpaid, base))
	insertInvoice(t, s, invoice("S1", time.February, ledger.StatusPartiallyPaid, base.AddDate(0, 1, 0)))
	insertInvoice(t, s, invoice("S1", time.March, ledger.StatusArrest, base.AddDate(0, 2, 0)))
	insertInvoice(t, s, invoice("S1", time.April, ledger.StatusPaid, base.AddDate(0, 3, 0)))
	insertInvoice(t, s, invoice("S1", time.May, ledger.StatusArrest, base.AddDate(0, 4, 0)))
	insertInvoice(t, s, invoice("S1", time.June, ledger.StatusUnpaid, base.AddDate(0, 5, 0)))

	var got []string
	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		invs, err := tx.ListOpenInvoices(ctx, "S1")
		for _, inv := range invs {
			got = append(got, inv.Period.String())
		}
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-03", "2025-05", "2025-02", "2025-01", "2025-06"}, got)
}

func TestListByStatus_StrictCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedShop(t, s, "S1")
	seedShop(t, s, "S2")
	insertInvoice(t, s, invoice("S1", time.January, ledger.StatusUnpaid, base))
	insertInvoice(t, s, invoice("S2", time.January, ledger.StatusPartiallyPaid, base.Add(time.Hour)))
	insertInvoice(t, s, invoice("S2", time.February, ledger.StatusArrest, base))

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		invs, err := tx.ListInvoicesByStatus(ctx, ledger.EscalatableStatuses, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, invs, 1)
		assert.Equal(t, "S1", invs[0].ShopID)

		require.NoError(t, tx.InsertFine(ctx, ledger.Fine{
			InvoiceID: invs[0].ID, ShopID: "S1",
			Charge: ledger.NewCharge(money("300"), base), GenerateDate: base,
		}))
		fines, err := tx.ListFinesByStatus(ctx, ledger.EscalatableStatuses, base)
		require.NoError(t, err)
		assert.Empty(t, fines)
		fines, err = tx.ListFinesByStatus(ctx, ledger.EscalatableStatuses, base.Add(time.Second))
		require.NoError(t, err)
		assert.Len(t, fines, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestFine_OnePerInvoice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedShop(t, s, "S1")
	inv := invoice("S1", time.January, ledger.StatusUnpaid, base)
	insertInvoice(t, s, inv)
	fine := ledger.Fine{InvoiceID: inv.ID, ShopID: "S1", Charge: ledger.NewCharge(money("300"), base), GenerateDate: base}

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertFine(ctx, fine) }))
	err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertFine(ctx, fine) })
	assert.True(t, errors.Is(err, ledger.ErrFineAlreadyExists), "got %v", err)

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.DeleteFine(ctx, inv.ID))
		return tx.DeleteFine(ctx, inv.ID)
	})
	assert.True(t, errors.Is(err, ledger.ErrFineNotFound), "got %v", err)
}

func TestDeleteShop_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedShop(t, s, "S1")
	inv := invoice("S1", time.January, ledger.StatusUnpaid, base)
	insertInvoice(t, s, inv)

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.SaveBalance(ctx, ledger.ShopBalance{ShopID: "S1", Amount: money("50"), LastUpdated: base}))
		require.NoError(t, tx.InsertFine(ctx, ledger.Fine{InvoiceID: inv.ID, ShopID: "S1", Charge: ledger.NewCharge(money("30"), base), GenerateDate: base}))
		require.NoError(t, tx.InsertPayment(ctx, ledger.Payment{
			ID: "P1", ShopID: "S1", InvoiceID: inv.ID, Amount: money("50"),
			PaidAt: base, Method: ledger.MethodCash, CreatedAt: base,
		}))
		return tx.AppendAudit(ctx, ledger.AuditEvent{
			ID: "A1", ShopID: "S1", Type: ledger.EventPaymentMade, Actor: "system", At: base,
			NewValue: map[string]any{"amount": "50.00"},
		})
	})
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.DeleteShop(ctx, "S1") }))

	err = s.WithTx(ctx, func(tx ledger.Tx) error {
		bal, err := tx.GetBalance(ctx, "S1")
		require.NoError(t, err)
		assert.Nil(t, bal)
		invs, _ := tx.ListInvoices(ctx, "S1")
		assert.Empty(t, invs)
		lis, _ := tx.ListShopLineItems(ctx, "S1")
		assert.Empty(t, lis)
		fines, _ := tx.ListShopFines(ctx, "S1")
		assert.Empty(t, fines)
		payments, _ := tx.ListPayments(ctx, "S1")
		assert.Empty(t, payments)

		events, err := tx.QueryAudit(ctx, ledger.AuditFilter{ShopID: "S1"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "50.00", events[0].NewValue["amount"])
		return tx.DeleteShop(ctx, "S1")
	})
	assert.True(t, errors.Is(err, ledger.ErrShopNotFound), "got %v", err)
}

func TestQueryAudit_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	events := []ledger.AuditEvent{
		{ID: "1", ShopID: "S1", InvoiceID: "INV-S1-202501", Type: ledger.EventInvoiceGenerated, At: base},
		{ID: "2", ShopID: "S1", InvoiceID: "INV-S1-202501", Type: ledger.EventPaymentMade, At: base.Add(time.Hour)},
		{ID: "3", ShopID: "S2", Type: ledger.EventCorrection, At: base.Add(2 * time.Hour)},
		{ID: "4", ShopID: "S1", Type: ledger.EventCorrection, At: base.Add(3 * time.Hour)},
	}
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		for _, e := range events {
			if err := tx.AppendAudit(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	query := func(f ledger.AuditFilter) []string {
		var ids []string
		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			got, err := tx.QueryAudit(ctx, f)
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			return err
		}))
		return ids
	}

	from, to := base.Add(time.Hour), base.Add(2*time.Hour)
	assert.Equal(t, []string{"1", "2", "4"}, query(ledger.AuditFilter{ShopID: "S1"}))
	assert.Equal(t, []string{"1", "2"}, query(ledger.AuditFilter{InvoiceID: "INV-S1-202501"}))
	assert.Equal(t, []string{"3", "4"}, query(ledger.AuditFilter{Types: []ledger.EventType{ledger.EventCorrection}}))
	assert.Equal(t, []string{"2", "3"}, query(ledger.AuditFilter{From: &from, To: &to}))
	assert.Equal(t, []string{"1"}, query(ledger.AuditFilter{Limit: 1}))
}

func TestCorruptColumns_SurfaceErrors(t *testing.T) {
	// GIVEN: a row whose stored TEXT no longer parses
	// WHEN: it is read back
	// THEN: the read fails instead of yielding a zero value

	cases := []struct {
		name    string
		corrupt string
		read    func(ctx context.Context, tx ledger.Tx) error
	}{
		{
			name:    "shop rent",
			corrupt: "UPDATE shops SET rent_amount = 'abc' WHERE id = 'S1'",
			read: func(ctx context.Context, tx ledger.Tx) error {
				_, err := tx.GetShop(ctx, "S1")
				return err
			},
		},
		{
			name:    "balance amount",
			corrupt: "UPDATE shop_balances SET balance_amount = '12,50' WHERE shop_id = 'S1'",
			read: func(ctx context.Context, tx ledger.Tx) error {
				_, err := tx.GetBalance(ctx, "S1")
				return err
			},
		},
		{
			name:    "invoice timestamp",
			corrupt: "UPDATE invoices SET created_at = 'yesterday' WHERE shop_id = 'S1'",
			read: func(ctx context.Context, tx ledger.Tx) error {
				_, err := tx.ListInvoices(ctx, "S1")
				return err
			},
		},
		{
			name:    "line item paid amount",
			corrupt: "UPDATE line_items SET paid_amount = '' WHERE kind = 'Rent'",
			read: func(ctx context.Context, tx ledger.Tx) error {
				_, err := tx.ListLineItems(ctx, "INV-S1-202501")
				return err
			},
		},
		{
			name:    "audit snapshot",
			corrupt: "UPDATE audit_trail SET old_value_json = '{not json' WHERE id = 'A1'",
			read: func(ctx context.Context, tx ledger.Tx) error {
				_, err := tx.QueryAudit(ctx, ledger.AuditFilter{ShopID: "S1"})
				return err
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			seedShop(t, s, "S1")
			insertInvoice(t, s, invoice("S1", time.January, ledger.StatusUnpaid, base))
			require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
				if err := tx.SaveBalance(ctx, ledger.ShopBalance{ShopID: "S1", Amount: money("12.50"), LastUpdated: base}); err != nil {
					return err
				}
				return tx.AppendAudit(ctx, ledger.AuditEvent{
					ID: "A1", ShopID: "S1", Type: ledger.EventCorrection,
					OldValue: map[string]any{"amount": "10.00"}, At: base,
				})
			}))

			// the same reads succeed before the row is damaged
			require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tc.read(ctx, tx) }))

			_, err := s.db.ExecContext(ctx, tc.corrupt)
			require.NoError(t, err)

			err = s.WithTx(ctx, func(tx ledger.Tx) error { return tc.read(ctx, tx) })
			require.Error(t, err)
			assert.True(t, errors.Is(err, ledger.ErrInternal), "got %v", err)
		})
	}
}
