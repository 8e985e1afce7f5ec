package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// INVOICE GENERATOR
// =============================================================================

// InvoiceDetail is an invoice with its line items and fine.
type InvoiceDetail struct {
	Invoice ledger.Invoice
	Items   []ledger.LineItem
	Fine    *ledger.Fine
}

// GenerateInvoice creates the shop's invoice for period.
//
// The invoice snapshots the shop's balance and carries forward every
// unsettled charge of earlier invoices. When the shop holds credit it is
// applied to the open invoices (the new one included) before returning.
func (e *Engine) GenerateInvoice(ctx context.Context, shopID, period string) (*ledger.Invoice, error) {
	p, err := ledger.ParsePeriod(period)
	if err != nil {
		return nil, err
	}

	var out *ledger.Invoice
	err = e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		inv, err := e.generate(ctx, tx, shopID, p)
		if err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("invoice generated",
		zap.String("shop_id", shopID),
		zap.String("invoice_id", out.ID),
		zap.String("period", p.String()),
		zap.String("total_amount", out.TotalAmount.StringFixed(2)),
		zap.String("status", string(out.Status)))
	return out, nil
}

func (e *Engine) generate(ctx context.Context, tx ledger.Tx, shopID string, p ledger.Period) (*ledger.Invoice, error) {
	shop, err := tx.GetShop(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if shop == nil {
		return nil, ledger.ErrShopNotFound.WithID(shopID)
	}

	id := ledger.InvoiceID(shopID, p)
	existing, err := tx.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ledger.ErrDuplicatePeriod.WithKey(id)
	}

	balance := decimal.Zero
	if b, err := tx.GetBalance(ctx, shopID); err != nil {
		return nil, err
	} else if b != nil {
		balance = b.Amount
	}

	dues, err := AggregateDues(ctx, tx, shopID)
	if err != nil {
		return nil, err
	}

	previousFines := decimal.Zero
	prev, err := tx.LatestInvoiceBefore(ctx, shopID, p)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		f, err := tx.GetFine(ctx, prev.ID)
		if err != nil {
			return nil, err
		}
		if f != nil {
			previousFines = f.Amount
		}
	}

	now := e.now()
	rent := ledger.RoundMoney(shop.RentAmount)
	fee := ledger.RoundMoney(shop.OperationFee)
	vat := ledger.Percent(rent.Add(fee), shop.VATRate)
	arrears := dues.TotalArrears()
	total := arrears.Add(rent).Add(fee).Add(vat).Add(dues.TotalUnpaidFine).Sub(balance)

	items := []ledger.LineItem{
		{InvoiceID: id, ShopID: shopID, Kind: ledger.ItemRent, Charge: ledger.NewCharge(rent, now), CreatedAt: now},
		{InvoiceID: id, ShopID: shopID, Kind: ledger.ItemOperationFee, Charge: ledger.NewCharge(fee, now), CreatedAt: now},
		{InvoiceID: id, ShopID: shopID, Kind: ledger.ItemVAT, Charge: ledger.NewCharge(vat, now), CreatedAt: now},
	}

	inv := ledger.Invoice{
		ID:              id,
		ShopID:          shopID,
		Period:          p,
		RentAmount:      rent,
		OperationFee:    fee,
		VATAmount:       vat,
		PreviousBalance: balance,
		Fines:           dues.TotalUnpaidFine,
		PreviousFines:   previousFines,
		TotalArrears:    arrears,
		TotalAmount:     ledger.NonNegative(total),
		Status:          ledger.DeriveInvoiceStatus(items, nil),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := tx.InsertInvoice(ctx, inv); err != nil {
		return nil, err
	}
	if err := tx.InsertLineItems(ctx, items); err != nil {
		return nil, err
	}

	err = e.record(ctx, tx, ledger.AuditEvent{
		ShopID:      shopID,
		InvoiceID:   id,
		Type:        ledger.EventInvoiceGenerated,
		Description: fmt.Sprintf("invoice for %s generated", p),
		NewValue: snapshot{
			"period": p.String(),
			"status": string(inv.Status),
		}.money("rent_amount", rent).
			money("operation_fee", fee).
			money("vat_amount", vat).
			money("previous_balance", balance).
			money("total_arrears", arrears).
			money("fines", dues.TotalUnpaidFine).
			money("total_amount", inv.TotalAmount),
	})
	if err != nil {
		return nil, err
	}

	// Stored credit settles open invoices right away, without a new payment.
	if balance.IsPositive() {
		if _, err := e.allocate(ctx, tx, shopID, decimal.Zero, now, ""); err != nil {
			return nil, err
		}
	}

	stored, err := tx.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ledger.ErrInvoiceNotFound.WithID(id)
	}
	return stored, nil
}

// =============================================================================
// BATCH GENERATION
// =============================================================================

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// GenerationResult reports the outcome for one shop of GenerateAllInvoices.
type GenerationResult struct {
	ShopID    string `json:"shop_id"`
	Status    string `json:"status"`
	InvoiceID string `json:"invoice_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// GenerateAllInvoices generates period's invoice for every shop.
// A failing shop is reported in its result and does not stop the batch.
// Results are in shop listing order.
func (e *Engine) GenerateAllInvoices(ctx context.Context, period string) ([]GenerationResult, error) {
	if _, err := ledger.ParsePeriod(period); err != nil {
		return nil, err
	}

	var shops []ledger.Shop
	err := e.view(ctx, func(tx ledger.Tx) error {
		var err error
		shops, err = tx.ListShops(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]GenerationResult, len(shops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.policy.BatchConcurrency)
	for i, shop := range shops {
		i, shop := i, shop
		g.Go(func() error {
			res := GenerationResult{ShopID: shop.ID}
			inv, err := e.GenerateInvoice(gctx, shop.ID, period)
			if err != nil {
				res.Status = ResultFailed
				res.Error = err.Error()
				res.Kind = string(ledger.KindOf(err))
				e.log.Warn("invoice generation failed",
					zap.String("shop_id", shop.ID),
					zap.String("period", period),
					zap.Error(err))
			} else {
				res.Status = ResultSuccess
				res.InvoiceID = inv.ID
			}
			results[i] = res
			// per-shop failures never cancel the batch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	failed := 0
	for _, r := range results {
		if r.Status == ResultFailed {
			failed++
		}
	}
	e.log.Info("batch invoice generation finished",
		zap.String("period", period),
		zap.Int("shops", len(shops)),
		zap.Int("failed", failed))
	return results, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// GetInvoiceDetail loads an invoice with its items and fine.
func (e *Engine) GetInvoiceDetail(ctx context.Context, invoiceID string) (*InvoiceDetail, error) {
	var d *InvoiceDetail
	err := e.view(ctx, func(tx ledger.Tx) error {
		var err error
		d, err = loadDetail(ctx, tx, invoiceID)
		return err
	})
	return d, err
}

func loadDetail(ctx context.Context, tx ledger.Tx, invoiceID string) (*InvoiceDetail, error) {
	inv, err := tx.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ledger.ErrInvoiceNotFound.WithID(invoiceID)
	}
	items, err := tx.ListLineItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	fine, err := tx.GetFine(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return &InvoiceDetail{Invoice: *inv, Items: items, Fine: fine}, nil
}

// ListInvoices returns the shop's invoices, oldest period first.
func (e *Engine) ListInvoices(ctx context.Context, shopID string) ([]ledger.Invoice, error) {
	var out []ledger.Invoice
	err := e.view(ctx, func(tx ledger.Tx) error {
		if err := requireShop(ctx, tx, shopID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListInvoices(ctx, shopID)
		return err
	})
	return out, err
}

// RecordPrint bumps the invoice's print counter.
func (e *Engine) RecordPrint(ctx context.Context, invoiceID, actor string) (*ledger.Invoice, error) {
	shopID, err := e.shopOfInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	var out *ledger.Invoice
	err = e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return ledger.ErrInvoiceNotFound.WithID(invoiceID)
		}
		old := inv.PrintedCount
		inv.PrintedCount++
		inv.UpdatedAt = e.now()
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		out = inv
		return e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      shopID,
			InvoiceID:   invoiceID,
			Type:        ledger.EventManualEdit,
			Description: "invoice printed",
			OldValue:    snapshot{"printed_count": old},
			NewValue:    snapshot{"printed_count": inv.PrintedCount},
			Actor:       actor,
		})
	})
	return out, err
}
