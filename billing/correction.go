package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// CORRECTION HANDLER
// =============================================================================

// CorrectionResult reports how a correction moved the shop's balance.
type CorrectionResult struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	ShopID       string          `json:"shop_id"`
	InvoiceID    string          `json:"invoice_id,omitempty"`
	Missed       decimal.Decimal `json:"missed"`
	OldBalance   decimal.Decimal `json:"old_balance"`
	NewBalance   decimal.Decimal `json:"new_balance"`
	FineRefunded decimal.Decimal `json:"fine_refunded"`
	FineApplied  decimal.Decimal `json:"fine_applied"`
	// Balance is what remains after the corrected balance re-settled open
	// invoices.
	Balance     decimal.Decimal `json:"balance"`
	Settlements []Settlement    `json:"settlements"`
}

// CorrectPayment reconciles a payment that was recorded as AdminPutAmount
// but was actually ActualAmount. The difference goes to the shop balance.
//
// With an invoice, an under-recorded payment also refunds and removes the
// invoice's fine, and an over-recorded payment fines the invoice when it is
// still unpaid past the grace window.
func (e *Engine) CorrectPayment(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	missed := ledger.RoundMoney(req.ActualAmount.Sub(req.AdminPutAmount))
	if missed.IsZero() {
		return nil, ledger.Invalid("actual_amount", "equals admin_put_amount, nothing to correct")
	}

	var res *CorrectionResult
	err := e.inShop(ctx, req.ShopID, func(tx ledger.Tx) error {
		if err := requireShop(ctx, tx, req.ShopID); err != nil {
			return err
		}
		now := e.now()

		bal, err := tx.GetBalance(ctx, req.ShopID)
		if err != nil {
			return err
		}
		if bal == nil {
			bal = &ledger.ShopBalance{ShopID: req.ShopID, Amount: decimal.Zero}
		}

		res = &CorrectionResult{
			Success:      true,
			ShopID:       req.ShopID,
			InvoiceID:    req.InvoiceID,
			Missed:       missed,
			OldBalance:   bal.Amount,
			FineRefunded: decimal.Zero,
			FineApplied:  decimal.Zero,
		}

		if req.InvoiceID != "" {
			inv, err := tx.GetInvoice(ctx, req.InvoiceID)
			if err != nil {
				return err
			}
			if inv == nil {
				return ledger.ErrInvoiceNotFound.WithID(req.InvoiceID)
			}
			if inv.ShopID != req.ShopID {
				return ledger.Invalid("invoice_id", "invoice %s does not belong to shop %s", inv.ID, req.ShopID)
			}

			if missed.IsPositive() {
				refund, err := e.refundFine(ctx, tx, inv.ID)
				if err != nil {
					return err
				}
				res.FineRefunded = refund
				bal.Amount = bal.Amount.Add(refund)
			} else if inv.Status != ledger.StatusPaid && e.policy.pastGrace(inv.CreatedAt, now) {
				f, err := e.fineInvoice(ctx, tx, inv, req.Actor, req.Reason)
				switch {
				case err == nil:
					res.FineApplied = f.Amount
				case errors.Is(err, ledger.ErrFineAlreadyExists), errors.Is(err, ledger.ErrNoOutstandingRent):
				default:
					return err
				}
			}
		}

		bal.Amount = bal.Amount.Add(missed)
		bal.LastUpdated = now
		if err := tx.SaveBalance(ctx, *bal); err != nil {
			return err
		}
		res.NewBalance = bal.Amount

		err = e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      req.ShopID,
			InvoiceID:   req.InvoiceID,
			Type:        ledger.EventCorrection,
			Description: req.Reason,
			OldValue:    snapshot{}.money("balance", res.OldBalance),
			NewValue: snapshot{}.
				money("balance", res.NewBalance).
				money("actual_amount", req.ActualAmount).
				money("admin_put_amount", req.AdminPutAmount).
				money("missed", missed).
				money("fine_refunded", res.FineRefunded).
				money("fine_applied", res.FineApplied),
			Actor: req.Actor,
		})
		if err != nil {
			return err
		}

		res.Balance = bal.Amount
		if bal.Amount.IsPositive() {
			a, err := e.allocate(ctx, tx, req.ShopID, decimal.Zero, now, req.Actor)
			if err != nil {
				return err
			}
			res.Balance = a.balance
			res.Settlements = a.settlements
		}
		res.Message = fmt.Sprintf("balance adjusted by %s to %s", missed.StringFixed(2), res.NewBalance.StringFixed(2))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment corrected",
		zap.String("shop_id", req.ShopID),
		zap.String("invoice_id", req.InvoiceID),
		zap.String("missed", missed.StringFixed(2)),
		zap.String("old_balance", res.OldBalance.StringFixed(2)),
		zap.String("balance", res.Balance.StringFixed(2)))
	return res, nil
}

// refundFine deletes the invoice's fine and returns what had been paid
// against it.
func (e *Engine) refundFine(ctx context.Context, tx ledger.Tx, invoiceID string) (decimal.Decimal, error) {
	f, err := tx.GetFine(ctx, invoiceID)
	if err != nil || f == nil {
		return decimal.Zero, err
	}
	if err := tx.DeleteFine(ctx, invoiceID); err != nil {
		return decimal.Zero, err
	}
	if err := e.restatus(ctx, tx, invoiceID, nil); err != nil {
		return decimal.Zero, err
	}
	return f.PaidAmount, nil
}
