package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// PAYMENT ALLOCATOR
// =============================================================================

// Settlement is what one allocation pass did to one invoice.
type Settlement struct {
	InvoiceID string          `json:"invoice_id"`
	Applied   decimal.Decimal `json:"applied"`
	OldStatus ledger.Status   `json:"old_status"`
	Status    ledger.Status   `json:"status"`
}

// PaymentResult reports a recorded payment and where it went.
type PaymentResult struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	PaymentID   string          `json:"payment_id"`
	ShopID      string          `json:"shop_id"`
	Amount      decimal.Decimal `json:"amount"`
	Applied     decimal.Decimal `json:"applied"`
	Balance     decimal.Decimal `json:"balance"`
	Settlements []Settlement    `json:"settlements"`
}

// allocation is the outcome of one pass of the waterfall.
type allocation struct {
	applied     decimal.Decimal
	balance     decimal.Decimal
	settlements []Settlement
}

// AllocatePaymentByShop records a payment for a shop and settles its open
// invoices: Arrest first, then Partially Paid, then Unpaid, oldest first.
// Whatever is left stays on the shop as credit.
func (e *Engine) AllocatePaymentByShop(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := e.checkPayment(req); err != nil {
		return nil, err
	}
	if req.ShopID == "" {
		return nil, ledger.Invalid("shop_id", "is required")
	}
	return e.pay(ctx, req.ShopID, req)
}

// AllocatePaymentByInvoice records a payment referencing an invoice. The
// owning shop is resolved from the invoice and the same waterfall runs over
// all of that shop's open invoices.
func (e *Engine) AllocatePaymentByInvoice(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if req.InvoiceID == "" {
		return nil, ledger.Invalid("invoice_id", "is required")
	}
	if err := e.checkPayment(req); err != nil {
		return nil, err
	}
	shopID, err := e.shopOfInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if req.ShopID != "" && req.ShopID != shopID {
		return nil, ledger.Invalid("shop_id", "invoice %s does not belong to shop %s", req.InvoiceID, req.ShopID)
	}
	return e.pay(ctx, shopID, req)
}

// checkPayment validates req and rejects amounts that round to zero cents.
func (e *Engine) checkPayment(req PaymentRequest) error {
	if err := e.check(req); err != nil {
		return err
	}
	if !ledger.RoundMoney(req.Amount).IsPositive() {
		return ledger.Invalid("amount", "must be at least 0.01, got %s", req.Amount)
	}
	return nil
}

func (e *Engine) pay(ctx context.Context, shopID string, req PaymentRequest) (*PaymentResult, error) {
	at := req.PaidAt
	if at.IsZero() {
		at = e.now()
	}
	amount := ledger.RoundMoney(req.Amount)

	var res *PaymentResult
	err := e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		if err := requireShop(ctx, tx, shopID); err != nil {
			return err
		}
		payment := ledger.Payment{
			ID:        newID(),
			ShopID:    shopID,
			InvoiceID: req.InvoiceID,
			Amount:    amount,
			PaidAt:    at.UTC(),
			Method:    req.Method,
			CreatedAt: e.now(),
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		a, err := e.allocate(ctx, tx, shopID, amount, payment.PaidAt, req.Actor)
		if err != nil {
			return err
		}
		res = &PaymentResult{
			Success:     true,
			Message:     paymentMessage(amount, a),
			PaymentID:   payment.ID,
			ShopID:      shopID,
			Amount:      amount,
			Applied:     a.applied,
			Balance:     a.balance,
			Settlements: a.settlements,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment allocated",
		zap.String("shop_id", shopID),
		zap.String("payment_id", res.PaymentID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("applied", res.Applied.StringFixed(2)),
		zap.String("balance", res.Balance.StringFixed(2)),
		zap.Int("invoices", len(res.Settlements)))
	return res, nil
}

func paymentMessage(amount decimal.Decimal, a allocation) string {
	switch {
	case len(a.settlements) == 0:
		return fmt.Sprintf("payment of %s recorded as credit", amount.StringFixed(2))
	case a.balance.IsPositive():
		return fmt.Sprintf("payment of %s applied to %d invoice(s), %s left as credit",
			amount.StringFixed(2), len(a.settlements), a.balance.StringFixed(2))
	default:
		return fmt.Sprintf("payment of %s applied to %d invoice(s)", amount.StringFixed(2), len(a.settlements))
	}
}

// allocate adds credit to the shop's balance and spends the balance on open
// invoices. credit is zero when stored credit is being consumed.
//
// Must run inside the shop's lock. The balance is persisted after every
// invoice, and one audit event is written per invoice that took money or
// changed status.
func (e *Engine) allocate(ctx context.Context, tx ledger.Tx, shopID string, credit decimal.Decimal, at time.Time, actor string) (allocation, error) {
	out := allocation{applied: decimal.Zero}

	bal, err := tx.GetBalance(ctx, shopID)
	if err != nil {
		return out, err
	}
	if bal == nil {
		bal = &ledger.ShopBalance{ShopID: shopID, Amount: decimal.Zero}
	}
	opening := bal.Amount
	bal.Amount = bal.Amount.Add(credit)
	bal.LastUpdated = e.now()
	if err := tx.SaveBalance(ctx, *bal); err != nil {
		return out, err
	}

	invoices, err := tx.ListOpenInvoices(ctx, shopID)
	if err != nil {
		return out, err
	}

	for _, inv := range invoices {
		if !bal.Amount.IsPositive() {
			break
		}
		s, err := e.settleInvoice(ctx, tx, inv, bal, at, actor)
		if err != nil {
			return out, err
		}
		if s == nil {
			continue
		}
		out.applied = out.applied.Add(s.Applied)
		out.settlements = append(out.settlements, *s)
	}
	out.balance = bal.Amount

	if len(out.settlements) == 0 && credit.IsPositive() {
		err := e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      shopID,
			Type:        ledger.EventPaymentMade,
			Description: fmt.Sprintf("payment of %s applied to shop balance", credit.StringFixed(2)),
			OldValue:    snapshot{}.money("balance", opening),
			NewValue:    snapshot{}.money("balance", bal.Amount),
			Actor:       actor,
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// settleInvoice spends bal on one invoice in waterfall order and persists
// everything it touched. It returns nil when the invoice was left unchanged.
func (e *Engine) settleInvoice(ctx context.Context, tx ledger.Tx, inv ledger.Invoice, bal *ledger.ShopBalance, at time.Time, actor string) (*Settlement, error) {
	items, err := tx.ListLineItems(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	fine, err := tx.GetFine(ctx, inv.ID)
	if err != nil {
		return nil, err
	}

	applied := decimal.Zero
	for i := range items {
		if !bal.Amount.IsPositive() {
			break
		}
		paid := items[i].Apply(bal.Amount, at)
		if !paid.IsPositive() {
			continue
		}
		bal.Amount = bal.Amount.Sub(paid)
		applied = applied.Add(paid)
		if err := tx.UpdateLineItem(ctx, items[i]); err != nil {
			return nil, err
		}
	}
	if fine != nil && bal.Amount.IsPositive() {
		paid := fine.Apply(bal.Amount, at)
		if paid.IsPositive() {
			bal.Amount = bal.Amount.Sub(paid)
			applied = applied.Add(paid)
			if err := tx.UpdateFine(ctx, *fine); err != nil {
				return nil, err
			}
		}
	}

	old := inv.Status
	inv.Status = ledger.DeriveInvoiceStatus(items, fine)
	if !applied.IsPositive() && inv.Status == old {
		return nil, nil
	}

	inv.UpdatedAt = e.now()
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	bal.LastUpdated = inv.UpdatedAt
	if err := tx.SaveBalance(ctx, *bal); err != nil {
		return nil, err
	}

	typ, verb := ledger.EventPartiallyPaid, "partially paid"
	if inv.Status == ledger.StatusPaid {
		typ, verb = ledger.EventPaymentMade, "paid"
	}
	err = e.record(ctx, tx, ledger.AuditEvent{
		ShopID:      inv.ShopID,
		InvoiceID:   inv.ID,
		Type:        typ,
		Description: fmt.Sprintf("invoice %s %s with %s", inv.ID, verb, applied.StringFixed(2)),
		OldValue:    snapshot{"status": string(old)},
		NewValue:    snapshot{"status": string(inv.Status)}.money("applied", applied).money("balance", bal.Amount),
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	return &Settlement{InvoiceID: inv.ID, Applied: applied, OldStatus: old, Status: inv.Status}, nil
}
