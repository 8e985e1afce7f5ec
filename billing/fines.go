package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// FINE / ARREST POLICY ENGINE
// =============================================================================

// FineResult reports a fine created by ApplyFine.
type FineResult struct {
	Success    bool            `json:"success"`
	InvoiceID  string          `json:"invoice_id"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	Status     ledger.Status   `json:"invoice_status"`
}

// ApplyFine fines an invoice on its outstanding rent at the policy rate.
// It fails with ErrFineAlreadyExists if the invoice already has a fine and
// with ErrNoOutstandingRent if the fine would be zero. The grace window is
// not checked here; RunFineSweep applies it.
func (e *Engine) ApplyFine(ctx context.Context, invoiceID, actor string) (*FineResult, error) {
	shopID, err := e.shopOfInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	var res *FineResult
	err = e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return ledger.ErrInvoiceNotFound.WithID(invoiceID)
		}
		f, err := e.fineInvoice(ctx, tx, inv, actor, "")
		if err != nil {
			return err
		}
		res = &FineResult{Success: true, InvoiceID: inv.ID, FineAmount: f.Amount, Status: inv.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("fine applied",
		zap.String("shop_id", shopID),
		zap.String("invoice_id", invoiceID),
		zap.String("fine_amount", res.FineAmount.StringFixed(2)))
	return res, nil
}

// fineInvoice creates the invoice's fine and updates inv's status in place.
func (e *Engine) fineInvoice(ctx context.Context, tx ledger.Tx, inv *ledger.Invoice, actor, reason string) (*ledger.Fine, error) {
	existing, err := tx.GetFine(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ledger.ErrFineAlreadyExists.WithKey(inv.ID)
	}

	items, err := tx.ListLineItems(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	amount := e.policy.fineOn(items)
	if !amount.IsPositive() {
		return nil, ledger.ErrNoOutstandingRent
	}

	now := e.now()
	f := ledger.Fine{
		InvoiceID:    inv.ID,
		ShopID:       inv.ShopID,
		Charge:       ledger.NewCharge(amount, now),
		GenerateDate: now,
	}
	if err := tx.InsertFine(ctx, f); err != nil {
		return nil, err
	}

	old := inv.Status
	inv.Status = ledger.DeriveInvoiceStatus(items, &f)
	if inv.Status != old {
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return nil, err
		}
	}

	desc := fmt.Sprintf("fine of %s applied to invoice %s", amount.StringFixed(2), inv.ID)
	if reason != "" {
		desc += ": " + reason
	}
	err = e.record(ctx, tx, ledger.AuditEvent{
		ShopID:      inv.ShopID,
		InvoiceID:   inv.ID,
		Type:        ledger.EventFineApplied,
		Description: desc,
		NewValue: chargeSnapshot(f.Charge).
			money("rate", e.policy.FineRate),
		Actor: actor,
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DeleteFine removes an invoice's fine. Money already paid against the fine
// is not refunded.
func (e *Engine) DeleteFine(ctx context.Context, invoiceID, actor string) error {
	shopID, err := e.shopOfInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	return e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		f, err := tx.GetFine(ctx, invoiceID)
		if err != nil {
			return err
		}
		if f == nil {
			return ledger.ErrFineNotFound.WithID(invoiceID)
		}
		if err := tx.DeleteFine(ctx, invoiceID); err != nil {
			return err
		}
		if err := e.restatus(ctx, tx, invoiceID, nil); err != nil {
			return err
		}
		return e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      shopID,
			InvoiceID:   invoiceID,
			Type:        ledger.EventCorrection,
			Description: fmt.Sprintf("fine of %s removed from invoice %s", f.Amount.StringFixed(2), invoiceID),
			OldValue:    chargeSnapshot(f.Charge),
			Actor:       actor,
		})
	})
}

// restatus recomputes and persists an invoice's status after its fine
// changed.
func (e *Engine) restatus(ctx context.Context, tx ledger.Tx, invoiceID string, fine *ledger.Fine) error {
	inv, err := tx.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv == nil {
		return ledger.ErrInvoiceNotFound.WithID(invoiceID)
	}
	items, err := tx.ListLineItems(ctx, invoiceID)
	if err != nil {
		return err
	}
	status := ledger.DeriveInvoiceStatus(items, fine)
	if status == inv.Status {
		return nil
	}
	inv.Status = status
	inv.UpdatedAt = e.now()
	return tx.UpdateInvoice(ctx, *inv)
}

// =============================================================================
// BATCH JOBS
// =============================================================================

// BatchResult summarizes one run of a batch job. Failed items are listed
// and never abort the run.
type BatchResult struct {
	Job            string         `json:"job"`
	EscalatedCount int            `json:"escalated_count"`
	FinedCount     int            `json:"fined_count,omitempty"`
	Skipped        int            `json:"skipped"`
	Failures       []BatchFailure `json:"failures"`
}

type BatchFailure struct {
	InvoiceID string `json:"invoice_id"`
	ShopID    string `json:"shop_id"`
	Error     string `json:"error"`
	Kind      string `json:"kind"`
}

func (r *BatchResult) fail(shopID, invoiceID string, err error) {
	r.Failures = append(r.Failures, BatchFailure{
		InvoiceID: invoiceID,
		ShopID:    shopID,
		Error:     err.Error(),
		Kind:      string(ledger.KindOf(err)),
	})
}

const (
	JobArrest     = "arrest"
	JobFineArrest = "fine_arrest"
	JobFineSweep  = "fine_sweep"
)

// RunArrestAction escalates every Unpaid or Partially Paid invoice older
// than the arrest threshold to Arrest, together with its unsettled line
// items. The invoice's fine follows only when the fine is older than the
// fine arrest threshold. Already arrested invoices are not candidates.
func (e *Engine) RunArrestAction(ctx context.Context) (*BatchResult, error) {
	now := e.now()
	cutoff := ledger.DaysAgo(now, e.policy.ArrestThresholdDays)
	fineCutoff := ledger.DaysAgo(now, e.policy.FineArrestThresholdDays)

	var candidates []ledger.Invoice
	err := e.view(ctx, func(tx ledger.Tx) error {
		var err error
		candidates, err = tx.ListInvoicesByStatus(ctx, ledger.EscalatableStatuses, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Job: JobArrest, Failures: []BatchFailure{}}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		escalated, err := e.arrestInvoice(ctx, c.ShopID, c.ID, fineCutoff)
		switch {
		case err != nil:
			res.fail(c.ShopID, c.ID, err)
			e.log.Warn("arrest action failed", zap.String("invoice_id", c.ID), zap.Error(err))
		case escalated:
			res.EscalatedCount++
		default:
			res.Skipped++
		}
	}
	e.log.Info("arrest action finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("escalated", res.EscalatedCount),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

func (e *Engine) arrestInvoice(ctx context.Context, shopID, invoiceID string, fineCutoff time.Time) (bool, error) {
	escalated := false
	err := e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		// re-checked under the lock; a payment may have landed meanwhile
		if inv == nil || !inv.Status.Escalatable() {
			return nil
		}

		items, err := tx.ListLineItems(ctx, invoiceID)
		if err != nil {
			return err
		}
		var kinds []string
		for i := range items {
			if items[i].Escalate() {
				if err := tx.UpdateLineItem(ctx, items[i]); err != nil {
					return err
				}
				kinds = append(kinds, string(items[i].Kind))
			}
		}

		fine, err := tx.GetFine(ctx, invoiceID)
		if err != nil {
			return err
		}
		fineEscalated := false
		if fine != nil && fine.GenerateDate.Before(fineCutoff) && fine.Escalate() {
			if err := tx.UpdateFine(ctx, *fine); err != nil {
				return err
			}
			fineEscalated = true
		}

		old := inv.Status
		inv.Status = ledger.StatusArrest
		inv.UpdatedAt = e.now()
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		escalated = true

		return e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      shopID,
			InvoiceID:   invoiceID,
			Type:        ledger.EventArrestAction,
			Description: fmt.Sprintf("invoice %s escalated to Arrest", invoiceID),
			OldValue:    snapshot{"status": string(old)},
			NewValue: snapshot{
				"status":         string(inv.Status),
				"line_items":     kinds,
				"fine_escalated": fineEscalated,
			},
		})
	})
	return escalated, err
}

// RunFineArrestAction escalates Unpaid or Partially Paid fines older than
// the arrest threshold to Arrest regardless of their invoice's status.
func (e *Engine) RunFineArrestAction(ctx context.Context) (*BatchResult, error) {
	cutoff := ledger.DaysAgo(e.now(), e.policy.ArrestThresholdDays)

	var candidates []ledger.Fine
	err := e.view(ctx, func(tx ledger.Tx) error {
		var err error
		candidates, err = tx.ListFinesByStatus(ctx, ledger.EscalatableStatuses, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Job: JobFineArrest, Failures: []BatchFailure{}}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		escalated, err := e.arrestFine(ctx, c.ShopID, c.InvoiceID)
		switch {
		case err != nil:
			res.fail(c.ShopID, c.InvoiceID, err)
			e.log.Warn("fine arrest failed", zap.String("invoice_id", c.InvoiceID), zap.Error(err))
		case escalated:
			res.EscalatedCount++
		default:
			res.Skipped++
		}
	}
	e.log.Info("fine arrest action finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("escalated", res.EscalatedCount),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

func (e *Engine) arrestFine(ctx context.Context, shopID, invoiceID string) (bool, error) {
	escalated := false
	err := e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		f, err := tx.GetFine(ctx, invoiceID)
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		old := f.Status
		if !f.Escalate() {
			return nil
		}
		if err := tx.UpdateFine(ctx, *f); err != nil {
			return err
		}
		if err := e.restatus(ctx, tx, invoiceID, f); err != nil {
			return err
		}
		escalated = true
		return e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      shopID,
			InvoiceID:   invoiceID,
			Type:        ledger.EventArrestAction,
			Description: fmt.Sprintf("fine on invoice %s escalated to Arrest", invoiceID),
			OldValue:    snapshot{"fine_status": string(old)},
			NewValue:    snapshot{"fine_status": string(f.Status)}.money("fine_amount", f.Amount),
		})
	})
	return escalated, err
}

// RunFineSweep fines every open invoice past the grace window that still
// has outstanding rent and no fine yet.
func (e *Engine) RunFineSweep(ctx context.Context) (*BatchResult, error) {
	cutoff := ledger.DaysAgo(e.now(), e.policy.FineGraceDays)

	var candidates []ledger.Invoice
	err := e.view(ctx, func(tx ledger.Tx) error {
		var err error
		candidates, err = tx.ListInvoicesByStatus(ctx, ledger.OpenStatuses, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Job: JobFineSweep, Failures: []BatchFailure{}}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := e.ApplyFine(ctx, c.ID, "")
		switch {
		case err == nil:
			res.FinedCount++
		case errors.Is(err, ledger.ErrFineAlreadyExists), errors.Is(err, ledger.ErrNoOutstandingRent):
			res.Skipped++
		default:
			res.fail(c.ShopID, c.ID, err)
			e.log.Warn("fine sweep failed", zap.String("invoice_id", c.ID), zap.Error(err))
		}
	}
	e.log.Info("fine sweep finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("fined", res.FinedCount),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}
