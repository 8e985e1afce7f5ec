package billing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

// record appends an audit event inside the caller's unit of work, filling
// in id, timestamp and actor.
func (e *Engine) record(ctx context.Context, tx ledger.Tx, ev ledger.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	ev.Actor = actorOr(ev.Actor, e.actor)
	return tx.AppendAudit(ctx, ev)
}

// AuditTrail queries the audit trail.
func (e *Engine) AuditTrail(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	var events []ledger.AuditEvent
	err := e.view(ctx, func(tx ledger.Tx) error {
		var err error
		events, err = tx.QueryAudit(ctx, f)
		return err
	})
	return events, err
}

// snapshot keeps audit values readable: decimals become strings.
type snapshot map[string]any

func (s snapshot) money(key string, d decimal.Decimal) snapshot {
	s[key] = d.StringFixed(2)
	return s
}

func chargeSnapshot(c ledger.Charge) snapshot {
	return snapshot{"status": string(c.Status)}.
		money("amount", c.Amount).
		money("paid_amount", c.PaidAmount)
}
