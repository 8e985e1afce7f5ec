package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// POLICY - fine and arrest thresholds
// =============================================================================

// Policy holds the tunable fine and escalation parameters.
//
// The three day thresholds are independent on purpose: installations have
// used 15 and 17 days for the fine grace window and 30 days for arrest, and
// none of them is authoritative.
type Policy struct {
	// FineRate is applied to outstanding rent, e.g. 0.30.
	FineRate decimal.Decimal
	// FineGraceDays: an invoice older than this with unpaid rent is fineable.
	FineGraceDays int
	// ArrestThresholdDays: open invoices (and, for the fine-only job, fines)
	// older than this are escalated to Arrest.
	ArrestThresholdDays int
	// FineArrestThresholdDays: during invoice arrest, the invoice's fine is
	// escalated only if the fine itself is older than this.
	FineArrestThresholdDays int
	// BatchConcurrency bounds parallel shops in GenerateAllInvoices.
	BatchConcurrency int
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		FineRate:                decimal.RequireFromString("0.30"),
		FineGraceDays:           15,
		ArrestThresholdDays:     30,
		FineArrestThresholdDays: 17,
		BatchConcurrency:        4,
	}
}

func (p Policy) IsZero() bool {
	return p.FineRate.IsZero() && p.FineGraceDays == 0 && p.ArrestThresholdDays == 0 &&
		p.FineArrestThresholdDays == 0 && p.BatchConcurrency == 0
}

// withDefaults fills the fields a partially set Policy cannot run without.
// Zero day thresholds are meaningful and kept.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.IsZero() {
		return def
	}
	if !p.FineRate.IsPositive() {
		p.FineRate = def.FineRate
	}
	if p.BatchConcurrency < 1 {
		p.BatchConcurrency = def.BatchConcurrency
	}
	return p
}

// Validate rejects thresholds the engine cannot run with.
func (p Policy) Validate() error {
	switch {
	case !p.FineRate.IsPositive() || p.FineRate.GreaterThan(decimal.NewFromInt(1)):
		return ledger.Invalid("fine_rate", "must be in (0, 1], got %s", p.FineRate)
	case p.FineGraceDays < 0:
		return ledger.Invalid("fine_grace_days", "must not be negative")
	case p.ArrestThresholdDays < 0:
		return ledger.Invalid("arrest_threshold_days", "must not be negative")
	case p.FineArrestThresholdDays < 0:
		return ledger.Invalid("fine_arrest_threshold_days", "must not be negative")
	case p.BatchConcurrency < 1:
		return ledger.Invalid("batch_concurrency", "must be at least 1")
	}
	return nil
}

// fineOn returns the fine owed on the invoice's outstanding rent.
func (p Policy) fineOn(items []ledger.LineItem) decimal.Decimal {
	outstanding := decimal.Zero
	for _, it := range items {
		if it.Kind == ledger.ItemRent {
			outstanding = outstanding.Add(ledger.NonNegative(it.Amount.Sub(it.PaidAmount)))
		}
	}
	return ledger.RoundMoney(outstanding.Mul(p.FineRate))
}

func (p Policy) pastGrace(created, now time.Time) bool {
	return created.Before(ledger.DaysAgo(now, p.FineGraceDays))
}
