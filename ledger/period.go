package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD - the billing month an invoice covers
// =============================================================================

// Period is a calendar month, written "YYYY-MM".
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, &ValidationError{Field: "period", Message: fmt.Sprintf("%q is not a YYYY-MM period", s)}
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// Compact is the YYYYMM form used in invoice ids.
func (p Period) Compact() string { return fmt.Sprintf("%04d%02d", p.Year, int(p.Month)) }

func (p Period) Start() time.Time { return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC) }

func (p Period) Before(other Period) bool { return p.Start().Before(other.Start()) }

func (p Period) IsZero() bool { return p.Year == 0 }

func (p Period) Next() Period { return PeriodOf(p.Start().AddDate(0, 1, 0)) }

func (p Period) Prev() Period { return PeriodOf(p.Start().AddDate(0, -1, 0)) }

// InvoiceID is the deterministic id of a shop's invoice for a period.
// Generating the same (shop, period) twice collides on this key.
func InvoiceID(shopID string, p Period) string {
	return fmt.Sprintf("INV-%s-%s", shopID, p.Compact())
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// Percent returns base * rate / 100 rounded to cents.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return RoundMoney(base.Mul(rate).Div(hundred))
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// DaysAgo returns the instant n whole days before now.
func DaysAgo(now time.Time, n int) time.Time { return now.AddDate(0, 0, -n) }
