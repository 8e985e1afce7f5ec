package billing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// DUES AGGREGATOR
// =============================================================================

// Dues buckets a shop's unsettled charges by status.
// Fines are tracked on their own and are not part of TotalArrears.
type Dues struct {
	TotalArrest     decimal.Decimal `json:"total_arrest"`
	TotalPartPaid   decimal.Decimal `json:"total_part_paid"`
	TotalUnpaid     decimal.Decimal `json:"total_unpaid"`
	TotalUnpaidFine decimal.Decimal `json:"total_unpaid_fine"`
}

// TotalArrears is what a new invoice carries forward from older ones.
func (d Dues) TotalArrears() decimal.Decimal {
	return d.TotalArrest.Add(d.TotalPartPaid).Add(d.TotalUnpaid)
}

// AggregateDues sums every historical line item and fine of the shop.
// It has no side effects.
func AggregateDues(ctx context.Context, tx ledger.Tx, shopID string) (Dues, error) {
	d := Dues{
		TotalArrest:     decimal.Zero,
		TotalPartPaid:   decimal.Zero,
		TotalUnpaid:     decimal.Zero,
		TotalUnpaidFine: decimal.Zero,
	}

	items, err := tx.ListShopLineItems(ctx, shopID)
	if err != nil {
		return d, err
	}
	for _, it := range items {
		deficit := it.Deficit()
		switch it.Status {
		case ledger.StatusArrest:
			d.TotalArrest = d.TotalArrest.Add(deficit)
		case ledger.StatusPartiallyPaid:
			d.TotalPartPaid = d.TotalPartPaid.Add(deficit)
		case ledger.StatusUnpaid:
			d.TotalUnpaid = d.TotalUnpaid.Add(deficit)
		}
	}

	fines, err := tx.ListShopFines(ctx, shopID)
	if err != nil {
		return d, err
	}
	for _, f := range fines {
		if f.Status.Open() {
			d.TotalUnpaidFine = d.TotalUnpaidFine.Add(f.Deficit())
		}
	}
	return d, nil
}

// Dues returns the current dues of a shop.
func (e *Engine) Dues(ctx context.Context, shopID string) (Dues, error) {
	var d Dues
	err := e.view(ctx, func(tx ledger.Tx) error {
		if err := requireShop(ctx, tx, shopID); err != nil {
			return err
		}
		var err error
		d, err = AggregateDues(ctx, tx, shopID)
		return err
	})
	return d, err
}
