package ledger

import "github.com/shopspring/decimal"

// Status is shared by invoices, line items and fines.
type Status string

const (
	StatusUnpaid        Status = "Unpaid"
	StatusPartiallyPaid Status = "Partially Paid"
	StatusPaid          Status = "Paid"
	StatusArrest        Status = "Arrest"
)

// OpenStatuses are the statuses a payment can still settle, in priority order.
var OpenStatuses = []Status{StatusArrest, StatusPartiallyPaid, StatusUnpaid}

// EscalatableStatuses are the statuses the arrest jobs move to Arrest.
var EscalatableStatuses = []Status{StatusUnpaid, StatusPartiallyPaid}

func (s Status) Valid() bool {
	switch s {
	case StatusUnpaid, StatusPartiallyPaid, StatusPaid, StatusArrest:
		return true
	}
	return false
}

func (s Status) Open() bool { return s.Valid() && s != StatusPaid }

func (s Status) Escalatable() bool { return s == StatusUnpaid || s == StatusPartiallyPaid }

// Rank orders open invoices for allocation: Arrest first, Unpaid last.
func (s Status) Rank() int {
	switch s {
	case StatusArrest:
		return 0
	case StatusPartiallyPaid:
		return 1
	case StatusUnpaid:
		return 2
	default:
		return 3
	}
}

// DeriveInvoiceStatus computes an invoice status from its charges.
//
//	all charges Paid                         -> Paid
//	any charge in Arrest                     -> Arrest
//	any money applied                        -> Partially Paid
//	otherwise                                -> Unpaid
//
// The stored invoice status is not consulted: removing the only arrested
// charge releases the invoice.
func DeriveInvoiceStatus(items []LineItem, fine *Fine) Status {
	charges := make([]Charge, 0, len(items)+1)
	for _, it := range items {
		charges = append(charges, it.Charge)
	}
	if fine != nil {
		charges = append(charges, fine.Charge)
	}

	allPaid, anyArrest := true, false
	paid := decimal.Zero
	for _, c := range charges {
		if c.Status != StatusPaid {
			allPaid = false
		}
		if c.Status == StatusArrest {
			anyArrest = true
		}
		paid = paid.Add(c.PaidAmount)
	}

	switch {
	case allPaid:
		return StatusPaid
	case anyArrest:
		return StatusArrest
	case paid.IsPositive():
		return StatusPartiallyPaid
	default:
		return StatusUnpaid
	}
}
