/*
Package ledger defines the persisted shape of the market rent ledger.

PURPOSE:
  Entities, statuses and the storage contract shared by the billing engine
  and the storage implementations. Nothing in this package talks to a
  database; it only describes what gets stored and how a charge settles.

KEY CONCEPTS IN THIS FILE (types.go):
  - Shop:        billing terms (rent, operation fee, VAT rate)
  - ShopBalance: signed running account (positive = credit, negative = debt)
  - Invoice:     one per shop per billing period, immutable except status/print count
  - Charge:      face amount + paid amount + status, shared by line items and fines
  - Payment:     append-only record of cash received
  - AuditEvent:  append-only record of every ledger mutation

MONEY:
  All amounts are decimal.Decimal. Rates are applied through RoundMoney so
  VAT and fines never carry sub-cent fractions.

SEE ALSO:
  - status.go: status enum and invoice status derivation
  - store.go:  Store / Tx unit-of-work interfaces
  - errors.go: error kinds
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SHOP
// =============================================================================

// Shop carries the mutable billing terms used when an invoice is generated.
type Shop struct {
	ID           string
	Name         string
	Location     string
	RentAmount   decimal.Decimal
	VATRate      decimal.Decimal // percent, e.g. 10 for 10%
	OperationFee decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ShopBalance is the per-shop running account.
// Positive Amount is unapplied credit; negative Amount is debt owed by the shop.
type ShopBalance struct {
	ShopID      string
	Amount      decimal.Decimal
	LastUpdated time.Time
}

// =============================================================================
// INVOICE
// =============================================================================

type Invoice struct {
	ID              string
	ShopID          string
	Period          Period
	RentAmount      decimal.Decimal
	OperationFee    decimal.Decimal
	VATAmount       decimal.Decimal
	PreviousBalance decimal.Decimal // balance snapshot at generation time
	Fines           decimal.Decimal // unpaid fines carried in at generation time
	PreviousFines   decimal.Decimal // fine on the prior invoice, informational
	TotalArrears    decimal.Decimal
	TotalAmount     decimal.Decimal // amount still to collect at generation time
	Status          Status
	PrintedCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ItemKind names the line items every invoice carries.
type ItemKind string

const (
	ItemRent         ItemKind = "Rent"
	ItemOperationFee ItemKind = "OperationFee"
	ItemVAT          ItemKind = "VAT"
)

// Waterfall is the fixed order in which payments settle line items.
// The fine, when present, is settled after the last line item.
var Waterfall = []ItemKind{ItemRent, ItemOperationFee, ItemVAT}

// Rank returns the waterfall position of the kind.
func (k ItemKind) Rank() int {
	for i, w := range Waterfall {
		if w == k {
			return i
		}
	}
	return len(Waterfall)
}

// =============================================================================
// CHARGE - shared settlement state of line items and fines
// =============================================================================

// Charge is an amount owed against an invoice and how much of it is settled.
//
// INVARIANT: 0 <= PaidAmount <= Amount.
type Charge struct {
	Amount     decimal.Decimal
	PaidAmount decimal.Decimal
	Status     Status
	PaidDate   *time.Time
}

// NewCharge returns an unsettled charge. A zero face amount is already Paid.
func NewCharge(amount decimal.Decimal, at time.Time) Charge {
	c := Charge{Amount: amount, PaidAmount: decimal.Zero, Status: StatusUnpaid}
	if !amount.IsPositive() {
		c.Amount = decimal.Zero
		c.Status = StatusPaid
		c.PaidDate = &at
	}
	return c
}

// Deficit is the unsettled part of the charge, never negative.
func (c Charge) Deficit() decimal.Decimal {
	d := c.Amount.Sub(c.PaidAmount)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Apply settles up to avail against the charge and returns what was consumed.
// A charge in Arrest stays in Arrest until it is fully settled.
func (c *Charge) Apply(avail decimal.Decimal, at time.Time) decimal.Decimal {
	if c.Status == StatusPaid {
		return decimal.Zero
	}
	pay := decimal.Min(avail, c.Deficit())
	if pay.IsNegative() {
		pay = decimal.Zero
	}
	c.PaidAmount = c.PaidAmount.Add(pay)

	switch {
	case c.Deficit().IsZero():
		c.Status = StatusPaid
		c.PaidDate = &at
	case pay.IsPositive():
		if c.Status != StatusArrest {
			c.Status = StatusPartiallyPaid
		}
		c.PaidDate = &at
	}
	return pay
}

// Escalate moves an Unpaid or Partially Paid charge to Arrest.
// It reports whether the status changed.
func (c *Charge) Escalate() bool {
	if !c.Status.Escalatable() {
		return false
	}
	c.Status = StatusArrest
	return true
}

// LineItem is one of the Rent / OperationFee / VAT rows of an invoice.
type LineItem struct {
	InvoiceID string
	ShopID    string
	Kind      ItemKind
	Charge
	CreatedAt time.Time
}

// Fine is the late-payment fine of an invoice. At most one exists per invoice.
type Fine struct {
	InvoiceID string
	ShopID    string
	Charge
	GenerateDate time.Time
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "Cash"
	MethodBankTransfer PaymentMethod = "Bank Transfer"
	MethodCheque       PaymentMethod = "Cheque"
	MethodMobileMoney  PaymentMethod = "Mobile Money"
	MethodCard         PaymentMethod = "Card"
)

var paymentMethods = map[PaymentMethod]bool{
	MethodCash:         true,
	MethodBankTransfer: true,
	MethodCheque:       true,
	MethodMobileMoney:  true,
	MethodCard:         true,
}

func (m PaymentMethod) Valid() bool { return paymentMethods[m] }

// Payment is cash received from a shop. Never mutated.
type Payment struct {
	ID        string
	ShopID    string
	InvoiceID string // optional
	Amount    decimal.Decimal
	PaidAt    time.Time
	Method    PaymentMethod
	CreatedAt time.Time
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

type EventType string

const (
	EventInvoiceGenerated EventType = "Invoice Generated"
	EventPaymentMade      EventType = "Payment Made"
	EventPartiallyPaid    EventType = "Partially Paid"
	EventFineApplied      EventType = "Fine Applied"
	EventArrestAction     EventType = "Arrest Action"
	EventCorrection       EventType = "Correction"
	EventManualEdit       EventType = "Manual Edit"
)

// AuditEvent is an immutable record of a ledger mutation.
// ShopID is kept as plain text so events outlive a deleted shop.
type AuditEvent struct {
	ID          string
	ShopID      string
	InvoiceID   string
	Type        EventType
	Description string
	OldValue    map[string]any
	NewValue    map[string]any
	Actor       string
	At          time.Time
}

// AuditFilter narrows an audit trail query. Zero fields match everything.
type AuditFilter struct {
	ShopID    string
	InvoiceID string
	Types     []EventType
	From      *time.Time
	To        *time.Time
	Limit     int
}
