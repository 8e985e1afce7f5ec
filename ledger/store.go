/*
store.go - Unit-of-work interface between the billing engine and storage

PURPOSE:
  Every core operation acquires exactly one unit of work (Store.WithTx) and
  passes the resulting Tx down to all of its sub-steps: dues lookup, invoice
  and line-item writes, balance write, audit write. There is no module-level
  connection; a Tx is only valid inside the WithTx callback.

ATOMICITY:
  If fn returns an error the whole unit of work is rolled back. An invoice
  can therefore never exist without its line items, and a balance change can
  never be persisted without its audit event.

NOT-FOUND CONVENTION:
  Single-row getters return (nil, nil) when the row does not exist. The
  engine decides which NotFound error to surface.

IMPLEMENTATIONS:
  - store/sqlite: SQLite via database/sql
*/
package ledger

import (
	"context"
	"time"
)

// Store opens units of work.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the set of reads and writes available inside one unit of work.
type Tx interface {
	ShopStore
	BalanceStore
	InvoiceStore
	FineStore
	PaymentStore
	AuditLog
}

type ShopStore interface {
	GetShop(ctx context.Context, id string) (*Shop, error)
	ListShops(ctx context.Context) ([]Shop, error)
	SaveShop(ctx context.Context, shop Shop) error
	// DeleteShop removes the shop and cascades to its balance, invoices,
	// line items, fines and payments.
	DeleteShop(ctx context.Context, id string) error
}

type BalanceStore interface {
	GetBalance(ctx context.Context, shopID string) (*ShopBalance, error)
	SaveBalance(ctx context.Context, b ShopBalance) error
}

type InvoiceStore interface {
	// InsertInvoice fails with ErrDuplicatePeriod if the id or (shop, period) exists.
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	// UpdateInvoice writes the mutable fields: status and printed count.
	UpdateInvoice(ctx context.Context, inv Invoice) error
	ListInvoices(ctx context.Context, shopID string) ([]Invoice, error)
	// LatestInvoiceBefore returns the most recent invoice strictly before p.
	LatestInvoiceBefore(ctx context.Context, shopID string, p Period) (*Invoice, error)
	// ListOpenInvoices returns Arrest, Partially Paid and Unpaid invoices in
	// that order, oldest first within a status.
	ListOpenInvoices(ctx context.Context, shopID string) ([]Invoice, error)
	// ListInvoicesByStatus returns invoices of any shop in one of statuses
	// created strictly before createdBefore, oldest first.
	ListInvoicesByStatus(ctx context.Context, statuses []Status, createdBefore time.Time) ([]Invoice, error)

	InsertLineItems(ctx context.Context, items []LineItem) error
	// ListLineItems returns the invoice's items in waterfall order.
	ListLineItems(ctx context.Context, invoiceID string) ([]LineItem, error)
	ListShopLineItems(ctx context.Context, shopID string) ([]LineItem, error)
	UpdateLineItem(ctx context.Context, item LineItem) error
}

type FineStore interface {
	GetFine(ctx context.Context, invoiceID string) (*Fine, error)
	// InsertFine fails with ErrFineAlreadyExists if the invoice has a fine.
	InsertFine(ctx context.Context, f Fine) error
	UpdateFine(ctx context.Context, f Fine) error
	DeleteFine(ctx context.Context, invoiceID string) error
	ListShopFines(ctx context.Context, shopID string) ([]Fine, error)
	// ListFinesByStatus returns fines of any shop in one of statuses
	// generated strictly before generatedBefore, oldest first.
	ListFinesByStatus(ctx context.Context, statuses []Status, generatedBefore time.Time) ([]Fine, error)
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, p Payment) error
	ListPayments(ctx context.Context, shopID string) ([]Payment, error)
}

// AuditLog stores audit events. Append-only: no update, no delete.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEvent) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
}
