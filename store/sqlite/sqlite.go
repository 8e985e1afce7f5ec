/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists shops, balances, invoices, line items, fines, payments and the
  audit trail. Every read and write runs inside a database transaction
  opened by WithTx; the engine never sees a bare connection.

KEY TABLES:
  shops:          billing terms
  shop_balances:  one signed running balance per shop
  invoices:       one per (shop, month_year), id INV-{shop}-{YYYYMM}
  line_items:     Rent / OperationFee / VAT rows, PRIMARY KEY(invoice_id, kind)
  fines:          PRIMARY KEY(invoice_id) enforces one fine per invoice
  payments:       append-only cash received
  audit_trail:    append-only event log, no foreign key so it outlives shops

CASCADE:
  Deleting a shop purges its balance, invoices, line items, fines and
  payments through ON DELETE CASCADE. Foreign keys are enabled per
  connection via the DSN.

MONEY:
  Decimals are stored as TEXT and summed in Go, so nothing passes through
  float64.

CONCURRENCY:
  SQLite has a single writer. The pool is capped at one connection, which
  also keeps ":memory:" databases coherent across calls. Per-shop ordering
  is the billing engine's job.

USAGE:
  store, err := sqlite.New("./data/rent.db", logger)
  if err != nil {
      return err
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/ledger"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, log: log.Named("store.sqlite")}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store.log.Debug("database ready", zap.String("path", dbPath))
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shops (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		rent_amount TEXT NOT NULL,
		vat_rate TEXT NOT NULL,
		operation_fee TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shop_balances (
		shop_id TEXT PRIMARY KEY REFERENCES shops(id) ON DELETE CASCADE,
		balance_amount TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		shop_id TEXT NOT NULL REFERENCES shops(id) ON DELETE CASCADE,
		month_year TEXT NOT NULL,
		rent_amount TEXT NOT NULL,
		operation_fee TEXT NOT NULL,
		vat_amount TEXT NOT NULL,
		previous_balance TEXT NOT NULL,
		fines TEXT NOT NULL,
		previous_fines TEXT NOT NULL,
		total_arrears TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Unpaid', 'Partially Paid', 'Paid', 'Arrest')),
		printed_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (shop_id, month_year)
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_shop_status
		ON invoices(shop_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_invoices_status_created
		ON invoices(status, created_at);

	CREATE TABLE IF NOT EXISTS line_items (
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		shop_id TEXT NOT NULL REFERENCES shops(id) ON DELETE CASCADE,
		kind TEXT NOT NULL CHECK (kind IN ('Rent', 'OperationFee', 'VAT')),
		amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Unpaid', 'Partially Paid', 'Paid', 'Arrest')),
		paid_date TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (invoice_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_shop
		ON line_items(shop_id);

	-- One fine per invoice, enforced by the primary key
	CREATE TABLE IF NOT EXISTS fines (
		invoice_id TEXT PRIMARY KEY REFERENCES invoices(id) ON DELETE CASCADE,
		shop_id TEXT NOT NULL REFERENCES shops(id) ON DELETE CASCADE,
		fine_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('Unpaid', 'Partially Paid', 'Paid', 'Arrest')),
		paid_date TEXT,
		generate_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fines_shop
		ON fines(shop_id);
	CREATE INDEX IF NOT EXISTS idx_fines_status_generated
		ON fines(status, generate_date);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		shop_id TEXT NOT NULL REFERENCES shops(id) ON DELETE CASCADE,
		invoice_id TEXT REFERENCES invoices(id) ON DELETE SET NULL,
		amount_paid TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_shop
		ON payments(shop_id, payment_date);

	CREATE TABLE IF NOT EXISTS audit_trail (
		id TEXT PRIMARY KEY,
		shop_id TEXT NOT NULL,
		invoice_id TEXT,
		event_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		old_value_json TEXT,
		new_value_json TEXT,
		actor TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_shop
		ON audit_trail(shop_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_invoice
		ON audit_trail(invoice_id) WHERE invoice_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK (ledger.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// txStore implements ledger.Tx on top of one *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

var _ ledger.Tx = (*txStore)(nil)

// =============================================================================
// SHOPS
// =============================================================================

const shopColumns = `id, name, location, rent_amount, vat_rate, operation_fee, created_at, updated_at`

func (t *txStore) GetShop(ctx context.Context, id string) (*ledger.Shop, error) {
	shops, err := t.queryShops(ctx, "SELECT "+shopColumns+" FROM shops WHERE id = ?", id)
	if err != nil || len(shops) == 0 {
		return nil, err
	}
	return &shops[0], nil
}

func (t *txStore) ListShops(ctx context.Context) ([]ledger.Shop, error) {
	return t.queryShops(ctx, "SELECT "+shopColumns+" FROM shops ORDER BY id")
}

func (t *txStore) SaveShop(ctx context.Context, shop ledger.Shop) error {
	query := `
		INSERT INTO shops (id, name, location, rent_amount, vat_rate, operation_fee, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			rent_amount = excluded.rent_amount,
			vat_rate = excluded.vat_rate,
			operation_fee = excluded.operation_fee,
			updated_at = excluded.updated_at
	`
	_, err := t.tx.ExecContext(ctx, query,
		shop.ID, shop.Name, shop.Location,
		shop.RentAmount.String(), shop.VATRate.String(), shop.OperationFee.String(),
		formatTime(shop.CreatedAt), formatTime(shop.UpdatedAt),
	)
	return classify(err)
}

func (t *txStore) DeleteShop(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM shops WHERE id = ?", id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrShopNotFound.WithID(id)
	}
	return nil
}

func (t *txStore) queryShops(ctx context.Context, query string, args ...any) ([]ledger.Shop, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query shops: %w", err))
	}
	defer rows.Close()

	var shops []ledger.Shop
	for rows.Next() {
		var (
			sh                   ledger.Shop
			rent, vat, fee       string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sh.ID, &sh.Name, &sh.Location, &rent, &vat, &fee, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan shop: %w", err)
		}
		var dec decoder
		sh.RentAmount = dec.decimal("rent_amount", rent)
		sh.VATRate = dec.decimal("vat_rate", vat)
		sh.OperationFee = dec.decimal("operation_fee", fee)
		sh.CreatedAt = dec.time("created_at", createdAt)
		sh.UpdatedAt = dec.time("updated_at", updatedAt)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode shop %s: %w", sh.ID, dec.err)
		}
		shops = append(shops, sh)
	}
	return shops, rows.Err()
}

// =============================================================================
// BALANCES
// =============================================================================

func (t *txStore) GetBalance(ctx context.Context, shopID string) (*ledger.ShopBalance, error) {
	var (
		b                 ledger.ShopBalance
		amount, updatedAt string
	)
	err := t.tx.QueryRowContext(ctx,
		"SELECT shop_id, balance_amount, last_updated FROM shop_balances WHERE shop_id = ?",
		shopID,
	).Scan(&b.ShopID, &amount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	var dec decoder
	b.Amount = dec.decimal("balance_amount", amount)
	b.LastUpdated = dec.time("last_updated", updatedAt)
	if dec.err != nil {
		return nil, fmt.Errorf("failed to decode balance of %s: %w", shopID, dec.err)
	}
	return &b, nil
}

func (t *txStore) SaveBalance(ctx context.Context, b ledger.ShopBalance) error {
	query := `
		INSERT INTO shop_balances (shop_id, balance_amount, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(shop_id) DO UPDATE SET
			balance_amount = excluded.balance_amount,
			last_updated = excluded.last_updated
	`
	_, err := t.tx.ExecContext(ctx, query, b.ShopID, b.Amount.String(), formatTime(b.LastUpdated))
	return classify(err)
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, shop_id, month_year, rent_amount, operation_fee, vat_amount,
	previous_balance, fines, previous_fines, total_arrears, total_amount,
	status, printed_count, created_at, updated_at`

// openRank mirrors ledger.Status.Rank for ORDER BY.
const openRank = `CASE status WHEN 'Arrest' THEN 0 WHEN 'Partially Paid' THEN 1 WHEN 'Unpaid' THEN 2 ELSE 3 END`

func (t *txStore) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := t.tx.ExecContext(ctx, query,
		inv.ID, inv.ShopID, inv.Period.String(),
		inv.RentAmount.String(), inv.OperationFee.String(), inv.VATAmount.String(),
		inv.PreviousBalance.String(), inv.Fines.String(), inv.PreviousFines.String(),
		inv.TotalArrears.String(), inv.TotalAmount.String(),
		string(inv.Status), inv.PrintedCount,
		formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt),
	)
	if err := classify(err); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return ledger.ErrDuplicatePeriod.WithKey(inv.ID)
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (t *txStore) GetInvoice(ctx context.Context, id string) (*ledger.Invoice, error) {
	invs, err := t.queryInvoices(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
	if err != nil || len(invs) == 0 {
		return nil, err
	}
	return &invs[0], nil
}

func (t *txStore) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE invoices SET status = ?, printed_count = ?, updated_at = ? WHERE id = ?",
		string(inv.Status), inv.PrintedCount, formatTime(inv.UpdatedAt), inv.ID,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrInvoiceNotFound.WithID(inv.ID)
	}
	return nil
}

func (t *txStore) ListInvoices(ctx context.Context, shopID string) ([]ledger.Invoice, error) {
	return t.queryInvoices(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE shop_id = ? ORDER BY month_year ASC",
		shopID)
}

func (t *txStore) LatestInvoiceBefore(ctx context.Context, shopID string, p ledger.Period) (*ledger.Invoice, error) {
	invs, err := t.queryInvoices(ctx,
		"SELECT "+invoiceColumns+" FROM invoices WHERE shop_id = ? AND month_year < ? ORDER BY month_year DESC LIMIT 1",
		shopID, p.String())
	if err != nil || len(invs) == 0 {
		return nil, err
	}
	return &invs[0], nil
}

func (t *txStore) ListOpenInvoices(ctx context.Context, shopID string) ([]ledger.Invoice, error) {
	in, args := statusIn(ledger.OpenStatuses)
	query := "SELECT " + invoiceColumns + " FROM invoices WHERE shop_id = ? AND status " + in +
		" ORDER BY " + openRank + ", created_at ASC, id ASC"
	return t.queryInvoices(ctx, query, append([]any{shopID}, args...)...)
}

func (t *txStore) ListInvoicesByStatus(ctx context.Context, statuses []ledger.Status, createdBefore time.Time) ([]ledger.Invoice, error) {
	in, args := statusIn(statuses)
	query := "SELECT " + invoiceColumns + " FROM invoices WHERE status " + in +
		" AND created_at < ? ORDER BY created_at ASC, id ASC"
	return t.queryInvoices(ctx, query, append(args, formatTime(createdBefore))...)
}

func (t *txStore) queryInvoices(ctx context.Context, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query invoices: %w", err))
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		var (
			inv                            ledger.Invoice
			monthYear, status              string
			rent, fee, vat, prevBal, fines string
			prevFines, arrears, total      string
			createdAt, updatedAt           string
		)
		err := rows.Scan(
			&inv.ID, &inv.ShopID, &monthYear, &rent, &fee, &vat,
			&prevBal, &fines, &prevFines, &arrears, &total,
			&status, &inv.PrintedCount, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		var dec decoder
		inv.Period = dec.period("month_year", monthYear)
		inv.RentAmount = dec.decimal("rent_amount", rent)
		inv.OperationFee = dec.decimal("operation_fee", fee)
		inv.VATAmount = dec.decimal("vat_amount", vat)
		inv.PreviousBalance = dec.decimal("previous_balance", prevBal)
		inv.Fines = dec.decimal("fines", fines)
		inv.PreviousFines = dec.decimal("previous_fines", prevFines)
		inv.TotalArrears = dec.decimal("total_arrears", arrears)
		inv.TotalAmount = dec.decimal("total_amount", total)
		inv.Status = ledger.Status(status)
		inv.CreatedAt = dec.time("created_at", createdAt)
		inv.UpdatedAt = dec.time("updated_at", updatedAt)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode invoice %s: %w", inv.ID, dec.err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// =============================================================================
// LINE ITEMS
// =============================================================================

const lineItemColumns = `invoice_id, shop_id, kind, amount, paid_amount, status, paid_date, created_at`

const kindRank = `CASE kind WHEN 'Rent' THEN 0 WHEN 'OperationFee' THEN 1 WHEN 'VAT' THEN 2 ELSE 3 END`

func (t *txStore) InsertLineItems(ctx context.Context, items []ledger.LineItem) error {
	query := `INSERT INTO line_items (` + lineItemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for _, it := range items {
		_, err := t.tx.ExecContext(ctx, query,
			it.InvoiceID, it.ShopID, string(it.Kind),
			it.Amount.String(), it.PaidAmount.String(), string(it.Status),
			nullTime(it.PaidDate), formatTime(it.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert %s line item: %w", it.Kind, classify(err))
		}
	}
	return nil
}

func (t *txStore) ListLineItems(ctx context.Context, invoiceID string) ([]ledger.LineItem, error) {
	return t.queryLineItems(ctx,
		"SELECT "+lineItemColumns+" FROM line_items WHERE invoice_id = ? ORDER BY "+kindRank,
		invoiceID)
}

func (t *txStore) ListShopLineItems(ctx context.Context, shopID string) ([]ledger.LineItem, error) {
	return t.queryLineItems(ctx,
		"SELECT "+lineItemColumns+" FROM line_items WHERE shop_id = ? ORDER BY created_at, invoice_id, "+kindRank,
		shopID)
}

func (t *txStore) UpdateLineItem(ctx context.Context, it ledger.LineItem) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE line_items SET paid_amount = ?, status = ?, paid_date = ? WHERE invoice_id = ? AND kind = ?",
		it.PaidAmount.String(), string(it.Status), nullTime(it.PaidDate), it.InvoiceID, string(it.Kind),
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Resource: "line item", ID: it.InvoiceID + "/" + string(it.Kind)}
	}
	return nil
}

func (t *txStore) queryLineItems(ctx context.Context, query string, args ...any) ([]ledger.LineItem, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query line items: %w", err))
	}
	defer rows.Close()

	var items []ledger.LineItem
	for rows.Next() {
		var (
			it                         ledger.LineItem
			kind, amount, paid, status string
			paidDate                   sql.NullString
			createdAt                  string
		)
		if err := rows.Scan(&it.InvoiceID, &it.ShopID, &kind, &amount, &paid, &status, &paidDate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		it.Kind = ledger.ItemKind(kind)
		var dec decoder
		it.Amount = dec.decimal("amount", amount)
		it.PaidAmount = dec.decimal("paid_amount", paid)
		it.Status = ledger.Status(status)
		it.PaidDate = dec.nullTime("paid_date", paidDate)
		it.CreatedAt = dec.time("created_at", createdAt)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode %s line item of %s: %w", kind, it.InvoiceID, dec.err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// =============================================================================
// FINES
// =============================================================================

const fineColumns = `invoice_id, shop_id, fine_amount, paid_amount, status, paid_date, generate_date`

func (t *txStore) GetFine(ctx context.Context, invoiceID string) (*ledger.Fine, error) {
	fines, err := t.queryFines(ctx, "SELECT "+fineColumns+" FROM fines WHERE invoice_id = ?", invoiceID)
	if err != nil || len(fines) == 0 {
		return nil, err
	}
	return &fines[0], nil
}

func (t *txStore) InsertFine(ctx context.Context, f ledger.Fine) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO fines ("+fineColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		f.InvoiceID, f.ShopID, f.Amount.String(), f.PaidAmount.String(), string(f.Status),
		nullTime(f.PaidDate), formatTime(f.GenerateDate),
	)
	if err := classify(err); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return ledger.ErrFineAlreadyExists.WithKey(f.InvoiceID)
		}
		return fmt.Errorf("failed to insert fine: %w", err)
	}
	return nil
}

func (t *txStore) UpdateFine(ctx context.Context, f ledger.Fine) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE fines SET paid_amount = ?, status = ?, paid_date = ? WHERE invoice_id = ?",
		f.PaidAmount.String(), string(f.Status), nullTime(f.PaidDate), f.InvoiceID,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrFineNotFound.WithID(f.InvoiceID)
	}
	return nil
}

func (t *txStore) DeleteFine(ctx context.Context, invoiceID string) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM fines WHERE invoice_id = ?", invoiceID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrFineNotFound.WithID(invoiceID)
	}
	return nil
}

func (t *txStore) ListShopFines(ctx context.Context, shopID string) ([]ledger.Fine, error) {
	return t.queryFines(ctx,
		"SELECT "+fineColumns+" FROM fines WHERE shop_id = ? ORDER BY generate_date, invoice_id",
		shopID)
}

func (t *txStore) ListFinesByStatus(ctx context.Context, statuses []ledger.Status, generatedBefore time.Time) ([]ledger.Fine, error) {
	in, args := statusIn(statuses)
	query := "SELECT " + fineColumns + " FROM fines WHERE status " + in +
		" AND generate_date < ? ORDER BY generate_date ASC, invoice_id ASC"
	return t.queryFines(ctx, query, append(args, formatTime(generatedBefore))...)
}

func (t *txStore) queryFines(ctx context.Context, query string, args ...any) ([]ledger.Fine, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query fines: %w", err))
	}
	defer rows.Close()

	var fines []ledger.Fine
	for rows.Next() {
		var (
			f                    ledger.Fine
			amount, paid, status string
			paidDate             sql.NullString
			generated            string
		)
		if err := rows.Scan(&f.InvoiceID, &f.ShopID, &amount, &paid, &status, &paidDate, &generated); err != nil {
			return nil, fmt.Errorf("failed to scan fine: %w", err)
		}
		var dec decoder
		f.Amount = dec.decimal("fine_amount", amount)
		f.PaidAmount = dec.decimal("paid_amount", paid)
		f.Status = ledger.Status(status)
		f.PaidDate = dec.nullTime("paid_date", paidDate)
		f.GenerateDate = dec.time("generate_date", generated)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode fine of %s: %w", f.InvoiceID, dec.err)
		}
		fines = append(fines, f)
	}
	return fines, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (t *txStore) InsertPayment(ctx context.Context, p ledger.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, shop_id, invoice_id, amount_paid, payment_date, payment_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ShopID, nullString(p.InvoiceID), p.Amount.String(),
		formatTime(p.PaidAt), string(p.Method), formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", classify(err))
	}
	return nil
}

func (t *txStore) ListPayments(ctx context.Context, shopID string) ([]ledger.Payment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, shop_id, invoice_id, amount_paid, payment_date, payment_method, created_at
		FROM payments WHERE shop_id = ? ORDER BY payment_date ASC, created_at ASC`, shopID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var (
			p                            ledger.Payment
			invoiceID                    sql.NullString
			amount, paidAt, method, made string
		)
		if err := rows.Scan(&p.ID, &p.ShopID, &invoiceID, &amount, &paidAt, &method, &made); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.InvoiceID = invoiceID.String
		var dec decoder
		p.Amount = dec.decimal("amount_paid", amount)
		p.PaidAt = dec.time("payment_date", paidAt)
		p.Method = ledger.PaymentMethod(method)
		p.CreatedAt = dec.time("created_at", made)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode payment %s: %w", p.ID, dec.err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func (t *txStore) AppendAudit(ctx context.Context, e ledger.AuditEvent) error {
	oldJSON, err := marshalSnapshot(e.OldValue)
	if err != nil {
		return err
	}
	newJSON, err := marshalSnapshot(e.NewValue)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_trail (id, shop_id, invoice_id, event_type, description, old_value_json, new_value_json, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ShopID, nullString(e.InvoiceID), string(e.Type), e.Description,
		oldJSON, newJSON, e.Actor, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", classify(err))
	}
	return nil
}

func (t *txStore) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.ShopID != "" {
		where = append(where, "shop_id = ?")
		args = append(args, f.ShopID)
	}
	if f.InvoiceID != "" {
		where = append(where, "invoice_id = ?")
		args = append(args, f.InvoiceID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, typ := range f.Types {
			marks[i] = "?"
			args = append(args, string(typ))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := `SELECT id, shop_id, invoice_id, event_type, description, old_value_json, new_value_json, actor, created_at
		FROM audit_trail`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query audit trail: %w", err))
	}
	defer rows.Close()

	var events []ledger.AuditEvent
	for rows.Next() {
		var (
			e                ledger.AuditEvent
			invoiceID        sql.NullString
			oldJSON, newJSON sql.NullString
			typ, at          string
		)
		if err := rows.Scan(&e.ID, &e.ShopID, &invoiceID, &typ, &e.Description, &oldJSON, &newJSON, &e.Actor, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.InvoiceID = invoiceID.String
		e.Type = ledger.EventType(typ)
		var dec decoder
		e.At = dec.time("created_at", at)
		e.OldValue = dec.snapshot("old_value_json", oldJSON)
		e.NewValue = dec.snapshot("new_value_json", newJSON)
		if dec.err != nil {
			return nil, fmt.Errorf("failed to decode audit event %s: %w", e.ID, dec.err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Helper functions

func statusIn(statuses []ledger.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return "IN (" + strings.Join(marks, ", ") + ")", args
}

func marshalSnapshot(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// decoder converts stored TEXT columns back into ledger values and keeps
// the first column that fails to parse.
type decoder struct {
	err error
}

func (d *decoder) fail(col string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: column %s: %v", ledger.ErrInternal, col, err)
	}
}

func (d *decoder) decimal(col, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail(col, err)
		return decimal.Zero
	}
	return v
}

func (d *decoder) time(col, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		d.fail(col, err)
	}
	return t
}

func (d *decoder) nullTime(col string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := d.time(col, s.String)
	return &t
}

func (d *decoder) period(col, s string) ledger.Period {
	p, err := ledger.ParsePeriod(s)
	if err != nil {
		d.fail(col, err)
	}
	return p
}

func (d *decoder) snapshot(col string, s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		d.fail(col, err)
		return nil
	}
	return v
}

// classify maps driver errors onto ledger error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrConstraintUnique,
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ledger.ErrDuplicate, err)
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
		}
	}
	if errors.Is(err, ledger.ErrDuplicate) || errors.Is(err, ledger.ErrConflict) ||
		errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %v", ledger.ErrInternal, err)
}
