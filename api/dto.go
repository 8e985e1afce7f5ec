/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Ledger entities carry
  no JSON tags; these types are the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are rendered as strings with two decimals ("1210.00") so clients
  never see binary floating point. Request amounts accept either a JSON
  number or a string.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/requests.go: Engine request types, decoded directly where the
    shape matches
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateRequest names the billing period, "YYYY-MM".
type GenerateRequest struct {
	Period string `json:"period"`
}

// PaymentBodyRequest is the body of the two payment routes. The shop or
// invoice comes from the URL.
type PaymentBodyRequest struct {
	Amount decimal.Decimal      `json:"amount"`
	Method ledger.PaymentMethod `json:"method"`
	PaidAt *time.Time           `json:"paid_at,omitempty"`
	Actor  string               `json:"actor,omitempty"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ShopDTO struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Location     string    `json:"location,omitempty"`
	RentAmount   string    `json:"rent_amount"`
	VATRate      string    `json:"vat_rate"`
	OperationFee string    `json:"operation_fee"`
	Balance      *string   `json:"balance,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type BalanceDTO struct {
	ShopID      string    `json:"shop_id"`
	Amount      string    `json:"balance_amount"`
	LastUpdated time.Time `json:"last_updated"`
}

type InvoiceDTO struct {
	ID              string    `json:"id"`
	ShopID          string    `json:"shop_id"`
	MonthYear       string    `json:"month_year"`
	RentAmount      string    `json:"rent_amount"`
	OperationFee    string    `json:"operation_fee"`
	VATAmount       string    `json:"vat_amount"`
	PreviousBalance string    `json:"previous_balance"`
	Fines           string    `json:"fines"`
	PreviousFines   string    `json:"previous_fines"`
	TotalArrears    string    `json:"total_arrears"`
	TotalAmount     string    `json:"total_amount"`
	Status          string    `json:"status"`
	PrintedCount    int       `json:"printed_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChargeDTO is a line item or a fine.
type ChargeDTO struct {
	Kind         string     `json:"kind"`
	Amount       string     `json:"amount"`
	PaidAmount   string     `json:"paid_amount"`
	Outstanding  string     `json:"outstanding"`
	Status       string     `json:"status"`
	PaidDate     *time.Time `json:"paid_date,omitempty"`
	GenerateDate *time.Time `json:"generate_date,omitempty"`
}

type InvoiceDetailDTO struct {
	InvoiceDTO
	Items []ChargeDTO `json:"items"`
	Fine  *ChargeDTO  `json:"fine,omitempty"`
}

type PaymentDTO struct {
	ID        string    `json:"id"`
	ShopID    string    `json:"shop_id"`
	InvoiceID string    `json:"invoice_id,omitempty"`
	Amount    string    `json:"amount_paid"`
	Method    string    `json:"payment_method"`
	PaidAt    time.Time `json:"payment_date"`
}

type DuesDTO struct {
	ShopID          string `json:"shop_id"`
	TotalArrest     string `json:"total_arrest"`
	TotalPartPaid   string `json:"total_part_paid"`
	TotalUnpaid     string `json:"total_unpaid"`
	TotalUnpaidFine string `json:"total_unpaid_fine"`
	TotalArrears    string `json:"total_arrears"`
}

type AuditEventDTO struct {
	ID          string         `json:"id"`
	ShopID      string         `json:"shop_id"`
	InvoiceID   string         `json:"invoice_id,omitempty"`
	EventType   string         `json:"event_type"`
	Description string         `json:"description"`
	OldValue    map[string]any `json:"old_value,omitempty"`
	NewValue    map[string]any `json:"new_value,omitempty"`
	Actor       string         `json:"actor"`
	At          time.Time      `json:"timestamp"`
}

// GenerationResponse wraps GenerateAllInvoices.
type GenerationResponse struct {
	Period    string                     `json:"period"`
	Generated int                        `json:"generated"`
	Failed    int                        `json:"failed"`
	Results   []billing.GenerationResult `json:"results"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Details   string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func toShopDTO(s ledger.Shop) ShopDTO {
	return ShopDTO{
		ID:           s.ID,
		Name:         s.Name,
		Location:     s.Location,
		RentAmount:   money(s.RentAmount),
		VATRate:      s.VATRate.String(),
		OperationFee: money(s.OperationFee),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func toInvoiceDTO(inv ledger.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:              inv.ID,
		ShopID:          inv.ShopID,
		MonthYear:       inv.Period.String(),
		RentAmount:      money(inv.RentAmount),
		OperationFee:    money(inv.OperationFee),
		VATAmount:       money(inv.VATAmount),
		PreviousBalance: money(inv.PreviousBalance),
		Fines:           money(inv.Fines),
		PreviousFines:   money(inv.PreviousFines),
		TotalArrears:    money(inv.TotalArrears),
		TotalAmount:     money(inv.TotalAmount),
		Status:          string(inv.Status),
		PrintedCount:    inv.PrintedCount,
		CreatedAt:       inv.CreatedAt,
	}
}

func toInvoiceDTOs(invs []ledger.Invoice) []InvoiceDTO {
	out := make([]InvoiceDTO, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toInvoiceDTO(inv))
	}
	return out
}

func toChargeDTO(kind string, c ledger.Charge) ChargeDTO {
	return ChargeDTO{
		Kind:        kind,
		Amount:      money(c.Amount),
		PaidAmount:  money(c.PaidAmount),
		Outstanding: money(c.Deficit()),
		Status:      string(c.Status),
		PaidDate:    c.PaidDate,
	}
}

func toInvoiceDetailDTO(d *billing.InvoiceDetail) InvoiceDetailDTO {
	dto := InvoiceDetailDTO{
		InvoiceDTO: toInvoiceDTO(d.Invoice),
		Items:      make([]ChargeDTO, 0, len(d.Items)),
	}
	for _, it := range d.Items {
		dto.Items = append(dto.Items, toChargeDTO(string(it.Kind), it.Charge))
	}
	if d.Fine != nil {
		fine := toChargeDTO("Fine", d.Fine.Charge)
		generated := d.Fine.GenerateDate
		fine.GenerateDate = &generated
		dto.Fine = &fine
	}
	return dto
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        p.ID,
		ShopID:    p.ShopID,
		InvoiceID: p.InvoiceID,
		Amount:    money(p.Amount),
		Method:    string(p.Method),
		PaidAt:    p.PaidAt,
	}
}

func toDuesDTO(shopID string, d billing.Dues) DuesDTO {
	return DuesDTO{
		ShopID:          shopID,
		TotalArrest:     money(d.TotalArrest),
		TotalPartPaid:   money(d.TotalPartPaid),
		TotalUnpaid:     money(d.TotalUnpaid),
		TotalUnpaidFine: money(d.TotalUnpaidFine),
		TotalArrears:    money(d.TotalArrears()),
	}
}

func toAuditEventDTO(e ledger.AuditEvent) AuditEventDTO {
	return AuditEventDTO{
		ID:          e.ID,
		ShopID:      e.ShopID,
		InvoiceID:   e.InvoiceID,
		EventType:   string(e.Type),
		Description: e.Description,
		OldValue:    e.OldValue,
		NewValue:    e.NewValue,
		Actor:       e.Actor,
		At:          e.At,
	}
}
