/*
handlers.go - HTTP API handlers for the rent ledger

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine. No ledger logic lives
  here.

ENDPOINTS:
  Shops:
    GET    /api/shops                    List shops
    POST   /api/shops                    Create or update a shop's terms
    GET    /api/shops/{id}               Shop with current balance
    DELETE /api/shops/{id}               Delete shop and its ledger
    GET    /api/shops/{id}/dues          Outstanding dues by status
    GET    /api/shops/{id}/invoices      Invoices, oldest period first
    POST   /api/shops/{id}/invoices      Generate the invoice for a period
    GET    /api/shops/{id}/payments      Payments received
    POST   /api/shops/{id}/payments      Record a payment for the shop

  Invoices:
    POST   /api/invoices/generate        Generate a period for every shop
    GET    /api/invoices/{id}            Invoice with line items and fine
    POST   /api/invoices/{id}/payments   Record a payment against an invoice
    POST   /api/invoices/{id}/fine       Apply the late-payment fine
    DELETE /api/invoices/{id}/fine       Remove the fine
    POST   /api/invoices/{id}/print      Count a print

  Corrections / audit:
    POST   /api/corrections              Reconcile a mis-recorded payment
    GET    /api/audit                    Query the audit trail

  Admin:
    POST   /api/admin/arrest             Escalate overdue invoices
    POST   /api/admin/fine-arrest        Escalate overdue fines
    POST   /api/admin/fine-sweep         Fine invoices past the grace window
    GET    /api/admin/scheduler          Scheduled jobs and next runs
    POST   /api/admin/scheduler/run      Run every scheduled job now

ACTOR:
  Mutations are attributed to the X-Actor header (or the body's "actor"
  field where the body has one). Without either, the engine's default
  actor is recorded.

ERROR HANDLING:
  Engine errors are mapped by kind:
  - 400: Validation
  - 404: NotFound
  - 409: Duplicate, Conflict (Conflict is marked retryable)
  - 500: Internal
  Body: {"success": false, "message": ..., "kind": ..., "retryable": ...}

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/ledger"
)

// ActorHeader names the caller on audit events.
const ActorHeader = "X-Actor"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *billing.Engine
	Scheduler *BillingScheduler // optional

	log *zap.Logger
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *billing.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine: engine,
		log:    log.Named("api"),
	}
}

// =============================================================================
// SHOP ENDPOINTS
// =============================================================================

// ListShops returns all shops.
func (h *Handler) ListShops(w http.ResponseWriter, r *http.Request) {
	shops, err := h.Engine.ListShops(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ShopDTO, 0, len(shops))
	for _, s := range shops {
		out = append(out, toShopDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// UpsertShop creates a shop or replaces its billing terms. New terms apply
// to invoices generated afterwards.
func (h *Handler) UpsertShop(w http.ResponseWriter, r *http.Request) {
	var req billing.ShopRequest
	if !decode(w, r, &req) {
		return
	}
	shop, err := h.Engine.UpsertShop(r.Context(), req, actorOf(r, ""))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toShopDTO(*shop))
}

// GetShop returns a shop with its balance.
func (h *Handler) GetShop(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetShop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := toShopDTO(view.Shop)
	balance := money(view.Balance)
	dto.Balance = &balance
	writeJSON(w, http.StatusOK, dto)
}

// DeleteShop removes a shop and cascades to its ledger. The audit trail
// is kept.
func (h *Handler) DeleteShop(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteShop(r.Context(), chi.URLParam(r, "id"), actorOf(r, "")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDues returns the shop's outstanding amounts bucketed by status.
func (h *Handler) GetDues(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "id")
	dues, err := h.Engine.Dues(r.Context(), shopID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDuesDTO(shopID, dues))
}

// GetBalance returns the shop's running balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Engine.GetBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ShopID:      bal.ShopID,
		Amount:      money(bal.Amount),
		LastUpdated: bal.LastUpdated,
	})
}

// ListShopInvoices returns the shop's invoices.
func (h *Handler) ListShopInvoices(w http.ResponseWriter, r *http.Request) {
	invs, err := h.Engine.ListInvoices(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invs))
}

// ListShopPayments returns the payments received from a shop.
func (h *Handler) ListShopPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Engine.ListPayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

// GenerateInvoice creates the shop's invoice for the requested period.
func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.Engine.GenerateInvoice(r.Context(), chi.URLParam(r, "id"), req.Period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

// GenerateAllInvoices runs the period for every shop. Per-shop failures are
// reported in the results with a 200.
func (h *Handler) GenerateAllInvoices(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := h.Engine.GenerateAllInvoices(r.Context(), req.Period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeGeneration(req.Period, results))
}

func summarizeGeneration(period string, results []billing.GenerationResult) GenerationResponse {
	resp := GenerationResponse{Period: period, Results: results}
	for _, res := range results {
		if res.Status == billing.ResultSuccess {
			resp.Generated++
		} else {
			resp.Failed++
		}
	}
	if resp.Results == nil {
		resp.Results = []billing.GenerationResult{}
	}
	return resp
}

// GetInvoice returns an invoice with its line items and fine.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.GetInvoiceDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDetailDTO(detail))
}

// RecordPrint counts a print of the invoice.
func (h *Handler) RecordPrint(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.RecordPrint(r.Context(), chi.URLParam(r, "id"), actorOf(r, ""))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// PayShop records a payment and runs it through the shop's open invoices.
func (h *Handler) PayShop(w http.ResponseWriter, r *http.Request) {
	req, ok := paymentRequest(w, r)
	if !ok {
		return
	}
	req.ShopID = chi.URLParam(r, "id")
	res, err := h.Engine.AllocatePaymentByShop(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PayInvoice records a payment for the invoice's shop. The waterfall still
// starts at the shop's highest-priority open invoice.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	req, ok := paymentRequest(w, r)
	if !ok {
		return
	}
	req.InvoiceID = chi.URLParam(r, "id")
	res, err := h.Engine.AllocatePaymentByInvoice(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func paymentRequest(w http.ResponseWriter, r *http.Request) (billing.PaymentRequest, bool) {
	var body PaymentBodyRequest
	if !decode(w, r, &body) {
		return billing.PaymentRequest{}, false
	}
	req := billing.PaymentRequest{
		Amount: body.Amount,
		Method: body.Method,
		Actor:  actorOf(r, body.Actor),
	}
	if body.PaidAt != nil {
		req.PaidAt = *body.PaidAt
	}
	return req, true
}

// =============================================================================
// FINE ENDPOINTS
// =============================================================================

// ApplyFine fines the invoice on its outstanding rent.
func (h *Handler) ApplyFine(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ApplyFine(r.Context(), chi.URLParam(r, "id"), actorOf(r, ""))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// DeleteFine removes the invoice's fine. Nothing is refunded.
func (h *Handler) DeleteFine(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteFine(r.Context(), chi.URLParam(r, "id"), actorOf(r, "")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// =============================================================================
// CORRECTION / AUDIT ENDPOINTS
// =============================================================================

// CorrectPayment reconciles a payment recorded with the wrong amount.
func (h *Handler) CorrectPayment(w http.ResponseWriter, r *http.Request) {
	var req billing.CorrectionRequest
	if !decode(w, r, &req) {
		return
	}
	req.Actor = actorOf(r, req.Actor)
	res, err := h.Engine.CorrectPayment(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// QueryAudit returns audit events filtered by the query string:
// shop_id, invoice_id, type (repeatable), from, to (RFC3339 or YYYY-MM-DD)
// and limit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	events, err := h.Engine.AuditTrail(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AuditEventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, toAuditEventDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func auditFilter(r *http.Request) (ledger.AuditFilter, error) {
	q := r.URL.Query()
	f := ledger.AuditFilter{
		ShopID:    q.Get("shop_id"),
		InvoiceID: q.Get("invoice_id"),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, ledger.EventType(t))
	}
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := parseTimeParam(raw)
		if err != nil {
			return f, ledger.Invalid(key, "must be RFC3339 or YYYY-MM-DD, got %q", raw)
		}
		*dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, ledger.Invalid("limit", "must be a non-negative integer, got %q", raw)
		}
		f.Limit = n
	}
	return f, nil
}

func parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// RunArrest escalates overdue open invoices to Arrest.
func (h *Handler) RunArrest(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.Engine.RunArrestAction)
}

// RunFineArrest escalates overdue fines to Arrest.
func (h *Handler) RunFineArrest(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.Engine.RunFineArrestAction)
}

// RunFineSweep fines every open invoice past the grace window.
func (h *Handler) RunFineSweep(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, h.Engine.RunFineSweep)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request, job batchJob) {
	res, err := job(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SchedulerStatus lists the scheduled jobs.
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, SchedulerStatusDTO{Enabled: false, Jobs: []ScheduledJobDTO{}})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// RunScheduler runs every scheduled job once, synchronously.
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.RunNow(r.Context()))
}

// =============================================================================
// HELPERS
// =============================================================================

// actorOf prefers the X-Actor header over the body's actor.
func actorOf(r *http.Request, body string) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return body
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Message: message,
		Kind:    string(ledger.KindValidation),
	}
	if status == http.StatusNotFound {
		resp.Kind = string(ledger.KindNotFound)
	}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error onto its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := ledger.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{
		Message:   err.Error(),
		Kind:      string(kind),
		Retryable: ledger.IsRetryable(err),
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindDuplicate, ledger.KindConflict:
		return http.StatusConflict
	case ledger.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
