/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the ledger with a small market so the API and frontend have
  something to show. Every scenario goes through the engine, so invoices,
  balances and the audit trail are exactly what real usage produces.

AVAILABLE SCENARIOS:
  small-market:   three shops; one fresh, one holding credit, one in arrears
  arrears-heavy:  one shop with three unpaid months and fined invoices

HOW SCENARIOS WORK:
 1. Delete every shop (cascades to its ledger; audit rows stay)
 2. Register shops
 3. Record payments and generate invoices relative to the engine's clock

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "small-market"}

NOTE:
  Scenarios delete data. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/billing"
	"github.com/warp/rent-ledger/ledger"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-market",
		Name:        "Small Market",
		Description: "Three shops: one freshly invoiced, one holding credit, one carrying arrears and a fine",
	},
	{
		ID:          "arrears-heavy",
		Name:        "Arrears Heavy",
		Description: "One shop with three unpaid months, two of them fined",
	},
}

// ListScenarios returns the scenario catalog.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the ledger and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "small-market":
		load = h.loadSmallMarket
	case "arrears-heavy":
		load = h.loadArrearsHeavy
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.resetShops(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := load(ctx); err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) resetShops(ctx context.Context) error {
	shops, err := h.Engine.ListShops(ctx)
	if err != nil {
		return err
	}
	for _, s := range shops {
		if err := h.Engine.DeleteShop(ctx, s.ID, scenarioActor); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadSmallMarket(ctx context.Context) error {
	current := ledger.PeriodOf(h.Engine.Now())
	previous := current.Prev()

	shops := []billing.ShopRequest{
		shopTerms("MKT-A01", "Amani Textiles", "Block A, stall 1", "1000", "10", "100"),
		shopTerms("MKT-B07", "Baraka Electronics", "Block B, stall 7", "1500", "16", "150"),
		shopTerms("MKT-C12", "Chiku Grocers", "Block C, stall 12", "800", "10", "80"),
	}
	for _, s := range shops {
		if _, err := h.Engine.UpsertShop(ctx, s, scenarioActor); err != nil {
			return err
		}
	}

	// Baraka paid ahead; the credit is consumed when the invoice is generated.
	if _, err := h.Engine.AllocatePaymentByShop(ctx, cash("MKT-B07", "2500")); err != nil {
		return err
	}

	// Chiku underpaid last month and was fined on the rest.
	prev, err := h.Engine.GenerateInvoice(ctx, "MKT-C12", previous.String())
	if err != nil {
		return err
	}
	if _, err := h.Engine.AllocatePaymentByShop(ctx, cash("MKT-C12", "400")); err != nil {
		return err
	}
	if _, err := h.Engine.ApplyFine(ctx, prev.ID, scenarioActor); err != nil {
		return err
	}

	for _, s := range shops {
		if _, err := h.Engine.GenerateInvoice(ctx, s.ID, current.String()); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadArrearsHeavy(ctx context.Context) error {
	current := ledger.PeriodOf(h.Engine.Now())
	if _, err := h.Engine.UpsertShop(ctx, shopTerms("MKT-D03", "Dalali Hardware", "Block D, stall 3", "1200", "10", "120"), scenarioActor); err != nil {
		return err
	}

	periods := []ledger.Period{current.Prev().Prev(), current.Prev(), current}
	for i, p := range periods {
		inv, err := h.Engine.GenerateInvoice(ctx, "MKT-D03", p.String())
		if err != nil {
			return err
		}
		if i < len(periods)-1 {
			if _, err := h.Engine.ApplyFine(ctx, inv.ID, scenarioActor); err != nil {
				return err
			}
		}
	}
	return nil
}

func shopTerms(id, name, location, rent, vat, fee string) billing.ShopRequest {
	return billing.ShopRequest{
		ID:           id,
		Name:         name,
		Location:     location,
		RentAmount:   decimal.RequireFromString(rent),
		VATRate:      decimal.RequireFromString(vat),
		OperationFee: decimal.RequireFromString(fee),
	}
}

func cash(shopID, amount string) billing.PaymentRequest {
	return billing.PaymentRequest{
		ShopID: shopID,
		Amount: decimal.RequireFromString(amount),
		Method: ledger.MethodCash,
		Actor:  scenarioActor,
	}
}
