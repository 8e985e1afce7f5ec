package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// SHOP REGISTRY
// =============================================================================

// ShopView is a shop with its current balance.
type ShopView struct {
	Shop    ledger.Shop
	Balance decimal.Decimal
}

func requireShop(ctx context.Context, tx ledger.Tx, shopID string) error {
	shop, err := tx.GetShop(ctx, shopID)
	if err != nil {
		return err
	}
	if shop == nil {
		return ledger.ErrShopNotFound.WithID(shopID)
	}
	return nil
}

// UpsertShop creates a shop or replaces its billing terms. New terms only
// affect invoices generated afterwards.
func (e *Engine) UpsertShop(ctx context.Context, req ShopRequest, actor string) (*ledger.Shop, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}

	var out *ledger.Shop
	err := e.inShop(ctx, req.ID, func(tx ledger.Tx) error {
		existing, err := tx.GetShop(ctx, req.ID)
		if err != nil {
			return err
		}
		now := e.now()
		shop := ledger.Shop{
			ID:           req.ID,
			Name:         req.Name,
			Location:     req.Location,
			RentAmount:   ledger.RoundMoney(req.RentAmount),
			VATRate:      req.VATRate,
			OperationFee: ledger.RoundMoney(req.OperationFee),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		var old snapshot
		if existing != nil {
			shop.CreatedAt = existing.CreatedAt
			old = shopSnapshot(*existing)
		}
		if err := tx.SaveShop(ctx, shop); err != nil {
			return err
		}
		out = &shop

		verb := "registered"
		if existing != nil {
			verb = "updated"
		}
		return e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      shop.ID,
			Type:        ledger.EventManualEdit,
			Description: fmt.Sprintf("shop %s %s", shop.ID, verb),
			OldValue:    old,
			NewValue:    shopSnapshot(shop),
			Actor:       actor,
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("shop saved", zap.String("shop_id", out.ID))
	return out, nil
}

func shopSnapshot(s ledger.Shop) snapshot {
	return snapshot{"name": s.Name, "location": s.Location}.
		money("rent_amount", s.RentAmount).
		money("operation_fee", s.OperationFee).
		money("vat_rate", s.VATRate)
}

// GetShop loads a shop and its balance.
func (e *Engine) GetShop(ctx context.Context, shopID string) (*ShopView, error) {
	var out *ShopView
	err := e.view(ctx, func(tx ledger.Tx) error {
		shop, err := tx.GetShop(ctx, shopID)
		if err != nil {
			return err
		}
		if shop == nil {
			return ledger.ErrShopNotFound.WithID(shopID)
		}
		bal, err := tx.GetBalance(ctx, shopID)
		if err != nil {
			return err
		}
		out = &ShopView{Shop: *shop, Balance: decimal.Zero}
		if bal != nil {
			out.Balance = bal.Amount
		}
		return nil
	})
	return out, err
}

func (e *Engine) ListShops(ctx context.Context) ([]ledger.Shop, error) {
	var out []ledger.Shop
	err := e.view(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.ListShops(ctx)
		return err
	})
	return out, err
}

// DeleteShop removes a shop and its whole ledger. Audit events are kept.
func (e *Engine) DeleteShop(ctx context.Context, shopID, actor string) error {
	err := e.inShop(ctx, shopID, func(tx ledger.Tx) error {
		shop, err := tx.GetShop(ctx, shopID)
		if err != nil {
			return err
		}
		if shop == nil {
			return ledger.ErrShopNotFound.WithID(shopID)
		}
		if err := tx.DeleteShop(ctx, shopID); err != nil {
			return err
		}
		return e.record(ctx, tx, ledger.AuditEvent{
			ShopID:      shopID,
			Type:        ledger.EventManualEdit,
			Description: fmt.Sprintf("shop %s deleted with its ledger", shopID),
			OldValue:    shopSnapshot(*shop),
			Actor:       actor,
		})
	})
	if err != nil {
		return err
	}
	e.log.Info("shop deleted", zap.String("shop_id", shopID))
	return nil
}

// GetBalance returns the shop's balance, zero if none was ever recorded.
func (e *Engine) GetBalance(ctx context.Context, shopID string) (ledger.ShopBalance, error) {
	out := ledger.ShopBalance{ShopID: shopID, Amount: decimal.Zero}
	err := e.view(ctx, func(tx ledger.Tx) error {
		if err := requireShop(ctx, tx, shopID); err != nil {
			return err
		}
		bal, err := tx.GetBalance(ctx, shopID)
		if err != nil {
			return err
		}
		if bal != nil {
			out = *bal
		}
		return nil
	})
	return out, err
}

// ListPayments returns the shop's payments in payment date order.
func (e *Engine) ListPayments(ctx context.Context, shopID string) ([]ledger.Payment, error) {
	var out []ledger.Payment
	err := e.view(ctx, func(tx ledger.Tx) error {
		if err := requireShop(ctx, tx, shopID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListPayments(ctx, shopID)
		return err
	})
	return out, err
}
