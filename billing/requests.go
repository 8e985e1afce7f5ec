package billing

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// PaymentRequest is cash received for a shop, or for one of its invoices.
type PaymentRequest struct {
	ShopID    string               `json:"shop_id" validate:"required_without=InvoiceID"`
	InvoiceID string               `json:"invoice_id"`
	Amount    decimal.Decimal      `json:"amount" validate:"gt=0"`
	Method    ledger.PaymentMethod `json:"method" validate:"required,payment_method"`
	PaidAt    time.Time            `json:"paid_at"`
	Actor     string               `json:"actor" validate:"max=120"`
}

// CorrectionRequest reconciles a payment recorded as AdminPutAmount that
// was actually ActualAmount.
type CorrectionRequest struct {
	ShopID         string          `json:"shop_id" validate:"required"`
	InvoiceID      string          `json:"invoice_id"`
	ActualAmount   decimal.Decimal `json:"actual_amount" validate:"gte=0"`
	AdminPutAmount decimal.Decimal `json:"admin_put_amount" validate:"gte=0"`
	Reason         string          `json:"reason" validate:"required,max=500"`
	Actor          string          `json:"actor" validate:"max=120"`
}

// ShopRequest creates or updates a shop's billing terms.
type ShopRequest struct {
	ID           string          `json:"id" validate:"required,max=64,shop_id"`
	Name         string          `json:"name" validate:"required,max=200"`
	Location     string          `json:"location" validate:"max=200"`
	RentAmount   decimal.Decimal `json:"rent_amount" validate:"gte=0"`
	VATRate      decimal.Decimal `json:"vat_rate" validate:"gte=0,lte=100"`
	OperationFee decimal.Decimal `json:"operation_fee" validate:"gte=0"`
}

// =============================================================================
// VALIDATION
// =============================================================================

// shopIDPattern keeps shop ids safe to embed in invoice ids and URLs.
var shopIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Numeric tags (gt, gte, lte) see decimals as float64.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	v.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		return ledger.PaymentMethod(fl.Field().String()).Valid()
	})
	v.RegisterValidation("shop_id", func(fl validator.FieldLevel) bool {
		return shopIDPattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		_, err := ledger.ParsePeriod(fl.Field().String())
		return err == nil
	})

	return v
}

// check validates a request and converts the first failure into a
// ledger.ValidationError.
func (e *Engine) check(req any) error {
	err := e.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ledger.ValidationError{Field: fe.Field(), Message: validationMessage(fe)}
	}
	return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "payment_method":
		return fmt.Sprintf("%v is not a supported payment method", fe.Value())
	case "period":
		return "must be a YYYY-MM period"
	case "shop_id":
		return "may only contain letters, digits, '.', '_' and '-'"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
