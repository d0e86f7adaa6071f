package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"topup-store/internal/apperr"
	"topup-store/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxRequestBody = 1 << 20

type checkoutItemRequest struct {
	ProductID string `json:"product_id" binding:"required,uuid"`
	Quantity  int    `json:"quantity" binding:"required,min=1,max=100"`
	// Display fields sent by storefront carts. Prices always come from the
	// catalog.
	Name     string           `json:"name"`
	Price    *decimal.Decimal `json:"price"`
	ImageURL string           `json:"image_url"`
}

type createCheckoutRequest struct {
	Items              []checkoutItemRequest `json:"items" binding:"required,min=1,max=50,dive"`
	Currency           string                `json:"currency" binding:"omitempty,len=3,alpha"`
	PaymentMethodTypes []string              `json:"payment_method_types" binding:"omitempty,max=10,dive,required"`
	PlayerID           *string               `json:"player_id" binding:"omitempty,max=128"`
	CustomerEmail      string                `json:"customer_email" binding:"omitempty,email"`
}

func (r *createCheckoutRequest) toService() (service.CheckoutRequest, error) {
	items := make([]service.OrderItemInput, 0, len(r.Items))
	for _, item := range r.Items {
		id, err := uuid.Parse(item.ProductID)
		if err != nil {
			return service.CheckoutRequest{}, apperr.New(apperr.CodeValidation, "product_id must be a uuid")
		}
		items = append(items, service.OrderItemInput{ProductID: id, Quantity: item.Quantity})
	}
	return service.CheckoutRequest{
		Items:              items,
		Currency:           strings.ToLower(r.Currency),
		PaymentMethodTypes: r.PaymentMethodTypes,
		PlayerID:           r.PlayerID,
		CustomerEmail:      r.CustomerEmail,
	}, nil
}

type verifyPaymentRequest struct {
	SessionID string `json:"sessionId" binding:"required,max=255"`
}

type getOrderRequest struct {
	OrderID string `json:"order_id" form:"order_id" binding:"required,uuid"`
}

type addBalanceRequest struct {
	Amount   *decimal.Decimal `json:"amount" binding:"required"`
	Currency string           `json:"currency" binding:"omitempty,len=3,alpha"`
}

// bindStrictJSON decodes the body rejecting unknown fields and trailing
// data, then runs the binding validator.
func bindStrictJSON(c *gin.Context, dst any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "unreadable request body")
	}
	if len(body) > maxRequestBody {
		return apperr.New(apperr.CodeValidation, "request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return apperr.New(apperr.CodeValidation, "request body is required")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid JSON: "+decodeMessage(err))
	}
	if dec.More() {
		return apperr.New(apperr.CodeValidation, "invalid JSON: trailing data")
	}

	return validate(dst)
}

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonFieldName)
	}
}

// jsonFieldName makes validation errors name fields as clients send them.
func jsonFieldName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func validate(dst any) error {
	err := binding.Validator.ValidateStruct(dst)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return apperr.Wrap(apperr.CodeValidation, err, fieldMessage(fieldErrs[0]))
	}
	return apperr.Wrap(apperr.CodeValidation, err, "invalid request")
}

// fieldMessage renders one validation failure by JSON path, e.g.
// "items[0].product_id must be a uuid".
func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "uuid":
		return field + " must be a uuid"
	case "email":
		return field + " must be a valid email"
	case "alpha":
		return field + " must contain only letters"
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "min", "max":
		bound := "at least"
		if fe.Tag() == "max" {
			bound = "at most"
		}
		switch fe.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			unit := "entries"
			if fe.Param() == "1" {
				unit = "entry"
			}
			return fmt.Sprintf("%s must have %s %s %s", field, bound, fe.Param(), unit)
		case reflect.String:
			return fmt.Sprintf("%s must be %s %s characters", field, bound, fe.Param())
		default:
			return fmt.Sprintf("%s must be %s %s", field, bound, fe.Param())
		}
	}
	return field + " is invalid"
}

func decodeMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return "field " + typeErr.Field + " has the wrong type"
	}
	if strings.HasPrefix(err.Error(), "json: unknown field") {
		return strings.TrimPrefix(err.Error(), "json: ")
	}
	return "malformed body"
}
