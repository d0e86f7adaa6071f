package api

import (
	"net/http"

	"topup-store/internal/apperr"
	"topup-store/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	actionGetProducts = "get_products"
	actionCreateOrder = "create_order"
	actionGetOrder    = "get_order"
	actionGetBalance  = "get_balance"
	actionAddBalance  = "add_balance"
)

type customerAction struct {
	handle   func(h *Handler, c *gin.Context, p *auth.Principal)
	userOnly bool
	postOnly bool
}

var customerActions = map[string]customerAction{
	actionGetProducts: {handle: (*Handler).getProducts},
	actionCreateOrder: {handle: (*Handler).createOrder, userOnly: true, postOnly: true},
	actionGetOrder:    {handle: (*Handler).getOrder, userOnly: true},
	actionGetBalance:  {handle: (*Handler).getBalance, userOnly: true},
	actionAddBalance:  {handle: (*Handler).addBalance, userOnly: true, postOnly: true},
}

// customerAPI handles GET|POST /customer-api?action=...
// Every action needs credentials, even catalog reads.
func (h *Handler) customerAPI(c *gin.Context) {
	principal, err := h.gate.Authenticate(c.Request.Context(), credentials(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	name := c.Query("action")
	action, ok := customerActions[name]
	if !ok {
		h.writeError(c, apperr.Newf(apperr.CodeValidation, "unknown action %q", name))
		return
	}
	if action.postOnly && c.Request.Method != http.MethodPost {
		h.writeError(c, apperr.Newf(apperr.CodeValidation, "action %s requires POST", name))
		return
	}
	if action.userOnly {
		if _, err := auth.RequireUser(principal); err != nil {
			h.writeError(c, err)
			return
		}
	}

	action.handle(h, c, principal)
}

func (h *Handler) getProducts(c *gin.Context, _ *auth.Principal) {
	products, err := h.catalog.ListProducts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeSuccess(c, "products retrieved", products)
}

func (h *Handler) createOrder(c *gin.Context, p *auth.Principal) {
	var req createCheckoutRequest
	if err := bindStrictJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	input, err := req.toService()
	if err != nil {
		h.writeError(c, err)
		return
	}

	userID := p.UserID
	result, err := h.checkout.StartCheckout(c.Request.Context(), &userID, input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeSuccess(c, "order created", result)
}

func (h *Handler) getOrder(c *gin.Context, p *auth.Principal) {
	var req getOrderRequest
	if c.Request.Method == http.MethodPost && c.Query("order_id") == "" {
		if err := bindStrictJSON(c, &req); err != nil {
			h.writeError(c, err)
			return
		}
	} else {
		req.OrderID = c.Query("order_id")
		if err := validate(&req); err != nil {
			h.writeError(c, err)
			return
		}
	}

	orderID, err := uuid.Parse(req.OrderID)
	if err != nil {
		h.writeError(c, apperr.New(apperr.CodeValidation, "order_id must be a uuid"))
		return
	}

	view, err := h.orders.Get(c.Request.Context(), p.UserID, orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeSuccess(c, "order retrieved", view)
}

func (h *Handler) getBalance(c *gin.Context, p *auth.Principal) {
	balance, err := h.wallet.Balance(c.Request.Context(), p.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeSuccess(c, "balance retrieved", balance)
}

func (h *Handler) addBalance(c *gin.Context, p *auth.Principal) {
	var req addBalanceRequest
	if err := bindStrictJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.checkout.StartTopUp(c.Request.Context(), p.UserID, *req.Amount, req.Currency)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeSuccess(c, "top-up session created", result)
}
