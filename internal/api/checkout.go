package api

import (
	"topup-store/internal/apperr"
	"topup-store/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// storefrontUser resolves the optional signed-in buyer. API keys are for
// integrations and may not act as a storefront buyer.
func (h *Handler) storefrontUser(c *gin.Context) (*uuid.UUID, error) {
	principal, err := h.gate.AuthenticateOptional(c.Request.Context(), credentials(c))
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, nil
	}
	if principal.Kind == auth.KindAPIKey {
		return nil, apperr.New(apperr.CodeForbidden, "API keys cannot be used for this operation")
	}
	userID := principal.UserID
	return &userID, nil
}

// createCheckout handles POST /create_checkout
func (h *Handler) createCheckout(c *gin.Context) {
	userID, err := h.storefrontUser(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

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

	result, err := h.checkout.StartCheckout(c.Request.Context(), userID, input)
	if err != nil {
		h.writeError(c, err)
		return
	}

	writeSuccess(c, "checkout session created", result)
}

// verifyPayment handles POST /verify_payment
func (h *Handler) verifyPayment(c *gin.Context) {
	if _, err := h.storefrontUser(c); err != nil {
		h.writeError(c, err)
		return
	}

	var req verifyPaymentRequest
	if err := bindStrictJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.settlement.Verify(c.Request.Context(), req.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	message := "payment verified"
	if !result.Verified {
		message = "payment not completed"
	}
	writeSuccess(c, message, result)
}
