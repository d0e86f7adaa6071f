package api

import (
	"net/http"

	"topup-store/internal/apperr"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeSuccess = "SUCCESS"
	codeFail    = "FAIL"
)

// envelope is the body of every storefront response
type envelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeSuccess(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, envelope{Code: codeSuccess, Message: message, Data: data})
}

// writeError maps err to its status and public message. Causes of 5xx
// errors are logged and never returned.
func (h *Handler) writeError(c *gin.Context, err error) {
	writeError(c, h.logger, err)
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	appErr := apperr.As(err)
	if appErr == nil {
		appErr = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}

	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", string(appErr.Code())),
			zap.Error(err))
	}

	c.AbortWithStatusJSON(status, envelope{
		Code:    codeFail,
		Message: appErr.PublicMessage(),
		Details: appErr.Details(),
	})
}
