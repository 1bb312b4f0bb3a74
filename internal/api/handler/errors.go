package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/longtext-translator/internal/api/dto"
	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrRetryBudgetExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Internal errors are logged and hidden from the caller.
func (h *TranslationHandler) respondError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Failed to "+action,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(status, dto.ErrorResponse{Error: "Failed to " + action})
		return
	}

	h.logger.Warn("Request rejected",
		slog.String("action", action),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}
