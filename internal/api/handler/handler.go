package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/longtext-translator/internal/service"
)

// HealthCheck reports whether a backing service is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Service      *service.Service
	ServiceName  string
	HealthChecks map[string]HealthCheck
}

// TranslationHandler handles translation job HTTP requests
type TranslationHandler struct {
	logger  *slog.Logger
	service *service.Service
}

// NewTranslationHandler creates a new TranslationHandler instance
func NewTranslationHandler(deps *Dependencies) *TranslationHandler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TranslationHandler{
		logger:  logger,
		service: deps.Service,
	}
}
