package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/longtext-translator/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "translation-api-service"
	}

	// Health check endpoint
	r.GET("/health", healthHandler(serviceName, deps.HealthChecks))

	translationHandler := handler.NewTranslationHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		translations := v1.Group("/translations")
		{
			// POST /api/v1/translations - Submit a translation job
			translations.POST("", translationHandler.SubmitTranslation)

			// POST /api/v1/translations/estimate - Price a text without submitting it
			translations.POST("/estimate", translationHandler.EstimateTranslation)

			// GET /api/v1/translations - List jobs of a user
			translations.GET("", translationHandler.ListTranslations)

			// GET /api/v1/translations/:job_id - Get job status and result
			translations.GET("/:job_id", translationHandler.GetTranslation)

			// POST /api/v1/translations/:job_id/cancel - Cancel a job
			translations.POST("/:job_id/cancel", translationHandler.CancelTranslation)

			// POST /api/v1/translations/:job_id/retry - Retry a failed job
			translations.POST("/:job_id/retry", translationHandler.RetryTranslation)

			// GET /api/v1/translations/:job_id/transactions - Credit ledger of a job
			translations.GET("/:job_id/transactions", translationHandler.ListTransactions)

			// GET /api/v1/translations/:job_id/events - Status history of a job
			translations.GET("/:job_id/events", translationHandler.ListEvents)
		}

		// GET /api/v1/accounts/:user_id - Credit balance
		v1.GET("/accounts/:user_id", translationHandler.GetAccount)
	}

	return r
}

// healthHandler runs every check with a short timeout and answers 503 if any fails
func healthHandler(serviceName string, checks map[string]handler.HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		health := "healthy"
		if status != http.StatusOK {
			health = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":     health,
			"service":    serviceName,
			"components": components,
		})
	}
}
