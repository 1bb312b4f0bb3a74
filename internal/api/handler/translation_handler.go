package handler

import (
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/longtext-translator/internal/api/dto"
	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/service"
)

// SubmitTranslation handles POST /api/v1/translations
// Creates a translation job, reserves its credits and queues it
func (h *TranslationHandler) SubmitTranslation(c *gin.Context) {
	h.logger.Info("SubmitTranslation called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	// 1. Validate request body
	var req dto.SubmitTranslationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	// 2. Submit: chunk, price, reserve, dispatch
	job, err := h.service.Submit(c.Request.Context(), service.SubmitRequest{
		UserID:         req.UserID,
		Text:           req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		Kind:           domain.JobKind(req.Kind),
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		h.respondError(c, "submit translation", err)
		return
	}

	// 3. Accepted, processing happens asynchronously
	c.JSON(http.StatusAccepted, dto.SubmitTranslationResponse{
		JobID:            job.ID,
		Status:           string(job.Status),
		TotalChunks:      job.TotalChunks,
		EstimatedCredits: job.EstimatedCredits,
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
	})
}

// EstimateTranslation handles POST /api/v1/translations/estimate
// Prices a text without creating a job
func (h *TranslationHandler) EstimateTranslation(c *gin.Context) {
	var req dto.EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	chunks, credits, err := h.service.Estimate(c.Request.Context(), req.UserID, req.Text)
	if err != nil {
		h.respondError(c, "estimate translation", err)
		return
	}

	c.JSON(http.StatusOK, dto.EstimateResponse{
		Characters:       utf8.RuneCountInString(req.Text),
		TotalChunks:      chunks,
		EstimatedCredits: credits,
	})
}

// GetTranslation handles GET /api/v1/translations/:job_id
// Returns the job snapshot: status, progress, credits and the result once finished
func (h *TranslationHandler) GetTranslation(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	snap, err := h.service.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "get translation", err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// ListTranslations handles GET /api/v1/translations
// Lists the jobs of a user, newest first, with cursor pagination
func (h *TranslationHandler) ListTranslations(c *gin.Context) {
	h.logger.Info("ListTranslations called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	// 1. Parse query parameters
	var req dto.ListTranslationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	// 2. Validate filters
	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid status filter"})
		return
	}
	kind := domain.JobKind(req.Kind)
	if kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid kind filter"})
		return
	}

	// 3. Decode cursor for pagination
	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	// 4. Query one page
	page, err := h.service.List(c.Request.Context(), service.ListRequest{
		UserID:   req.UserID,
		Kind:     kind,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, "list translations", err)
		return
	}

	// 5. Prepare response with next cursor if more results exist
	jobs := make([]dto.TranslationJobDTO, len(page.Jobs))
	for i := range page.Jobs {
		jobs[i] = toJobDTO(&page.Jobs[i])
	}

	c.JSON(http.StatusOK, dto.ListTranslationsResponse{
		Jobs:       jobs,
		NextCursor: EncodeJobCursor(page.NextCursor),
	})
}

// CancelTranslation handles POST /api/v1/translations/:job_id/cancel
// A pending job is cancelled and refunded at once, a processing one stops at its next chunk
func (h *TranslationHandler) CancelTranslation(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	snap, err := h.service.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "cancel translation", err)
		return
	}

	c.JSON(http.StatusAccepted, snap)
}

// RetryTranslation handles POST /api/v1/translations/:job_id/retry
// Starts a new attempt of a failed job
func (h *TranslationHandler) RetryTranslation(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.service.Retry(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "retry translation", err)
		return
	}

	c.JSON(http.StatusAccepted, job.Snapshot())
}

// ListTransactions handles GET /api/v1/translations/:job_id/transactions
func (h *TranslationHandler) ListTransactions(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	txns, err := h.service.Transactions(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "list transactions", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// ListEvents handles GET /api/v1/translations/:job_id/events
func (h *TranslationHandler) ListEvents(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	events, err := h.service.Events(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "list events", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetAccount handles GET /api/v1/accounts/:user_id
func (h *TranslationHandler) GetAccount(c *gin.Context) {
	account, err := h.service.Account(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, "get account", err)
		return
	}

	c.JSON(http.StatusOK, dto.AccountResponse{
		UserID:  account.UserID,
		Tier:    string(account.Tier),
		Balance: account.Balance,
	})
}

// jobIDParam validates the job_id path parameter and answers 400 when it is not a UUID
func (h *TranslationHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}

func toJobDTO(job *domain.TranslationJob) dto.TranslationJobDTO {
	return dto.TranslationJobDTO{
		JobID:              job.ID,
		UserID:             job.UserID,
		Kind:               string(job.Kind),
		Status:             string(job.Status),
		Priority:           job.Priority,
		SourceLanguage:     job.SourceLanguage,
		TargetLanguage:     job.TargetLanguage,
		TotalChunks:        job.TotalChunks,
		CompletedChunks:    job.CompletedChunks,
		FailedChunks:       job.FailedChunks,
		ProgressPercentage: job.ProgressPercentage,
		EstimatedCredits:   job.EstimatedCredits,
		ConsumedCredits:    job.ConsumedCredits,
		RefundedCredits:    job.RefundedCredits,
		RetryCount:         job.RetryCount,
		MaxRetries:         job.MaxRetries,
		CreatedAt:          job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          job.UpdatedAt.Format(time.RFC3339),
	}
}
