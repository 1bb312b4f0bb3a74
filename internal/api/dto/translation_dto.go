package dto

type SubmitTranslationRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	Text           string `json:"text" binding:"required"`
	SourceLanguage string `json:"source_language" binding:"required"`
	TargetLanguage string `json:"target_language" binding:"required"`
	Kind           string `json:"kind"`
	Priority       int    `json:"priority"`
	MaxRetries     *int   `json:"max_retries"`
}

type SubmitTranslationResponse struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	TotalChunks      int    `json:"total_chunks"`
	EstimatedCredits int64  `json:"estimated_credits"`
	CreatedAt        string `json:"created_at"`
}

type EstimateRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

type EstimateResponse struct {
	Characters       int   `json:"characters"`
	TotalChunks      int   `json:"total_chunks"`
	EstimatedCredits int64 `json:"estimated_credits"`
}

type ListTranslationsRequest struct {
	UserID   string `form:"user_id" binding:"required"`
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListTranslationsResponse struct {
	Jobs       []TranslationJobDTO `json:"jobs"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// TranslationJobDTO is a job as listed, without its texts
type TranslationJobDTO struct {
	JobID              string  `json:"job_id"`
	UserID             string  `json:"user_id"`
	Kind               string  `json:"kind"`
	Status             string  `json:"status"`
	Priority           int     `json:"priority"`
	SourceLanguage     string  `json:"source_language"`
	TargetLanguage     string  `json:"target_language"`
	TotalChunks        int     `json:"total_chunks"`
	CompletedChunks    int     `json:"completed_chunks"`
	FailedChunks       int     `json:"failed_chunks"`
	ProgressPercentage float64 `json:"progress_percentage"`
	EstimatedCredits   int64   `json:"estimated_credits"`
	ConsumedCredits    int64   `json:"consumed_credits"`
	RefundedCredits    int64   `json:"refunded_credits"`
	RetryCount         int     `json:"retry_count"`
	MaxRetries         int     `json:"max_retries"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

type AccountResponse struct {
	UserID  string `json:"user_id"`
	Tier    string `json:"tier"`
	Balance int64  `json:"balance"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
