// Package engine is the adapter to the upstream translation engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

const (
	// DefaultTimeout bounds a single engine call
	DefaultTimeout = 30 * time.Second

	// DefaultPath is the engine's translate endpoint
	DefaultPath = "/translate"

	maxErrorBody = 512
)

// responsePaths are the payload shapes the engine is known to answer with, most specific first
var responsePaths = []string{
	"translatedText",
	"translated_text",
	"translation",
	"data.translatedText",
	"data.translated_text",
	"data.translations.0.translatedText",
	"translations.0.translatedText",
	"translations.0.text",
	"result.translatedText",
	"result.text",
	"result",
	"text",
}

// Config holds engine connection settings
type Config struct {
	BaseURL           string
	Path              string
	APIKey            string
	APIKeyHeader      string
	Timeout           time.Duration
	LanguageOverrides map[string]string
	Logger            *slog.Logger
}

// Client sends one chunk at a time to the engine. It is stateless and safe for concurrent use.
type Client struct {
	http      *resty.Client
	path      string
	timeout   time.Duration
	languages *LanguageMap
	logger    *slog.Logger
}

type translateRequest struct {
	Text           string `json:"text"`
	SourceLangCode string `json:"sourceLangCode"`
	TargetLangCode string `json:"targetLangCode"`
}

// NewClient creates a new engine client
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		header := cfg.APIKeyHeader
		if header == "" {
			httpClient.SetAuthToken(cfg.APIKey)
		} else {
			httpClient.SetHeader(header, cfg.APIKey)
		}
	}

	return &Client{
		http:      httpClient,
		path:      path,
		timeout:   timeout,
		languages: NewLanguageMap(cfg.LanguageOverrides),
		logger:    logger,
	}
}

// Translate sends chunkText to the engine and returns the translated text.
// Failures are *domain.UpstreamError.
func (c *Client) Translate(ctx context.Context, chunkText, sourceLang, targetLang string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := translateRequest{
		Text:           chunkText,
		SourceLangCode: c.languages.Code(sourceLang),
		TargetLangCode: c.languages.Code(targetLang),
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(body).
		Post(c.path)
	if err != nil {
		// Canceled by the caller is not something a retry can fix
		return "", &domain.UpstreamError{
			Transient: !errors.Is(ctx.Err(), context.Canceled),
			Message:   "request failed",
			Err:       err,
		}
	}

	c.logger.Debug("Engine call finished",
		slog.Int("status", resp.StatusCode()),
		slog.Int("chars", len(chunkText)),
		slog.Duration("latency", time.Since(start)),
	)

	if !resp.IsSuccess() {
		return "", newStatusError(resp)
	}

	text, ok := normalize(resp.Body())
	if !ok {
		return "", &domain.UpstreamError{
			StatusCode: resp.StatusCode(),
			Transient:  false,
			Message:    abbreviate(string(resp.Body()), maxErrorBody),
			Err:        domain.ErrInvalidResponse,
		}
	}

	return text, nil
}

// normalize extracts the translated text from any known payload shape
func normalize(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}

	if root := gjson.ParseBytes(body); root.Type == gjson.String {
		return root.String(), strings.TrimSpace(root.String()) != ""
	}

	for _, path := range responsePaths {
		result := gjson.GetBytes(body, path)
		if result.Type == gjson.String && strings.TrimSpace(result.String()) != "" {
			return result.String(), true
		}
	}

	return "", false
}

func newStatusError(resp *resty.Response) *domain.UpstreamError {
	status := resp.StatusCode()
	upstreamErr := &domain.UpstreamError{
		StatusCode: status,
		Transient:  isTransientStatus(status),
		Message:    abbreviate(errorMessage(resp.Body()), maxErrorBody),
	}

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		upstreamErr.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))
	}

	return upstreamErr
}

func isTransientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if result := gjson.GetBytes(body, path); result.Type == gjson.String {
			return result.String()
		}
	}
	return strings.TrimSpace(string(body))
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func abbreviate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(runes[:n-3]))
}
