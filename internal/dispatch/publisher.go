// Package dispatch hands submitted jobs to worker processes over RabbitMQ.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/shared/rabbitmq"
)

// contentType of every job message
const contentType = "application/json"

// MessagePublisher is the part of the RabbitMQ client the publisher needs
type MessagePublisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// Config holds publisher configuration
type Config struct {
	Mode   domain.DispatchMode
	Logger *slog.Logger
}

// Publisher turns jobs into queue messages
type Publisher struct {
	client MessagePublisher
	mode   domain.DispatchMode
	logger *slog.Logger
}

// NewPublisher creates a publisher. The mode defaults to serial.
func NewPublisher(client MessagePublisher, cfg *Config) *Publisher {
	mode := cfg.Mode
	if !mode.Valid() {
		mode = domain.DispatchSerial
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		client: client,
		mode:   mode,
		logger: logger,
	}
}

// Dispatch publishes the first message of a job
func (p *Publisher) Dispatch(ctx context.Context, job *domain.TranslationJob) error {
	return p.Publish(ctx, domain.JobMessage{
		JobID:    job.ID,
		Priority: job.Priority,
		Mode:     p.mode,
	})
}

// Publish sends msg as is. Workers use it to hand the next streaming step back to the queue.
func (p *Publisher) Publish(ctx context.Context, msg domain.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	err = p.client.PublishWithRetry(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: contentType,
		MessageID:   fmt.Sprintf("%s-%d", msg.JobID, msg.Step),
		Priority:    msg.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", msg.JobID, err)
	}

	p.logger.Debug("Job message published",
		slog.String("job_id", msg.JobID),
		slog.String("mode", string(msg.Mode)),
		slog.Int("step", msg.Step),
	)
	return nil
}

// Decode parses a queue message body
func Decode(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if msg.JobID == "" {
		return msg, fmt.Errorf("%w: missing job_id", domain.ErrInvalidPayload)
	}
	if msg.Mode == "" {
		msg.Mode = domain.DispatchSerial
	}
	if !msg.Mode.Valid() {
		return msg, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidPayload, msg.Mode)
	}
	return msg, nil
}
