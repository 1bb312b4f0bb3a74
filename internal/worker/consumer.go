package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/longtext-translator/internal/dispatch"
	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// jobMessage is a decoded delivery waiting for a pool goroutine
type jobMessage struct {
	domain.JobMessage
	DeliveryTag  uint64
	Acknowledger amqp.Acknowledger
}

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	if w.rabbitClient == nil {
		return nil, fmt.Errorf("rabbitmq client is nil")
	}

	// prefetch_count bounds the unacknowledged messages held by this consumer
	if err := w.rabbitClient.Qos(w.prefetchCount); err != nil {
		return nil, err
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	// Create unique consumer tag using worker ID
	consumerTag := w.workerID

	deliveries, err := w.rabbitClient.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", consumerTag),
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.rabbitMQQueueName),
	)

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.dispatchDeliveries(ctx, deliveries)
	}()
}

func (w *Worker) dispatchDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			msg, err := dispatch.Decode(delivery.Body)
			if err == nil {
				if _, parseErr := uuid.Parse(msg.JobID); parseErr != nil {
					err = fmt.Errorf("%w: job_id is not a UUID", domain.ErrInvalidPayload)
				}
			}
			if err != nil {
				w.logger.Error("Dropping malformed job message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// NACK without requeue - malformed messages go to the dead letter exchange if any
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			jobMsg := &jobMessage{
				JobMessage:   msg,
				DeliveryTag:  delivery.DeliveryTag,
				Acknowledger: delivery.Acknowledger,
			}

			select {
			case w.jobsChan <- jobMsg:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.String("mode", string(msg.Mode)),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// NACK the message so it can be reprocessed
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}
