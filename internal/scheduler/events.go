package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// Subscribe returns a channel receiving every job event published after the call.
// Progress events are dropped for a subscriber whose buffer is full; terminal events wait
// for room up to the terminal event timeout.
func (s *Scheduler) Subscribe(buffer int) <-chan domain.JobEvent {
	ch := make(chan domain.JobEvent, buffer)

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Close closes all subscriber channels. Call it after Run has returned.
func (s *Scheduler) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
}

func (s *Scheduler) publish(ctx context.Context, event domain.JobEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	if s.closed {
		return
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
			continue
		default:
		}

		// Progress can be skipped, the final state of a job cannot
		if !event.To.IsTerminal() {
			s.logger.Debug("Subscriber full, event dropped",
				slog.String("job_id", event.JobID),
				slog.String("status", string(event.To)),
			)
			continue
		}
		s.sendTerminal(ctx, ch, event)
	}
}

func (s *Scheduler) sendTerminal(ctx context.Context, ch chan domain.JobEvent, event domain.JobEvent) {
	timer := time.NewTimer(s.terminalEventTimeout)
	defer timer.Stop()

	select {
	case ch <- event:
	case <-ctx.Done():
		s.logger.Warn("Terminal event dropped, shutting down",
			slog.String("job_id", event.JobID),
			slog.String("status", string(event.To)),
		)
	case <-timer.C:
		s.logger.Error("Terminal event dropped, subscriber stalled",
			slog.String("job_id", event.JobID),
			slog.String("status", string(event.To)),
			slog.Duration("waited", s.terminalEventTimeout),
		)
	}
}

func (s *Scheduler) publishTerminal(ctx context.Context, jobID string, from domain.JobStatus, reason string) {
	job, err := s.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		s.logger.Warn("Failed to load finished job for event",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	s.publish(ctx, domain.JobEvent{
		JobID:    jobID,
		From:     from,
		To:       job.Status,
		Reason:   reason,
		Snapshot: job.Snapshot(),
		At:       time.Now(),
	})
}
