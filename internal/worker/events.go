package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/longtext-translator/internal/domain"
)

// forwardEvents writes every job event to the snapshot cache and archives finished documents
func (w *Worker) forwardEvents(ctx context.Context, events <-chan domain.JobEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, event domain.JobEvent) {
	if w.snapshots != nil {
		if err := w.snapshots.Put(ctx, event.Snapshot); err != nil {
			w.logger.Warn("Failed to publish job snapshot",
				slog.String("job_id", event.JobID),
				slog.Any("error", err),
			)
		}
	}

	if !archivable(event) || w.archive == nil {
		return
	}

	if _, err := w.archive.Put(ctx, event.Snapshot); err != nil {
		w.logger.Error("Failed to archive translation",
			slog.String("job_id", event.JobID),
			slog.Any("error", err),
		)
	}
}

// archivable reports whether the event finishes a document job with content to keep
func archivable(event domain.JobEvent) bool {
	snap := event.Snapshot
	return snap.Kind == domain.JobKindDocument &&
		event.To.IsTerminal() &&
		event.From != event.To &&
		snap.TranslatedContent != ""
}
