package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"cruvz-control/internal/storage"
)

// ViewerRecorder applies a sample to the authoritative session state.
type ViewerRecorder interface {
	RecordViewers(ctx context.Context, sessionID string, count int) error
}

// Worker drains the sample queue into the session registry.
type Worker struct {
	queue    Queue
	recorder ViewerRecorder
	logger   *slog.Logger
}

// NewWorker builds a worker over the queue and recorder.
func NewWorker(queue Queue, recorder ViewerRecorder, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, recorder: recorder, logger: logger}
}

// Run consumes samples until the context is cancelled. Samples for unknown
// sessions are dropped; collectors keep reporting briefly after a session
// is deleted.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-sub.Samples():
			if !ok {
				return nil
			}
			if err := sample.Validate(); err != nil {
				w.logger.Warn("sample rejected", "error", err)
				continue
			}
			if err := w.recorder.RecordViewers(ctx, sample.SessionID, sample.Count); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				w.logger.Warn("sample apply failed", "sessionId", sample.SessionID, "error", err)
			}
		}
	}
}
