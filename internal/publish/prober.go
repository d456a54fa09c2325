package publish

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"cruvz-control/internal/models"
)

const defaultProbeConcurrency = 8

// Prober periodically health-checks every connected or publishing target.
type Prober struct {
	orchestrator *Orchestrator
	interval     time.Duration
	concurrency  int64
}

// NewProber builds a prober over the orchestrator. Concurrency bounds how
// many engine probes run at once.
func NewProber(orchestrator *Orchestrator, interval time.Duration, concurrency int) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	return &Prober{
		orchestrator: orchestrator,
		interval:     interval,
		concurrency:  int64(concurrency),
	}
}

// Run probes on every tick until the context is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one probe pass over all live targets.
func (p *Prober) Sweep(ctx context.Context) {
	o := p.orchestrator
	targets, err := o.store.ListTargetsByStatus(ctx, models.TargetConnected, models.TargetPublishing)
	if err != nil {
		o.logger.Error("prober: list targets", "error", err)
		return
	}

	sem := semaphore.NewWeighted(p.concurrency)
	for _, target := range targets {
		target := target
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			if err := o.HealthCheck(ctx, target.ID); err != nil {
				o.logger.Warn("prober: health check", "targetId", target.ID, "error", err)
			}
		}()
	}
	// Drain so one sweep finishes before the next starts.
	_ = sem.Acquire(ctx, p.concurrency)
}
