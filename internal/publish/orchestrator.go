// Package publish drives publishing targets through their connection state
// machine against the external media engine: bounded retries with
// exponential backoff, cancellable in-flight attempts, and health probing.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cruvz-control/internal/engine"
	"cruvz-control/internal/keyedlock"
	"cruvz-control/internal/models"
	"cruvz-control/internal/storage"
)

var (
	// ErrDisabled indicates the target has been switched off by its owner.
	ErrDisabled = errors.New("target disabled")
	// ErrSourceNotActive indicates the bound source session is not live.
	ErrSourceNotActive = errors.New("source session not active")
	// ErrAlreadyConnecting indicates a connection attempt is in flight.
	ErrAlreadyConnecting = errors.New("connection attempt already in flight")
	// ErrConflict indicates the operation conflicts with the target's
	// current state.
	ErrConflict = errors.New("target state conflict")
)

// MetricSink receives defect records for exhausted connection attempts.
type MetricSink interface {
	Record(ctx context.Context, category models.MetricCategory, metricType string, value, target float64) (models.MetricRecord, error)
}

// RetryPolicy bounds connection attempts. Delays double from Base up to Max.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy matches the platform's relay SLO: three attempts
// spread over roughly twenty seconds.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Base: 2 * time.Second, Max: 30 * time.Second}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Base < 0 {
		p.Base = 0
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// delay returns the backoff before the given 1-based attempt number.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// attempt is one in-flight connection effort for a target. Cancelling the
// context stops both the engine call and any pending backoff timer.
type attempt struct {
	targetID string
	ctx      context.Context
	cancel   context.CancelFunc
}

// Orchestrator owns all publishing-target state transitions. Transitions
// for one target are serialized by a keyed lock; at most one attempt is in
// flight per target.
type Orchestrator struct {
	store   storage.Store
	engine  engine.MediaEngine
	metrics MetricSink
	logger  *slog.Logger
	now     func() time.Time
	retry   RetryPolicy
	locks   *keyedlock.Map

	mu       sync.Mutex
	attempts map[string]*attempt
	wg       sync.WaitGroup
}

// Option adjusts optional Orchestrator behaviour.
type Option func(*Orchestrator)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetryPolicy overrides the connection retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.retry = policy.normalize()
	}
}

// New builds an Orchestrator over the given store, engine, and metric sink.
func New(store storage.Store, eng engine.MediaEngine, metrics MetricSink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		engine:   eng,
		metrics:  metrics,
		logger:   slog.Default(),
		now:      time.Now,
		retry:    DefaultRetryPolicy,
		locks:    keyedlock.New(),
		attempts: make(map[string]*attempt),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Connect begins pushing the target's source to its endpoint. The engine
// call runs asynchronously; the target is observable as connecting until
// the attempt settles.
func (o *Orchestrator) Connect(ctx context.Context, targetID, ownerID string) error {
	o.locks.Lock(targetID)
	defer o.locks.Unlock(targetID)

	target, err := o.loadOwned(ctx, targetID, ownerID)
	if err != nil {
		return err
	}
	if !target.Enabled {
		return fmt.Errorf("target %s: %w", targetID, ErrDisabled)
	}
	protocol, err := o.sourceProtocol(ctx, target)
	if err != nil {
		return err
	}
	if o.attemptInFlight(targetID) || target.Status == models.TargetConnecting {
		return fmt.Errorf("target %s: %w", targetID, ErrAlreadyConnecting)
	}
	if target.Status == models.TargetConnected || target.Status == models.TargetPublishing {
		return fmt.Errorf("%w: target %s already %s", ErrConflict, targetID, target.Status)
	}

	target.Status = models.TargetConnecting
	target.LastError = ""
	if err := o.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	o.launchAttempt(target, protocol)
	return nil
}

// sourceProtocol enforces that a bound session is live before connecting
// and reports its protocol for the engine push. A missing session counts
// as not active; an unbound target pushes with no protocol hint.
func (o *Orchestrator) sourceProtocol(ctx context.Context, target models.PublishingTarget) (models.SessionProtocol, error) {
	if target.SessionID == nil {
		return "", nil
	}
	session, err := o.store.LoadSession(ctx, *target.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("session %s: %w", *target.SessionID, ErrSourceNotActive)
		}
		return "", err
	}
	if session.Status != models.SessionActive {
		return "", fmt.Errorf("session %s is %s: %w", session.ID, session.Status, ErrSourceNotActive)
	}
	return session.Protocol, nil
}

func (o *Orchestrator) attemptInFlight(targetID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.attempts[targetID]
	return ok
}

// launchAttempt registers and starts the retry loop for a target. Callers
// hold the target lock.
func (o *Orchestrator) launchAttempt(target models.PublishingTarget, protocol models.SessionProtocol) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{targetID: target.ID, ctx: ctx, cancel: cancel}
	o.mu.Lock()
	o.attempts[target.ID] = a
	o.mu.Unlock()
	o.wg.Add(1)
	go o.runAttempt(a, target, protocol)
}

func (o *Orchestrator) runAttempt(a *attempt, target models.PublishingTarget, protocol models.SessionProtocol) {
	defer o.wg.Done()
	defer a.cancel()

	cfg := engine.PushConfig{
		TargetID:  target.ID,
		Protocol:  protocol,
		URL:       target.URL,
		StreamKey: target.StreamKey,
	}
	if target.SessionID != nil {
		cfg.SessionID = *target.SessionID
	}

	var lastErr error
	for attemptNum := 1; attemptNum <= o.retry.MaxAttempts; attemptNum++ {
		if attemptNum > 1 {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(o.retry.delay(attemptNum - 1)):
			}
		}
		err := o.engine.StartPush(a.ctx, cfg)
		if err == nil {
			connected := o.now().UTC()
			o.settleAttempt(a, func(t *models.PublishingTarget) {
				t.Status = models.TargetConnected
				t.LastError = ""
				t.LastConnectedAt = &connected
			})
			o.logger.Info("target connected", "targetId", target.ID, "attempt", attemptNum)
			return
		}
		if a.ctx.Err() != nil {
			// Cancelled by disconnect; teardown already owns the state.
			return
		}
		lastErr = err
		o.logger.Warn("push attempt failed", "targetId", target.ID, "attempt", attemptNum, "error", err)
	}

	settled := o.settleAttempt(a, func(t *models.PublishingTarget) {
		t.Status = models.TargetError
		t.LastError = lastErr.Error()
	})
	if settled {
		o.recordDefect(target.ID)
	}
}

// settleAttempt commits the outcome of an attempt if it is still the
// current one for its target. A stale attempt (superseded by a disconnect)
// must not touch state.
func (o *Orchestrator) settleAttempt(a *attempt, apply func(*models.PublishingTarget)) bool {
	o.locks.Lock(a.targetID)
	defer o.locks.Unlock(a.targetID)

	o.mu.Lock()
	current := o.attempts[a.targetID] == a
	if current {
		delete(o.attempts, a.targetID)
	}
	o.mu.Unlock()
	if !current {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target, err := o.store.LoadTarget(ctx, a.targetID)
	if err != nil {
		o.logger.Error("settle attempt: load target", "targetId", a.targetID, "error", err)
		return false
	}
	apply(&target)
	if err := o.store.SaveTarget(ctx, target); err != nil {
		o.logger.Error("settle attempt: save target", "targetId", a.targetID, "error", err)
		return false
	}
	return true
}

// recordDefect logs one streaming defect for an exhausted connection.
func (o *Orchestrator) recordDefect(targetID string) {
	if o.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.metrics.Record(ctx, models.CategoryStreaming, "publish_connect_failure", 1, 1); err != nil {
		o.logger.Warn("defect record dropped", "targetId", targetID, "error", err)
	}
}

// Disconnect stops a target and cancels any in-flight attempt. It is
// idempotent; disconnecting a disconnected target is a no-op.
func (o *Orchestrator) Disconnect(ctx context.Context, targetID, ownerID string) error {
	o.locks.Lock(targetID)
	defer o.locks.Unlock(targetID)

	target, err := o.loadOwned(ctx, targetID, ownerID)
	if err != nil {
		return err
	}
	return o.disconnectLocked(ctx, target)
}

// disconnectLocked performs the transition; callers hold the target lock.
func (o *Orchestrator) disconnectLocked(ctx context.Context, target models.PublishingTarget) error {
	o.cancelAttempt(target.ID)
	if target.Status == models.TargetDisconnected {
		return nil
	}

	if target.Status == models.TargetConnected || target.Status == models.TargetPublishing {
		if err := o.engine.StopPush(ctx, target.ID); err != nil {
			// The engine will drop the push on its own health cycle;
			// control-plane state still wins.
			o.logger.Warn("engine stop push failed", "targetId", target.ID, "error", err)
		}
	}
	target.Status = models.TargetDisconnected
	if err := o.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	o.logger.Info("target disconnected", "targetId", target.ID)
	return nil
}

func (o *Orchestrator) cancelAttempt(targetID string) {
	o.mu.Lock()
	a, ok := o.attempts[targetID]
	if ok {
		delete(o.attempts, targetID)
	}
	o.mu.Unlock()
	if ok {
		a.cancel()
	}
}

// ForceDisconnectAll tears down every target bound to a session. Called by
// the session registry when the source stops; a target still connecting
// moves straight to disconnected, which is expected teardown, not a defect.
func (o *Orchestrator) ForceDisconnectAll(ctx context.Context, sessionID string) error {
	targets, err := o.store.ListTargetsBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("force disconnect: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		if target.Status == models.TargetDisconnected {
			continue
		}
		group.Go(func() error {
			o.locks.Lock(target.ID)
			defer o.locks.Unlock(target.ID)
			current, err := o.store.LoadTarget(groupCtx, target.ID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			return o.disconnectLocked(groupCtx, current)
		})
	}
	return group.Wait()
}

// ConfirmDataFlow promotes a connected target to publishing on the first
// confirmed data transfer reported by the engine.
func (o *Orchestrator) ConfirmDataFlow(ctx context.Context, targetID string) error {
	o.locks.Lock(targetID)
	defer o.locks.Unlock(targetID)

	target, err := o.store.LoadTarget(ctx, targetID)
	if err != nil {
		return err
	}
	switch target.Status {
	case models.TargetPublishing:
		return nil
	case models.TargetConnected:
		target.Status = models.TargetPublishing
		if err := o.store.SaveTarget(ctx, target); err != nil {
			return fmt.Errorf("confirm data flow: %w", err)
		}
		o.logger.Info("target publishing", "targetId", targetID)
		return nil
	default:
		return fmt.Errorf("%w: data flow reported while %s", ErrConflict, target.Status)
	}
}

// HealthCheck probes one connected or publishing target. An unhealthy or
// unreachable verdict re-enters the connect retry loop; exhausting it lands
// the target in error with a recorded defect.
func (o *Orchestrator) HealthCheck(ctx context.Context, targetID string) error {
	o.locks.Lock(targetID)
	defer o.locks.Unlock(targetID)

	target, err := o.store.LoadTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Status != models.TargetConnected && target.Status != models.TargetPublishing {
		return nil
	}

	health, err := o.engine.ProbeHealth(ctx, targetID)
	if err != nil {
		health = engine.HealthUnreachable
		o.logger.Warn("health probe failed", "targetId", targetID, "error", err)
	}
	if health == engine.HealthHealthy {
		return nil
	}

	if o.attemptInFlight(targetID) {
		return nil
	}
	protocol, err := o.sourceProtocol(ctx, target)
	if err != nil {
		if errors.Is(err, ErrSourceNotActive) {
			// The source went away under the push; plain teardown.
			return o.disconnectLocked(ctx, target)
		}
		return err
	}
	o.logger.Warn("target unhealthy, reconnecting", "targetId", targetID, "health", string(health))
	target.Status = models.TargetConnecting
	target.LastError = fmt.Sprintf("health probe: %s", health)
	if err := o.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	o.launchAttempt(target, protocol)
	return nil
}

// Shutdown waits for in-flight attempts to settle or the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for id, a := range o.attempts {
		a.cancel()
		delete(o.attempts, id)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
