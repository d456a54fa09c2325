// Package registry owns the authoritative lifecycle state of streaming
// sessions: creation against per-role concurrency caps, the strict
// inactive→active→ended transition order, and viewer telemetry rollup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cruvz-control/internal/keyedlock"
	"cruvz-control/internal/models"
	"cruvz-control/internal/storage"
)

var (
	// ErrQuotaExceeded indicates the owner is at their active-session cap.
	ErrQuotaExceeded = errors.New("active session quota exceeded")
	// ErrInvalidTransition indicates the session is not in a state the
	// requested transition starts from.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrConflict indicates the operation conflicts with current state,
	// for example deleting a session that is still active.
	ErrConflict = errors.New("session state conflict")
)

// TargetDisconnector is the orchestrator hook the registry calls when a
// session stops so bound publishing targets are torn down.
type TargetDisconnector interface {
	ForceDisconnectAll(ctx context.Context, sessionID string) error
}

// MetricSink receives the measurements the registry emits.
type MetricSink interface {
	Record(ctx context.Context, category models.MetricCategory, metricType string, value, target float64) (models.MetricRecord, error)
}

// Registry coordinates all session state changes. Mutations for one owner
// are serialized so concurrent creations cannot slip past the cap.
type Registry struct {
	store      storage.Store
	metrics    MetricSink
	logger     *slog.Logger
	now        func() time.Time
	ownerLocks *keyedlock.Map

	mu           sync.RWMutex
	disconnector TargetDisconnector
}

// Option adjusts optional Registry behaviour.
type Option func(*Registry)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a Registry over the given store and metric sink.
func New(store storage.Store, metrics MetricSink, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		metrics:    metrics,
		logger:     slog.Default(),
		now:        time.Now,
		ownerLocks: keyedlock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDisconnector wires the orchestrator in after construction; the
// orchestrator itself depends on session state, so the cycle is broken here.
func (r *Registry) SetDisconnector(d TargetDisconnector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnector = d
}

func (r *Registry) targetDisconnector() TargetDisconnector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disconnector
}

// CreateSession registers a new inactive session for the owner. The stream
// key is minted here and never changes afterwards.
func (r *Registry) CreateSession(ctx context.Context, ownerID string, role models.Role, protocol models.SessionProtocol) (models.StreamSession, error) {
	if ownerID == "" {
		return models.StreamSession{}, fmt.Errorf("owner id is required")
	}
	if _, err := models.ParseRole(string(role)); err != nil {
		return models.StreamSession{}, err
	}
	if _, err := models.ParseSessionProtocol(string(protocol)); err != nil {
		return models.StreamSession{}, err
	}

	r.ownerLocks.Lock(ownerID)
	defer r.ownerLocks.Unlock(ownerID)

	if err := r.checkQuota(ctx, ownerID, role); err != nil {
		return models.StreamSession{}, err
	}

	id, err := storage.NewID()
	if err != nil {
		return models.StreamSession{}, err
	}
	key, err := storage.NewStreamKey()
	if err != nil {
		return models.StreamSession{}, err
	}
	session := models.StreamSession{
		ID:        id,
		OwnerID:   ownerID,
		Protocol:  protocol,
		Status:    models.SessionInactive,
		StreamKey: key,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.SaveSession(ctx, session); err != nil {
		return models.StreamSession{}, fmt.Errorf("create session: %w", err)
	}
	r.logger.Info("session created", "sessionId", session.ID, "ownerId", ownerID, "protocol", string(protocol))
	return session, nil
}

func (r *Registry) checkQuota(ctx context.Context, ownerID string, role models.Role) error {
	active, err := r.store.CountActiveSessions(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}
	limit := role.MaxActiveSessions()
	if active >= limit {
		return fmt.Errorf("%w: %d active of %d allowed", ErrQuotaExceeded, active, limit)
	}
	return nil
}

// StartSession moves an inactive session to active and stamps started-at.
// The cap is enforced again here: created-but-idle sessions do not consume
// quota, going live does.
func (r *Registry) StartSession(ctx context.Context, sessionID, ownerID string, role models.Role) (models.StreamSession, error) {
	r.ownerLocks.Lock(ownerID)
	defer r.ownerLocks.Unlock(ownerID)

	session, err := r.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		return models.StreamSession{}, err
	}
	if session.Status != models.SessionInactive {
		return models.StreamSession{}, fmt.Errorf("%w: cannot start %s session", ErrInvalidTransition, session.Status)
	}
	if err := r.checkQuota(ctx, ownerID, role); err != nil {
		return models.StreamSession{}, err
	}

	started := r.now().UTC()
	session.Status = models.SessionActive
	session.StartedAt = &started
	session.EndedAt = nil
	session.CurrentViewers = 0
	if err := r.store.SaveSession(ctx, session); err != nil {
		return models.StreamSession{}, fmt.Errorf("start session: %w", err)
	}
	r.emit(ctx, models.CategoryStreaming, "viewer_count", 0, 0)
	r.logger.Info("session started", "sessionId", session.ID, "ownerId", ownerID)
	return session, nil
}

// StopSession ends an active session, stamps ended-at, emits the final
// duration measurement, and tears down bound publishing targets.
func (r *Registry) StopSession(ctx context.Context, sessionID, ownerID string) (models.StreamSession, error) {
	r.ownerLocks.Lock(ownerID)
	session, err := r.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		r.ownerLocks.Unlock(ownerID)
		return models.StreamSession{}, err
	}
	if session.Status != models.SessionActive {
		r.ownerLocks.Unlock(ownerID)
		return models.StreamSession{}, fmt.Errorf("%w: cannot stop %s session", ErrInvalidTransition, session.Status)
	}

	ended := r.now().UTC()
	session.Status = models.SessionEnded
	session.EndedAt = &ended
	if err := r.store.SaveSession(ctx, session); err != nil {
		r.ownerLocks.Unlock(ownerID)
		return models.StreamSession{}, fmt.Errorf("stop session: %w", err)
	}
	r.ownerLocks.Unlock(ownerID)

	r.emit(ctx, models.CategoryStreaming, "session_duration_seconds", session.Duration().Seconds(), 0)
	if d := r.targetDisconnector(); d != nil {
		if err := d.ForceDisconnectAll(ctx, sessionID); err != nil {
			r.logger.Error("force disconnect after stop failed", "sessionId", sessionID, "error", err)
		}
	}
	r.logger.Info("session stopped", "sessionId", session.ID, "ownerId", ownerID, "duration", session.Duration().String())
	return session, nil
}

// RecordViewers updates the live viewer count from telemetry. Counts for a
// session that is no longer active are dropped, not rejected; late samples
// from an ending stream are expected.
func (r *Registry) RecordViewers(ctx context.Context, sessionID string, count int) error {
	if count < 0 {
		return fmt.Errorf("viewer count must not be negative")
	}
	session, err := r.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	r.ownerLocks.Lock(session.OwnerID)
	defer r.ownerLocks.Unlock(session.OwnerID)

	session, err = r.store.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionActive {
		return nil
	}
	session.CurrentViewers = count
	if count > session.PeakViewers {
		session.PeakViewers = count
	}
	if err := r.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("record viewers: %w", err)
	}
	return nil
}

// DeleteSession removes a session that is not currently live.
func (r *Registry) DeleteSession(ctx context.Context, sessionID, ownerID string) error {
	r.ownerLocks.Lock(ownerID)
	defer r.ownerLocks.Unlock(ownerID)

	session, err := r.loadOwned(ctx, sessionID, ownerID)
	if err != nil {
		return err
	}
	if session.Status == models.SessionActive {
		return fmt.Errorf("%w: stop the session before deleting it", ErrConflict)
	}
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	r.logger.Info("session deleted", "sessionId", sessionID, "ownerId", ownerID)
	return nil
}

// GetSession returns a session owned by the caller.
func (r *Registry) GetSession(ctx context.Context, sessionID, ownerID string) (models.StreamSession, error) {
	return r.loadOwned(ctx, sessionID, ownerID)
}

// ListSessions returns the caller's sessions, newest first.
func (r *Registry) ListSessions(ctx context.Context, ownerID string) ([]models.StreamSession, error) {
	return r.store.ListSessionsByOwner(ctx, ownerID)
}

// loadOwned resolves a session and hides its existence from non-owners.
func (r *Registry) loadOwned(ctx context.Context, sessionID, ownerID string) (models.StreamSession, error) {
	session, err := r.store.LoadSession(ctx, sessionID)
	if err != nil {
		return models.StreamSession{}, err
	}
	if session.OwnerID != ownerID {
		return models.StreamSession{}, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return session, nil
}

// emit records a measurement without failing the surrounding operation; the
// state change is already durable by the time measurements go out.
func (r *Registry) emit(ctx context.Context, category models.MetricCategory, metricType string, value, target float64) {
	if r.metrics == nil {
		return
	}
	if _, err := r.metrics.Record(ctx, category, metricType, value, target); err != nil {
		r.logger.Warn("measurement dropped", "category", string(category), "type", metricType, "error", err)
	}
}
