// Package storage defines the persistence contract for the control plane and
// provides the two supported implementations: an in-memory store used by
// tests and single-process deployments, and a Postgres store for production.
package storage

import (
	"context"
	"errors"
	"time"

	"cruvz-control/internal/models"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable indicates the datastore could not be reached. Callers
	// must surface this instead of degrading to fabricated data.
	ErrUnavailable = errors.New("datastore unavailable")
)

// MetricQuery filters the append-only metric log. Category is optional; From
// and To bound RecordedAt inclusively on both ends.
type MetricQuery struct {
	Category *models.MetricCategory
	From     time.Time
	To       time.Time
}

// Matches reports whether a record satisfies the query.
func (q MetricQuery) Matches(record models.MetricRecord) bool {
	if q.Category != nil && record.Category != *q.Category {
		return false
	}
	if !q.From.IsZero() && record.RecordedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && record.RecordedAt.After(q.To) {
		return false
	}
	return true
}

// Store exposes the datastore operations required by the session registry,
// the publishing orchestrator, and the quality engine. Implementations must
// be safe for concurrent use and strongly consistent per entity.
type Store interface {
	SaveSession(ctx context.Context, session models.StreamSession) error
	LoadSession(ctx context.Context, id string) (models.StreamSession, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.StreamSession, error)
	CountActiveSessions(ctx context.Context, ownerID string) (int, error)

	SaveTarget(ctx context.Context, target models.PublishingTarget) error
	LoadTarget(ctx context.Context, id string) (models.PublishingTarget, error)
	DeleteTarget(ctx context.Context, id string) error
	ListTargetsByOwner(ctx context.Context, ownerID string) ([]models.PublishingTarget, error)
	ListTargetsBySession(ctx context.Context, sessionID string) ([]models.PublishingTarget, error)
	ListTargetsByStatus(ctx context.Context, statuses ...models.TargetStatus) ([]models.PublishingTarget, error)

	AppendMetric(ctx context.Context, record models.MetricRecord) error
	QueryMetrics(ctx context.Context, query MetricQuery) ([]models.MetricRecord, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
