// Package engine abstracts the media engine that performs the actual relay
// of stream data to external publishing endpoints. The control plane only
// issues commands and interprets results; it never touches media itself.
package engine

import (
	"context"
	"errors"

	"cruvz-control/internal/models"
)

var (
	// ErrTimeout indicates the engine did not answer within the deadline.
	ErrTimeout = errors.New("engine timeout")
	// ErrEngine indicates the engine answered with a failure or is refusing
	// work, for example while its circuit breaker is open.
	ErrEngine = errors.New("engine error")
)

// Health is the engine's verdict on an active push.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthUnhealthy   Health = "unhealthy"
	HealthUnreachable Health = "unreachable"
)

// PushConfig describes one relay the engine should run.
type PushConfig struct {
	TargetID  string                 `json:"targetId"`
	SessionID string                 `json:"sessionId"`
	Protocol  models.SessionProtocol `json:"protocol"`
	URL       string                 `json:"url"`
	StreamKey string                 `json:"streamKey,omitempty"`
}

// MediaEngine is implemented by media engine clients. All calls are
// synchronous; callers bound them with a context deadline.
type MediaEngine interface {
	StartPush(ctx context.Context, cfg PushConfig) error
	StopPush(ctx context.Context, targetID string) error
	ProbeHealth(ctx context.Context, targetID string) (Health, error)
}

// NoopEngine accepts every command and reports every push healthy. It backs
// deployments where relaying is handled out of band.
type NoopEngine struct{}

func (NoopEngine) StartPush(ctx context.Context, cfg PushConfig) error { return nil }

func (NoopEngine) StopPush(ctx context.Context, targetID string) error { return nil }

func (NoopEngine) ProbeHealth(ctx context.Context, targetID string) (Health, error) {
	return HealthHealthy, nil
}

var _ MediaEngine = NoopEngine{}
