package publish

import (
	"context"
	"fmt"
	"net/url"

	"cruvz-control/internal/models"
	"cruvz-control/internal/storage"
)

// NewTarget describes a publishing target to create.
type NewTarget struct {
	Name      string
	URL       string
	StreamKey string
	SessionID *string
}

// CreateTarget registers a new disconnected target for the owner. A bound
// session must exist and belong to the same owner.
func (o *Orchestrator) CreateTarget(ctx context.Context, ownerID string, spec NewTarget) (models.PublishingTarget, error) {
	if ownerID == "" {
		return models.PublishingTarget{}, fmt.Errorf("owner id is required")
	}
	if spec.Name == "" {
		return models.PublishingTarget{}, fmt.Errorf("target name is required")
	}
	parsed, err := url.Parse(spec.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return models.PublishingTarget{}, fmt.Errorf("target url %q is not a valid endpoint", spec.URL)
	}
	if spec.SessionID != nil {
		session, err := o.store.LoadSession(ctx, *spec.SessionID)
		if err != nil {
			return models.PublishingTarget{}, err
		}
		if session.OwnerID != ownerID {
			return models.PublishingTarget{}, fmt.Errorf("session %s: %w", *spec.SessionID, storage.ErrNotFound)
		}
	}

	id, err := storage.NewID()
	if err != nil {
		return models.PublishingTarget{}, err
	}
	target := models.PublishingTarget{
		ID:        id,
		OwnerID:   ownerID,
		SessionID: spec.SessionID,
		Name:      spec.Name,
		URL:       spec.URL,
		StreamKey: spec.StreamKey,
		Enabled:   true,
		Status:    models.TargetDisconnected,
		CreatedAt: o.now().UTC(),
	}
	if err := o.store.SaveTarget(ctx, target); err != nil {
		return models.PublishingTarget{}, fmt.Errorf("create target: %w", err)
	}
	o.logger.Info("target created", "targetId", target.ID, "ownerId", ownerID, "name", spec.Name)
	return target, nil
}

// SetEnabled flips the enabled flag. Disabling does not tear down a live
// push; it only blocks future connects.
func (o *Orchestrator) SetEnabled(ctx context.Context, targetID, ownerID string, enabled bool) (models.PublishingTarget, error) {
	o.locks.Lock(targetID)
	defer o.locks.Unlock(targetID)

	target, err := o.loadOwned(ctx, targetID, ownerID)
	if err != nil {
		return models.PublishingTarget{}, err
	}
	if target.Enabled == enabled {
		return target, nil
	}
	target.Enabled = enabled
	if err := o.store.SaveTarget(ctx, target); err != nil {
		return models.PublishingTarget{}, fmt.Errorf("set enabled: %w", err)
	}
	o.logger.Info("target toggled", "targetId", targetID, "enabled", enabled)
	return target, nil
}

// DeleteTarget removes a target. A live target must be disconnected first;
// a target still connecting has its attempt cancelled and is then removed.
func (o *Orchestrator) DeleteTarget(ctx context.Context, targetID, ownerID string) error {
	o.locks.Lock(targetID)
	defer o.locks.Unlock(targetID)

	target, err := o.loadOwned(ctx, targetID, ownerID)
	if err != nil {
		return err
	}
	switch target.Status {
	case models.TargetConnected, models.TargetPublishing:
		return fmt.Errorf("%w: disconnect target %s before deleting it", ErrConflict, targetID)
	case models.TargetConnecting:
		o.cancelAttempt(targetID)
	}
	if err := o.store.DeleteTarget(ctx, targetID); err != nil {
		return err
	}
	o.logger.Info("target deleted", "targetId", targetID, "ownerId", ownerID)
	return nil
}

// GetTarget returns a target owned by the caller.
func (o *Orchestrator) GetTarget(ctx context.Context, targetID, ownerID string) (models.PublishingTarget, error) {
	return o.loadOwned(ctx, targetID, ownerID)
}

// ListTargets returns the caller's targets, newest first.
func (o *Orchestrator) ListTargets(ctx context.Context, ownerID string) ([]models.PublishingTarget, error) {
	return o.store.ListTargetsByOwner(ctx, ownerID)
}

// loadOwned resolves a target and hides its existence from non-owners.
func (o *Orchestrator) loadOwned(ctx context.Context, targetID, ownerID string) (models.PublishingTarget, error) {
	target, err := o.store.LoadTarget(ctx, targetID)
	if err != nil {
		return models.PublishingTarget{}, err
	}
	if target.OwnerID != ownerID {
		return models.PublishingTarget{}, fmt.Errorf("target %s: %w", targetID, storage.ErrNotFound)
	}
	return target, nil
}
