package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cruvz-control/internal/models"
)

type dataset struct {
	Sessions map[string]models.StreamSession
	Targets  map[string]models.PublishingTarget
	Metrics  []models.MetricRecord
}

// MemoryStore keeps the full dataset in process memory guarded by a RWMutex.
// It doubles as the test implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data dataset
}

// NewMemoryStore initialises an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: dataset{
			Sessions: make(map[string]models.StreamSession),
			Targets:  make(map[string]models.PublishingTarget),
		},
	}
}

func cloneSession(session models.StreamSession) models.StreamSession {
	out := session
	if session.StartedAt != nil {
		started := *session.StartedAt
		out.StartedAt = &started
	}
	if session.EndedAt != nil {
		ended := *session.EndedAt
		out.EndedAt = &ended
	}
	return out
}

func cloneTarget(target models.PublishingTarget) models.PublishingTarget {
	out := target
	if target.SessionID != nil {
		sessionID := *target.SessionID
		out.SessionID = &sessionID
	}
	if target.LastConnectedAt != nil {
		connected := *target.LastConnectedAt
		out.LastConnectedAt = &connected
	}
	return out
}

func (s *MemoryStore) SaveSession(ctx context.Context, session models.StreamSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) LoadSession(ctx context.Context, id string) (models.StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.StreamSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(s.data.Sessions, id)
	return nil
}

func (s *MemoryStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]models.StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.StreamSession, 0)
	for _, session := range s.data.Sessions {
		if session.OwnerID == ownerID {
			sessions = append(sessions, cloneSession(session))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) CountActiveSessions(ctx context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, session := range s.data.Sessions {
		if session.OwnerID == ownerID && session.Status == models.SessionActive {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SaveTarget(ctx context.Context, target models.PublishingTarget) error {
	if target.ID == "" {
		return fmt.Errorf("target id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Targets[target.ID] = cloneTarget(target)
	return nil
}

func (s *MemoryStore) LoadTarget(ctx context.Context, id string) (models.PublishingTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.data.Targets[id]
	if !ok {
		return models.PublishingTarget{}, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return cloneTarget(target), nil
}

func (s *MemoryStore) DeleteTarget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Targets[id]; !ok {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	delete(s.data.Targets, id)
	return nil
}

func (s *MemoryStore) ListTargetsByOwner(ctx context.Context, ownerID string) ([]models.PublishingTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	targets := make([]models.PublishingTarget, 0)
	for _, target := range s.data.Targets {
		if target.OwnerID == ownerID {
			targets = append(targets, cloneTarget(target))
		}
	}
	sortTargets(targets)
	return targets, nil
}

func (s *MemoryStore) ListTargetsBySession(ctx context.Context, sessionID string) ([]models.PublishingTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	targets := make([]models.PublishingTarget, 0)
	for _, target := range s.data.Targets {
		if target.SessionID != nil && *target.SessionID == sessionID {
			targets = append(targets, cloneTarget(target))
		}
	}
	sortTargets(targets)
	return targets, nil
}

func (s *MemoryStore) ListTargetsByStatus(ctx context.Context, statuses ...models.TargetStatus) ([]models.PublishingTarget, error) {
	wanted := make(map[models.TargetStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	targets := make([]models.PublishingTarget, 0)
	for _, target := range s.data.Targets {
		if _, ok := wanted[target.Status]; ok {
			targets = append(targets, cloneTarget(target))
		}
	}
	sortTargets(targets)
	return targets, nil
}

func sortTargets(targets []models.PublishingTarget) {
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].CreatedAt.Equal(targets[j].CreatedAt) {
			return targets[i].ID < targets[j].ID
		}
		return targets[i].CreatedAt.After(targets[j].CreatedAt)
	})
}

func (s *MemoryStore) AppendMetric(ctx context.Context, record models.MetricRecord) error {
	if record.ID == "" {
		return fmt.Errorf("metric id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Metrics = append(s.data.Metrics, record)
	return nil
}

func (s *MemoryStore) QueryMetrics(ctx context.Context, query MetricQuery) ([]models.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.MetricRecord, 0)
	for _, record := range s.data.Metrics {
		if query.Matches(record) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].RecordedAt.Before(records[j].RecordedAt)
	})
	return records, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
