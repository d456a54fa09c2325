package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"cruvz-control/internal/models"
)

func TestMemoryStoreSessionRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	started := time.Now().UTC()
	session := models.StreamSession{
		ID:        "sess-1",
		OwnerID:   "owner-1",
		Protocol:  models.ProtocolRTMPPush,
		Status:    models.SessionActive,
		StreamKey: "KEY",
		CreatedAt: started.Add(-time.Minute),
		StartedAt: &started,
	}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	loaded, err := store.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded.OwnerID != "owner-1" || loaded.Status != models.SessionActive {
		t.Fatalf("unexpected session: %+v", loaded)
	}

	// Mutating the returned copy must not affect the stored record.
	*loaded.StartedAt = loaded.StartedAt.Add(time.Hour)
	again, err := store.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if !again.StartedAt.Equal(started) {
		t.Fatalf("stored session aliased caller memory: %v", again.StartedAt)
	}
}

func TestMemoryStoreLoadSessionNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.LoadSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCountActiveSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []models.StreamSession{
		{ID: "a", OwnerID: "owner-1", Status: models.SessionActive, CreatedAt: now},
		{ID: "b", OwnerID: "owner-1", Status: models.SessionEnded, CreatedAt: now},
		{ID: "c", OwnerID: "owner-1", Status: models.SessionActive, CreatedAt: now},
		{ID: "d", OwnerID: "owner-2", Status: models.SessionActive, CreatedAt: now},
	}
	for _, session := range seed {
		if err := store.SaveSession(ctx, session); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	count, err := store.CountActiveSessions(ctx, "owner-1")
	if err != nil {
		t.Fatalf("CountActiveSessions: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 active sessions, got %d", count)
	}
}

func TestMemoryStoreTargetListing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	sessionID := "sess-1"

	targets := []models.PublishingTarget{
		{ID: "t1", OwnerID: "owner-1", SessionID: &sessionID, Status: models.TargetConnected, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "t2", OwnerID: "owner-1", Status: models.TargetDisconnected, CreatedAt: now.Add(-time.Minute)},
		{ID: "t3", OwnerID: "owner-2", SessionID: &sessionID, Status: models.TargetPublishing, CreatedAt: now},
	}
	for _, target := range targets {
		if err := store.SaveTarget(ctx, target); err != nil {
			t.Fatalf("SaveTarget: %v", err)
		}
	}

	byOwner, err := store.ListTargetsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListTargetsByOwner: %v", err)
	}
	if len(byOwner) != 2 || byOwner[0].ID != "t2" {
		t.Fatalf("unexpected owner listing: %+v", byOwner)
	}

	bySession, err := store.ListTargetsBySession(ctx, sessionID)
	if err != nil {
		t.Fatalf("ListTargetsBySession: %v", err)
	}
	if len(bySession) != 2 {
		t.Fatalf("expected 2 session targets, got %d", len(bySession))
	}

	byStatus, err := store.ListTargetsByStatus(ctx, models.TargetConnected, models.TargetPublishing)
	if err != nil {
		t.Fatalf("ListTargetsByStatus: %v", err)
	}
	if len(byStatus) != 2 {
		t.Fatalf("expected 2 targets by status, got %d", len(byStatus))
	}
}

func TestMemoryStoreQueryMetrics(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []models.MetricRecord{
		{ID: "m1", Category: models.CategoryStreaming, MetricType: "connect_failure", RecordedAt: base},
		{ID: "m2", Category: models.CategoryAPI, MetricType: "request_error", RecordedAt: base.Add(time.Hour)},
		{ID: "m3", Category: models.CategoryStreaming, MetricType: "connect_failure", RecordedAt: base.Add(2 * time.Hour)},
	}
	for _, record := range records {
		if err := store.AppendMetric(ctx, record); err != nil {
			t.Fatalf("AppendMetric: %v", err)
		}
	}

	streaming := models.CategoryStreaming
	got, err := store.QueryMetrics(ctx, MetricQuery{Category: &streaming})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m3" {
		t.Fatalf("unexpected category query result: %+v", got)
	}

	got, err = store.QueryMetrics(ctx, MetricQuery{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("unexpected window query result: %+v", got)
	}
}

func TestNewStreamKeyShape(t *testing.T) {
	key, err := NewStreamKey()
	if err != nil {
		t.Fatalf("NewStreamKey: %v", err)
	}
	if len(key) != 48 {
		t.Fatalf("expected 48-character key, got %d", len(key))
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			t.Fatalf("unexpected character %q in stream key", r)
		}
	}
}
