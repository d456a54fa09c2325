package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cruvz-control/internal/engine"
	"cruvz-control/internal/models"
	"cruvz-control/internal/observability/metrics"
	"cruvz-control/internal/publish"
	"cruvz-control/internal/quality"
	"cruvz-control/internal/registry"
	"cruvz-control/internal/storage"
)

type apiFixture struct {
	handler *Handler
	store   *storage.MemoryStore
	mux     *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	recorder := quality.NewRecorder(store)
	reg := registry.New(store, recorder)
	orch := publish.New(store, engine.NoopEngine{}, recorder,
		publish.WithRetryPolicy(publish.RetryPolicy{MaxAttempts: 1, Base: 0, Max: 0}))
	reg.SetDisconnector(orch)

	handler := NewHandler(HandlerConfig{
		Registry:  reg,
		Publisher: orch,
		Reporter:  quality.NewReporter(store),
		Store:     store,
		Metrics:   metrics.New(),
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/api/sessions", handler.Sessions)
	mux.HandleFunc("/api/sessions/", handler.SessionByID)
	mux.HandleFunc("/api/targets", handler.Targets)
	mux.HandleFunc("/api/targets/", handler.TargetByID)
	mux.HandleFunc("/api/quality/aggregate", handler.QualityAggregate)
	mux.HandleFunc("/api/quality/report", handler.QualityReport)
	return &apiFixture{handler: handler, store: store, mux: mux}
}

func (f *apiFixture) do(t *testing.T, method, path, ownerID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if ownerID != "" {
		req.Header.Set(HeaderOwnerID, ownerID)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) models.StreamSession {
	t.Helper()
	var session models.StreamSession
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v (%s)", err, rec.Body.String())
	}
	return session
}

func TestHealthEndpoint(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateSessionRequiresOwner(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/sessions", "", map[string]string{"protocol": "srt"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateSessionRejectsUnknownProtocol(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "quic"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	fixture := newAPIFixture(t)

	rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "rtmp-push"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeSession(t, rec)
	if created.Status != models.SessionInactive {
		t.Fatalf("created status = %q", created.Status)
	}
	if len(created.StreamKey) != 48 {
		t.Fatalf("stream key length = %d", len(created.StreamKey))
	}

	rec = fixture.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/start", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	started := decodeSession(t, rec)
	if started.Status != models.SessionActive || started.StartedAt == nil {
		t.Fatalf("started = %+v", started)
	}

	rec = fixture.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/stop", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d: %s", rec.Code, rec.Body.String())
	}
	stopped := decodeSession(t, rec)
	if stopped.Status != models.SessionEnded || stopped.EndedAt == nil {
		t.Fatalf("stopped = %+v", stopped)
	}
}

func TestStartEndedSessionConflicts(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "srt"})
	session := decodeSession(t, rec)
	fixture.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/start", "owner-1", nil)
	fixture.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/stop", "owner-1", nil)

	rec = fixture.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/start", "owner-1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("restart status = %d, want 409", rec.Code)
	}
}

func TestQuotaExceededMapsToConflict(t *testing.T) {
	fixture := newAPIFixture(t)
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "srt"})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d status = %d", i, rec.Code)
		}
		ids = append(ids, decodeSession(t, rec).ID)
	}
	for _, id := range ids[:3] {
		rec := fixture.do(t, http.MethodPost, "/api/sessions/"+id+"/start", "owner-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
		}
	}
	rec := fixture.do(t, http.MethodPost, "/api/sessions/"+ids[3]+"/start", "owner-1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("over-quota status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestOwnershipHiddenAsNotFound(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "srt"})
	session := decodeSession(t, rec)

	rec = fixture.do(t, http.MethodGet, "/api/sessions/"+session.ID, "owner-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign fetch status = %d, want 404", rec.Code)
	}
}

func TestViewerSampleAppliedInline(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "srt"})
	session := decodeSession(t, rec)
	fixture.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/start", "owner-1", nil)

	rec = fixture.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/viewers", "owner-1", map[string]int{"count": 42})
	if rec.Code != http.StatusOK {
		t.Fatalf("viewers status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = fixture.do(t, http.MethodGet, "/api/sessions/"+session.ID, "owner-1", nil)
	got := decodeSession(t, rec)
	if got.CurrentViewers != 42 || got.PeakViewers != 42 {
		t.Fatalf("viewers = %d/%d, want 42/42", got.CurrentViewers, got.PeakViewers)
	}
}

func TestViewerSampleRejectsNegativeCount(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "srt"})
	session := decodeSession(t, rec)

	rec = fixture.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/viewers", "owner-1", map[string]int{"count": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTargetConnectFlow(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "rtmp-push"})
	session := decodeSession(t, rec)
	fixture.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/start", "owner-1", nil)

	rec = fixture.do(t, http.MethodPost, "/api/targets", "owner-1", map[string]interface{}{
		"name":      "youtube",
		"url":       "rtmp://a.rtmp.example.com/live",
		"streamKey": "yt-key",
		"sessionId": session.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create target status = %d: %s", rec.Code, rec.Body.String())
	}
	var target models.PublishingTarget
	if err := json.Unmarshal(rec.Body.Bytes(), &target); err != nil {
		t.Fatalf("decode target: %v", err)
	}
	if target.Status != models.TargetDisconnected || !target.Enabled {
		t.Fatalf("target = %+v", target)
	}

	rec = fixture.do(t, http.MethodPost, "/api/targets/"+target.ID+"/connect", "owner-1", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("connect status = %d: %s", rec.Code, rec.Body.String())
	}

	waitForTargetStatus(t, fixture, target.ID, models.TargetConnected)

	rec = fixture.do(t, http.MethodPost, "/api/targets/"+target.ID+"/dataflow", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dataflow status = %d: %s", rec.Code, rec.Body.String())
	}
	waitForTargetStatus(t, fixture, target.ID, models.TargetPublishing)

	rec = fixture.do(t, http.MethodPost, "/api/targets/"+target.ID+"/disconnect", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d: %s", rec.Code, rec.Body.String())
	}
	waitForTargetStatus(t, fixture, target.ID, models.TargetDisconnected)
}

func waitForTargetStatus(t *testing.T, fixture *apiFixture, targetID string, want models.TargetStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := fixture.do(t, http.MethodGet, "/api/targets/"+targetID, "owner-1", nil)
		var target models.PublishingTarget
		if err := json.Unmarshal(rec.Body.Bytes(), &target); err == nil && target.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("target %s never reached %q", targetID, want)
}

func TestConnectDisabledTargetUnprocessable(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodPost, "/api/targets", "owner-1", map[string]interface{}{
		"name": "backup",
		"url":  "rtmp://backup.example.com/live",
	})
	var target models.PublishingTarget
	if err := json.Unmarshal(rec.Body.Bytes(), &target); err != nil {
		t.Fatalf("decode target: %v", err)
	}

	rec = fixture.do(t, http.MethodPost, "/api/targets/"+target.ID+"/disable", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	rec = fixture.do(t, http.MethodPost, "/api/targets/"+target.ID+"/connect", "owner-1", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("connect disabled status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestQualityAggregateWindow(t *testing.T) {
	fixture := newAPIFixture(t)
	recorder := quality.NewRecorder(fixture.store)
	if _, err := recorder.Record(context.Background(), models.CategoryStreaming, "publish_connect_failure", 1, 1); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := fixture.do(t, http.MethodGet, "/api/quality/aggregate?category=streaming&window=1h", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate status = %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Aggregates []quality.Aggregate `json:"aggregates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode aggregate: %v", err)
	}
	if len(payload.Aggregates) != 1 {
		t.Fatalf("aggregates = %+v", payload.Aggregates)
	}
	if payload.Aggregates[0].Compliant {
		t.Fatalf("total-defect category reported compliant")
	}
}

func TestQualityAggregateRejectsBadWindow(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodGet, "/api/quality/aggregate?window=yesterday", "owner-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestQualityReportCoversAllCategories(t *testing.T) {
	fixture := newAPIFixture(t)
	rec := fixture.do(t, http.MethodGet, "/api/quality/report", "owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d: %s", rec.Code, rec.Body.String())
	}
	var report quality.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.PerCategory) != len(models.Categories()) {
		t.Fatalf("per-category count = %d", len(report.PerCategory))
	}
	if report.OverallComplianceRate != 1.0 {
		t.Fatalf("empty-window compliance = %v, want 1.0", report.OverallComplianceRate)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	fixture := newAPIFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPut, "/api/sessions"},
		{http.MethodPatch, "/api/targets"},
		{http.MethodPost, "/api/quality/report"},
	} {
		rec := fixture.do(t, tc.method, tc.path, "owner-1", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s status = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	fixture := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(HeaderOwnerID, "owner-1")
	req.Header.Set(HeaderOwnerRole, "superuser")
	rec := httptest.NewRecorder()
	fixture.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListSessionsScopedToOwner(t *testing.T) {
	fixture := newAPIFixture(t)
	for i := 0; i < 2; i++ {
		fixture.do(t, http.MethodPost, "/api/sessions", "owner-1", map[string]string{"protocol": "srt"})
	}
	fixture.do(t, http.MethodPost, "/api/sessions", "owner-2", map[string]string{"protocol": "srt"})

	rec := fixture.do(t, http.MethodGet, "/api/sessions", "owner-1", nil)
	var sessions []models.StreamSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		if s.OwnerID != "owner-1" {
			t.Fatalf("foreign session in listing: %s", s.OwnerID)
		}
	}
}
