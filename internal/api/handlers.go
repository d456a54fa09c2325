package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"cruvz-control/internal/engine"
	"cruvz-control/internal/observability/metrics"
	"cruvz-control/internal/publish"
	"cruvz-control/internal/quality"
	"cruvz-control/internal/registry"
	"cruvz-control/internal/storage"
	"cruvz-control/internal/telemetry"
)

// Handler bundles the control-plane services behind the REST surface.
type Handler struct {
	registry  *registry.Registry
	publisher *publish.Orchestrator
	reporter  *quality.Reporter
	store     storage.Store
	samples   telemetry.Queue
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// HandlerConfig wires the Handler's collaborators.
type HandlerConfig struct {
	Registry  *registry.Registry
	Publisher *publish.Orchestrator
	Reporter  *quality.Reporter
	Store     storage.Store
	Samples   telemetry.Queue
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// NewHandler builds a Handler from its dependencies.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		reporter:  cfg.Reporter,
		store:     cfg.Store,
		samples:   cfg.Samples,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if h.metrics == nil {
		h.metrics = metrics.Default()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Health reports process liveness and datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps service sentinels onto HTTP statuses. Anything not in
// the taxonomy is an internal error.
func statusForError(err error) int {
	var reqErr RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Status
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrQuotaExceeded),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, registry.ErrConflict),
		errors.Is(err, publish.ErrAlreadyConnecting),
		errors.Is(err, publish.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, publish.ErrDisabled),
		errors.Is(err, publish.ErrSourceNotActive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrTimeout), errors.Is(err, engine.ErrEngine):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, err)
}

// splitPath returns the id and optional action from a request path below the
// given prefix, e.g. /api/sessions/{id}/start → ("{id}", "start").
func splitPath(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", "", false
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}
