package api

import (
	"errors"
	"net/http"
	"time"

	"cruvz-control/internal/models"
	"cruvz-control/internal/telemetry"
)

type createSessionRequest struct {
	Protocol string `json:"protocol"`
}

type viewerSampleRequest struct {
	Count      int        `json:"count"`
	ObservedAt *time.Time `json:"observedAt,omitempty"`
}

// Sessions handles the /api/sessions collection.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.createSession(w, r, owner)
	case http.MethodGet:
		sessions, err := h.registry.ListSessions(r.Context(), owner.ID)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, owner Owner) {
	var payload createSessionRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	protocol, err := models.ParseSessionProtocol(payload.Protocol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.registry.CreateSession(r.Context(), owner.ID, owner.Role, protocol)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.metrics.ObserveSessionEvent("created")
	writeJSON(w, http.StatusCreated, session)
}

// SessionByID handles /api/sessions/{id} and its lifecycle actions.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	id, action, ok := splitPath(r.URL.Path, "/api/sessions/")
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			session, err := h.registry.GetSession(r.Context(), id, owner.ID)
			if err != nil {
				h.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, session)
		case http.MethodDelete:
			if err := h.registry.DeleteSession(r.Context(), id, owner.ID); err != nil {
				h.fail(w, err)
				return
			}
			writeJSON(w, http.StatusNoContent, nil)
		default:
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		}
	case "start":
		h.startSession(w, r, id, owner)
	case "stop":
		h.stopSession(w, r, id, owner)
	case "viewers":
		h.recordViewers(w, r, id, owner)
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, id string, owner Owner) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	session, err := h.registry.StartSession(r.Context(), id, owner.ID, owner.Role)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.metrics.SessionStarted()
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request, id string, owner Owner) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	session, err := h.registry.StopSession(r.Context(), id, owner.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.metrics.SessionStopped()
	writeJSON(w, http.StatusOK, session)
}

// recordViewers accepts a viewer-count sample. When a telemetry queue is
// configured the sample is enqueued and applied asynchronously; otherwise it
// is applied inline. Samples for sessions the caller does not own are
// verified before acceptance.
func (h *Handler) recordViewers(w http.ResponseWriter, r *http.Request, id string, owner Owner) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var payload viewerSampleRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Count < 0 {
		writeError(w, http.StatusBadRequest, errors.New("count must be non-negative"))
		return
	}
	if _, err := h.registry.GetSession(r.Context(), id, owner.ID); err != nil {
		h.fail(w, err)
		return
	}
	observed := time.Now().UTC()
	if payload.ObservedAt != nil {
		observed = payload.ObservedAt.UTC()
	}
	if h.samples != nil {
		sample := telemetry.ViewerSample{SessionID: id, Count: payload.Count, ObservedAt: observed}
		if err := h.samples.Publish(r.Context(), sample); err != nil {
			h.fail(w, err)
			return
		}
		h.metrics.ObserveSample("queued")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}
	if err := h.registry.RecordViewers(r.Context(), id, payload.Count); err != nil {
		h.fail(w, err)
		return
	}
	h.metrics.ObserveSample("applied")
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
