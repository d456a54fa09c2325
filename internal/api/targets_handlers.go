package api

import (
	"errors"
	"net/http"

	"cruvz-control/internal/publish"
)

type createTargetRequest struct {
	Name      string  `json:"name"`
	URL       string  `json:"url"`
	StreamKey string  `json:"streamKey,omitempty"`
	SessionID *string `json:"sessionId,omitempty"`
}

// Targets handles the /api/targets collection.
func (h *Handler) Targets(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.createTarget(w, r, owner)
	case http.MethodGet:
		targets, err := h.publisher.ListTargets(r.Context(), owner.ID)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, targets)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) createTarget(w http.ResponseWriter, r *http.Request, owner Owner) {
	var payload createTargetRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spec := publish.NewTarget{
		Name:      payload.Name,
		URL:       payload.URL,
		StreamKey: payload.StreamKey,
		SessionID: payload.SessionID,
	}
	target, err := h.publisher.CreateTarget(r.Context(), owner.ID, spec)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.metrics.ObserveTargetEvent("created")
	writeJSON(w, http.StatusCreated, target)
}

// TargetByID handles /api/targets/{id} and its connection actions.
func (h *Handler) TargetByID(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	id, action, ok := splitPath(r.URL.Path, "/api/targets/")
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			target, err := h.publisher.GetTarget(r.Context(), id, owner.ID)
			if err != nil {
				h.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, target)
		case http.MethodDelete:
			if err := h.publisher.DeleteTarget(r.Context(), id, owner.ID); err != nil {
				h.fail(w, err)
				return
			}
			h.metrics.ObserveTargetEvent("deleted")
			writeJSON(w, http.StatusNoContent, nil)
		default:
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		}
	case "connect":
		h.targetAction(w, r, func() error {
			h.metrics.ObservePushAttempt("connect")
			return h.publisher.Connect(r.Context(), id, owner.ID)
		}, http.StatusAccepted)
	case "disconnect":
		h.targetAction(w, r, func() error {
			return h.publisher.Disconnect(r.Context(), id, owner.ID)
		}, http.StatusOK)
	case "enable":
		h.setEnabled(w, r, id, owner, true)
	case "disable":
		h.setEnabled(w, r, id, owner, false)
	case "dataflow":
		h.confirmDataFlow(w, r, id, owner)
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (h *Handler) targetAction(w http.ResponseWriter, r *http.Request, run func() error, okStatus int) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if err := run(); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, okStatus, map[string]string{"status": "ok"})
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, id string, owner Owner, enabled bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	target, err := h.publisher.SetEnabled(r.Context(), id, owner.ID, enabled)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// confirmDataFlow acknowledges the engine's report that media is flowing.
// Ownership is checked before the state transition since the orchestrator's
// confirmation path is keyed by target id alone.
func (h *Handler) confirmDataFlow(w http.ResponseWriter, r *http.Request, id string, owner Owner) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if _, err := h.publisher.GetTarget(r.Context(), id, owner.ID); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.publisher.ConfirmDataFlow(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.metrics.ObserveTargetEvent("publishing")
	writeJSON(w, http.StatusOK, map[string]string{"status": "publishing"})
}
