package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"cruvz-control/internal/models"
)

const defaultReportWindow = 24 * time.Hour

// reportWindow resolves the ?window= query into a [from, to) interval ending
// now. The default window is the trailing 24 hours.
func reportWindow(r *http.Request) (time.Time, time.Time, error) {
	window := defaultReportWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid window: %w", err)
		}
		if parsed <= 0 {
			return time.Time{}, time.Time{}, errors.New("window must be positive")
		}
		window = parsed
	}
	to := time.Now().UTC()
	return to.Add(-window), to, nil
}

// QualityAggregate serves per-category sigma rollups for the requested window.
func (h *Handler) QualityAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if _, err := ownerFromRequest(r); err != nil {
		h.fail(w, err)
		return
	}
	from, to, err := reportWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var category *models.MetricCategory
	if raw := r.URL.Query().Get("category"); raw != "" {
		parsed, err := models.ParseMetricCategory(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		category = &parsed
	}
	aggregates, err := h.reporter.Aggregate(r.Context(), category, from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":       from,
		"to":         to,
		"aggregates": aggregates,
	})
}

// QualityReport serves the full compliance report for the requested window.
func (h *Handler) QualityReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if _, err := ownerFromRequest(r); err != nil {
		h.fail(w, err)
		return
	}
	from, to, err := reportWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := h.reporter.ComplianceReport(r.Context(), from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
