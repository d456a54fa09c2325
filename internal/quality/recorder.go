// Package quality implements the metrics side of the control plane: raw
// measurement capture and sigma-level rollups over the stored record log.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cruvz-control/internal/models"
	"cruvz-control/internal/sigma"
	"cruvz-control/internal/storage"
)

// Recorder captures raw measurements as immutable MetricRecords. The sigma
// level and gate verdict are computed once at write time and never revised.
type Recorder struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// RecorderOption adjusts optional Recorder behaviour.
type RecorderOption func(*Recorder)

// WithRecorderLogger attaches a logger.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorderClock overrides the wall clock.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder builds a Recorder backed by the given store.
func NewRecorder(store storage.Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists one measurement. Value counts defects, target counts
// opportunities; a target of zero marks a plain observation and scores 6.0
// by convention.
func (r *Recorder) Record(ctx context.Context, category models.MetricCategory, metricType string, value, target float64) (models.MetricRecord, error) {
	if _, err := models.ParseMetricCategory(string(category)); err != nil {
		return models.MetricRecord{}, err
	}
	if metricType == "" {
		return models.MetricRecord{}, fmt.Errorf("metric type is required")
	}
	id, err := storage.NewID()
	if err != nil {
		return models.MetricRecord{}, err
	}
	level := sigma.Level(value, target)
	record := models.MetricRecord{
		ID:         id,
		Category:   category,
		MetricType: metricType,
		Value:      value,
		Target:     target,
		SigmaLevel: level,
		Passes:     sigma.PassesGate(level),
		RecordedAt: r.now().UTC(),
	}
	if err := r.store.AppendMetric(ctx, record); err != nil {
		return models.MetricRecord{}, fmt.Errorf("record metric: %w", err)
	}
	r.logger.Debug("metric recorded",
		"category", string(category),
		"type", metricType,
		"value", value,
		"target", target,
		"sigma", level,
	)
	return record, nil
}
