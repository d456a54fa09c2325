package quality

import (
	"context"
	"testing"
	"time"

	"cruvz-control/internal/models"
	"cruvz-control/internal/storage"
)

func TestRecorderComputesSigmaAtWrite(t *testing.T) {
	store := storage.NewMemoryStore()
	fixed := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)
	recorder := NewRecorder(store, WithRecorderClock(func() time.Time { return fixed }))

	record, err := recorder.Record(context.Background(), models.CategoryStreaming, "connect_failure", 100, 1_000_000)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if record.SigmaLevel != 5.0 {
		t.Fatalf("SigmaLevel = %v, want 5.0", record.SigmaLevel)
	}
	if !record.Passes {
		t.Fatal("dpmo 100 should pass the gate")
	}
	if !record.RecordedAt.Equal(fixed) {
		t.Fatalf("RecordedAt = %v, want %v", record.RecordedAt, fixed)
	}

	stored, err := store.QueryMetrics(context.Background(), storage.MetricQuery{})
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != record.ID {
		t.Fatalf("expected the record persisted, got %+v", stored)
	}
}

func TestRecorderZeroTargetScoresSix(t *testing.T) {
	store := storage.NewMemoryStore()
	recorder := NewRecorder(store)

	record, err := recorder.Record(context.Background(), models.CategoryStreaming, "viewer_count", 0, 0)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if record.SigmaLevel != 6.0 || !record.Passes {
		t.Fatalf("observation record should score 6.0 and pass, got %+v", record)
	}
}

func TestRecorderRejectsBadInput(t *testing.T) {
	recorder := NewRecorder(storage.NewMemoryStore())
	if _, err := recorder.Record(context.Background(), models.MetricCategory("bogus"), "x", 1, 1); err == nil {
		t.Fatal("expected error for unknown category")
	}
	if _, err := recorder.Record(context.Background(), models.CategoryAPI, "", 1, 1); err == nil {
		t.Fatal("expected error for empty metric type")
	}
}

func seedRecords(t *testing.T, store storage.Store, records []models.MetricRecord) {
	t.Helper()
	for _, record := range records {
		if err := store.AppendMetric(context.Background(), record); err != nil {
			t.Fatalf("AppendMetric: %v", err)
		}
	}
}

func TestReporterAggregateSingleCategory(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedRecords(t, store, []models.MetricRecord{
		{ID: "m1", Category: models.CategoryStreaming, MetricType: "connect_failure", Value: 1, Target: 100, SigmaLevel: 3.0, RecordedAt: base},
		{ID: "m2", Category: models.CategoryStreaming, MetricType: "connect_failure", Value: 2, Target: 100, SigmaLevel: 2.0, RecordedAt: base.Add(time.Hour)},
		{ID: "m3", Category: models.CategoryAPI, MetricType: "request_error", Value: 0, Target: 100, SigmaLevel: 6.0, RecordedAt: base},
	})

	streaming := models.CategoryStreaming
	aggs, err := NewReporter(store).Aggregate(context.Background(), &streaming, base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected one aggregate, got %d", len(aggs))
	}
	agg := aggs[0]
	if agg.TotalMeasurements != 2 || agg.TotalDefects != 3 {
		t.Fatalf("unexpected totals: %+v", agg)
	}
	if agg.AvgSigma != 2.5 {
		t.Fatalf("AvgSigma = %v, want 2.5", agg.AvgSigma)
	}
	if agg.Compliant {
		t.Fatal("avg sigma 2.5 should not be compliant")
	}
}

func TestReporterAggregateAllCategories(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	seedRecords(t, store, []models.MetricRecord{
		{ID: "m1", Category: models.CategoryStreaming, Value: 1, Target: 100, SigmaLevel: 4.0, RecordedAt: base},
	})

	aggs, err := NewReporter(store).Aggregate(context.Background(), nil, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(aggs) != len(models.Categories()) {
		t.Fatalf("expected %d aggregates, got %d", len(models.Categories()), len(aggs))
	}
	for _, agg := range aggs {
		if agg.Category != models.CategoryStreaming {
			// Categories without records score best case and count compliant.
			if agg.AvgSigma != 6.0 || !agg.Compliant || agg.TotalMeasurements != 0 {
				t.Fatalf("empty category %s: %+v", agg.Category, agg)
			}
		}
	}
}

func TestComplianceReport(t *testing.T) {
	store := storage.NewMemoryStore()
	day1 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	seedRecords(t, store, []models.MetricRecord{
		{ID: "m1", Category: models.CategoryStreaming, MetricType: "connect_failure", Value: 5, Target: 10, SigmaLevel: 1.0, RecordedAt: day1},
		{ID: "m2", Category: models.CategoryStreaming, MetricType: "connect_failure", Value: 0, Target: 10, SigmaLevel: 6.0, RecordedAt: day2},
		{ID: "m3", Category: models.CategoryAPI, MetricType: "request_error", Value: 0, Target: 100, SigmaLevel: 6.0, RecordedAt: day1},
	})

	report, err := NewReporter(store).ComplianceReport(context.Background(), day1.Add(-time.Hour), day2.Add(time.Hour))
	if err != nil {
		t.Fatalf("ComplianceReport: %v", err)
	}

	// streaming averages 3.5 (fails), api/system/auth all pass.
	if report.OverallComplianceRate != 0.75 {
		t.Fatalf("OverallComplianceRate = %v, want 0.75", report.OverallComplianceRate)
	}
	if len(report.CriticalRecords) != 1 || report.CriticalRecords[0].ID != "m1" {
		t.Fatalf("unexpected critical records: %+v", report.CriticalRecords)
	}
	if got := report.TrendByDay["2026-04-01"]; got != 3.5 {
		t.Fatalf("trend for day1 = %v, want 3.5", got)
	}
	if got := report.TrendByDay["2026-04-02"]; got != 6.0 {
		t.Fatalf("trend for day2 = %v, want 6.0", got)
	}
}
