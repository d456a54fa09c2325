package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cruvz-control/internal/models"
	"cruvz-control/internal/sigma"
	"cruvz-control/internal/storage"
)

// criticalSigma is the level below which a record is flagged for attention.
const criticalSigma = 3.0

// Aggregate is a rollup of one category over a time window.
type Aggregate struct {
	Category          models.MetricCategory `json:"category"`
	AvgSigma          float64               `json:"avgSigma"`
	TotalDefects      float64               `json:"totalDefects"`
	TotalMeasurements int                   `json:"totalMeasurements"`
	Compliant         bool                  `json:"compliant"`
}

// Report is the full compliance picture over a time window.
type Report struct {
	From                  time.Time             `json:"from"`
	To                    time.Time             `json:"to"`
	OverallComplianceRate float64               `json:"overallComplianceRate"`
	PerCategory           []Aggregate           `json:"perCategory"`
	TrendByDay            map[string]float64    `json:"trendByDay"`
	CriticalRecords       []models.MetricRecord `json:"criticalRecords"`
}

// Reporter derives sigma rollups from the stored metric log. It is strictly
// read-only and tolerates records being appended while it reads.
type Reporter struct {
	store storage.Store
}

// NewReporter builds a Reporter over the given store.
func NewReporter(store storage.Store) *Reporter {
	return &Reporter{store: store}
}

// Aggregate rolls up records in the window. With a nil category it returns
// one entry per category in the fixed taxonomy, fetched concurrently.
func (r *Reporter) Aggregate(ctx context.Context, category *models.MetricCategory, from, to time.Time) ([]Aggregate, error) {
	if category != nil {
		agg, err := r.aggregateOne(ctx, *category, from, to)
		if err != nil {
			return nil, err
		}
		return []Aggregate{agg}, nil
	}

	categories := models.Categories()
	results := make([]Aggregate, len(categories))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, cat := range categories {
		i, cat := i, cat
		group.Go(func() error {
			agg, err := r.aggregateOne(groupCtx, cat, from, to)
			if err != nil {
				return err
			}
			results[i] = agg
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Reporter) aggregateOne(ctx context.Context, category models.MetricCategory, from, to time.Time) (Aggregate, error) {
	records, err := r.store.QueryMetrics(ctx, storage.MetricQuery{Category: &category, From: from, To: to})
	if err != nil {
		return Aggregate{}, fmt.Errorf("aggregate %s: %w", category, err)
	}
	return summarize(category, records), nil
}

// summarize averages stored sigma levels; it never recomputes them. An empty
// window scores 6.0, mirroring the zero-opportunity convention.
func summarize(category models.MetricCategory, records []models.MetricRecord) Aggregate {
	agg := Aggregate{Category: category, AvgSigma: 6.0, Compliant: true}
	if len(records) == 0 {
		return agg
	}
	var sum float64
	for _, record := range records {
		sum += record.SigmaLevel
		agg.TotalDefects += record.Value
	}
	agg.TotalMeasurements = len(records)
	agg.AvgSigma = sum / float64(len(records))
	agg.Compliant = sigma.PassesGate(agg.AvgSigma)
	return agg
}

// ComplianceReport builds the full report for the window. The compliance
// rate is the fraction of categories whose average sigma passes the gate.
func (r *Reporter) ComplianceReport(ctx context.Context, from, to time.Time) (Report, error) {
	report := Report{
		From:       from,
		To:         to,
		TrendByDay: make(map[string]float64),
	}

	var (
		mu       sync.Mutex
		critical []models.MetricRecord
		byDaySum = make(map[string]float64)
		byDayCnt = make(map[string]int)
	)

	categories := models.Categories()
	aggregates := make([]Aggregate, len(categories))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, cat := range categories {
		i, cat := i, cat
		group.Go(func() error {
			records, err := r.store.QueryMetrics(groupCtx, storage.MetricQuery{Category: &cat, From: from, To: to})
			if err != nil {
				return fmt.Errorf("report %s: %w", cat, err)
			}
			aggregates[i] = summarize(cat, records)
			mu.Lock()
			defer mu.Unlock()
			for _, record := range records {
				day := record.RecordedAt.UTC().Format("2006-01-02")
				byDaySum[day] += record.SigmaLevel
				byDayCnt[day]++
				if record.SigmaLevel < criticalSigma {
					critical = append(critical, record)
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Report{}, err
	}

	report.PerCategory = aggregates
	compliant := 0
	for _, agg := range aggregates {
		if agg.Compliant {
			compliant++
		}
	}
	report.OverallComplianceRate = float64(compliant) / float64(len(aggregates))
	for day, sum := range byDaySum {
		report.TrendByDay[day] = sum / float64(byDayCnt[day])
	}
	sort.Slice(critical, func(i, j int) bool {
		return critical[i].RecordedAt.Before(critical[j].RecordedAt)
	})
	report.CriticalRecords = critical
	return report, nil
}
