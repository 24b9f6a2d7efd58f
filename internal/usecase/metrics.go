package usecase

import (
	"context"

	"github.com/example/palm-id/internal/logging"
)

// KindMetrics aggregates the submissions of one kind.
type KindMetrics struct {
	Kind               string  `json:"kind"`
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// MetricsSummary represents aggregated submission insights for one operator.
type MetricsSummary struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	SuccessRate        float64       `json:"success_rate"`
	AverageLatencyMs   float64       `json:"average_latency_ms"`
	Kinds              []KindMetrics `json:"kinds"`
}

// GetMetricsSummary aggregates owner's submission logs per kind and overall.
func (s *PalmService) GetMetricsSummary(ctx context.Context, owner string) (*MetricsSummary, error) {
	rows, err := s.repo.AggregateMetrics(ctx, owner)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_metrics_summary", "", err)
	}

	summary := &MetricsSummary{Kinds: make([]KindMetrics, 0, len(rows))}
	var latencySum float64
	for _, row := range rows {
		kind := KindMetrics{
			Kind:               row.Kind,
			TotalRequests:      row.TotalCount,
			SuccessfulRequests: row.SuccessCount,
			AverageLatencyMs:   row.AverageElapsedMs,
		}
		if row.TotalCount > 0 {
			kind.SuccessRate = float64(row.SuccessCount) / float64(row.TotalCount)
		}
		summary.Kinds = append(summary.Kinds, kind)

		summary.TotalRequests += row.TotalCount
		summary.SuccessfulRequests += row.SuccessCount
		latencySum += row.AverageElapsedMs * float64(row.TotalCount)
	}

	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.SuccessfulRequests) / float64(summary.TotalRequests)
		summary.AverageLatencyMs = latencySum / float64(summary.TotalRequests)
	}
	return summary, nil
}
