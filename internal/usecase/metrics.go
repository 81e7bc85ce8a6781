package usecase

import "context"

// MetricsSummary represents aggregated check insights.
type MetricsSummary struct {
	TotalChecks                int64   `json:"total_checks"`
	AuthenticChecks            int64   `json:"authentic_checks"`
	LikelyFakeChecks           int64   `json:"likely_fake_checks"`
	SuspiciousChecks           int64   `json:"suspicious_checks"`
	AuthenticRate              float64 `json:"authentic_rate"`
	LikelyFakeRate             float64 `json:"likely_fake_rate"`
	SuspiciousRate             float64 `json:"suspicious_rate"`
	AverageFusedReal           float64 `json:"average_fused_real"`
	AverageFusedFake           float64 `json:"average_fused_fake"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates check metrics from persisted records.
func (uc *CheckUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	ioCtx, cancel := uc.ioContext(ctx)
	defer cancel()
	aggregation, err := uc.repo.AggregateMetrics(ioCtx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalChecks:                aggregation.TotalCount,
		AuthenticChecks:            aggregation.AuthenticCount,
		LikelyFakeChecks:           aggregation.LikelyFakeCount,
		SuspiciousChecks:           aggregation.SuspiciousCount,
		AverageFusedReal:           aggregation.AverageFusedReal,
		AverageFusedFake:           aggregation.AverageFusedFake,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if total := float64(aggregation.TotalCount); total > 0 {
		summary.AuthenticRate = float64(aggregation.AuthenticCount) / total
		summary.LikelyFakeRate = float64(aggregation.LikelyFakeCount) / total
		summary.SuspiciousRate = float64(aggregation.SuspiciousCount) / total
	}

	return summary, nil
}
