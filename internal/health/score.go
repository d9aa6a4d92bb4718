package health

import "outrider/internal/domain"

// Metrics is the derived view over a ProxyHealth row. Score is clamped to
// [0, 100]; a pair with no history scores a clean 100.
type Metrics struct {
	TotalJobs         int     `json:"total_jobs"`
	SuccessRate       float64 `json:"success_rate"`
	FailureRate       float64 `json:"failure_rate"`
	RecentFailureRate float64 `json:"recent_failure_rate"`
	Score             float64 `json:"health_score"`
	IsHealthy         bool    `json:"is_healthy"`
	NeedsRotation     bool    `json:"needs_rotation"`
}

// Calculate derives score and verdicts from the raw counters.
//
// Scoring: start at 100, subtract min(2×failure-rate%, 50), subtract
// min(3×recent-failure-rate%, 30), subtract min(10×consecutive, 20),
// clamp at 0.
func Calculate(record *domain.ProxyHealth) Metrics {
	total := record.SuccessCount + record.FailureCount

	successRate := 100.0
	failureRate := 0.0
	if total > 0 {
		successRate = float64(record.SuccessCount) / float64(total) * 100
		failureRate = float64(record.FailureCount) / float64(total) * 100
	}

	recentTotal := record.RecentSuccessCount + record.RecentFailureCount
	recentFailureRate := 0.0
	if recentTotal > 0 {
		recentFailureRate = float64(record.RecentFailureCount) / float64(recentTotal) * 100
	}

	score := 100.0
	score -= min(2*failureRate, 50)
	score -= min(3*recentFailureRate, 30)
	score -= min(10*float64(record.ConsecutiveFailures), 20)
	if score < 0 {
		score = 0
	}

	return Metrics{
		TotalJobs:         total,
		SuccessRate:       successRate,
		FailureRate:       failureRate,
		RecentFailureRate: recentFailureRate,
		Score:             score,
		IsHealthy:         score >= 70 && record.ConsecutiveFailures < 2 && recentFailureRate < 30,
		NeedsRotation:     record.ConsecutiveFailures >= 2 || recentFailureRate >= 50 || score < 50,
	}
}
