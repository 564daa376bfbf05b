package models

// PoolStatus is a point-in-time count of tokens by health
type PoolStatus struct {
	TotalTokens       int `json:"total_tokens"`
	HealthyTokens     int `json:"healthy_tokens"`
	AvailableTokens   int `json:"available_tokens"` // Healthy and not cooling down
	DegradedTokens    int `json:"degraded_tokens"`  // Cooling down or recovering
	CoolingDownTokens int `json:"cooling_down_tokens"`
	RecoveringTokens  int `json:"recovering_tokens"`
	RevokedTokens     int `json:"revoked_tokens"`
}

// PoolMetrics extends PoolStatus with derived percentages and traffic counters
type PoolMetrics struct {
	PoolStatus

	HealthPercentage       float64        `json:"health_percentage"`
	AvailabilityPercentage float64        `json:"availability_percentage"`
	TotalUsage             int64          `json:"total_usage"`
	TokensBySource         map[Source]int `json:"tokens_by_source"`
	TotalSelections        int64          `json:"total_selections"`
	RejectedSelections     int64          `json:"rejected_selections"`
	SuccessfulOutcomes     int64          `json:"successful_outcomes"`
	FailedOutcomes         int64          `json:"failed_outcomes"`
	SuccessRate            float64        `json:"success_rate"`
	AverageLatencyMs       float64        `json:"average_latency_ms"`
}

// Percentage returns part/total*100, or 0 for an empty total
func Percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100.0
}
