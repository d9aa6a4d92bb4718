package domain

import "time"

// RotationRule is an admin-configured disable policy. Rules are evaluated in
// descending priority order, ties broken by ascending ID, first match wins.
type RotationRule struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	RuleName string `gorm:"size:64;uniqueIndex;not null" json:"rule_name"`
	Priority int    `gorm:"not null;default:0;index" json:"priority"`

	MaxFailures24h         int     `gorm:"not null;default:0" json:"max_failures_24h"`
	MaxConsecutiveFailures int     `gorm:"not null;default:0" json:"max_consecutive_failures"`
	MinSuccessRatePercent  float64 `gorm:"not null;default:0" json:"min_success_rate_percent"`
	MaxResponseTimeMs      int     `gorm:"not null;default:0" json:"max_response_time_ms"`

	IsActive bool `gorm:"not null;default:true;index" json:"is_active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
