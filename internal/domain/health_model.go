package domain

import "time"

// ProxyHealth tracks rolling outcome history for one (proxy, user) pair.
// Rows are created lazily on the first recorded outcome and never deleted.
type ProxyHealth struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ProxyID uint64 `gorm:"not null;uniqueIndex:idx_proxy_health_pair,priority:1" json:"proxy_id"`
	UserID  uint   `gorm:"not null;uniqueIndex:idx_proxy_health_pair,priority:2" json:"user_id"`

	SuccessCount int `gorm:"not null;default:0" json:"success_count"`
	FailureCount int `gorm:"not null;default:0" json:"failure_count"`

	// Recent counters cover a bounded trailing window; the window start is
	// stamped so expired windows can be rolled on the next write.
	RecentSuccessCount    int        `gorm:"not null;default:0" json:"recent_success_count"`
	RecentFailureCount    int        `gorm:"not null;default:0" json:"recent_failure_count"`
	RecentWindowStartedAt *time.Time `json:"recent_window_started_at,omitempty"`

	ConsecutiveFailures int `gorm:"not null;default:0" json:"consecutive_failures"`
	AvgResponseTimeMs   int `gorm:"not null;default:0" json:"avg_response_time_ms"`
	TotalJobsProcessed  int `gorm:"not null;default:0" json:"total_jobs_processed"`

	Status        ProxyStatus `gorm:"size:16;not null;default:'active';index" json:"status"`
	FailureReason string      `gorm:"default:''" json:"failure_reason"`

	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	AutoDisabledAt     *time.Time `gorm:"index" json:"auto_disabled_at,omitempty"`
	AutoDisabledReason string     `gorm:"default:''" json:"auto_disabled_reason"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ProxyHealth) TableName() string {
	return "proxy_health"
}

func (h *ProxyHealth) TotalJobs() int {
	return h.SuccessCount + h.FailureCount
}
