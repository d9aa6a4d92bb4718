package domain

import "time"

// ProxyAssignment binds a proxy to a user. At most one row per user may have
// Active set, enforced by a partial unique index created during migration
// (see database.SetupDB). Superseded rows are kept for history.
type ProxyAssignment struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID  uint   `gorm:"not null;index" json:"user_id"`
	ProxyID uint64 `gorm:"not null;index" json:"proxy_id"`
	Active  bool   `gorm:"not null;default:true" json:"active"`

	AssignmentReason string     `gorm:"size:128;default:''" json:"assignment_reason"`
	AssignedAt       time.Time  `gorm:"autoCreateTime" json:"assigned_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`

	SuccessfulJobs     int `gorm:"not null;default:0" json:"successful_jobs"`
	FailedJobs         int `gorm:"not null;default:0" json:"failed_jobs"`
	TotalJobsProcessed int `gorm:"not null;default:0" json:"total_jobs_processed"`

	Proxy Proxy `gorm:"foreignKey:ProxyID" json:"-"`
}

func (ProxyAssignment) TableName() string {
	return "proxy_assignments"
}
