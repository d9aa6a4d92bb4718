package domain

import "time"

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
)

// AutomationJob is one row of the outbound job queue. The Result* columns are
// filled by the queue processor after the orchestrator finishes, so a failed
// run stays inspectable without a separate log table.
type AutomationJob struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID string `gorm:"size:36;uniqueIndex;not null" json:"external_id"`

	UserID     uint   `gorm:"not null;index" json:"user_id"`
	CampaignID string `gorm:"size:64;default:'';index" json:"campaign_id"`

	TargetURL  string `gorm:"not null" json:"target_url"`
	TargetName string `gorm:"size:128;default:''" json:"target_name"`
	Message    string `gorm:"default:''" json:"message"`

	Priority   int       `gorm:"not null;default:0;index" json:"priority"`
	Status     JobStatus `gorm:"size:16;not null;default:'pending';index" json:"status"`
	Attempts   int       `gorm:"not null;default:0" json:"attempts"`
	MaxRetries int       `gorm:"not null;default:2" json:"max_retries"`

	ScheduledAt time.Time  `gorm:"not null;index" json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExecutorID  string     `gorm:"size:128;default:''" json:"executor_id"`

	ResultSuccess        bool   `gorm:"not null;default:false" json:"result_success"`
	ResultProxyID        uint64 `gorm:"not null;default:0" json:"result_proxy_id"`
	ResultLatencyMs      int64  `gorm:"not null;default:0" json:"result_latency_ms"`
	ResultClassification string `gorm:"size:32;default:''" json:"result_classification"`
	ResultMessage        string `gorm:"default:''" json:"result_message"`

	// JSON-encoded CheckpointEvent when a bot challenge halted the run.
	CheckpointPayload string `gorm:"type:text;default:''" json:"checkpoint_payload,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AutomationJob) TableName() string {
	return "automation_jobs"
}
