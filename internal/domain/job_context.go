package domain

// FailureKind classifies why a job attempt did not complete normally. It is
// carried inside JobResult rather than as a Go error so callers never need
// type-specific handling.
type FailureKind string

const (
	FailureNone FailureKind = ""

	// Pre-flight outcomes.
	FailureSkippedDuplicate FailureKind = "skipped_duplicate"
	FailureSkippedCooldown  FailureKind = "skipped_cooldown"
	FailureNoProxyAvailable FailureKind = "no_proxy_available"
	FailureProxyUnhealthy   FailureKind = "proxy_unhealthy"

	// Automation failures, always recorded into proxy health.
	FailureCaptcha            FailureKind = "captcha"
	FailureTimeout            FailureKind = "timeout"
	FailureSecurityCheckpoint FailureKind = "security_checkpoint"
	FailureInvite             FailureKind = "invite_failure"
	FailureNetwork            FailureKind = "network_error"
	FailureBanned             FailureKind = "banned"
	FailureDedupBlocked       FailureKind = "deduplication_blocked"
	FailureOther              FailureKind = "other"
)

// IsAutomationFailure reports whether the kind describes a failure that
// happened inside a browser session and therefore counts against the proxy.
func (k FailureKind) IsAutomationFailure() bool {
	switch k {
	case FailureCaptcha, FailureTimeout, FailureSecurityCheckpoint,
		FailureInvite, FailureNetwork, FailureBanned, FailureOther:
		return true
	}
	return false
}

// Retryable reports whether the queue processor may return the job to pending
// for another attempt.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureNetwork, FailureOther:
		return true
	}
	return false
}

// JobContext is the ephemeral input for one automation attempt.
type JobContext struct {
	JobID      uint64
	UserID     uint
	CampaignID string
	TargetURL  string
	TargetName string
	Message    string
	Priority   int
	MaxRetries int
}

// CheckpointEvent is the report of a single bot-challenge scan.
type CheckpointEvent struct {
	Detected        bool   `json:"detected"`
	Type            string `json:"type,omitempty"`
	DetectionMethod string `json:"detection_method,omitempty"`
	Stage           string `json:"stage,omitempty"`
	PageURL         string `json:"page_url,omitempty"`
	Severity        string `json:"severity,omitempty"`
	ScreenshotRef   string `json:"screenshot_ref,omitempty"`
}

// FailureContext accompanies a failed outcome into the health evaluator.
type FailureContext struct {
	Kind         FailureKind
	ErrorMessage string
	Checkpoint   *CheckpointEvent
}

// JobResult is the ephemeral output of one automation attempt. Exactly one of
// Success, Skipped, or a non-empty Classification describes the terminal
// state.
type JobResult struct {
	Success        bool
	Skipped        bool
	Classification FailureKind
	ProxyID        uint64
	LatencyMs      int64
	Message        string
	Checkpoint     *CheckpointEvent
}
