// Package orchestrator drives a single automation job through its gates:
// user cooldown, deduplication, proxy assignment with a health pre-check,
// then a proxy-scoped browser session with a challenge scan after every
// meaningful step. Every exit path classifies the outcome and records it
// against both the assignment ledger and the health evaluator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outrider/internal/assignment"
	"outrider/internal/dedup"
	"outrider/internal/domain"
	"outrider/internal/health"
	"outrider/internal/jobs/checkpoint"

	"github.com/charmbracelet/log"
)

type Ledger interface {
	Assign(ctx context.Context, userID uint) (*domain.Proxy, error)
	Reassign(ctx context.Context, userID uint, excludeProxyID uint64, reason string) (*domain.Proxy, error)
	RecordOutcome(ctx context.Context, userID uint, success bool, latencyMs int64) error
}

type Health interface {
	EnsureRecord(ctx context.Context, proxyID uint64, userID uint) error
	IsHealthyForJob(ctx context.Context, proxyID uint64, userID uint) (health.Verdict, error)
	RecordOutcome(ctx context.Context, proxyID uint64, userID uint, success bool, latencyMs int64, fctx *domain.FailureContext) error
}

type Deduper interface {
	CheckAllowed(ctx context.Context, userID uint, targetURL, campaignID string) (dedup.Decision, error)
	RecordSuccess(ctx context.Context, userID uint, targetURL, campaignID string) error
}

type CooldownGate interface {
	Active(ctx context.Context, userID uint) (bool, string, time.Duration, error)
	Trigger(ctx context.Context, userID uint, reason string, duration time.Duration) error
}

type Notifier interface {
	Send(ctx context.Context, message string, urgent bool)
}

// Session is one live browser bound to one proxy.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitSettled(ctx context.Context) error
	PerformAction(ctx context.Context, message string) error
	ConfirmAction(ctx context.Context) error
	Scan(stage string) domain.CheckpointEvent
	Close()
}

type SessionFactory interface {
	Open(ctx context.Context, proxy *domain.Proxy, jobID uint64) (Session, error)
}

// SessionFactoryFunc adapts a plain function to the SessionFactory interface.
type SessionFactoryFunc func(ctx context.Context, proxy *domain.Proxy, jobID uint64) (Session, error)

func (f SessionFactoryFunc) Open(ctx context.Context, proxy *domain.Proxy, jobID uint64) (Session, error) {
	return f(ctx, proxy, jobID)
}

type Config struct {
	// CaptchaCooldown pauses all of a user's jobs after a captcha detection.
	CaptchaCooldown time.Duration
}

type Orchestrator struct {
	cfg      Config
	ledger   Ledger
	health   Health
	deduper  Deduper
	cooldown CooldownGate
	notifier Notifier
	sessions SessionFactory
}

func New(cfg Config, ledger Ledger, h Health, deduper Deduper, cooldown CooldownGate, notifier Notifier, sessions SessionFactory) *Orchestrator {
	if cfg.CaptchaCooldown <= 0 {
		cfg.CaptchaCooldown = 2 * time.Hour
	}
	return &Orchestrator{
		cfg:      cfg,
		ledger:   ledger,
		health:   h,
		deduper:  deduper,
		cooldown: cooldown,
		notifier: notifier,
		sessions: sessions,
	}
}

// Execute runs one job attempt end to end. It never returns a Go error:
// every outcome, including infrastructure trouble, is folded into the
// JobResult classification so the queue processor has a single decision
// surface.
func (o *Orchestrator) Execute(ctx context.Context, job domain.JobContext) domain.JobResult {
	log.Info("job started", "job_id", job.JobID, "user_id", job.UserID, "target", job.TargetURL)

	// Gate 1: user cooldown. A captcha on any earlier job pauses everything.
	if result, halted := o.cooldownGate(ctx, job); halted {
		return result
	}

	// Gate 2: deduplication. Blocked targets never cost a browser session.
	if result, halted := o.dedupGate(ctx, job); halted {
		return result
	}

	// Gate 3: assignment plus health pre-check, with one reassign retry.
	proxy, result, halted := o.assignHealthyProxy(ctx, job)
	if halted {
		return result
	}

	// The browser session: every automation outcome past this point counts
	// against the proxy.
	return o.runSession(ctx, job, proxy)
}

func (o *Orchestrator) cooldownGate(ctx context.Context, job domain.JobContext) (domain.JobResult, bool) {
	active, reason, remaining, err := o.cooldown.Active(ctx, job.UserID)
	if err != nil {
		// A broken cooldown store must not block the pipeline; log and pass.
		log.Error("cooldown check failed, letting job through", "job_id", job.JobID, "err", err)
		return domain.JobResult{}, false
	}
	if !active {
		return domain.JobResult{}, false
	}

	log.Info("job skipped, user under cooldown",
		"job_id", job.JobID, "user_id", job.UserID, "reason", reason, "remaining", remaining)
	return domain.JobResult{
		Skipped:        true,
		Classification: domain.FailureSkippedCooldown,
		Message:        fmt.Sprintf("user cooldown active (%s), %s remaining", reason, remaining.Round(time.Minute)),
	}, true
}

func (o *Orchestrator) dedupGate(ctx context.Context, job domain.JobContext) (domain.JobResult, bool) {
	decision, err := o.deduper.CheckAllowed(ctx, job.UserID, job.TargetURL, job.CampaignID)
	if err != nil {
		return domain.JobResult{
			Classification: domain.FailureOther,
			Message:        fmt.Sprintf("deduplication check failed: %v", err),
		}, true
	}
	if decision.Allowed {
		return domain.JobResult{}, false
	}

	classification := domain.FailureSkippedDuplicate
	if decision.Reason == dedup.ReasonPermanentlyBlocked {
		classification = domain.FailureDedupBlocked
	}

	log.Info("job skipped, duplicate target",
		"job_id", job.JobID, "user_id", job.UserID, "reason", decision.Reason)
	return domain.JobResult{
		Skipped:        true,
		Classification: classification,
		Message:        decision.Message,
	}, true
}

func (o *Orchestrator) assignHealthyProxy(ctx context.Context, job domain.JobContext) (*domain.Proxy, domain.JobResult, bool) {
	proxy, err := o.ledger.Assign(ctx, job.UserID)
	if err != nil {
		if errors.Is(err, assignment.ErrNoProxyAvailable) {
			o.notifier.Send(ctx, fmt.Sprintf(
				"URGENT: no proxy available for user %d, job %d stays pending", job.UserID, job.JobID), true)
			return nil, domain.JobResult{
				Classification: domain.FailureNoProxyAvailable,
				Message:        "proxy pool exhausted",
			}, true
		}
		return nil, domain.JobResult{
			Classification: domain.FailureOther,
			Message:        fmt.Sprintf("proxy assignment failed: %v", err),
		}, true
	}

	verdict, err := o.preflight(ctx, proxy, job)
	if err != nil {
		return nil, domain.JobResult{
			Classification: domain.FailureOther,
			Message:        fmt.Sprintf("health pre-check failed: %v", err),
		}, true
	}
	if verdict.Healthy {
		return proxy, domain.JobResult{}, false
	}

	if !verdict.AlternativeNeeded {
		return nil, domain.JobResult{
			Classification: domain.FailureProxyUnhealthy,
			Message:        verdict.Reason,
		}, true
	}

	// One reassignment attempt; a second unhealthy verdict fails the job.
	log.Warn("assigned proxy unhealthy, trying an alternative",
		"job_id", job.JobID, "proxy_id", proxy.ID, "reason", verdict.Reason)

	replacement, err := o.ledger.Reassign(ctx, job.UserID, proxy.ID, "unhealthy at job start: "+verdict.Reason)
	if err != nil {
		if errors.Is(err, assignment.ErrNoProxyAvailable) {
			o.notifier.Send(ctx, fmt.Sprintf(
				"URGENT: no healthy proxy available for user %d, job %d stays pending", job.UserID, job.JobID), true)
			return nil, domain.JobResult{
				Classification: domain.FailureNoProxyAvailable,
				Message:        "proxy pool exhausted during reassignment",
			}, true
		}
		return nil, domain.JobResult{
			Classification: domain.FailureOther,
			Message:        fmt.Sprintf("proxy reassignment failed: %v", err),
		}, true
	}

	verdict, err = o.preflight(ctx, replacement, job)
	if err != nil {
		return nil, domain.JobResult{
			Classification: domain.FailureOther,
			Message:        fmt.Sprintf("health pre-check failed: %v", err),
		}, true
	}
	if !verdict.Healthy {
		return nil, domain.JobResult{
			Classification: domain.FailureProxyUnhealthy,
			Message:        "replacement proxy also unhealthy: " + verdict.Reason,
		}, true
	}
	return replacement, domain.JobResult{}, false
}

func (o *Orchestrator) preflight(ctx context.Context, proxy *domain.Proxy, job domain.JobContext) (health.Verdict, error) {
	if err := o.health.EnsureRecord(ctx, proxy.ID, job.UserID); err != nil {
		return health.Verdict{}, err
	}
	return o.health.IsHealthyForJob(ctx, proxy.ID, job.UserID)
}

// sessionStep is one automation action followed by its checkpoint scan.
type sessionStep struct {
	stage   string
	failure domain.FailureKind
	run     func(ctx context.Context) error
}

func (o *Orchestrator) runSession(ctx context.Context, job domain.JobContext, proxy *domain.Proxy) domain.JobResult {
	started := time.Now()

	session, err := o.sessions.Open(ctx, proxy, job.JobID)
	if err != nil {
		return o.fail(ctx, job, proxy, started, classifyError(err), fmt.Sprintf("open browser session: %v", err), nil)
	}
	defer session.Close()

	steps := []sessionStep{
		{checkpoint.StagePostNavigation, domain.FailureNone, func(ctx context.Context) error {
			return session.Navigate(ctx, job.TargetURL)
		}},
		{checkpoint.StagePageSettle, domain.FailureNone, func(ctx context.Context) error {
			return session.WaitSettled(ctx)
		}},
		{checkpoint.StageActionClick, domain.FailureInvite, func(ctx context.Context) error {
			return session.PerformAction(ctx, job.Message)
		}},
		{checkpoint.StageConfirmation, domain.FailureInvite, func(ctx context.Context) error {
			return session.ConfirmAction(ctx)
		}},
	}

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			kind := classifyError(err)
			if step.failure != domain.FailureNone && kind == domain.FailureOther {
				kind = step.failure
			}
			return o.fail(ctx, job, proxy, started, kind,
				fmt.Sprintf("%s: %v", step.stage, err), nil)
		}

		event := session.Scan(step.stage)
		if event.Detected {
			return o.halt(ctx, job, proxy, started, event)
		}
	}

	return o.succeed(ctx, job, proxy, started)
}

// halt ends the attempt on a positive challenge detection. The remaining
// steps never run and no recovery is attempted; a flagged session only gets
// worse with more activity.
func (o *Orchestrator) halt(ctx context.Context, job domain.JobContext, proxy *domain.Proxy, started time.Time, event domain.CheckpointEvent) domain.JobResult {
	kind := domain.FailureSecurityCheckpoint
	switch event.Type {
	case checkpoint.TypeCaptcha:
		kind = domain.FailureCaptcha
	case checkpoint.TypeAccountRestricted:
		kind = domain.FailureBanned
	}

	if kind == domain.FailureCaptcha {
		if err := o.cooldown.Trigger(ctx, job.UserID, "captcha detected", o.cfg.CaptchaCooldown); err != nil {
			log.Error("failed to set captcha cooldown", "user_id", job.UserID, "err", err)
		}
		o.notifier.Send(ctx, fmt.Sprintf(
			"Captcha detected for user %d on job %d (stage %s), cooldown engaged",
			job.UserID, job.JobID, event.Stage), false)
	}

	return o.fail(ctx, job, proxy, started, kind,
		fmt.Sprintf("challenge detected at %s via %s", event.Stage, event.DetectionMethod), &event)
}

func (o *Orchestrator) succeed(ctx context.Context, job domain.JobContext, proxy *domain.Proxy, started time.Time) domain.JobResult {
	latency := time.Since(started).Milliseconds()

	if err := o.deduper.RecordSuccess(ctx, job.UserID, job.TargetURL, job.CampaignID); err != nil {
		// The action went out; a bookkeeping failure must not fail the job.
		log.Error("failed to record invite", "job_id", job.JobID, "err", err)
	}

	o.recordOutcome(ctx, job, proxy, true, latency, nil)

	log.Info("job completed", "job_id", job.JobID, "proxy_id", proxy.ID, "latency_ms", latency)
	return domain.JobResult{
		Success:   true,
		ProxyID:   proxy.ID,
		LatencyMs: latency,
	}
}

func (o *Orchestrator) fail(ctx context.Context, job domain.JobContext, proxy *domain.Proxy, started time.Time, kind domain.FailureKind, message string, event *domain.CheckpointEvent) domain.JobResult {
	latency := time.Since(started).Milliseconds()

	o.recordOutcome(ctx, job, proxy, false, latency, &domain.FailureContext{
		Kind:         kind,
		ErrorMessage: message,
		Checkpoint:   event,
	})

	log.Warn("job failed", "job_id", job.JobID, "proxy_id", proxy.ID,
		"classification", kind, "message", message)
	return domain.JobResult{
		Classification: kind,
		ProxyID:        proxy.ID,
		LatencyMs:      latency,
		Message:        message,
		Checkpoint:     event,
	}
}

// recordOutcome writes the attempt into both bookkeeping surfaces. The ledger
// write runs first so the outcome lands on the assignment that actually ran
// the job; the health write may then disable the proxy and rotate the user
// onto a fresh assignment.
func (o *Orchestrator) recordOutcome(ctx context.Context, job domain.JobContext, proxy *domain.Proxy, success bool, latencyMs int64, fctx *domain.FailureContext) {
	if err := o.ledger.RecordOutcome(ctx, job.UserID, success, latencyMs); err != nil {
		log.Error("failed to record assignment outcome", "job_id", job.JobID, "err", err)
	}
	if err := o.health.RecordOutcome(ctx, proxy.ID, job.UserID, success, latencyMs, fctx); err != nil {
		log.Error("failed to record health outcome", "job_id", job.JobID, "proxy_id", proxy.ID, "err", err)
	}
}

func classifyError(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return domain.FailureTimeout
	case strings.Contains(msg, "net::") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "proxy"):
		return domain.FailureNetwork
	}
	return domain.FailureOther
}
