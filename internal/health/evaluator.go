package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outrider/internal/assignment"
	"outrider/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

// Reassigner is the slice of the assignment ledger the rotation engine needs.
type Reassigner interface {
	Reassign(ctx context.Context, userID uint, excludeProxyID uint64, reason string) (*domain.Proxy, error)
}

// Notifier delivers best-effort alerts; implementations never return errors.
type Notifier interface {
	Send(ctx context.Context, message string, urgent bool)
}

type Config struct {
	// RecentWindow bounds the trailing counters; expired windows roll on the
	// next recorded outcome.
	RecentWindow time.Duration
	// ReuseEmbargo keeps a pair unhealthy for this long after an auto-disable.
	ReuseEmbargo time.Duration
	// MinSampleForSuccessRate gates the success-rate rule so tiny samples
	// cannot trip it.
	MinSampleForSuccessRate int
}

func DefaultConfig() Config {
	return Config{
		RecentWindow:            24 * time.Hour,
		ReuseEmbargo:            24 * time.Hour,
		MinSampleForSuccessRate: 5,
	}
}

// Verdict is the pre-flight health answer for one (proxy, user) pair.
type Verdict struct {
	Healthy           bool   `json:"is_healthy"`
	Reason            string `json:"reason,omitempty"`
	AlternativeNeeded bool   `json:"alternative_needed"`
}

// Evaluator owns per-pair health records and drives the rotation rule engine.
type Evaluator struct {
	db         *gorm.DB
	cfg        Config
	reassigner Reassigner
	notifier   Notifier
}

func NewEvaluator(db *gorm.DB, cfg Config, reassigner Reassigner, notifier Notifier) *Evaluator {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 24 * time.Hour
	}
	if cfg.ReuseEmbargo <= 0 {
		cfg.ReuseEmbargo = 24 * time.Hour
	}
	if cfg.MinSampleForSuccessRate <= 0 {
		cfg.MinSampleForSuccessRate = 5
	}
	return &Evaluator{db: db, cfg: cfg, reassigner: reassigner, notifier: notifier}
}

// EnsureRecord creates the health row for a pair if it does not exist yet.
// Called right after assignment so the pre-flight gate has something to read.
func (e *Evaluator) EnsureRecord(ctx context.Context, proxyID uint64, userID uint) error {
	record := domain.ProxyHealth{
		ProxyID: proxyID,
		UserID:  userID,
		Status:  domain.ProxyStatusActive,
	}
	return e.db.WithContext(ctx).
		Where("proxy_id = ? AND user_id = ?", proxyID, userID).
		FirstOrCreate(&record).Error
}

// RecordOutcome folds one job outcome into the pair's counters. A failure
// immediately triggers rule evaluation, which may disable the proxy and
// rotate the user.
func (e *Evaluator) RecordOutcome(ctx context.Context, proxyID uint64, userID uint, success bool, latencyMs int64, fctx *domain.FailureContext) error {
	record, err := e.loadOrCreate(ctx, proxyID, userID)
	if err != nil {
		return fmt.Errorf("load health record: %w", err)
	}

	now := time.Now()
	e.rollWindow(record, now)

	record.TotalJobsProcessed++
	record.LastUsedAt = &now

	if success {
		record.SuccessCount++
		record.RecentSuccessCount++
		record.ConsecutiveFailures = 0
		record.LastSuccessAt = &now
	} else {
		record.FailureCount++
		record.RecentFailureCount++
		record.ConsecutiveFailures++
		record.LastFailureAt = &now
		if fctx != nil {
			record.FailureReason = string(fctx.Kind)
			if fctx.ErrorMessage != "" {
				record.FailureReason = string(fctx.Kind) + ": " + fctx.ErrorMessage
			}
		}
	}

	if latencyMs > 0 {
		if record.AvgResponseTimeMs == 0 {
			record.AvgResponseTimeMs = int(latencyMs)
		} else {
			// Exponential moving average, weight 1/5 for the new sample.
			record.AvgResponseTimeMs = (record.AvgResponseTimeMs*4 + int(latencyMs)) / 5
		}
	}

	if err := e.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("save health record: %w", err)
	}

	log.Debug("proxy outcome recorded",
		"proxy_id", proxyID, "user_id", userID, "success", success,
		"consecutive_failures", record.ConsecutiveFailures)

	if !success {
		return e.Evaluate(ctx, proxyID, userID)
	}
	return nil
}

// Evaluate walks the active rotation rules in priority order and disables the
// pair on the first match, rotating the user to a new proxy. With no match it
// opportunistically re-enables a previously disabled pair whose live metrics
// read healthy again.
func (e *Evaluator) Evaluate(ctx context.Context, proxyID uint64, userID uint) error {
	record, err := e.load(ctx, proxyID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Debug("no health record to evaluate", "proxy_id", proxyID, "user_id", userID)
			return nil
		}
		return err
	}

	metrics := Calculate(record)

	rules, err := e.activeRules(ctx)
	if err != nil {
		return fmt.Errorf("load rotation rules: %w", err)
	}

	for _, rule := range rules {
		reason, matched := e.matchRule(record, metrics, rule)
		if !matched {
			continue
		}

		log.Warn("rotation rule matched, disabling proxy for user",
			"proxy_id", proxyID, "user_id", userID, "rule", rule.RuleName, "reason", reason)

		if err := e.disable(ctx, record, reason); err != nil {
			return err
		}
		e.rotate(ctx, proxyID, userID, reason)
		return nil
	}

	if record.Status == domain.ProxyStatusInactive && metrics.IsHealthy {
		return e.reEnable(ctx, record)
	}
	return nil
}

// IsHealthyForJob is the pre-flight gate. It never mutates state.
func (e *Evaluator) IsHealthyForJob(ctx context.Context, proxyID uint64, userID uint) (Verdict, error) {
	record, err := e.load(ctx, proxyID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Verdict{Healthy: false, Reason: "no health record found", AlternativeNeeded: true}, nil
		}
		return Verdict{}, err
	}

	if record.Status != domain.ProxyStatusActive {
		return Verdict{
			Healthy:           false,
			Reason:            fmt.Sprintf("proxy status is %s", record.Status),
			AlternativeNeeded: true,
		}, nil
	}

	if record.RecentFailureCount >= 3 {
		return Verdict{
			Healthy:           false,
			Reason:            fmt.Sprintf("too many recent failures: %d", record.RecentFailureCount),
			AlternativeNeeded: true,
		}, nil
	}

	if record.ConsecutiveFailures >= 2 {
		return Verdict{
			Healthy:           false,
			Reason:            fmt.Sprintf("too many consecutive failures: %d", record.ConsecutiveFailures),
			AlternativeNeeded: true,
		}, nil
	}

	if record.AutoDisabledAt != nil {
		sinceDisabled := time.Since(*record.AutoDisabledAt)
		if sinceDisabled < e.cfg.ReuseEmbargo {
			return Verdict{
				Healthy:           false,
				Reason:            fmt.Sprintf("proxy was auto-disabled %.0f hours ago", sinceDisabled.Hours()),
				AlternativeNeeded: true,
			}, nil
		}
	}

	return Verdict{Healthy: true}, nil
}

// RecoverEligible re-evaluates pairs whose auto-disable embargo has expired
// and re-enables those whose metrics read healthy. Without this sweep a pair
// that is never failed against again would stay disabled forever.
func (e *Evaluator) RecoverEligible(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-e.cfg.ReuseEmbargo)

	var records []domain.ProxyHealth
	err := e.db.WithContext(ctx).
		Where("status = ? AND auto_disabled_at IS NOT NULL AND auto_disabled_at < ?",
			domain.ProxyStatusInactive, cutoff).
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("load disabled health records: %w", err)
	}

	recovered := 0
	now := time.Now()
	for i := range records {
		record := &records[i]
		// Counters frozen at disable time say nothing about the proxy now:
		// an expired recent window rolls off and the streak that tripped the
		// rule is discarded before reading the score. Without this a pair
		// disabled on consecutive failures could never pass the check.
		e.rollWindow(record, now)
		record.ConsecutiveFailures = 0
		if !Calculate(record).IsHealthy {
			continue
		}
		if err := e.reEnable(ctx, record); err != nil {
			log.Error("recovery sweep re-enable failed",
				"proxy_id", record.ProxyID, "user_id", record.UserID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		log.Info("recovery sweep re-enabled proxies", "count", recovered)
	}
	return recovered, nil
}

func (e *Evaluator) matchRule(record *domain.ProxyHealth, metrics Metrics, rule domain.RotationRule) (string, bool) {
	if rule.MaxFailures24h > 0 && record.RecentFailureCount >= rule.MaxFailures24h {
		return fmt.Sprintf("exceeded 24h failure limit: %d/%d (rule: %s)",
			record.RecentFailureCount, rule.MaxFailures24h, rule.RuleName), true
	}
	if rule.MaxConsecutiveFailures > 0 && record.ConsecutiveFailures >= rule.MaxConsecutiveFailures {
		return fmt.Sprintf("exceeded consecutive failure limit: %d/%d (rule: %s)",
			record.ConsecutiveFailures, rule.MaxConsecutiveFailures, rule.RuleName), true
	}
	if rule.MinSuccessRatePercent > 0 &&
		metrics.TotalJobs >= e.cfg.MinSampleForSuccessRate &&
		metrics.SuccessRate < rule.MinSuccessRatePercent {
		return fmt.Sprintf("below minimum success rate: %.1f%%/%.0f%% (rule: %s)",
			metrics.SuccessRate, rule.MinSuccessRatePercent, rule.RuleName), true
	}
	if rule.MaxResponseTimeMs > 0 && record.AvgResponseTimeMs > rule.MaxResponseTimeMs {
		return fmt.Sprintf("response time too slow: %dms/%dms (rule: %s)",
			record.AvgResponseTimeMs, rule.MaxResponseTimeMs, rule.RuleName), true
	}
	return "", false
}

func (e *Evaluator) disable(ctx context.Context, record *domain.ProxyHealth, reason string) error {
	now := time.Now()
	record.Status = domain.ProxyStatusInactive
	record.AutoDisabledAt = &now
	record.AutoDisabledReason = reason

	if err := e.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("disable health record: %w", err)
	}
	return nil
}

func (e *Evaluator) rotate(ctx context.Context, oldProxyID uint64, userID uint, reason string) {
	newProxy, err := e.reassigner.Reassign(ctx, userID, oldProxyID, reason)
	if err != nil {
		if errors.Is(err, assignment.ErrNoProxyAvailable) {
			log.Error("proxy pool exhausted during rotation", "user_id", userID)
			if e.notifier != nil {
				e.notifier.Send(ctx, fmt.Sprintf(
					"URGENT: no proxies available for user %d after disabling proxy %d (%s)",
					userID, oldProxyID, reason), true)
			}
			return
		}
		log.Error("proxy rotation failed", "user_id", userID, "error", err)
		return
	}

	if e.notifier != nil {
		e.notifier.Send(ctx, fmt.Sprintf(
			"Proxy rotated for user %d: %d -> %d (%s)",
			userID, oldProxyID, newProxy.ID, reason), false)
	}
}

func (e *Evaluator) reEnable(ctx context.Context, record *domain.ProxyHealth) error {
	log.Info("re-enabling recovered proxy", "proxy_id", record.ProxyID, "user_id", record.UserID)

	return e.db.WithContext(ctx).Model(&domain.ProxyHealth{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"status":                   domain.ProxyStatusActive,
			"auto_disabled_at":         gorm.Expr("NULL"),
			"auto_disabled_reason":     "",
			"consecutive_failures":     0,
			"recent_success_count":     record.RecentSuccessCount,
			"recent_failure_count":     record.RecentFailureCount,
			"recent_window_started_at": record.RecentWindowStartedAt,
		}).Error
}

func (e *Evaluator) rollWindow(record *domain.ProxyHealth, now time.Time) {
	if record.RecentWindowStartedAt == nil || now.Sub(*record.RecentWindowStartedAt) >= e.cfg.RecentWindow {
		record.RecentSuccessCount = 0
		record.RecentFailureCount = 0
		record.RecentWindowStartedAt = &now
	}
}

func (e *Evaluator) load(ctx context.Context, proxyID uint64, userID uint) (*domain.ProxyHealth, error) {
	var record domain.ProxyHealth
	err := e.db.WithContext(ctx).
		Where("proxy_id = ? AND user_id = ?", proxyID, userID).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (e *Evaluator) loadOrCreate(ctx context.Context, proxyID uint64, userID uint) (*domain.ProxyHealth, error) {
	record, err := e.load(ctx, proxyID, userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := domain.ProxyHealth{
		ProxyID: proxyID,
		UserID:  userID,
		Status:  domain.ProxyStatusActive,
	}
	if err := e.db.WithContext(ctx).Create(&fresh).Error; err != nil {
		if isUniqueViolation(err) {
			return e.load(ctx, proxyID, userID)
		}
		return nil, err
	}
	return &fresh, nil
}

func (e *Evaluator) activeRules(ctx context.Context) ([]domain.RotationRule, error) {
	var rules []domain.RotationRule
	// Ties at equal priority break on ascending ID so evaluation order is
	// stable across processes.
	err := e.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority DESC, id ASC").
		Find(&rules).Error
	return rules, err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
