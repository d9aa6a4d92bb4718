package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outrider/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

// ErrNoProxyAvailable means the pool has no active proxy with spare capacity.
// Callers escalate this one; everything else is an internal fault.
var ErrNoProxyAvailable = errors.New("no proxy available for assignment")

// Ledger owns the user→proxy binding. The "at most one active row per user"
// invariant is enforced by a partial unique index, not by in-process locking,
// so concurrent workers for the same user stay correct.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Assign returns the user's current proxy, or binds the least-loaded active
// proxy with spare capacity if none is assigned. Idempotent: repeated calls
// without an intervening rotation return the same proxy.
func (l *Ledger) Assign(ctx context.Context, userID uint) (*domain.Proxy, error) {
	current, err := l.activeAssignment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return &current.Proxy, nil
	}

	return l.bind(ctx, userID, 0, "initial_assignment")
}

// Reassign deactivates the user's current binding and assigns a different
// proxy. The deactivation sticks even when the pool turns out to be
// exhausted; the user is then unassigned and the caller must escalate.
func (l *Ledger) Reassign(ctx context.Context, userID uint, excludeProxyID uint64, reason string) (*domain.Proxy, error) {
	if err := l.deactivate(ctx, userID); err != nil {
		return nil, fmt.Errorf("deactivate current assignment: %w", err)
	}

	proxy, err := l.bind(ctx, userID, excludeProxyID, reason)
	if err != nil {
		return nil, err
	}

	log.Info("proxy rotated", "user_id", userID, "old_proxy_id", excludeProxyID, "new_proxy_id", proxy.ID, "reason", reason)
	return proxy, nil
}

// ForceAssign binds the given proxy regardless of status or capacity. Admin
// override path.
func (l *Ledger) ForceAssign(ctx context.Context, userID uint, proxyID uint64, reason string) (*domain.Proxy, error) {
	var proxy domain.Proxy
	if err := l.db.WithContext(ctx).First(&proxy, proxyID).Error; err != nil {
		return nil, fmt.Errorf("load proxy %d: %w", proxyID, err)
	}

	if err := l.deactivate(ctx, userID); err != nil {
		return nil, fmt.Errorf("deactivate current assignment: %w", err)
	}

	row := domain.ProxyAssignment{
		UserID:           userID,
		ProxyID:          proxy.ID,
		Active:           true,
		AssignmentReason: reason,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("insert forced assignment: %w", err)
	}

	log.Warn("proxy force-assigned", "user_id", userID, "proxy_id", proxy.ID, "reason", reason)
	return &proxy, nil
}

// RecordOutcome bumps the active assignment's job counters. Proxy-level
// health is recorded separately by the health evaluator so the two statistics
// can diverge.
func (l *Ledger) RecordOutcome(ctx context.Context, userID uint, success bool, latencyMs int64) error {
	_ = latencyMs // latency lives on the health record, not the assignment

	updates := map[string]any{
		"total_jobs_processed": gorm.Expr("total_jobs_processed + 1"),
		"last_used_at":         time.Now(),
	}
	if success {
		updates["successful_jobs"] = gorm.Expr("successful_jobs + 1")
	} else {
		updates["failed_jobs"] = gorm.Expr("failed_jobs + 1")
	}

	result := l.db.WithContext(ctx).Model(&domain.ProxyAssignment{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no active assignment for user %d", userID)
	}
	return nil
}

func (l *Ledger) activeAssignment(ctx context.Context, userID uint) (*domain.ProxyAssignment, error) {
	var assignment domain.ProxyAssignment
	err := l.db.WithContext(ctx).Preload("Proxy").
		Where("user_id = ? AND active = ?", userID, true).
		First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

func (l *Ledger) deactivate(ctx context.Context, userID uint) error {
	return l.db.WithContext(ctx).Model(&domain.ProxyAssignment{}).
		Where("user_id = ? AND active = ?", userID, true).
		Update("active", false).Error
}

// bind picks a candidate and inserts the active row. When two workers race
// for the same user the partial unique index rejects the loser, which then
// returns the winner's assignment instead.
func (l *Ledger) bind(ctx context.Context, userID uint, excludeProxyID uint64, reason string) (*domain.Proxy, error) {
	proxy, err := l.pickCandidate(ctx, excludeProxyID)
	if err != nil {
		return nil, err
	}

	row := domain.ProxyAssignment{
		UserID:           userID,
		ProxyID:          proxy.ID,
		Active:           true,
		AssignmentReason: reason,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			current, lookupErr := l.activeAssignment(ctx, userID)
			if lookupErr == nil && current != nil {
				return &current.Proxy, nil
			}
		}
		return nil, fmt.Errorf("insert assignment: %w", err)
	}

	return proxy, nil
}

// pickCandidate selects the least-loaded active proxy that still has capacity.
// Two-step on purpose: the raw scan avoids gorm hooks, the follow-up First
// runs them so credentials come back decrypted.
func (l *Ledger) pickCandidate(ctx context.Context, excludeProxyID uint64) (*domain.Proxy, error) {
	var row struct {
		ID uint64
	}

	err := l.db.WithContext(ctx).Raw(`
		SELECT p.id
		FROM proxies p
		LEFT JOIN (
			SELECT proxy_id, COUNT(*) AS active_users
			FROM proxy_assignments
			WHERE active
			GROUP BY proxy_id
		) occ ON occ.proxy_id = p.id
		WHERE p.status = ?
		  AND COALESCE(occ.active_users, 0) < p.max_concurrent_users
		  AND p.id <> ?
		ORDER BY COALESCE(occ.active_users, 0) ASC, p.id ASC
		LIMIT 1`,
		string(domain.ProxyStatusActive), excludeProxyID,
	).Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("select candidate proxy: %w", err)
	}
	if row.ID == 0 {
		return nil, ErrNoProxyAvailable
	}

	var proxy domain.Proxy
	if err := l.db.WithContext(ctx).First(&proxy, row.ID).Error; err != nil {
		return nil, fmt.Errorf("load candidate proxy: %w", err)
	}
	return &proxy, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
