// Package dedup guards against repeat outreach to the same target. Every
// successful send is recorded per (user, target) with a cooldown window;
// while the window is open the pair is blocked, and some targets can be
// blocked permanently.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outrider/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

const (
	ReasonFirstTime          = "first_time"
	ReasonCooldownActive     = "cooldown_active"
	ReasonCooldownExpired    = "cooldown_expired"
	ReasonPermanentlyBlocked = "permanently_blocked"
)

// Decision is the answer to "may this user contact this target right now".
type Decision struct {
	Allowed       bool       `json:"is_allowed"`
	Reason        string     `json:"reason"`
	Message       string     `json:"message,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

type Service struct {
	db       *gorm.DB
	cooldown time.Duration
}

// NewService builds the deduplication service. cooldown is how long a
// successful send blocks re-contacting the same target.
func NewService(db *gorm.DB, cooldown time.Duration) *Service {
	if cooldown <= 0 {
		cooldown = 90 * 24 * time.Hour
	}
	return &Service{db: db, cooldown: cooldown}
}

// CheckAllowed never mutates state; the orchestrator calls it before spending
// a browser session on the job. The cooldown is scoped per (user, target): a
// target contacted under one campaign stays blocked under another, so the
// optional campaignID only attributes the decision.
func (s *Service) CheckAllowed(ctx context.Context, userID uint, targetURL, campaignID string) (Decision, error) {
	var record domain.InviteRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND target_url = ?", userID, targetURL).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Decision{Allowed: true, Reason: ReasonFirstTime}, nil
		}
		return Decision{}, fmt.Errorf("load invite record: %w", err)
	}

	if campaignID != "" && record.CampaignID != campaignID {
		log.Debug("dedup hit across campaigns",
			"user_id", userID, "target", targetURL,
			"previous_campaign", record.CampaignID, "campaign", campaignID)
	}

	if record.PermanentlyBlocked {
		return Decision{
			Allowed: false,
			Reason:  ReasonPermanentlyBlocked,
			Message: "target is permanently blocked for this user",
		}, nil
	}

	if record.CooldownUntil != nil && record.CooldownUntil.After(time.Now()) {
		return Decision{
			Allowed: false,
			Reason:  ReasonCooldownActive,
			Message: fmt.Sprintf("already contacted on %s", record.SentAt.Format("2006-01-02")),
			CooldownUntil: record.CooldownUntil,
		}, nil
	}

	return Decision{Allowed: true, Reason: ReasonCooldownExpired}, nil
}

// RecordSuccess upserts the invite row after a confirmed send and opens a
// fresh cooldown window.
func (s *Service) RecordSuccess(ctx context.Context, userID uint, targetURL, campaignID string) error {
	now := time.Now()
	until := now.Add(s.cooldown)

	var record domain.InviteRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND target_url = ?", userID, targetURL).
		First(&record).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = domain.InviteRecord{
			UserID:        userID,
			TargetURL:     targetURL,
			CampaignID:    campaignID,
			Status:        "sent",
			SentAt:        now,
			CooldownUntil: &until,
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("create invite record: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load invite record: %w", err)
	default:
		record.CampaignID = campaignID
		record.Status = "sent"
		record.SentAt = now
		record.CooldownUntil = &until
		if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
			return fmt.Errorf("update invite record: %w", err)
		}
	}

	log.Debug("invite recorded", "user_id", userID, "target", targetURL, "cooldown_until", until)
	return nil
}

// BlockPermanently marks a target off-limits regardless of cooldowns, for
// targets that bounced or complained.
func (s *Service) BlockPermanently(ctx context.Context, userID uint, targetURL, reason string) error {
	var record domain.InviteRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND target_url = ?", userID, targetURL).
		First(&record).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = domain.InviteRecord{
			UserID:             userID,
			TargetURL:          targetURL,
			Status:             "blocked",
			SentAt:             time.Now(),
			PermanentlyBlocked: true,
			Metadata:           reason,
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("create blocked invite record: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load invite record: %w", err)
	default:
		record.Status = "blocked"
		record.PermanentlyBlocked = true
		record.Metadata = reason
		if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
			return fmt.Errorf("update blocked invite record: %w", err)
		}
	}

	log.Warn("target permanently blocked", "user_id", userID, "target", targetURL, "reason", reason)
	return nil
}
