package domain

import "time"

// InviteRecord is the outreach history used for deduplication. One row per
// (user, target); re-sends after an expired cooldown update the row in place.
type InviteRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint   `gorm:"not null;uniqueIndex:idx_invite_user_target,priority:1" json:"user_id"`
	TargetURL  string `gorm:"not null;uniqueIndex:idx_invite_user_target,priority:2" json:"target_url"`
	CampaignID string `gorm:"size:64;default:'';index" json:"campaign_id"`

	Status string `gorm:"size:32;not null;default:'sent'" json:"status"`

	SentAt             time.Time  `gorm:"not null" json:"sent_at"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	PermanentlyBlocked bool       `gorm:"not null;default:false" json:"permanently_blocked"`

	Metadata string `gorm:"type:text;default:''" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
