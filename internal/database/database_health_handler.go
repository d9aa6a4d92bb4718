package database

import (
	"time"

	"outrider/internal/domain"

	"gorm.io/gorm"
)

func GetHealthRecord(proxyID uint64, userID uint) (*domain.ProxyHealth, error) {
	var record domain.ProxyHealth
	err := DB.Where("proxy_id = ? AND user_id = ?", proxyID, userID).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetFailingHealthRecords lists rows that either sit auto-disabled or carry a
// live failure streak, for the admin dashboard.
func GetFailingHealthRecords() ([]domain.ProxyHealth, error) {
	var records []domain.ProxyHealth
	err := DB.Where("status <> ? OR consecutive_failures >= ? OR recent_failure_count >= ?",
		domain.ProxyStatusActive, 2, 3).
		Order("auto_disabled_at DESC NULLS LAST, consecutive_failures DESC").
		Find(&records).Error
	if err != nil {
		// NULLS LAST is postgres-only; retry with a portable ordering.
		err = DB.Where("status <> ? OR consecutive_failures >= ? OR recent_failure_count >= ?",
			domain.ProxyStatusActive, 2, 3).
			Order("consecutive_failures DESC").
			Find(&records).Error
	}
	return records, err
}

// ManualReEnableHealthRecord clears the auto-disable stamps on a pair. This is
// the admin override path; the rotation engine re-enables on its own when the
// metrics recover.
func ManualReEnableHealthRecord(proxyID uint64, userID uint) error {
	result := DB.Model(&domain.ProxyHealth{}).
		Where("proxy_id = ? AND user_id = ?", proxyID, userID).
		Updates(map[string]any{
			"status":               domain.ProxyStatusActive,
			"auto_disabled_at":     gorm.Expr("NULL"),
			"auto_disabled_reason": "",
			"consecutive_failures": 0,
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
