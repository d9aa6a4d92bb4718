package database

import (
	"errors"

	"outrider/internal/domain"

	"gorm.io/gorm"
)

func GetActiveAssignmentForUser(userID uint) (*domain.ProxyAssignment, error) {
	var assignment domain.ProxyAssignment
	err := DB.Preload("Proxy").
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

func GetAllActiveAssignments() ([]domain.ProxyAssignment, error) {
	var assignments []domain.ProxyAssignment
	err := DB.Preload("Proxy").
		Where("active = ?", true).
		Order("user_id ASC").
		Find(&assignments).Error
	return assignments, err
}

func GetAssignmentHistoryForUser(userID uint, limit int) ([]domain.ProxyAssignment, error) {
	if limit <= 0 {
		limit = 50
	}
	var assignments []domain.ProxyAssignment
	err := DB.Where("user_id = ?", userID).
		Order("assigned_at DESC").
		Limit(limit).
		Find(&assignments).Error
	return assignments, err
}
