package database

import (
	"time"

	"outrider/internal/domain"

	"github.com/google/uuid"
)

// EnqueueJob inserts a new pending job and stamps it with an external UUID.
func EnqueueJob(job *domain.AutomationJob) error {
	if job.ExternalID == "" {
		job.ExternalID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	return DB.Create(job).Error
}

func GetJobByExternalID(externalID string) (*domain.AutomationJob, error) {
	var job domain.AutomationJob
	if err := DB.Where("external_id = ?", externalID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func GetRecentJobsForUser(userID uint, limit int) ([]domain.AutomationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []domain.AutomationJob
	err := DB.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
