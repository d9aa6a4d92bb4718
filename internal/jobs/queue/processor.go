// Package queue polls pending automation jobs and drives them through the
// orchestrator. Claiming is safe across multiple processor instances: on
// postgres a batch is locked with FOR UPDATE SKIP LOCKED, elsewhere each row
// is claimed with a compare-and-swap update.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"outrider/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Runner is the orchestrator as the processor sees it.
type Runner interface {
	Execute(ctx context.Context, job domain.JobContext) domain.JobResult
}

// Sweeper is the periodic health recovery pass.
type Sweeper interface {
	RecoverEligible(ctx context.Context) (int, error)
}

type Config struct {
	ExecutorID   string
	BatchSize    int
	PollInterval time.Duration
	PacingMin    time.Duration
	PacingMax    time.Duration
	StuckAfter   time.Duration
	RetryBackoff time.Duration
	SweepEvery   time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.PacingMin <= 0 {
		c.PacingMin = 2 * time.Second
	}
	if c.PacingMax <= c.PacingMin {
		c.PacingMax = c.PacingMin + 6*time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 20 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Hour
	}
}

type Processor struct {
	db      *gorm.DB
	cfg     Config
	runner  Runner
	sweeper Sweeper
}

func NewProcessor(db *gorm.DB, cfg Config, runner Runner, sweeper Sweeper) *Processor {
	cfg.applyDefaults()
	return &Processor{db: db, cfg: cfg, runner: runner, sweeper: sweeper}
}

// Run is the worker loop. Jobs inside one worker run strictly sequentially
// with a randomized delay between them; concurrency comes from running
// multiple workers.
func (p *Processor) Run(ctx context.Context) error {
	log.Info("queue processor started",
		"executor", p.cfg.ExecutorID, "batch_size", p.cfg.BatchSize, "poll_interval", p.cfg.PollInterval)

	sweepTicker := time.NewTicker(p.cfg.SweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue processor stopping", "executor", p.cfg.ExecutorID)
			return ctx.Err()
		case <-sweepTicker.C:
			p.runSweeps(ctx)
		default:
		}

		processed, err := p.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("batch processing failed", "executor", p.cfg.ExecutorID, "err", err)
		}

		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// ProcessBatch claims up to BatchSize due jobs and runs them one by one.
// Returns how many jobs were claimed.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := p.claimBatch(ctx)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		result := p.runner.Execute(ctx, domain.JobContext{
			JobID:      job.ID,
			UserID:     job.UserID,
			CampaignID: job.CampaignID,
			TargetURL:  job.TargetURL,
			TargetName: job.TargetName,
			Message:    job.Message,
			Priority:   job.Priority,
			MaxRetries: job.MaxRetries,
		})

		if err := p.finishJob(ctx, job, result); err != nil {
			log.Error("failed to persist job result", "job_id", job.ID, "err", err)
		}

		if i < len(jobs)-1 {
			p.pace(ctx)
		}
	}
	return len(jobs), nil
}

// claimBatch moves due pending jobs to running under this executor. Ordering
// is priority first, oldest first within a priority.
func (p *Processor) claimBatch(ctx context.Context) ([]domain.AutomationJob, error) {
	if isPostgresDialect(p.db) {
		return p.claimBatchLocked(ctx)
	}
	return p.claimBatchOptimistic(ctx)
}

func (p *Processor) claimBatchLocked(ctx context.Context) ([]domain.AutomationJob, error) {
	var claimed []domain.AutomationJob

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []domain.AutomationJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_at <= ?", domain.JobStatusPending, time.Now()).
			Order("priority DESC, created_at ASC").
			Limit(p.cfg.BatchSize).
			Find(&jobs).Error
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		now := time.Now()
		ids := make([]uint64, len(jobs))
		for i := range jobs {
			ids[i] = jobs[i].ID
			jobs[i].Status = domain.JobStatusRunning
			jobs[i].StartedAt = &now
			jobs[i].ExecutorID = p.cfg.ExecutorID
			jobs[i].Attempts++
		}

		err = tx.Model(&domain.AutomationJob{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":      domain.JobStatusRunning,
				"started_at":  now,
				"executor_id": p.cfg.ExecutorID,
				"attempts":    gorm.Expr("attempts + 1"),
			}).Error
		if err != nil {
			return err
		}

		claimed = jobs
		return nil
	})
	return claimed, err
}

// claimBatchOptimistic claims row by row with a conditional update; a lost
// race simply skips the row, another worker has it.
func (p *Processor) claimBatchOptimistic(ctx context.Context) ([]domain.AutomationJob, error) {
	var candidates []domain.AutomationJob
	err := p.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.JobStatusPending, time.Now()).
		Order("priority DESC, created_at ASC").
		Limit(p.cfg.BatchSize).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	now := time.Now()
	claimed := make([]domain.AutomationJob, 0, len(candidates))
	for i := range candidates {
		job := candidates[i]
		res := p.db.WithContext(ctx).Model(&domain.AutomationJob{}).
			Where("id = ? AND status = ?", job.ID, domain.JobStatusPending).
			Updates(map[string]any{
				"status":      domain.JobStatusRunning,
				"started_at":  now,
				"executor_id": p.cfg.ExecutorID,
				"attempts":    gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		job.Status = domain.JobStatusRunning
		job.StartedAt = &now
		job.ExecutorID = p.cfg.ExecutorID
		job.Attempts++
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// finishJob maps the orchestrator result to the job's terminal (or retried)
// state and persists the structured result onto the row.
func (p *Processor) finishJob(ctx context.Context, job *domain.AutomationJob, result domain.JobResult) error {
	now := time.Now()
	updates := map[string]any{
		"completed_at":          now,
		"result_success":        result.Success,
		"result_proxy_id":       result.ProxyID,
		"result_latency_ms":     result.LatencyMs,
		"result_classification": string(result.Classification),
		"result_message":        result.Message,
	}

	if result.Checkpoint != nil {
		if payload, err := json.Marshal(result.Checkpoint); err == nil {
			updates["checkpoint_payload"] = string(payload)
		}
	}

	switch {
	case result.Success:
		updates["status"] = domain.JobStatusCompleted

	case result.Skipped:
		updates["status"] = domain.JobStatusSkipped

	case result.Classification == domain.FailureNoProxyAvailable:
		// Not the job's fault; return it to the queue untouched except for a
		// backoff so the pool has time to recover. The claim already spent an
		// attempt, give it back.
		updates["status"] = domain.JobStatusPending
		updates["scheduled_at"] = now.Add(p.cfg.RetryBackoff)
		updates["completed_at"] = nil
		updates["attempts"] = gorm.Expr("attempts - 1")

	case result.Classification.Retryable() && job.Attempts <= job.MaxRetries:
		updates["status"] = domain.JobStatusPending
		updates["scheduled_at"] = now.Add(p.cfg.RetryBackoff)
		updates["completed_at"] = nil
		log.Info("job scheduled for retry",
			"job_id", job.ID, "attempt", job.Attempts, "max_retries", job.MaxRetries,
			"classification", result.Classification)

	default:
		updates["status"] = domain.JobStatusFailed
	}

	return p.db.WithContext(ctx).Model(&domain.AutomationJob{}).
		Where("id = ?", job.ID).
		Updates(updates).Error
}

// pace sleeps a randomized interval between jobs so outbound actions never
// form a regular burst pattern.
func (p *Processor) pace(ctx context.Context) {
	spread := p.cfg.PacingMax - p.cfg.PacingMin
	delay := p.cfg.PacingMin + time.Duration(rand.Int63n(int64(spread)))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (p *Processor) runSweeps(ctx context.Context) {
	if n, err := p.ResetStuckJobs(ctx); err != nil {
		log.Error("stuck job reset failed", "err", err)
	} else if n > 0 {
		log.Warn("reset stuck jobs", "count", n)
	}

	if p.sweeper != nil {
		if _, err := p.sweeper.RecoverEligible(ctx); err != nil {
			log.Error("health recovery sweep failed", "err", err)
		}
	}
}

// ResetStuckJobs returns jobs stranded in running (crashed executor, lost
// connection) to pending so another worker can pick them up.
func (p *Processor) ResetStuckJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-p.cfg.StuckAfter)

	res := p.db.WithContext(ctx).Model(&domain.AutomationJob{}).
		Where("status = ? AND started_at < ?", domain.JobStatusRunning, cutoff).
		Updates(map[string]any{
			"status":      domain.JobStatusPending,
			"executor_id": "",
			"started_at":  nil,
		})
	return res.RowsAffected, res.Error
}

func isPostgresDialect(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	name := strings.ToLower(db.Dialector.Name())
	return name == "postgres" || name == "postgresql"
}
