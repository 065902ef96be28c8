package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/scriptgrade/api/model"
)

// JobStore persists grading jobs and their papers. GormJobStore is the real
// implementation; tests use an in-memory fake.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.GradingJob, papers []model.GradingJobPaper) error
	GetJob(ctx context.Context, jobID string) (*model.GradingJob, error)
	// ClaimPending atomically moves one pending job to processing and returns
	// it. Returns nil, nil when no pending job exists.
	ClaimPending(ctx context.Context) (*model.GradingJob, error)
	Heartbeat(ctx context.Context, jobID string) error
	PendingPapers(ctx context.Context, jobID string) ([]model.GradingJobPaper, error)
	RecordPaperSuccess(ctx context.Context, jobID string, paperID uint, result *model.PaperResult) error
	RecordPaperFailure(ctx context.Context, jobID string, paperID uint, paperName string, cause error) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, cause error) error
	// CancelJob marks a non-terminal job cancelled. Workers observe the status
	// at paper boundaries; in-flight papers run to completion.
	CancelJob(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	GetResults(ctx context.Context, jobID string) ([]model.PaperResult, error)
	// ReapStale fails processing jobs whose heartbeat is older than the cutoff
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)
}

// GormJobStore is the PostgreSQL-backed job store
type GormJobStore struct {
	db *gorm.DB
}

// NewGormJobStore creates the gorm-backed job store
func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

// CreateJob inserts the job and its papers in one transaction
func (s *GormJobStore) CreateJob(ctx context.Context, job *model.GradingJob, papers []model.GradingJobPaper) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		for i := range papers {
			papers[i].JobID = job.ID
		}
		if len(papers) > 0 {
			if err := tx.Create(&papers).Error; err != nil {
				return fmt.Errorf("failed to create job papers: %w", err)
			}
		}
		return nil
	})
}

// GetJob fetches a job with its papers
func (s *GormJobStore) GetJob(ctx context.Context, jobID string) (*model.GradingJob, error) {
	var job model.GradingJob
	err := s.db.WithContext(ctx).Preload("Papers").First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	return &job, nil
}

// ClaimPending claims the oldest pending job. The conditional UPDATE makes
// the claim atomic under concurrent workers; RowsAffected == 0 means someone
// else won the race and the caller simply polls again.
func (s *GormJobStore) ClaimPending(ctx context.Context) (*model.GradingJob, error) {
	var candidate model.GradingJob
	err := s.db.WithContext(ctx).
		Where("status = ?", model.GradingJobStatusPending).
		Order("created_at ASC").
		First(&candidate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find pending job: %w", err)
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.GradingJob{}).
		Where("id = ? AND status = ?", candidate.ID, model.GradingJobStatusPending).
		Updates(map[string]interface{}{
			"status":       model.GradingJobStatusProcessing,
			"started_at":   now,
			"heartbeat_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", candidate.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Another worker claimed it between the read and the update
		return nil, nil
	}

	return s.GetJob(ctx, candidate.ID)
}

// Heartbeat advances the job's liveness timestamp
func (s *GormJobStore) Heartbeat(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Model(&model.GradingJob{}).
		Where("id = ?", jobID).
		Update("heartbeat_at", time.Now()).Error
}

// PendingPapers returns the papers of a job that still need grading. After a
// worker crash the reclaimed job resumes from here instead of starting over.
func (s *GormJobStore) PendingPapers(ctx context.Context, jobID string) ([]model.GradingJobPaper, error) {
	var papers []model.GradingJobPaper
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, model.PaperStatusPending).
		Order("id ASC").
		Find(&papers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending papers: %w", err)
	}
	return papers, nil
}

// RecordPaperSuccess persists the paper's result and advances the job
// counters and heartbeat in one transaction
func (s *GormJobStore) RecordPaperSuccess(ctx context.Context, jobID string, paperID uint, result *model.PaperResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(result).Error; err != nil {
			return fmt.Errorf("failed to persist paper result: %w", err)
		}

		err := tx.Model(&model.GradingJobPaper{}).
			Where("id = ?", paperID).
			Updates(map[string]interface{}{
				"status":    model.PaperStatusCompleted,
				"result_id": result.ID,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update paper: %w", err)
		}

		err = tx.Model(&model.GradingJob{}).
			Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"processed_papers": gorm.Expr("processed_papers + 1"),
				"successful":       gorm.Expr("successful + 1"),
				"heartbeat_at":     time.Now(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update job counters: %w", err)
		}
		return nil
	})
}

// RecordPaperFailure marks the paper failed and appends the cause to the
// job's error list. The job itself keeps going; one bad paper never sinks
// the batch.
func (s *GormJobStore) RecordPaperFailure(ctx context.Context, jobID string, paperID uint, paperName string, cause error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.GradingJobPaper{}).
			Where("id = ?", paperID).
			Updates(map[string]interface{}{
				"status":        model.PaperStatusFailed,
				"error_message": cause.Error(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update paper: %w", err)
		}

		var job model.GradingJob
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return fmt.Errorf("failed to fetch job: %w", err)
		}

		var paperErrors []model.PaperError
		if len(job.Errors) > 0 {
			if err := json.Unmarshal(job.Errors, &paperErrors); err != nil {
				log.Printf("[JOBS] Unreadable errors column on job %s, resetting: %v", jobID, err)
				paperErrors = nil
			}
		}
		paperErrors = append(paperErrors, model.PaperError{PaperName: paperName, Error: cause.Error()})

		serialized, err := json.Marshal(paperErrors)
		if err != nil {
			return fmt.Errorf("failed to serialize errors: %w", err)
		}

		err = tx.Model(&model.GradingJob{}).
			Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"processed_papers": gorm.Expr("processed_papers + 1"),
				"failed":           gorm.Expr("failed + 1"),
				"errors":           datatypes.JSON(serialized),
				"heartbeat_at":     time.Now(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update job counters: %w", err)
		}
		return nil
	})
}

// CompleteJob moves a processing job to completed. A job cancelled mid-flight
// stays cancelled.
func (s *GormJobStore) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.GradingJob{}).
		Where("id = ? AND status = ?", jobID, model.GradingJobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.GradingJobStatusCompleted,
			"completed_at": now,
		}).Error
}

// FailJob moves the job to failed with a top-level cause
func (s *GormJobStore) FailJob(ctx context.Context, jobID string, cause error) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.GradingJob{}).
		Where("id = ? AND status IN ?", jobID, []model.GradingJobStatus{
			model.GradingJobStatusPending,
			model.GradingJobStatusProcessing,
		}).
		Updates(map[string]interface{}{
			"status":        model.GradingJobStatusFailed,
			"error_message": cause.Error(),
			"completed_at":  now,
		}).Error
}

// CancelJob marks a pending or processing job cancelled
func (s *GormJobStore) CancelJob(ctx context.Context, jobID string) error {
	res := s.db.WithContext(ctx).Model(&model.GradingJob{}).
		Where("id = ? AND status IN ?", jobID, []model.GradingJobStatus{
			model.GradingJobStatusPending,
			model.GradingJobStatusProcessing,
		}).
		Updates(map[string]interface{}{
			"status":       model.GradingJobStatusCancelled,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either missing or already terminal; disambiguate for the handler
		var job model.GradingJob
		err := s.db.WithContext(ctx).Select("id").First(&job, "id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check job: %w", err)
		}
		return ErrJobNotCancellable
	}
	return nil
}

// IsCancelled reports whether the job has been cancelled. Checked by workers
// at paper boundaries.
func (s *GormJobStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var job model.GradingJob
	err := s.db.WithContext(ctx).Select("status").First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("failed to check job status: %w", err)
	}
	return job.Status == model.GradingJobStatusCancelled, nil
}

// GetResults returns the persisted results of a job's papers
func (s *GormJobStore) GetResults(ctx context.Context, jobID string) ([]model.PaperResult, error) {
	var results []model.PaperResult
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("paper_name ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results: %w", err)
	}
	return results, nil
}

// ReapStale fails processing jobs whose heartbeat predates the cutoff.
// A crashed worker leaves its job in processing forever; the reaper turns
// that into an explicit failure clients can see.
func (s *GormJobStore) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&model.GradingJob{}).
		Where("status = ? AND heartbeat_at < ?", model.GradingJobStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":        model.GradingJobStatusFailed,
			"error_message": "job timed out: worker heartbeat went stale",
			"completed_at":  time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reap stale jobs: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
