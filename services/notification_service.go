package services

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/scriptgrade/api/model"
)

// Notifier is told when a grading job reaches a terminal state.
// Fire and forget; a notification failure never affects job state.
type Notifier interface {
	JobFinished(ctx context.Context, job *model.GradingJob)
}

// NotificationService persists job-completion notifications for the
// submitting user
type NotificationService struct {
	db *gorm.DB
}

// NewNotificationService creates a new notification service
func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

// JobFinished records a notification describing the job outcome
func (s *NotificationService) JobFinished(ctx context.Context, job *model.GradingJob) {
	notification := model.Notification{
		UserID: job.CreatedByUserID,
		JobID:  job.ID,
	}

	switch job.Status {
	case model.GradingJobStatusCompleted:
		if job.Failed > 0 {
			notification.Type = model.NotificationTypeWarning
			notification.Title = "Grading finished with errors"
			notification.Message = fmt.Sprintf("Graded %d of %d papers; %d failed", job.Successful, job.TotalPapers, job.Failed)
		} else {
			notification.Type = model.NotificationTypeSuccess
			notification.Title = "Grading complete"
			notification.Message = fmt.Sprintf("All %d papers graded successfully", job.Successful)
		}
	case model.GradingJobStatusFailed:
		notification.Type = model.NotificationTypeError
		notification.Title = "Grading failed"
		notification.Message = job.ErrorMessage
	case model.GradingJobStatusCancelled:
		notification.Type = model.NotificationTypeWarning
		notification.Title = "Grading cancelled"
		notification.Message = fmt.Sprintf("Stopped after %d of %d papers", job.ProcessedPapers, job.TotalPapers)
	default:
		return
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		log.Printf("[NOTIFY] Failed to record notification for job %s: %v", job.ID, err)
		return
	}
	log.Printf("[NOTIFY] Job %s: %s", job.ID, notification.Title)
}
