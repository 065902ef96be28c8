package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GradingJobStatus represents the lifecycle state of a grading job
type GradingJobStatus string

const (
	GradingJobStatusPending    GradingJobStatus = "pending"
	GradingJobStatusProcessing GradingJobStatus = "processing"
	GradingJobStatusCompleted  GradingJobStatus = "completed"
	GradingJobStatusFailed     GradingJobStatus = "failed"
	GradingJobStatusCancelled  GradingJobStatus = "cancelled"
)

// GradingJobPaperStatus represents the state of a single paper within a job
type GradingJobPaperStatus string

const (
	PaperStatusPending   GradingJobPaperStatus = "pending"
	PaperStatusCompleted GradingJobPaperStatus = "completed"
	PaperStatusFailed    GradingJobPaperStatus = "failed"
)

// PaperError records a per-paper failure inside the job's errors column
type PaperError struct {
	PaperName string `json:"paper_name"`
	Error     string `json:"error"`
}

// GradingJob tracks one batch grading request across its papers.
// Mutated only by the worker that claimed it and by cancel/reaper actions;
// terminal once status is completed, failed or cancelled.
type GradingJob struct {
	ID              string           `gorm:"primaryKey;type:varchar(36)" json:"job_id"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	DeletedAt       gorm.DeletedAt   `gorm:"index" json:"deleted_at,omitempty"`
	ExamID          uint             `gorm:"index;not null" json:"exam_id"`
	Status          GradingJobStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	TotalPapers     int              `gorm:"default:0" json:"total_papers"`
	ProcessedPapers int              `gorm:"default:0" json:"processed_papers"`
	Successful      int              `gorm:"default:0" json:"successful"`
	Failed          int              `gorm:"default:0" json:"failed"`
	Errors          datatypes.JSON   `json:"errors,omitempty"` // []PaperError
	ErrorMessage    string           `gorm:"type:text" json:"error_message,omitempty"`
	CreatedByUserID uint             `gorm:"index" json:"created_by_user_id"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	HeartbeatAt     time.Time        `gorm:"index" json:"heartbeat_at"` // Advanced after every paper; the reaper fails jobs whose heartbeat goes stale

	// Relationships
	Exam   *Exam             `gorm:"foreignKey:ExamID" json:"exam,omitempty"`
	Papers []GradingJobPaper `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"papers,omitempty"`
}

// IsTerminal reports whether the job has reached a terminal status
func (j *GradingJob) IsTerminal() bool {
	switch j.Status {
	case GradingJobStatusCompleted, GradingJobStatusFailed, GradingJobStatusCancelled:
		return true
	}
	return false
}

// GradingJobPaper is one uploaded answer sheet inside a grading job
type GradingJobPaper struct {
	ID           uint                  `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	JobID        string                `gorm:"type:varchar(36);index;not null" json:"job_id"`
	PaperName    string                `gorm:"not null" json:"paper_name"`
	SpacesKey    string                `gorm:"not null" json:"spaces_key"` // Object storage key of the uploaded document
	DeclaredType string                `gorm:"type:varchar(10);not null" json:"declared_type"`
	Status       GradingJobPaperStatus `gorm:"type:varchar(15);default:'pending'" json:"status"`
	ErrorMessage string                `gorm:"type:text" json:"error_message,omitempty"`
	ResultID     *uint                 `json:"result_id,omitempty"`
}
