package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ScoreStatus represents the outcome of grading a single question
type ScoreStatus string

const (
	ScoreStatusGraded       ScoreStatus = "graded"
	ScoreStatusNotAttempted ScoreStatus = "not_attempted"
	ScoreStatusNotFound     ScoreStatus = "not_found"
	ScoreStatusError        ScoreStatus = "error"
)

// SubScore is the graded outcome of one sub-question
type SubScore struct {
	SubID         string  `json:"sub_id"`
	MaxMarks      float64 `json:"max_marks"`
	ObtainedMarks float64 `json:"obtained_marks"`
	Feedback      string  `json:"feedback,omitempty"`
}

// QuestionScore is the aggregated, clamped score for one question of one paper.
// Immutable once written; a re-grade produces a new QuestionScore list.
type QuestionScore struct {
	QuestionNumber int         `json:"question_number"`
	MaxMarks       float64     `json:"max_marks"`
	ObtainedMarks  float64     `json:"obtained_marks"`
	Status         ScoreStatus `json:"status"`
	Feedback       string      `json:"feedback,omitempty"`
	SubScores      []SubScore  `json:"sub_scores,omitempty"`
}

// PaperResult holds the graded outcome of one answer sheet.
// Superseded, never mutated, on re-grade.
type PaperResult struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	JobID         string         `gorm:"type:varchar(36);index;not null" json:"job_id"`
	ExamID        uint           `gorm:"index;not null" json:"exam_id"`
	PaperName     string         `gorm:"not null" json:"paper_name"`
	TotalMarks    float64        `gorm:"not null" json:"total_marks"`
	ObtainedMarks float64        `gorm:"not null" json:"obtained_marks"`
	Percentage    float64        `gorm:"not null" json:"percentage"`
	Status        string         `gorm:"type:varchar(20);default:'graded'" json:"status"`
	Scores        datatypes.JSON `json:"scores"` // []QuestionScore
}

// SetScores serializes the score list into the Scores column
func (r *PaperResult) SetScores(scores []QuestionScore) error {
	data, err := json.Marshal(scores)
	if err != nil {
		return err
	}
	r.Scores = datatypes.JSON(data)
	return nil
}

// GetScores deserializes the Scores column
func (r *PaperResult) GetScores() ([]QuestionScore, error) {
	if len(r.Scores) == 0 {
		return nil, nil
	}
	var scores []QuestionScore
	if err := json.Unmarshal(r.Scores, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}
