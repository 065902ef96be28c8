package model

import (
	"time"

	"gorm.io/gorm"
)

// GradingMode controls how strictly the AI backend is instructed to mark answers
type GradingMode string

const (
	GradingModeStrict   GradingMode = "strict"
	GradingModeStandard GradingMode = "standard"
	GradingModeLenient  GradingMode = "lenient"
)

// Valid reports whether the mode is one of the supported grading modes
func (m GradingMode) Valid() bool {
	switch m {
	case GradingModeStrict, GradingModeStandard, GradingModeLenient:
		return true
	}
	return false
}

// Exam represents an exam definition with its question set
// The question set is immutable once grading has started against it
type Exam struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	Title             string         `gorm:"not null" json:"title"`
	Subject           string         `gorm:"type:varchar(100)" json:"subject"`
	TotalMarks        float64        `gorm:"default:0" json:"total_marks"`
	GradingMode       GradingMode    `gorm:"type:varchar(20);default:'standard'" json:"grading_mode"`
	ReferenceMaterial string         `gorm:"type:text" json:"reference_material,omitempty"` // Answer key / marking scheme text sent alongside every chunk
	CreatedByUserID   uint           `gorm:"index" json:"created_by_user_id"`

	// Relationships
	Questions []Question `gorm:"foreignKey:ExamID;constraint:OnDelete:CASCADE" json:"questions,omitempty"`
}

// Question represents one question of an exam's question set
type Question struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExamID    uint      `gorm:"index;not null" json:"exam_id"`
	Number    int       `gorm:"not null" json:"question_number"`
	MaxMarks  float64   `gorm:"not null" json:"max_marks"`
	Rubric    string    `gorm:"type:text" json:"rubric,omitempty"`

	// Relationships
	SubQuestions []SubQuestion `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE" json:"sub_questions,omitempty"`
}

// SubQuestion represents a labelled part of a question (a, b, i, ii, ...)
// Sub-question max marks are not required to sum to the parent's max marks;
// the aggregator clamps the total to the parent's max
type SubQuestion struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	QuestionID uint    `gorm:"index;not null" json:"question_id"`
	SubID      string  `gorm:"type:varchar(10);not null" json:"sub_id"`
	MaxMarks   float64 `gorm:"not null" json:"max_marks"`
	Rubric     string  `gorm:"type:text" json:"rubric,omitempty"`
}
