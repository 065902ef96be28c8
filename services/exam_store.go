package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/scriptgrade/api/model"
)

// ExamStore loads exam definitions for grading
type ExamStore interface {
	GetExamWithQuestions(ctx context.Context, examID uint) (*model.Exam, error)
}

// GormExamStore is the PostgreSQL-backed exam store
type GormExamStore struct {
	db *gorm.DB
}

// NewGormExamStore creates the gorm-backed exam store
func NewGormExamStore(db *gorm.DB) *GormExamStore {
	return &GormExamStore{db: db}
}

// GetExamWithQuestions fetches an exam with its full question set
func (s *GormExamStore) GetExamWithQuestions(ctx context.Context, examID uint) (*model.Exam, error) {
	var exam model.Exam
	err := s.db.WithContext(ctx).
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("number ASC")
		}).
		Preload("Questions.SubQuestions", func(db *gorm.DB) *gorm.DB {
			return db.Order("sub_id ASC")
		}).
		First(&exam, examID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("failed to fetch exam %d: %w", examID, err)
	}
	return &exam, nil
}
