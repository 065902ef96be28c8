package database

import (
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/scriptgrade/api/model"
)

// RunSeeds populates a development database with a sample exam and question
// set. Idempotent; an existing exam with the same title is left alone.
func RunSeeds(db *gorm.DB) error {
	log.Println("Seeding development data...")

	var count int64
	if err := db.Model(&model.Exam{}).Where("title = ?", "Sample Physics Midterm").Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check existing seeds: %w", err)
	}
	if count > 0 {
		log.Println("Seed exam already present, skipping")
		return nil
	}

	exam := model.Exam{
		Title:       "Sample Physics Midterm",
		Subject:     "Physics",
		GradingMode: model.GradingModeStandard,
		ReferenceMaterial: "Q1: Accept g = 9.8 or 10 m/s^2. " +
			"Q2: Full marks require both the formula and the numeric answer. " +
			"Q3: Partial credit per labelled part.",
		Questions: []model.Question{
			{
				Number:   1,
				MaxMarks: 5,
				Rubric:   "Define free fall and state the acceleration due to gravity.",
			},
			{
				Number:   2,
				MaxMarks: 10,
				Rubric:   "Derive the equation of motion v = u + at and apply it.",
			},
			{
				Number:   3,
				MaxMarks: 15,
				Rubric:   "Projectile motion, answer all parts.",
				SubQuestions: []model.SubQuestion{
					{SubID: "a", MaxMarks: 5, Rubric: "Time of flight"},
					{SubID: "b", MaxMarks: 5, Rubric: "Maximum height"},
					{SubID: "c", MaxMarks: 5, Rubric: "Horizontal range"},
				},
			},
		},
	}
	for _, q := range exam.Questions {
		exam.TotalMarks += q.MaxMarks
	}

	if err := db.Create(&exam).Error; err != nil {
		return fmt.Errorf("failed to seed exam: %w", err)
	}

	log.Printf("Seeded exam %d (%s) with %d questions", exam.ID, exam.Title, len(exam.Questions))
	return nil
}
