package exam

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/utils/response"
	"github.com/scriptgrade/api/utils/validation"
)

// ExamHandler handles exam definition requests
type ExamHandler struct {
	db        *gorm.DB
	validator *validation.Validator
}

// NewExamHandler creates a new exam handler
func NewExamHandler(db *gorm.DB) *ExamHandler {
	return &ExamHandler{
		db:        db,
		validator: validation.NewValidator(),
	}
}

// CreateExamRequest is the payload for creating an exam with its question set
type CreateExamRequest struct {
	Title             string                  `json:"title" validate:"required,min=1,max=255"`
	Subject           string                  `json:"subject" validate:"max=100"`
	GradingMode       string                  `json:"grading_mode" validate:"omitempty,oneof=strict standard lenient"`
	ReferenceMaterial string                  `json:"reference_material"`
	Questions         []CreateQuestionRequest `json:"questions" validate:"required,min=1,dive"`
}

// CreateQuestionRequest is one question of the exam payload
type CreateQuestionRequest struct {
	Number       int                        `json:"question_number" validate:"required,gte=1"`
	MaxMarks     float64                    `json:"max_marks" validate:"required,gt=0"`
	Rubric       string                     `json:"rubric"`
	SubQuestions []CreateSubQuestionRequest `json:"sub_questions" validate:"omitempty,dive"`
}

// CreateSubQuestionRequest is one labelled part of a question
type CreateSubQuestionRequest struct {
	SubID    string  `json:"sub_id" validate:"required,max=10"`
	MaxMarks float64 `json:"max_marks" validate:"required,gt=0"`
	Rubric   string  `json:"rubric"`
}

// CreateExam handles POST /api/v1/exams
func (h *ExamHandler) CreateExam(c *fiber.Ctx) error {
	var req CreateExamRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		return response.ValidationError(c, validation.FormatValidationErrors(err))
	}

	seen := make(map[int]bool, len(req.Questions))
	for _, q := range req.Questions {
		if seen[q.Number] {
			return response.BadRequest(c, "Duplicate question number "+strconv.Itoa(q.Number))
		}
		seen[q.Number] = true
	}

	mode := model.GradingMode(req.GradingMode)
	if req.GradingMode == "" {
		mode = model.GradingModeStandard
	}

	userID, _ := c.Locals("user_id").(uint)

	exam := model.Exam{
		Title:             req.Title,
		Subject:           req.Subject,
		GradingMode:       mode,
		ReferenceMaterial: req.ReferenceMaterial,
		CreatedByUserID:   userID,
	}
	for _, q := range req.Questions {
		question := model.Question{
			Number:   q.Number,
			MaxMarks: q.MaxMarks,
			Rubric:   q.Rubric,
		}
		for _, sub := range q.SubQuestions {
			question.SubQuestions = append(question.SubQuestions, model.SubQuestion{
				SubID:    sub.SubID,
				MaxMarks: sub.MaxMarks,
				Rubric:   sub.Rubric,
			})
		}
		exam.TotalMarks += q.MaxMarks
		exam.Questions = append(exam.Questions, question)
	}

	if err := h.db.Create(&exam).Error; err != nil {
		return response.InternalServerError(c, "Failed to create exam")
	}

	return response.SuccessWithMessage(c, "Exam created", exam)
}

// GetExam handles GET /api/v1/exams/:id
func (h *ExamHandler) GetExam(c *fiber.Ctx) error {
	id := c.Params("id")

	var exam model.Exam
	err := h.db.Preload("Questions.SubQuestions").
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("number ASC")
		}).
		First(&exam, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.NotFound(c, "Exam not found")
		}
		return response.InternalServerError(c, "Failed to fetch exam")
	}

	return response.Success(c, exam)
}

// ListExams handles GET /api/v1/exams
func (h *ExamHandler) ListExams(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var exams []model.Exam
	err := h.db.Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&exams).Error
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch exams")
	}

	return response.Success(c, exams)
}
