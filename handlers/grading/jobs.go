package grading

import (
	"errors"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/services"
	"github.com/scriptgrade/api/utils/response"
)

// maxUploadBytes bounds a single answer sheet upload (50 MB)
const maxUploadBytes = 50 * 1024 * 1024

var allowedTypes = map[string]bool{
	"pdf":  true,
	"docx": true,
	"doc":  true,
	"png":  true,
	"jpg":  true,
	"jpeg": true,
}

// GradingHandler handles grading job requests
type GradingHandler struct {
	coordinator *services.JobCoordinator
	jobs        services.JobStore
}

// NewGradingHandler creates a new grading handler
func NewGradingHandler(coordinator *services.JobCoordinator, jobs services.JobStore) *GradingHandler {
	return &GradingHandler{
		coordinator: coordinator,
		jobs:        jobs,
	}
}

// SubmitJob handles POST /api/v1/grading/jobs
// Multipart form: exam_id plus one or more files. Papers are stored and the
// job is queued; grading happens in the background.
func (h *GradingHandler) SubmitJob(c *fiber.Ctx) error {
	examID, err := strconv.ParseUint(c.FormValue("exam_id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Valid exam_id is required")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return response.BadRequest(c, "Multipart form with files is required")
	}

	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		return response.BadRequest(c, "At least one file is required")
	}

	papers := make([]services.UploadedPaper, 0, len(fileHeaders))
	for _, header := range fileHeaders {
		if header.Size > maxUploadBytes {
			return response.BadRequest(c, "File "+header.Filename+" exceeds the 50MB limit")
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
		if !allowedTypes[ext] {
			return response.BadRequest(c, "Unsupported file type: "+header.Filename+" (allowed: pdf, docx, doc, png, jpg)")
		}

		file, err := header.Open()
		if err != nil {
			return response.InternalServerError(c, "Failed to read uploaded file")
		}
		content, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return response.InternalServerError(c, "Failed to read uploaded file")
		}

		papers = append(papers, services.UploadedPaper{
			Name:         header.Filename,
			Content:      content,
			DeclaredType: ext,
		})
	}

	userID, _ := c.Locals("user_id").(uint)

	job, err := h.coordinator.SubmitJob(c.Context(), uint(examID), userID, papers)
	if err != nil {
		if errors.Is(err, services.ErrExamNotFound) {
			return response.NotFound(c, "Exam not found")
		}
		if errors.Is(err, services.ErrInvalidDocument) {
			return response.BadRequest(c, err.Error())
		}
		return response.InternalServerError(c, "Failed to create grading job")
	}

	return response.Accepted(c, "Grading job created", fiber.Map{
		"job_id":       job.ID,
		"exam_id":      job.ExamID,
		"total_papers": job.TotalPapers,
		"status":       job.Status,
	})
}

// GetJob handles GET /api/v1/grading/jobs/:id
func (h *GradingHandler) GetJob(c *fiber.Ctx) error {
	jobID := c.Params("id")

	job, err := h.jobs.GetJob(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			return response.NotFound(c, "Grading job not found")
		}
		return response.InternalServerError(c, "Failed to fetch grading job")
	}

	return response.Success(c, job)
}

// CancelJob handles POST /api/v1/grading/jobs/:id/cancel
// Cancellation is cooperative: workers stop at the next paper boundary and
// already graded papers keep their results.
func (h *GradingHandler) CancelJob(c *fiber.Ctx) error {
	jobID := c.Params("id")

	if err := h.jobs.CancelJob(c.Context(), jobID); err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			return response.NotFound(c, "Grading job not found")
		}
		if errors.Is(err, services.ErrJobNotCancellable) {
			return response.Conflict(c, "Job has already finished")
		}
		return response.InternalServerError(c, "Failed to cancel grading job")
	}

	return response.SuccessWithMessage(c, "Cancellation requested", fiber.Map{
		"job_id": jobID,
	})
}

// GetResults handles GET /api/v1/grading/jobs/:id/results
func (h *GradingHandler) GetResults(c *fiber.Ctx) error {
	jobID := c.Params("id")

	job, err := h.jobs.GetJob(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, services.ErrJobNotFound) {
			return response.NotFound(c, "Grading job not found")
		}
		return response.InternalServerError(c, "Failed to fetch grading job")
	}

	results, err := h.jobs.GetResults(c.Context(), jobID)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch results")
	}

	type paperResultView struct {
		PaperName     string                `json:"paper_name"`
		TotalMarks    float64               `json:"total_marks"`
		ObtainedMarks float64               `json:"obtained_marks"`
		Percentage    float64               `json:"percentage"`
		Status        string                `json:"status"`
		Scores        []model.QuestionScore `json:"scores"`
	}

	views := make([]paperResultView, 0, len(results))
	for _, r := range results {
		scores, err := r.GetScores()
		if err != nil {
			return response.InternalServerError(c, "Failed to decode scores for "+r.PaperName)
		}
		views = append(views, paperResultView{
			PaperName:     r.PaperName,
			TotalMarks:    r.TotalMarks,
			ObtainedMarks: r.ObtainedMarks,
			Percentage:    r.Percentage,
			Status:        r.Status,
			Scores:        scores,
		})
	}

	return response.Success(c, fiber.Map{
		"job_id":  jobID,
		"status":  job.Status,
		"results": views,
	})
}
