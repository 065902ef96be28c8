package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/scriptgrade/api/model"
)

// ChunkRequest carries everything the backend needs to grade one chunk of a
// paper: the chunk's page images, the exam's full question list, the grading
// mode, and optional reference material.
type ChunkRequest struct {
	Pages             [][]byte // PNG page images, chunk order
	PageStart         int      // 0-indexed position of the first page within the paper
	TotalPages        int
	Questions         []model.Question
	Mode              model.GradingMode
	ReferenceMaterial string
}

// SubScoreResult is the backend's verdict on one sub-question
type SubScoreResult struct {
	SubID         string  `json:"sub_id"`
	ObtainedMarks float64 `json:"obtained_marks"`
	Feedback      string  `json:"feedback,omitempty"`
}

// QuestionResult is the backend's verdict on one question within one chunk.
// Seen=false (or the question missing entirely) is the "not seen" sentinel:
// this chunk's pages show no evidence of the question.
type QuestionResult struct {
	QuestionNumber   int              `json:"question_number"`
	Seen             bool             `json:"seen"`
	Attempted        bool             `json:"attempted"`
	ObtainedMarks    *float64         `json:"obtained_marks"`
	Feedback         string           `json:"feedback,omitempty"`
	SubScores        []SubScoreResult `json:"sub_scores,omitempty"`
	ErrorAnnotations []string         `json:"error_annotations,omitempty"`
}

// ChunkResult holds the backend's per-question verdicts for one chunk.
// Transient; consumed immediately by aggregation.
type ChunkResult struct {
	Items []QuestionResult `json:"results"`
}

// FindQuestion returns the verdict for a question number, or nil when the
// backend said nothing about it
func (r *ChunkResult) FindQuestion(number int) *QuestionResult {
	for i := range r.Items {
		if r.Items[i].QuestionNumber == number {
			return &r.Items[i]
		}
	}
	return nil
}

// GradeChunk sends one chunk to the backend and strictly decodes the reply.
// Any decode failure is reported as ErrMalformedResponse so callers retry
// instead of trying to salvage free text.
func (c *Client) GradeChunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	if len(req.Pages) == 0 {
		return nil, fmt.Errorf("%w: chunk has no pages", ErrBadRequest)
	}

	systemPrompt := buildGradingSystemPrompt(req.Mode)
	userParts := buildGradingUserParts(req)

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userParts},
	}

	resp, err := c.ChatCompletion(ctx, messages, WithJSONResponse(), WithMaxTokens(8192))
	if err != nil {
		return nil, err
	}

	content := resp.ExtractContent()
	if content == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}

	return decodeChunkResult([]byte(content))
}

// decodeChunkResult performs the strict-schema decode of the backend output
func decodeChunkResult(data []byte) (*ChunkResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var result ChunkResult
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &result, nil
}

func buildGradingSystemPrompt(mode model.GradingMode) string {
	prompt := `You are an experienced examiner grading handwritten exam answer sheets from page images.

You receive a contiguous range of pages from one student's answer sheet, plus the complete question set of the exam with maximum marks and rubrics. Grade ONLY what is visible on these pages.

For EVERY question in the question set, report:
- "seen": true if these pages contain the student's answer (or part of it) to this question, false otherwise
- "attempted": true if the student wrote a substantive answer, false if the question is visible but left blank or crossed out
- "obtained_marks": the marks awarded, null when seen is false
- "feedback": a brief justification of the awarded marks
- "sub_scores": per-sub-question marks when the question has sub-questions, each with its sub_id
- "error_annotations": specific mistakes found in the answer, as short strings

RULES:
- Never invent content from pages you cannot see. If an answer is not on these pages, set seen=false.
- Award marks against the rubric and the reference material when provided.
- Sub-question marks must each stay within that sub-question's maximum.

Output ONLY valid JSON of the form:
{"results":[{"question_number":1,"seen":true,"attempted":true,"obtained_marks":4.5,"feedback":"...","sub_scores":[{"sub_id":"a","obtained_marks":2,"feedback":"..."}],"error_annotations":["..."]}]}`

	switch mode {
	case model.GradingModeStrict:
		prompt += "\n\nGRADING MODE: strict. Award marks only for fully correct, complete answers. Deduct for missing steps, notation errors and imprecision."
	case model.GradingModeLenient:
		prompt += "\n\nGRADING MODE: lenient. Award marks for demonstrated understanding even when presentation is rough. Give benefit of the doubt on ambiguous handwriting."
	default:
		prompt += "\n\nGRADING MODE: standard. Award partial marks proportionally to correct steps shown."
	}

	return prompt
}

func buildGradingUserParts(req ChunkRequest) []ContentPart {
	questionSet := struct {
		Questions []questionSpec `json:"questions"`
	}{}
	for _, q := range req.Questions {
		spec := questionSpec{
			QuestionNumber: q.Number,
			MaxMarks:       q.MaxMarks,
			Rubric:         q.Rubric,
		}
		for _, sub := range q.SubQuestions {
			spec.SubQuestions = append(spec.SubQuestions, subQuestionSpec{
				SubID:    sub.SubID,
				MaxMarks: sub.MaxMarks,
				Rubric:   sub.Rubric,
			})
		}
		questionSet.Questions = append(questionSet.Questions, spec)
	}
	questionJSON, _ := json.Marshal(questionSet)

	text := fmt.Sprintf("Pages %d-%d of %d of the answer sheet follow.\n\nQuestion set:\n%s",
		req.PageStart+1, req.PageStart+len(req.Pages), req.TotalPages, string(questionJSON))
	if req.ReferenceMaterial != "" {
		text += "\n\nReference material / answer key:\n" + req.ReferenceMaterial
	}

	parts := make([]ContentPart, 0, len(req.Pages)+1)
	parts = append(parts, ContentPart{Type: "text", Text: text})
	for _, page := range req.Pages {
		parts = append(parts, PNGContentPart(page))
	}
	return parts
}

type questionSpec struct {
	QuestionNumber int               `json:"question_number"`
	MaxMarks       float64           `json:"max_marks"`
	Rubric         string            `json:"rubric,omitempty"`
	SubQuestions   []subQuestionSpec `json:"sub_questions,omitempty"`
}

type subQuestionSpec struct {
	SubID    string  `json:"sub_id"`
	MaxMarks float64 `json:"max_marks"`
	Rubric   string  `json:"rubric,omitempty"`
}
