package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/scriptgrade/api/model"
)

func TestDecodeChunkResultStrict(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload := `{"results":[{"question_number":1,"seen":true,"attempted":true,"obtained_marks":3.5,"feedback":"good"}]}`
		result, err := decodeChunkResult([]byte(payload))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		item := result.FindQuestion(1)
		if item == nil || !item.Seen || *item.ObtainedMarks != 3.5 {
			t.Errorf("item = %+v", item)
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		payload := `{"results":[{"question_number":1,"seen":true,"confidence":0.9}]}`
		_, err := decodeChunkResult([]byte(payload))
		if !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("err = %v, want ErrMalformedResponse", err)
		}
		if !IsTransient(err) {
			t.Error("schema violations must be retryable")
		}
	})

	t.Run("free text rejected", func(t *testing.T) {
		_, err := decodeChunkResult([]byte("Sure! Here are the grades:\n{\"results\":[]}"))
		if !errors.Is(err, ErrMalformedResponse) {
			t.Fatalf("err = %v, want ErrMalformedResponse", err)
		}
	})

	t.Run("null marks survive", func(t *testing.T) {
		payload := `{"results":[{"question_number":2,"seen":false,"attempted":false,"obtained_marks":null}]}`
		result, err := decodeChunkResult([]byte(payload))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		item := result.FindQuestion(2)
		if item == nil || item.Seen || item.ObtainedMarks != nil {
			t.Errorf("item = %+v", item)
		}
	})
}

func TestFindQuestionMissing(t *testing.T) {
	result := &ChunkResult{Items: []QuestionResult{{QuestionNumber: 1}}}
	if result.FindQuestion(7) != nil {
		t.Error("found a verdict for a question the backend never mentioned")
	}
}

func TestBuildGradingUserParts(t *testing.T) {
	req := ChunkRequest{
		Pages:      [][]byte{{1, 2}, {3, 4}},
		PageStart:  3,
		TotalPages: 10,
		Questions: []model.Question{
			{Number: 1, MaxMarks: 5, Rubric: "Define X"},
		},
		Mode:              model.GradingModeStandard,
		ReferenceMaterial: "the answer key",
	}

	parts := buildGradingUserParts(req)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want text + 2 images", len(parts))
	}
	if parts[0].Type != "text" {
		t.Fatalf("first part type = %s", parts[0].Type)
	}
	if !strings.Contains(parts[0].Text, "Pages 4-5 of 10") {
		t.Errorf("text lacks honest page positioning: %q", parts[0].Text)
	}
	if !strings.Contains(parts[0].Text, `"max_marks":5`) {
		t.Errorf("text lacks question set JSON")
	}
	if !strings.Contains(parts[0].Text, "the answer key") {
		t.Errorf("text lacks reference material")
	}
	for i, part := range parts[1:] {
		if part.Type != "image_url" || part.ImageURL == nil {
			t.Errorf("part %d is not an image: %+v", i+1, part)
		}
		if !strings.HasPrefix(part.ImageURL.URL, "data:image/png;base64,") {
			t.Errorf("part %d URL is not a PNG data URL", i+1)
		}
	}
}

func TestBuildGradingSystemPromptModes(t *testing.T) {
	strict := buildGradingSystemPrompt(model.GradingModeStrict)
	lenient := buildGradingSystemPrompt(model.GradingModeLenient)
	standard := buildGradingSystemPrompt(model.GradingModeStandard)

	if !strings.Contains(strict, "strict") || strings.Contains(strict, "lenient") {
		t.Error("strict prompt wrong")
	}
	if !strings.Contains(lenient, "benefit of the doubt") {
		t.Error("lenient prompt wrong")
	}
	if !strings.Contains(standard, "partial marks") {
		t.Error("standard prompt wrong")
	}
}

func TestGradeChunkEndToEnd(t *testing.T) {
	backendReply := `{"results":[{"question_number":1,"seen":true,"attempted":true,"obtained_marks":4,"feedback":"solid"}]}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Error("grading call must request JSON output")
		}
		if len(req.Messages) != 2 {
			t.Errorf("got %d messages, want system + user", len(req.Messages))
		}
		w.Write([]byte(completionBody(backendReply)))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	result, err := c.GradeChunk(context.Background(), ChunkRequest{
		Pages:      [][]byte{{1}},
		TotalPages: 1,
		Questions:  []model.Question{{Number: 1, MaxMarks: 5}},
		Mode:       model.GradingModeStandard,
	})
	if err != nil {
		t.Fatalf("GradeChunk failed: %v", err)
	}
	item := result.FindQuestion(1)
	if item == nil || *item.ObtainedMarks != 4 {
		t.Errorf("item = %+v", item)
	}
}

func TestGradeChunkEmptyPages(t *testing.T) {
	c := newTestClient("http://unused")
	_, err := c.GradeChunk(context.Background(), ChunkRequest{})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestGradeChunkMalformedBackendOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody("I graded it, looks like a B+ overall!")))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.GradeChunk(context.Background(), ChunkRequest{
		Pages:     [][]byte{{1}},
		Questions: []model.Question{{Number: 1, MaxMarks: 5}},
	})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}
