package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/services/llm"
)

// notFoundFeedback is the fixed feedback attached to questions no chunk saw.
// Stable text so downstream consumers can match on it.
const notFoundFeedback = "Question not found in the submitted pages"

// ChunkGrader grades one chunk of pages against the full question set.
// Implemented by llm.Client; tests substitute scripted fakes.
type ChunkGrader interface {
	GradeChunk(ctx context.Context, req llm.ChunkRequest) (*llm.ChunkResult, error)
}

// ChunkedGraderConfig tunes the grading engine
type ChunkedGraderConfig struct {
	Chunks ChunkConfig
	// SingleCallThreshold is the page count at or below which the whole paper
	// goes to the backend as one chunk
	SingleCallThreshold int
	MaxRetries          int
	ChunkTimeout        time.Duration
}

// DefaultChunkedGraderConfig returns the default engine configuration
func DefaultChunkedGraderConfig() ChunkedGraderConfig {
	return ChunkedGraderConfig{
		Chunks:              DefaultChunkConfig(),
		SingleCallThreshold: 6,
		MaxRetries:          5,
		ChunkTimeout:        4 * time.Minute,
	}
}

// ChunkedGrader grades a rasterized paper by splitting it into overlapping
// page chunks, grading each chunk concurrently under the inference gate, and
// deterministically aggregating the chunk verdicts into one score per
// question. Results are memoized in the grading cache by content hash.
type ChunkedGrader struct {
	grader   ChunkGrader
	cache    *GradingCache
	governor *Governor
	config   ChunkedGraderConfig
}

// NewChunkedGrader creates the grading engine
func NewChunkedGrader(grader ChunkGrader, cache *GradingCache, governor *Governor, config ChunkedGraderConfig) *ChunkedGrader {
	if config.SingleCallThreshold <= 0 {
		config.SingleCallThreshold = 6
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.ChunkTimeout <= 0 {
		config.ChunkTimeout = 4 * time.Minute
	}
	return &ChunkedGrader{
		grader:   grader,
		cache:    cache,
		governor: governor,
		config:   config,
	}
}

// Grade returns one QuestionScore per exam question, in question-number order
// as given. fromCache reports whether the result was served from the memo
// cache without touching the backend.
func (g *ChunkedGrader) Grade(ctx context.Context, pages []PageImage, exam *model.Exam) (scores []model.QuestionScore, fromCache bool, err error) {
	if len(pages) == 0 {
		return nil, false, fmt.Errorf("%w: no pages to grade", ErrInvalidDocument)
	}
	if len(exam.Questions) == 0 {
		return nil, false, fmt.Errorf("%w: exam %d has no questions", ErrExamNotFound, exam.ID)
	}

	key := ContentKey(pages, exam.Questions, exam.GradingMode, exam.ReferenceMaterial)
	if g.cache != nil {
		var cached []model.QuestionScore
		if g.cache.Get(ctx, key, &cached) {
			log.Printf("[GRADING] Cache hit for %d pages (%d questions)", len(pages), len(exam.Questions))
			return cached, true, nil
		}
	}

	ranges := g.planChunks(len(pages))
	results, degraded, err := g.gradeChunks(ctx, pages, ranges, exam)
	if err != nil {
		return nil, false, err
	}

	scores = aggregateScores(exam.Questions, results)

	// A result derived from an exhausted chunk is not memoized; the next
	// submission of the same paper gets a fresh attempt at the lost pages.
	if g.cache != nil && !degraded {
		g.cache.Put(ctx, key, scores)
	}
	return scores, false, nil
}

// planChunks decides the chunk layout for a page count. Short papers go to
// the backend in a single call.
func (g *ChunkedGrader) planChunks(totalPages int) []PageRange {
	if totalPages <= g.config.SingleCallThreshold {
		log.Printf("[GRADING] %d pages within single-call threshold, grading as one chunk", totalPages)
		return []PageRange{{Start: 0, End: totalPages}}
	}
	return CalculateChunks(totalPages, g.config.Chunks)
}

// gradeChunks dispatches every chunk concurrently and waits for all of them
// to settle. Results land in a slice indexed by chunk so aggregation order
// never depends on completion order. A chunk that exhausts its transient
// retries contributes nothing; questions only visible on its pages fall out
// as not_found. Non-transient chunk errors fail the whole paper.
func (g *ChunkedGrader) gradeChunks(ctx context.Context, pages []PageImage, ranges []PageRange, exam *model.Exam) ([]*llm.ChunkResult, bool, error) {
	results := make([]*llm.ChunkResult, len(ranges))
	errs := make([]error, len(ranges))

	var wg sync.WaitGroup
	for i, rng := range ranges {
		wg.Add(1)
		go func(idx int, rng PageRange) {
			defer wg.Done()
			results[idx], errs[idx] = g.gradeChunkWithRetry(ctx, pages, rng, exam)
		}(i, rng)
	}
	wg.Wait()

	degraded := false
	for i, err := range errs {
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if !llm.IsTransient(err) {
			return nil, false, fmt.Errorf("chunk %d (pages %d-%d): %w", i, ranges[i].Start, ranges[i].End, err)
		}
		log.Printf("[GRADING] Chunk %d (pages %d-%d) exhausted retries, absorbing: %v",
			i, ranges[i].Start, ranges[i].End, err)
		degraded = true
	}
	return results, degraded, nil
}

// gradeChunkWithRetry grades one chunk with exponential backoff on transient
// failures. The inference gate token is held only for the duration of the
// backend call itself, never across the backoff sleep.
func (g *ChunkedGrader) gradeChunkWithRetry(ctx context.Context, pages []PageImage, rng PageRange, exam *model.Exam) (*llm.ChunkResult, error) {
	req := llm.ChunkRequest{
		Pages:             make([][]byte, 0, rng.End-rng.Start),
		PageStart:         rng.Start,
		TotalPages:        len(pages),
		Questions:         exam.Questions,
		Mode:              exam.GradingMode,
		ReferenceMaterial: exam.ReferenceMaterial,
	}
	for _, p := range pages[rng.Start:rng.End] {
		req.Pages = append(req.Pages, p.Data)
	}

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxRetries; attempt++ {
		if err := g.governor.Acquire(ctx, GateInference); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.config.ChunkTimeout)
		result, err := g.grader.GradeChunk(callCtx, req)
		cancel()

		g.governor.Release(GateInference)

		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !llm.IsTransient(err) {
			return nil, err
		}

		if attempt < g.config.MaxRetries {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			log.Printf("[GRADING] Chunk pages %d-%d attempt %d/%d failed (%v), retrying in %v",
				rng.Start, rng.End, attempt, g.config.MaxRetries, err, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("exhausted %d attempts: %w", g.config.MaxRetries, lastErr)
}

// aggregateScores folds the per-chunk verdicts into one score per question.
// Chunks are scanned in ascending chunk order and the first chunk that saw
// the question wins; later sightings are ignored. The fold is fully
// deterministic for a fixed set of chunk results.
func aggregateScores(questions []model.Question, results []*llm.ChunkResult) []model.QuestionScore {
	scores := make([]model.QuestionScore, 0, len(questions))

	for _, q := range questions {
		var winner *llm.QuestionResult
		for _, chunk := range results {
			if chunk == nil {
				continue
			}
			if item := chunk.FindQuestion(q.Number); item != nil && item.Seen {
				winner = item
				break
			}
		}
		scores = append(scores, scoreQuestion(q, winner))
	}

	return scores
}

// scoreQuestion turns one question's winning verdict into a final score
func scoreQuestion(q model.Question, verdict *llm.QuestionResult) model.QuestionScore {
	score := model.QuestionScore{
		QuestionNumber: q.Number,
		MaxMarks:       q.MaxMarks,
	}

	if verdict == nil {
		score.Status = model.ScoreStatusNotFound
		score.Feedback = notFoundFeedback
		return score
	}

	if !verdict.Attempted {
		score.Status = model.ScoreStatusNotAttempted
		score.Feedback = verdict.Feedback
		return score
	}

	score.Feedback = verdict.Feedback

	if len(q.SubQuestions) > 0 && len(verdict.SubScores) > 0 {
		// Sub-question scores are authoritative; the top-level mark from the
		// backend is ignored when parts are present
		total := 0.0
		for _, sub := range q.SubQuestions {
			subScore := model.SubScore{
				SubID:    sub.SubID,
				MaxMarks: sub.MaxMarks,
			}
			for _, item := range verdict.SubScores {
				if item.SubID == sub.SubID {
					subScore.ObtainedMarks = clamp(item.ObtainedMarks, sub.MaxMarks)
					subScore.Feedback = item.Feedback
					break
				}
			}
			total += subScore.ObtainedMarks
			score.SubScores = append(score.SubScores, subScore)
		}
		score.ObtainedMarks = clamp(total, q.MaxMarks)
		score.Status = model.ScoreStatusGraded
		return score
	}

	if verdict.ObtainedMarks == nil {
		// Seen and attempted but no usable mark anywhere in the verdict
		score.Status = model.ScoreStatusError
		if score.Feedback == "" {
			score.Feedback = "Answer was detected but no mark could be determined"
		}
		return score
	}

	score.ObtainedMarks = clamp(*verdict.ObtainedMarks, q.MaxMarks)
	score.Status = model.ScoreStatusGraded
	return score
}

// clamp bounds a mark to [0, max]
func clamp(marks, max float64) float64 {
	if marks < 0 {
		return 0
	}
	if marks > max {
		return max
	}
	return marks
}

// Totals sums a score list into obtained/total marks and a percentage
func Totals(scores []model.QuestionScore) (obtained, total, percentage float64) {
	for _, s := range scores {
		obtained += s.ObtainedMarks
		total += s.MaxMarks
	}
	if total > 0 {
		percentage = (obtained / total) * 100
	}
	return obtained, total, percentage
}
