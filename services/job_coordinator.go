package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/services/storage"
)

// ObjectStore is the document storage the coordinator uploads answer sheets
// to and workers fetch them back from. Satisfied by storage.SpacesClient.
type ObjectStore interface {
	UploadBytes(ctx context.Context, key string, data []byte, contentType string) error
	DownloadFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
}

// PaperRasterizer converts a stored document into page images.
// Satisfied by Rasterizer.
type PaperRasterizer interface {
	Rasterize(ctx context.Context, content []byte, filename, declaredType string) ([]PageImage, error)
}

// PaperGrader grades a rasterized paper. Satisfied by ChunkedGrader.
type PaperGrader interface {
	Grade(ctx context.Context, pages []PageImage, exam *model.Exam) (scores []model.QuestionScore, fromCache bool, err error)
}

// UploadedPaper is one answer sheet received with a job submission
type UploadedPaper struct {
	Name         string
	Content      []byte
	DeclaredType string
}

// JobCoordinator owns the grading job lifecycle: it accepts submissions,
// runs a worker pool that claims pending jobs from the database, and drives
// each claimed job paper by paper. Workers survive nothing; all resumable
// state lives in the job store, so a restarted process picks up exactly
// where the dead one stopped.
type JobCoordinator struct {
	store      JobStore
	exams      ExamStore
	objects    ObjectStore
	rasterizer PaperRasterizer
	grader     PaperGrader
	notifier   Notifier

	workers        int
	pollInterval   time.Duration
	heartbeatEvery time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewJobCoordinator creates the coordinator
func NewJobCoordinator(store JobStore, exams ExamStore, objects ObjectStore, rasterizer PaperRasterizer, grader PaperGrader, notifier Notifier, workers int, pollInterval, heartbeatEvery time.Duration) *JobCoordinator {
	if workers <= 0 {
		workers = 3
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if heartbeatEvery <= 0 {
		heartbeatEvery = time.Minute
	}
	return &JobCoordinator{
		store:          store,
		exams:          exams,
		objects:        objects,
		rasterizer:     rasterizer,
		grader:         grader,
		notifier:       notifier,
		workers:        workers,
		pollInterval:   pollInterval,
		heartbeatEvery: heartbeatEvery,
		stop:           make(chan struct{}),
	}
}

// SubmitJob uploads the papers to object storage, records the job as pending
// and returns immediately. A worker picks the job up on its next poll.
func (c *JobCoordinator) SubmitJob(ctx context.Context, examID uint, userID uint, papers []UploadedPaper) (*model.GradingJob, error) {
	if len(papers) == 0 {
		return nil, fmt.Errorf("%w: no papers submitted", ErrInvalidDocument)
	}

	// Fail fast on a dangling exam reference before touching storage
	if _, err := c.exams.GetExamWithQuestions(ctx, examID); err != nil {
		return nil, err
	}

	job := &model.GradingJob{
		ID:              uuid.New().String(),
		ExamID:          examID,
		Status:          model.GradingJobStatusPending,
		TotalPapers:     len(papers),
		CreatedByUserID: userID,
		HeartbeatAt:     time.Now(),
	}

	jobPapers := make([]model.GradingJobPaper, 0, len(papers))
	for _, paper := range papers {
		key := storage.GenerateKey(job.ID, paper.Name)
		contentType := storage.GetContentType(paper.Name)

		if err := c.objects.UploadBytes(ctx, key, paper.Content, contentType); err != nil {
			c.removeUploads(ctx, jobPapers)
			return nil, fmt.Errorf("failed to store %s: %w", paper.Name, err)
		}

		jobPapers = append(jobPapers, model.GradingJobPaper{
			PaperName:    paper.Name,
			SpacesKey:    key,
			DeclaredType: paper.DeclaredType,
			Status:       model.PaperStatusPending,
		})
	}

	if err := c.store.CreateJob(ctx, job, jobPapers); err != nil {
		// Without a job row the uploads are unreachable orphans
		c.removeUploads(ctx, jobPapers)
		return nil, err
	}

	log.Printf("[JOBS] Created job %s: exam %d, %d papers", job.ID, examID, len(papers))
	return job, nil
}

// removeUploads deletes already-stored objects after a failed submission,
// best effort
func (c *JobCoordinator) removeUploads(ctx context.Context, papers []model.GradingJobPaper) {
	for _, p := range papers {
		if err := c.objects.DeleteFile(ctx, p.SpacesKey); err != nil {
			log.Printf("[JOBS] Failed to remove orphaned upload %s: %v", p.SpacesKey, err)
		}
	}
}

// Start launches the worker pool
func (c *JobCoordinator) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}
	log.Printf("[JOBS] Started %d grading workers (poll interval %v)", c.workers, c.pollInterval)
}

// Stop signals the workers and waits for in-flight jobs to reach a paper
// boundary
func (c *JobCoordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	log.Printf("[JOBS] All grading workers stopped")
}

func (c *JobCoordinator) workerLoop(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.store.ClaimPending(ctx)
		if err != nil {
			log.Printf("[JOBS] Worker %d: claim failed: %v", id, err)
		} else if job != nil {
			log.Printf("[JOBS] Worker %d claimed job %s (%d papers)", id, job.ID, job.TotalPapers)
			c.processJob(ctx, job)
			continue // Look for more work immediately
		}

		select {
		case <-time.After(c.pollInterval):
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processJob drives one claimed job to a terminal state. Paper failures are
// recorded and skipped; only a missing exam fails the whole job outright.
// Cancellation is observed between papers, never mid-paper.
func (c *JobCoordinator) processJob(ctx context.Context, job *model.GradingJob) {
	exam, err := c.exams.GetExamWithQuestions(ctx, job.ExamID)
	if err != nil {
		log.Printf("[JOBS] Job %s references unusable exam %d: %v", job.ID, job.ExamID, err)
		if ferr := c.store.FailJob(ctx, job.ID, err); ferr != nil {
			log.Printf("[JOBS] Failed to fail job %s: %v", job.ID, ferr)
		}
		c.notifyFinished(ctx, job.ID)
		return
	}

	papers, err := c.store.PendingPapers(ctx, job.ID)
	if err != nil {
		log.Printf("[JOBS] Job %s: cannot list papers: %v", job.ID, err)
		_ = c.store.FailJob(ctx, job.ID, err)
		c.notifyFinished(ctx, job.ID)
		return
	}

	for _, paper := range papers {
		if ctx.Err() != nil {
			// Shutdown mid-job; heartbeat goes stale and the reaper or a
			// restarted worker takes over
			return
		}
		select {
		case <-c.stop:
			return
		default:
		}

		cancelled, err := c.store.IsCancelled(ctx, job.ID)
		if err != nil {
			log.Printf("[JOBS] Job %s: cancel check failed: %v", job.ID, err)
		} else if cancelled {
			log.Printf("[JOBS] Job %s cancelled, stopping at paper boundary", job.ID)
			c.notifyFinished(ctx, job.ID)
			return
		}

		// Advance the heartbeat at the paper boundary and keep it moving
		// while this paper is in flight. A long paper can legitimately
		// out-live the stale window; the reaper must only fail jobs whose
		// worker actually died.
		if err := c.store.Heartbeat(ctx, job.ID); err != nil {
			log.Printf("[JOBS] Job %s: heartbeat failed: %v", job.ID, err)
		}
		stopBeat := c.keepAlive(ctx, job.ID)
		err = c.gradePaper(ctx, job, exam, paper)
		stopBeat()
		if err != nil {
			log.Printf("[JOBS] Job %s paper %s failed: %v", job.ID, paper.PaperName, err)
			if rerr := c.store.RecordPaperFailure(ctx, job.ID, paper.ID, paper.PaperName, err); rerr != nil {
				log.Printf("[JOBS] Job %s: failed to record paper failure: %v", job.ID, rerr)
			}
			continue
		}
	}

	if err := c.store.CompleteJob(ctx, job.ID); err != nil {
		log.Printf("[JOBS] Failed to complete job %s: %v", job.ID, err)
	}
	c.notifyFinished(ctx, job.ID)
}

// keepAlive ticks the job heartbeat until the returned stop function is
// called. The stop function waits for the ticker goroutine to exit.
func (c *JobCoordinator) keepAlive(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(c.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.store.Heartbeat(ctx, jobID); err != nil {
					log.Printf("[JOBS] Job %s: heartbeat failed: %v", jobID, err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// gradePaper runs one paper through fetch, rasterize, grade and persist
func (c *JobCoordinator) gradePaper(ctx context.Context, job *model.GradingJob, exam *model.Exam, paper model.GradingJobPaper) error {
	content, err := c.objects.DownloadFile(ctx, paper.SpacesKey)
	if err != nil {
		return fmt.Errorf("failed to fetch document: %w", err)
	}

	pages, err := c.rasterizer.Rasterize(ctx, content, paper.PaperName, paper.DeclaredType)
	if err != nil {
		return err
	}

	scores, cached, err := c.grader.Grade(ctx, pages, exam)
	if err != nil {
		return err
	}

	obtained, total, percentage := Totals(scores)
	result := &model.PaperResult{
		JobID:         job.ID,
		ExamID:        exam.ID,
		PaperName:     paper.PaperName,
		TotalMarks:    total,
		ObtainedMarks: obtained,
		Percentage:    percentage,
		Status:        "graded",
	}
	if err := result.SetScores(scores); err != nil {
		return fmt.Errorf("failed to serialize scores: %w", err)
	}

	if err := c.store.RecordPaperSuccess(ctx, job.ID, paper.ID, result); err != nil {
		return err
	}

	log.Printf("[JOBS] Job %s paper %s graded: %.1f/%.1f (cached=%v)",
		job.ID, paper.PaperName, obtained, total, cached)
	return nil
}

// notifyFinished re-reads the job and fires the terminal notification
func (c *JobCoordinator) notifyFinished(ctx context.Context, jobID string) {
	if c.notifier == nil {
		return
	}
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("[JOBS] Cannot notify for job %s: %v", jobID, err)
		return
	}
	if job.IsTerminal() {
		c.notifier.JobFinished(ctx, job)
	}
}
