package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scriptgrade/api/model"
)

// memJobStore is an in-memory JobStore for coordinator tests
type memJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*model.GradingJob
	papers  map[string][]*model.GradingJobPaper
	results map[string][]model.PaperResult
	// createErr, when set, makes CreateJob fail
	createErr error
	// progressLog records ProcessedPapers after every paper settlement, for
	// monotonicity assertions
	progressLog []int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:    map[string]*model.GradingJob{},
		papers:  map[string][]*model.GradingJobPaper{},
		results: map[string][]model.PaperResult{},
	}
}

func (m *memJobStore) CreateJob(ctx context.Context, job *model.GradingJob, papers []model.GradingJobPaper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	copied := *job
	m.jobs[job.ID] = &copied
	for i := range papers {
		p := papers[i]
		p.ID = uint(len(m.papers[job.ID]) + 1)
		p.JobID = job.ID
		if p.Status == "" {
			p.Status = model.PaperStatusPending
		}
		m.papers[job.ID] = append(m.papers[job.ID], &p)
	}
	return nil
}

func (m *memJobStore) GetJob(ctx context.Context, jobID string) (*model.GradingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobStore) ClaimPending(ctx context.Context) (*model.GradingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.Status == model.GradingJobStatusPending {
			job.Status = model.GradingJobStatusProcessing
			now := time.Now()
			job.StartedAt = &now
			job.HeartbeatAt = now
			copied := *job
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memJobStore) Heartbeat(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.HeartbeatAt = time.Now()
	}
	return nil
}

func (m *memJobStore) PendingPapers(ctx context.Context, jobID string) ([]model.GradingJobPaper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []model.GradingJobPaper
	for _, p := range m.papers[jobID] {
		if p.Status == model.PaperStatusPending {
			pending = append(pending, *p)
		}
	}
	return pending, nil
}

func (m *memJobStore) RecordPaperSuccess(ctx context.Context, jobID string, paperID uint, result *model.PaperResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.papers[jobID] {
		if p.ID == paperID {
			p.Status = model.PaperStatusCompleted
		}
	}
	m.results[jobID] = append(m.results[jobID], *result)
	job := m.jobs[jobID]
	job.ProcessedPapers++
	job.Successful++
	job.HeartbeatAt = time.Now()
	m.progressLog = append(m.progressLog, job.ProcessedPapers)
	return nil
}

func (m *memJobStore) RecordPaperFailure(ctx context.Context, jobID string, paperID uint, paperName string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.papers[jobID] {
		if p.ID == paperID {
			p.Status = model.PaperStatusFailed
			p.ErrorMessage = cause.Error()
		}
	}
	job := m.jobs[jobID]
	job.ProcessedPapers++
	job.Failed++
	job.HeartbeatAt = time.Now()
	m.progressLog = append(m.progressLog, job.ProcessedPapers)
	return nil
}

func (m *memJobStore) CompleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	if job.Status != model.GradingJobStatusProcessing {
		return nil
	}
	job.Status = model.GradingJobStatusCompleted
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (m *memJobStore) FailJob(ctx context.Context, jobID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[jobID]
	job.Status = model.GradingJobStatusFailed
	job.ErrorMessage = cause.Error()
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (m *memJobStore) CancelJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != model.GradingJobStatusPending && job.Status != model.GradingJobStatusProcessing {
		return ErrJobNotCancellable
	}
	job.Status = model.GradingJobStatusCancelled
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (m *memJobStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	return job.Status == model.GradingJobStatusCancelled, nil
}

func (m *memJobStore) GetResults(ctx context.Context, jobID string) ([]model.PaperResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PaperResult(nil), m.results[jobID]...), nil
}

func (m *memJobStore) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for _, job := range m.jobs {
		if job.Status == model.GradingJobStatusProcessing && job.HeartbeatAt.Before(cutoff) {
			job.Status = model.GradingJobStatusFailed
			job.ErrorMessage = "job timed out: worker heartbeat went stale"
			reaped++
		}
	}
	return reaped, nil
}

// memObjectStore is an in-memory ObjectStore
type memObjectStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{data: map[string][]byte{}}
}

func (m *memObjectStore) UploadBytes(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjectStore) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (m *memObjectStore) DeleteFile(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memObjectStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type memExamStore struct {
	exams map[uint]*model.Exam
}

func (m *memExamStore) GetExamWithQuestions(ctx context.Context, examID uint) (*model.Exam, error) {
	exam, ok := m.exams[examID]
	if !ok {
		return nil, ErrExamNotFound
	}
	return exam, nil
}

// onePagePerByte fakes rasterization: each input byte becomes one page
type onePagePerByte struct{}

func (onePagePerByte) Rasterize(ctx context.Context, content []byte, filename, declaredType string) ([]PageImage, error) {
	if len(content) == 0 {
		return nil, ErrInvalidDocument
	}
	pages := make([]PageImage, len(content))
	for i, b := range content {
		pages[i] = PageImage{Index: i, Data: []byte{b}}
	}
	return pages, nil
}

// fixedGrader scores every question at a fixed fraction of its max, with an
// optional per-paper failure hook keyed on the first page byte
type fixedGrader struct {
	mu       sync.Mutex
	failOn   map[byte]error
	graded   int
	onPaper  func()
	fraction float64
}

func (f *fixedGrader) Grade(ctx context.Context, pages []PageImage, exam *model.Exam) ([]model.QuestionScore, bool, error) {
	f.mu.Lock()
	if f.onPaper != nil {
		f.onPaper()
	}
	if err, ok := f.failOn[pages[0].Data[0]]; ok {
		f.mu.Unlock()
		return nil, false, err
	}
	f.graded++
	f.mu.Unlock()

	fraction := f.fraction
	if fraction == 0 {
		fraction = 0.5
	}
	scores := make([]model.QuestionScore, 0, len(exam.Questions))
	for _, q := range exam.Questions {
		scores = append(scores, model.QuestionScore{
			QuestionNumber: q.Number,
			MaxMarks:       q.MaxMarks,
			ObtainedMarks:  q.MaxMarks * fraction,
			Status:         model.ScoreStatusGraded,
		})
	}
	return scores, false, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []model.GradingJobStatus
}

func (n *countingNotifier) JobFinished(ctx context.Context, job *model.GradingJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, job.Status)
}

func testCoordinator(store *memJobStore, grader PaperGrader, notifier Notifier) (*JobCoordinator, *memObjectStore) {
	objects := newMemObjectStore()
	exams := &memExamStore{exams: map[uint]*model.Exam{
		1: {ID: 1, GradingMode: model.GradingModeStandard, Questions: []model.Question{
			{Number: 1, MaxMarks: 10},
			{Number: 2, MaxMarks: 10},
		}},
	}}
	c := NewJobCoordinator(store, exams, objects, onePagePerByte{}, grader, notifier, 1, 10*time.Millisecond, 25*time.Millisecond)
	return c, objects
}

func submitTestJob(t *testing.T, c *JobCoordinator, papers ...string) *model.GradingJob {
	t.Helper()
	uploads := make([]UploadedPaper, 0, len(papers))
	for i, name := range papers {
		uploads = append(uploads, UploadedPaper{
			Name:         name,
			Content:      []byte{byte(i + 1), byte(i + 2)},
			DeclaredType: "pdf",
		})
	}
	job, err := c.SubmitJob(context.Background(), 1, 42, uploads)
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	return job
}

func TestSubmitJobStoresPapersAndQueues(t *testing.T) {
	store := newMemJobStore()
	c, objects := testCoordinator(store, &fixedGrader{}, nil)

	job := submitTestJob(t, c, "alice.pdf", "bob.pdf")

	if job.Status != model.GradingJobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.TotalPapers != 2 {
		t.Errorf("TotalPapers = %d, want 2", job.TotalPapers)
	}
	if _, err := uuid.Parse(job.ID); err != nil {
		t.Errorf("job ID %q is not a UUID", job.ID)
	}
	if len(objects.data) != 2 {
		t.Errorf("stored %d objects, want 2", len(objects.data))
	}

	pending, _ := store.PendingPapers(context.Background(), job.ID)
	if len(pending) != 2 {
		t.Errorf("pending papers = %d, want 2", len(pending))
	}
}

func TestSubmitJobUnknownExam(t *testing.T) {
	store := newMemJobStore()
	c, _ := testCoordinator(store, &fixedGrader{}, nil)

	_, err := c.SubmitJob(context.Background(), 999, 42, []UploadedPaper{
		{Name: "a.pdf", Content: []byte{1}, DeclaredType: "pdf"},
	})
	if !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("err = %v, want ErrExamNotFound", err)
	}
}

func TestProcessJobCompletes(t *testing.T) {
	store := newMemJobStore()
	notifier := &countingNotifier{}
	c, _ := testCoordinator(store, &fixedGrader{}, notifier)

	job := submitTestJob(t, c, "alice.pdf", "bob.pdf", "carol.pdf")

	claimed, err := store.ClaimPending(context.Background())
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v %v", claimed, err)
	}
	c.processJob(context.Background(), claimed)

	final, _ := store.GetJob(context.Background(), job.ID)
	if final.Status != model.GradingJobStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.ProcessedPapers != 3 || final.Successful != 3 || final.Failed != 0 {
		t.Errorf("counters = %d/%d/%d, want 3/3/0", final.ProcessedPapers, final.Successful, final.Failed)
	}

	results, _ := store.GetResults(context.Background(), job.ID)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for _, r := range results {
		if r.TotalMarks != 20 || r.ObtainedMarks != 10 || r.Percentage != 50 {
			t.Errorf("result %s = %v/%v (%v%%)", r.PaperName, r.ObtainedMarks, r.TotalMarks, r.Percentage)
		}
	}

	// Progress only ever moves forward, one paper at a time
	for i, p := range store.progressLog {
		if p != i+1 {
			t.Errorf("progressLog = %v, want strictly increasing by 1", store.progressLog)
			break
		}
	}

	if len(notifier.calls) != 1 || notifier.calls[0] != model.GradingJobStatusCompleted {
		t.Errorf("notifier calls = %v, want one completed", notifier.calls)
	}
}

func TestProcessJobContinuesPastPaperFailure(t *testing.T) {
	store := newMemJobStore()
	grader := &fixedGrader{failOn: map[byte]error{2: errors.New("unreadable scan")}}
	notifier := &countingNotifier{}
	c, _ := testCoordinator(store, grader, notifier)

	// Paper contents start at byte 1, so the second paper (byte 2) fails
	job := submitTestJob(t, c, "alice.pdf", "bob.pdf", "carol.pdf")

	claimed, _ := store.ClaimPending(context.Background())
	c.processJob(context.Background(), claimed)

	final, _ := store.GetJob(context.Background(), job.ID)
	if final.Status != model.GradingJobStatusCompleted {
		t.Fatalf("status = %s, want completed despite one bad paper", final.Status)
	}
	if final.Successful != 2 || final.Failed != 1 {
		t.Errorf("successful=%d failed=%d, want 2 and 1", final.Successful, final.Failed)
	}

	results, _ := store.GetResults(context.Background(), job.ID)
	if len(results) != 2 {
		t.Errorf("results = %d, want 2", len(results))
	}
}

func TestProcessJobStopsAtCancelBoundary(t *testing.T) {
	store := newMemJobStore()
	notifier := &countingNotifier{}

	var c *JobCoordinator
	var jobID string
	grader := &fixedGrader{}
	// Cancel the job while the first paper is being graded; the worker must
	// stop before starting the second paper
	grader.onPaper = func() {
		_ = store.CancelJob(context.Background(), jobID)
	}
	c, _ = testCoordinator(store, grader, notifier)

	job := submitTestJob(t, c, "alice.pdf", "bob.pdf", "carol.pdf")
	jobID = job.ID

	claimed, _ := store.ClaimPending(context.Background())
	c.processJob(context.Background(), claimed)

	final, _ := store.GetJob(context.Background(), job.ID)
	if final.Status != model.GradingJobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	// First paper ran to completion, later papers never started
	if final.ProcessedPapers != 1 {
		t.Errorf("ProcessedPapers = %d, want 1", final.ProcessedPapers)
	}
	pending, _ := store.PendingPapers(context.Background(), job.ID)
	if len(pending) != 2 {
		t.Errorf("pending papers = %d, want 2 untouched", len(pending))
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != model.GradingJobStatusCancelled {
		t.Errorf("notifier calls = %v, want one cancelled", notifier.calls)
	}
}

func TestProcessJobHeartbeatsDuringLongPaper(t *testing.T) {
	store := newMemJobStore()
	grader := &fixedGrader{}
	// One paper that takes far longer than the heartbeat interval
	grader.onPaper = func() { time.Sleep(400 * time.Millisecond) }
	c, _ := testCoordinator(store, grader, nil)

	job := submitTestJob(t, c, "alice.pdf")

	claimed, err := store.ClaimPending(context.Background())
	if err != nil || claimed == nil {
		t.Fatalf("claim failed: %v %v", claimed, err)
	}

	done := make(chan struct{})
	go func() {
		c.processJob(context.Background(), claimed)
		close(done)
	}()

	// Mid-paper, with a stale window shorter than the paper itself, the
	// reaper must see a fresh heartbeat and leave the job alone
	time.Sleep(200 * time.Millisecond)
	reaped, err := store.ReapStale(context.Background(), time.Now().Add(-100*time.Millisecond))
	if err != nil {
		t.Fatalf("ReapStale failed: %v", err)
	}
	if reaped != 0 {
		t.Fatal("live job was reaped while its paper was still grading")
	}

	<-done
	final, _ := store.GetJob(context.Background(), job.ID)
	if final.Status != model.GradingJobStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.ProcessedPapers != 1 || final.Successful != 1 {
		t.Errorf("counters = %d/%d, want 1/1", final.ProcessedPapers, final.Successful)
	}
}

func TestSubmitJobRemovesUploadsWhenCreateFails(t *testing.T) {
	store := newMemJobStore()
	store.createErr = errors.New("insert refused")
	c, objects := testCoordinator(store, &fixedGrader{}, nil)

	_, err := c.SubmitJob(context.Background(), 1, 42, []UploadedPaper{
		{Name: "alice.pdf", Content: []byte{1}, DeclaredType: "pdf"},
		{Name: "bob.pdf", Content: []byte{2}, DeclaredType: "pdf"},
	})
	if err == nil {
		t.Fatal("SubmitJob succeeded despite failing job store")
	}
	if objects.size() != 0 {
		t.Errorf("stored objects = %d, want 0 after cleanup", objects.size())
	}
}

func TestProcessJobFailsOnMissingExam(t *testing.T) {
	store := newMemJobStore()
	notifier := &countingNotifier{}
	objects := newMemObjectStore()
	exams := &memExamStore{exams: map[uint]*model.Exam{}}
	c := NewJobCoordinator(store, exams, objects, onePagePerByte{}, &fixedGrader{}, notifier, 1, 10*time.Millisecond, 25*time.Millisecond)

	// Bypass SubmitJob's exam check to simulate an exam deleted after submit
	job := &model.GradingJob{
		ID:          uuid.New().String(),
		ExamID:      7,
		Status:      model.GradingJobStatusPending,
		TotalPapers: 1,
	}
	_ = store.CreateJob(context.Background(), job, []model.GradingJobPaper{
		{PaperName: "a.pdf", SpacesKey: "k", DeclaredType: "pdf", Status: model.PaperStatusPending},
	})

	claimed, _ := store.ClaimPending(context.Background())
	c.processJob(context.Background(), claimed)

	final, _ := store.GetJob(context.Background(), job.ID)
	if final.Status != model.GradingJobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != model.GradingJobStatusFailed {
		t.Errorf("notifier calls = %v, want one failed", notifier.calls)
	}
}

func TestWorkerLoopDrainsQueue(t *testing.T) {
	store := newMemJobStore()
	grader := &fixedGrader{}
	c, _ := testCoordinator(store, grader, nil)

	jobA := submitTestJob(t, c, "a.pdf")
	jobB := submitTestJob(t, c, "b.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	deadline := time.After(3 * time.Second)
	for {
		a, _ := store.GetJob(context.Background(), jobA.ID)
		b, _ := store.GetJob(context.Background(), jobB.ID)
		if a.Status == model.GradingJobStatusCompleted && b.Status == model.GradingJobStatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not drained: %s / %s", a.Status, b.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	c.Stop()
}

func TestReapStaleTransitions(t *testing.T) {
	store := newMemJobStore()

	stale := &model.GradingJob{ID: uuid.New().String(), ExamID: 1, Status: model.GradingJobStatusPending}
	_ = store.CreateJob(context.Background(), stale, nil)
	claimed, _ := store.ClaimPending(context.Background())

	store.mu.Lock()
	store.jobs[claimed.ID].HeartbeatAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	reaped, err := store.ReapStale(context.Background(), time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ReapStale failed: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	final, _ := store.GetJob(context.Background(), claimed.ID)
	if final.Status != model.GradingJobStatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestClaimPendingAtMostOnce(t *testing.T) {
	store := newMemJobStore()
	job := &model.GradingJob{ID: uuid.New().String(), ExamID: 1, Status: model.GradingJobStatusPending}
	_ = store.CreateJob(context.Background(), job, nil)

	var claims int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimPending(context.Background())
			if err == nil && claimed != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claims != 1 {
		t.Fatalf("job claimed %d times, want exactly once", claims)
	}
}
