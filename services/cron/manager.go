package cron

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/services"
)

// RedisOps is the slice of the Redis surface the cron jobs use: SetNX and
// TTL for the cross-instance run lock, Keys for durable cache reporting.
// Satisfied by cache.RedisCache.
type RedisOps interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// cronLockTTL must out-live a normal run but expire well before the next
// schedule slot of the tightest job (every 2 minutes)
const cronLockTTL = 90 * time.Second

// CronManager manages all scheduled background jobs
type CronManager struct {
	cron         *cron.Cron
	db           *gorm.DB
	jobStore     services.JobStore
	gradingCache *services.GradingCache
	redis        RedisOps
	instance     string
	staleAfter   time.Duration
}

// NewCronManager creates a new cron manager. redis may be nil; the jobs
// then run unconditionally on every instance.
func NewCronManager(db *gorm.DB, jobStore services.JobStore, gradingCache *services.GradingCache, redis RedisOps, staleAfter time.Duration) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}

	return &CronManager{
		cron:         c,
		db:           db,
		jobStore:     jobStore,
		gradingCache: gradingCache,
		redis:        redis,
		instance:     uuid.New().String(),
		staleAfter:   staleAfter,
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// 1. Every 2 minutes: Reap stale grading jobs (HIGH PRIORITY)
	_, err := m.cron.AddFunc("0 */2 * * * *", func() {
		m.runExclusive("reap_stale_grading_jobs", func() {
			m.logJobStart("reap_stale_grading_jobs")
			m.ReapStaleGradingJobs()
		})
	})
	if err != nil {
		return err
	}

	// 2. Every hour: Sweep expired grading cache entries
	_, err = m.cron.AddFunc("0 0 * * * *", func() {
		m.runExclusive("sweep_grading_cache", func() {
			m.logJobStart("sweep_grading_cache")
			m.SweepGradingCache()
		})
	})
	if err != nil {
		return err
	}

	// 3. Daily at 2 AM: Cleanup old terminal jobs and cron logs
	_, err = m.cron.AddFunc("0 0 2 * * *", func() {
		m.runExclusive("cleanup_old_data", func() {
			m.logJobStart("cleanup_old_data")
			m.CleanupOldData()
		})
	})
	if err != nil {
		return err
	}

	log.Println("All cron jobs registered successfully")
	return nil
}

// runExclusive runs fn once across all instances per schedule slot. The
// Redis SetNX lock expires on its own, so a crashed holder never wedges
// the schedule. A Redis error falls through to running the job; a missed
// lock is cheaper than a missed reap.
func (m *CronManager) runExclusive(name string, fn func()) {
	if m.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		lockKey := "cron:lock:" + name
		acquired, err := m.redis.SetNX(ctx, lockKey, m.instance, cronLockTTL)
		if err != nil {
			log.Printf("[CRON] Lock check for %s failed, running anyway: %v", name, err)
		} else if !acquired {
			remaining, _ := m.redis.TTL(ctx, lockKey)
			log.Printf("[CRON] Skipping %s: another instance holds the lock (%v left)", name, remaining)
			return
		}
	}
	fn()
}

// logJobStart logs the start of a cron job
func (m *CronManager) logJobStart(jobName string) {
	log.Printf("[CRON] Starting job: %s at %s", jobName, time.Now().Format(time.RFC3339))

	cronLog := model.CronJobLog{
		JobName:   jobName,
		Status:    "running",
		StartedAt: time.Now(),
	}
	m.db.Create(&cronLog)
}

// logJobComplete logs successful completion of a cron job
func (m *CronManager) logJobComplete(jobName string, message string) {
	log.Printf("[CRON] Completed job: %s - %s", jobName, message)

	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "completed",
			"completed_at": time.Now(),
			"message":      message,
		})
}

// logJobError logs a cron job error
func (m *CronManager) logJobError(jobName string, err error) {
	log.Printf("[CRON] Error in job: %s - %v", jobName, err)

	m.db.Model(&model.CronJobLog{}).
		Where("job_name = ? AND status = ?", jobName, "running").
		Order("started_at DESC").
		Limit(1).
		Updates(map[string]interface{}{
			"status":       "failed",
			"completed_at": time.Now(),
			"error_msg":    err.Error(),
		})
}
