package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/services"
)

// ReapStaleGradingJobs fails processing jobs whose worker heartbeat went
// stale. A claimed job stops heartbeating when its worker dies; without the
// reaper it would show as processing forever.
func (m *CronManager) ReapStaleGradingJobs() {
	jobName := "reap_stale_grading_jobs"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-m.staleAfter)
	reaped, err := m.jobStore.ReapStale(ctx, cutoff)
	if err != nil {
		m.logJobError(jobName, err)
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Reaped %d stale jobs (heartbeat older than %v)", reaped, m.staleAfter))
}

// SweepGradingCache drops expired entries from the in-process grading cache
// tier. The durable tier expires natively via TTL; the sweep only reports
// its current size.
func (m *CronManager) SweepGradingCache() {
	jobName := "sweep_grading_cache"

	if m.gradingCache == nil {
		m.logJobComplete(jobName, "No grading cache configured")
		return
	}

	removed := m.gradingCache.Sweep()
	msg := fmt.Sprintf("Removed %d expired entries, %d live", removed, m.gradingCache.MemSize())

	if m.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		keys, err := m.redis.Keys(ctx, services.GradeCacheKeyPrefix+"*")
		if err != nil {
			m.logJobError(jobName, err)
			return
		}
		msg = fmt.Sprintf("%s, %d durable", msg, len(keys))
	}

	m.logJobComplete(jobName, msg)
}

// CleanupOldData deletes terminal grading jobs older than 90 days and cron
// logs older than 30 days
func (m *CronManager) CleanupOldData() {
	jobName := "cleanup_old_data"

	jobCutoff := time.Now().AddDate(0, 0, -90)
	res := m.db.Where("status IN ? AND completed_at < ?", []model.GradingJobStatus{
		model.GradingJobStatusCompleted,
		model.GradingJobStatusFailed,
		model.GradingJobStatusCancelled,
	}, jobCutoff).Delete(&model.GradingJob{})
	if res.Error != nil {
		m.logJobError(jobName, res.Error)
		return
	}
	deletedJobs := res.RowsAffected

	logCutoff := time.Now().AddDate(0, 0, -30)
	res = m.db.Unscoped().Where("created_at < ?", logCutoff).Delete(&model.CronJobLog{})
	if res.Error != nil {
		m.logJobError(jobName, res.Error)
		return
	}

	m.logJobComplete(jobName, fmt.Sprintf("Deleted %d old jobs and %d old cron logs", deletedJobs, res.RowsAffected))
}
