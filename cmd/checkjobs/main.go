package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/scriptgrade/api/model"
	"github.com/scriptgrade/api/services"
)

// Operator tool: list recent grading jobs, and with "reap" as the first
// argument, fail processing jobs whose heartbeat has been stale for more
// than JOB_STALE_MINUTES.
func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbUser := os.Getenv("DB_USER_NAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")

	if dbHost == "" {
		dbHost = "localhost"
	}
	if dbPort == "" {
		dbPort = "5432"
	}

	dbURL := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost, dbPort, dbUser, dbPassword, dbName)

	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "reap" {
		reapStale(db)
		return
	}

	fmt.Println("========================================")
	fmt.Println("GRADING JOBS STATUS CHECK")
	fmt.Println("========================================")

	var jobs []model.GradingJob
	if err := db.Order("created_at DESC").Limit(20).Find(&jobs).Error; err != nil {
		log.Fatalf("Failed to fetch jobs: %v", err)
	}

	if len(jobs) == 0 {
		fmt.Println("\n❌ No grading jobs found in database")
		return
	}

	fmt.Printf("\n📋 Found %d grading jobs:\n\n", len(jobs))

	for _, job := range jobs {
		progress := 0
		if job.TotalPapers > 0 {
			progress = (job.ProcessedPapers * 100) / job.TotalPapers
		}

		statusIcon := "⏳"
		switch job.Status {
		case model.GradingJobStatusCompleted:
			statusIcon = "✅"
		case model.GradingJobStatusFailed:
			statusIcon = "❌"
		case model.GradingJobStatusProcessing:
			statusIcon = "🔄"
		case model.GradingJobStatusCancelled:
			statusIcon = "🚫"
		}

		fmt.Printf("─────────────────────────────────────\n")
		fmt.Printf("%s Job ID: %s\n", statusIcon, job.ID)
		fmt.Printf("   Exam ID: %d\n", job.ExamID)
		fmt.Printf("   Status: %s\n", job.Status)
		fmt.Printf("   User ID: %d\n", job.CreatedByUserID)
		fmt.Printf("   Progress: %d%% (%d/%d processed, %d ok, %d failed)\n",
			progress, job.ProcessedPapers, job.TotalPapers, job.Successful, job.Failed)
		fmt.Printf("   Heartbeat: %s\n", job.HeartbeatAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("   Created: %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
		if job.StartedAt != nil {
			fmt.Printf("   Started: %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
		}
		if job.CompletedAt != nil {
			fmt.Printf("   Completed: %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		if job.ErrorMessage != "" {
			fmt.Printf("   Error: %s\n", job.ErrorMessage)
		}
	}
	fmt.Printf("─────────────────────────────────────\n")
}

func reapStale(db *gorm.DB) {
	staleMinutes := 30
	if v := os.Getenv("JOB_STALE_MINUTES"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &staleMinutes); err != nil {
			log.Printf("Ignoring malformed JOB_STALE_MINUTES=%q", v)
		}
	}

	store := services.NewGormJobStore(db)
	cutoff := time.Now().Add(-time.Duration(staleMinutes) * time.Minute)

	reaped, err := store.ReapStale(context.Background(), cutoff)
	if err != nil {
		log.Fatalf("Reap failed: %v", err)
	}
	fmt.Printf("Reaped %d stale jobs (heartbeat older than %d minutes)\n", reaped, staleMinutes)
}
