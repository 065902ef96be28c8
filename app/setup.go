package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/scriptgrade/api/api"
	"github.com/scriptgrade/api/config"
	"github.com/scriptgrade/api/database"
	"github.com/scriptgrade/api/router"
	"github.com/scriptgrade/api/services"
	"github.com/scriptgrade/api/services/cron"
	"github.com/scriptgrade/api/services/llm"
	"github.com/scriptgrade/api/services/pagerender"
	"github.com/scriptgrade/api/services/storage"
	"github.com/scriptgrade/api/utils/cache"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	// Initialize GORM database connection
	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		return err
	}

	if err := store.Init(); err != nil {
		print("Failed to initialize database tables\n")
		return err
	}

	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		store.Close()
		return fmt.Errorf("failed to get GORM DB instance")
	}

	// Redis is optional; without it the grading cache runs memory-only
	var redisCache *cache.RedisCache
	if getEnv.REDIS_URL != "" {
		redisCache, err = cache.NewRedisCache(getEnv.REDIS_URL)
		if err != nil {
			print("Warning: Failed to connect to Redis, grading cache will be memory-only\n")
			print("Error: ", err.Error(), "\n")
			redisCache = nil
		}
	}

	// Object storage for uploaded answer sheets
	spaces, err := storage.NewSpacesClient(storage.SpacesConfig{
		AccessKey: getEnv.SPACES_ACCESS_KEY,
		SecretKey: getEnv.SPACES_SECRET_KEY,
		Bucket:    getEnv.SPACES_BUCKET,
		Region:    getEnv.SPACES_REGION,
		Endpoint:  getEnv.SPACES_ENDPOINT,
	})
	if err != nil {
		store.Close()
		return err
	}

	// Concurrency gates shared by the whole pipeline
	governor := services.NewGovernor(getEnv.RASTER_GATE_WIDTH, getEnv.INFERENCE_GATE_WIDTH)

	// Rasterization: page render sidecar + orientation normalization
	renderClient := pagerender.NewClient(getEnv.PAGE_RENDER_URL)
	rasterizer := services.NewRasterizer(renderClient, governor)

	// Inference client for the AI grading backend
	llmClient := llm.NewClient(llm.Config{
		APIKey:  getEnv.LLM_API_KEY,
		BaseURL: getEnv.LLM_BASE_URL,
		Model:   getEnv.LLM_MODEL,
		Limiter: llm.DefaultRateLimiterConfig(),
	})

	// Two-tier result memoization
	cacheTTL := time.Duration(getEnv.CACHE_TTL_HOURS) * time.Hour
	var durable services.DurableCache
	if redisCache != nil {
		durable = redisCache
	}
	gradingCache := services.NewGradingCache(durable, cacheTTL)

	// Grading engine
	grader := services.NewChunkedGrader(llmClient, gradingCache, governor, services.ChunkedGraderConfig{
		Chunks: services.ChunkConfig{
			PagesPerChunk: getEnv.PAGES_PER_CHUNK,
			OverlapPages:  getEnv.OVERLAP_PAGES,
		},
		SingleCallThreshold: getEnv.SINGLE_CALL_THRESHOLD,
		MaxRetries:          getEnv.MAX_CHUNK_RETRIES,
		ChunkTimeout:        time.Duration(getEnv.CHUNK_TIMEOUT_SECONDS) * time.Second,
	})

	// Job lifecycle
	jobStore := services.NewGormJobStore(db)
	examStore := services.NewGormExamStore(db)
	notifier := services.NewNotificationService(db)
	coordinator := services.NewJobCoordinator(
		jobStore, examStore, spaces, rasterizer, grader, notifier,
		getEnv.GRADING_WORKERS,
		time.Duration(getEnv.JOB_POLL_SECONDS)*time.Second,
		time.Duration(getEnv.JOB_HEARTBEAT_SECONDS)*time.Second,
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	coordinator.Start(workerCtx)

	// Initialize Cron Manager (only if enabled via environment variable)
	var cronManager *cron.CronManager
	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		staleAfter := time.Duration(getEnv.JOB_STALE_MINUTES) * time.Minute
		// A nil *RedisCache must stay a nil interface inside the manager
		var cronRedis cron.RedisOps
		if redisCache != nil {
			cronRedis = redisCache
		}
		cronManager = cron.NewCronManager(db, jobStore, gradingCache, cronRedis, staleAfter)
		if err := cronManager.Start(); err != nil {
			print("Warning: Failed to start cron jobs\n")
			print("Error: ", err.Error(), "\n")
		}
	}

	// Defer stopping workers, cron jobs and closing connections
	defer func() {
		cancelWorkers()
		coordinator.Stop()
		if cronManager != nil {
			cronManager.Stop()
		}
		if redisCache != nil {
			redisCache.Close()
		}
		store.Close()
	}()

	// Init API
	server := api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT))
	app := server.GetEngine()

	// Attach Middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Setup Routes
	router.SetupRoutes(app, getEnv, router.Deps{
		Store:       store,
		RedisCache:  redisCache,
		Coordinator: coordinator,
		JobStore:    jobStore,
	})

	// Shut down cleanly on SIGINT/SIGTERM so in-flight papers reach a boundary
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		_ = server.Shutdown()
	}()

	// Start the Server
	return server.Run()
}
