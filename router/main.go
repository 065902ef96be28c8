package router

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/scriptgrade/api/config"
	"github.com/scriptgrade/api/database"
	"github.com/scriptgrade/api/handlers"
	exam_handlers "github.com/scriptgrade/api/handlers/exam"
	grading_handlers "github.com/scriptgrade/api/handlers/grading"
	"github.com/scriptgrade/api/services"
	"github.com/scriptgrade/api/utils/auth"
	"github.com/scriptgrade/api/utils/cache"
	"github.com/scriptgrade/api/utils/middleware"
)

// Deps carries the wired services the routes are built on
type Deps struct {
	Store       database.Storage
	RedisCache  *cache.RedisCache
	Coordinator *services.JobCoordinator
	JobStore    services.JobStore
}

// SetupRoutes wires every HTTP route of the grading API
func SetupRoutes(app *fiber.App, env *config.EnviornmentVariable, deps Deps) {
	if env.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := env.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "scriptgrade-api"
	}

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: env.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: jwtIssuer,
	})
	authMiddleware := middleware.NewAuthMiddleware(jwtManager)

	db, ok := deps.Store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	healthHandler := handlers.NewHealthHandler(deps.Store, deps.RedisCache)
	examHandler := exam_handlers.NewExamHandler(db)
	gradingHandler := grading_handlers.NewGradingHandler(deps.Coordinator, deps.JobStore)

	// Health endpoints (public)
	app.Get("/ping", healthHandler.Ping)

	// API v1 group
	api := app.Group("/api/v1")
	api.Get("/health", healthHandler.Check)

	// Exam routes (protected)
	exams := api.Group("/exams", authMiddleware.Required())
	exams.Get("/", examHandler.ListExams)
	exams.Get("/:id", examHandler.GetExam)
	exams.Post("/", examHandler.CreateExam)

	// Grading job routes (protected)
	grading := api.Group("/grading/jobs", authMiddleware.Required())
	grading.Post("/", gradingHandler.SubmitJob)
	grading.Get("/:id", gradingHandler.GetJob)
	grading.Post("/:id/cancel", gradingHandler.CancelJob)
	grading.Get("/:id/results", gradingHandler.GetResults)
}
