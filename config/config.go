package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV       string
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int
	// JWT Configuration
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL string
	// Object storage (DigitalOcean Spaces, S3-compatible)
	SPACES_ACCESS_KEY string
	SPACES_SECRET_KEY string
	SPACES_BUCKET     string
	SPACES_REGION     string
	SPACES_ENDPOINT   string
	// LLM grading backend (OpenAI-compatible)
	LLM_API_KEY  string
	LLM_BASE_URL string
	LLM_MODEL    string
	// Page render sidecar
	PAGE_RENDER_URL string
	// Pipeline tuning
	RASTER_GATE_WIDTH     int // Concurrent CPU-bound rasterization ops
	INFERENCE_GATE_WIDTH  int // Concurrent outbound LLM calls, process-wide
	PAGES_PER_CHUNK       int
	OVERLAP_PAGES         int
	SINGLE_CALL_THRESHOLD int // Papers at or below this page count go in one LLM call
	MAX_CHUNK_RETRIES     int
	CHUNK_TIMEOUT_SECONDS int
	GRADING_WORKERS       int
	JOB_POLL_SECONDS      int
	JOB_HEARTBEAT_SECONDS int // How often a worker touches its claimed job's heartbeat
	JOB_STALE_MINUTES     int // Processing jobs without a heartbeat for this long get reaped
	CACHE_TTL_HOURS       int
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		PORT:         port,
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: os.Getenv("JWT_ISSUER"),
		// Redis
		REDIS_URL: os.Getenv("REDIS_URL"),
		// Spaces
		SPACES_ACCESS_KEY: os.Getenv("SPACES_ACCESS_KEY"),
		SPACES_SECRET_KEY: os.Getenv("SPACES_SECRET_KEY"),
		SPACES_BUCKET:     os.Getenv("SPACES_BUCKET"),
		SPACES_REGION:     os.Getenv("SPACES_REGION"),
		SPACES_ENDPOINT:   os.Getenv("SPACES_ENDPOINT"),
		// LLM backend
		LLM_API_KEY:  os.Getenv("LLM_API_KEY"),
		LLM_BASE_URL: os.Getenv("LLM_BASE_URL"),
		LLM_MODEL:    os.Getenv("LLM_MODEL"),
		// Page render sidecar
		PAGE_RENDER_URL: os.Getenv("PAGE_RENDER_URL"),
		// Pipeline tuning
		RASTER_GATE_WIDTH:     envInt("RASTER_GATE_WIDTH", 2),
		INFERENCE_GATE_WIDTH:  envInt("INFERENCE_GATE_WIDTH", 5),
		PAGES_PER_CHUNK:       envInt("PAGES_PER_CHUNK", 4),
		OVERLAP_PAGES:         envInt("OVERLAP_PAGES", 1),
		SINGLE_CALL_THRESHOLD: envInt("SINGLE_CALL_THRESHOLD", 6),
		MAX_CHUNK_RETRIES:     envInt("MAX_CHUNK_RETRIES", 5),
		CHUNK_TIMEOUT_SECONDS: envInt("CHUNK_TIMEOUT_SECONDS", 240),
		GRADING_WORKERS:       envInt("GRADING_WORKERS", 3),
		JOB_POLL_SECONDS:      envInt("JOB_POLL_SECONDS", 5),
		JOB_HEARTBEAT_SECONDS: envInt("JOB_HEARTBEAT_SECONDS", 60),
		JOB_STALE_MINUTES:     envInt("JOB_STALE_MINUTES", 30),
		CACHE_TTL_HOURS:       envInt("CACHE_TTL_HOURS", 168),
	}

	return envVariables, nil
}

// envInt reads an integer env var, falling back to def when unset or malformed
func envInt(name string, def int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return v
}
