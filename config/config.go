package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadENV loads variables from .env when GO_ENV is unset or "development"
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
	GO_ENV       string
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int

	// Redis Configuration
	REDIS_URL string

	// Upload & processing limits
	MAX_UPLOAD_BYTES           int64
	MAX_PAGES_PER_DOCUMENT     int
	PROCESSING_TIMEOUT_SECONDS int
	WORKER_CONCURRENCY         int
	RATE_LIMIT_PER_MINUTE      int

	// Vision model
	VISION_MODEL_NAME string
	VISION_API_KEY    string
	VISION_BASE_URL   string

	// OCR sidecar
	OCR_SERVICE_URL string

	// Blob storage
	BLOB_BACKEND   string // "local" or "s3"
	BLOB_LOCAL_DIR string
	S3_BUCKET      string
	S3_REGION      string
	S3_ENDPOINT    string
	S3_ACCESS_KEY  string
	S3_SECRET_KEY  string
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

		REDIS_URL: getString("REDIS_URL", "redis://localhost:6379/0"),

		MAX_UPLOAD_BYTES:           getInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
		MAX_PAGES_PER_DOCUMENT:     getInt("MAX_PAGES_PER_DOCUMENT", 100),
		PROCESSING_TIMEOUT_SECONDS: getInt("PROCESSING_TIMEOUT_SECONDS", 3600),
		WORKER_CONCURRENCY:         getInt("WORKER_CONCURRENCY", 2),
		RATE_LIMIT_PER_MINUTE:      getInt("RATE_LIMIT_PER_MINUTE", 20),

		VISION_MODEL_NAME: getString("VISION_MODEL_NAME", "gpt-4o"),
		VISION_API_KEY:    os.Getenv("VISION_API_KEY"),
		VISION_BASE_URL:   os.Getenv("VISION_BASE_URL"),

		OCR_SERVICE_URL: getString("OCR_SERVICE_URL", "http://127.0.0.1:8081"),

		BLOB_BACKEND:   getString("BLOB_BACKEND", "local"),
		BLOB_LOCAL_DIR: getString("BLOB_LOCAL_DIR", "./blobs"),
		S3_BUCKET:      os.Getenv("S3_BUCKET"),
		S3_REGION:      getString("S3_REGION", "us-east-1"),
		S3_ENDPOINT:    os.Getenv("S3_ENDPOINT"),
		S3_ACCESS_KEY:  os.Getenv("S3_ACCESS_KEY"),
		S3_SECRET_KEY:  os.Getenv("S3_SECRET_KEY"),
	}

	return envVariables, nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getInt64(key string, fallback int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
