package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultStagingSubDir = "staging"
)

const (
	defaultMaxRetries        = 5
	defaultUploadChunkSize   = 1 << 20
	defaultMaxImageSize      = 2 << 30
	defaultPreviewQueueSize  = 200
	defaultNumPreviewWorkers = 2
	defaultPreviewMaxSize    = 512
	defaultViewerURLTTL      = 15 * time.Minute
	defaultSessionRetention  = 30 * 24 * time.Hour
	defaultStagingRetention  = 72 * time.Hour
)

// StorageBackend selects where finalized image binaries are written.
type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageS3    StorageBackend = "s3"
)

type Config struct {
	Port    string
	AppMode string // development or production

	// database
	DatabaseDriver string // sqlite or postgres
	DatabasePath   string // sqlite file
	DatabaseDSN    string // postgres dsn

	// storage
	StorageBackend   StorageBackend
	MediaStoragePath string // root for the local backend and generated previews
	StagingPath      string // partial uploads, always on local disk

	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Endpoint   string // MinIO or other S3 compatible endpoint
	S3PublicBase string
	S3PresignTTL time.Duration

	// redis is optional; without it checksum locks are process local
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// viewer urls
	URLSigningSecret string
	ViewerURLTTL     time.Duration
	PublicBaseURL    string

	// pipeline
	MaxRetries      int
	UploadChunkSize int
	MaxImageSize    int64

	// preview workers
	PreviewMaxSize    int
	PreviewQueueSize  int
	NumPreviewWorkers int

	// sweep
	SessionRetention time.Duration
	StagingRetention time.Duration

	CORSAllowedOrigins []string
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvInt64OrDefault(envVar string, defaultVal int64) int64 {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseInt(valStr, 10, 64)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvDurationOrDefault(envVar string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %s. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func LoadConfig() (Config, error) {
	mediaStorage := getEnvOrDefault("MEDIA_STORAGE_PATH", filepath.Join(".", "media_storage"))
	absMediaStorage, err := filepath.Abs(mediaStorage)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", mediaStorage, err)
	}

	staging := getEnvOrDefault("STAGING_PATH", filepath.Join(absMediaStorage, DefaultStagingSubDir))
	absStaging, err := filepath.Abs(staging)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for staging '%s': %w", staging, err)
	}

	backend := StorageBackend(strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", string(StorageLocal))))
	if backend != StorageLocal && backend != StorageS3 {
		return Config{}, fmt.Errorf("unsupported STORAGE_BACKEND '%s'", backend)
	}

	driver := strings.ToLower(getEnvOrDefault("DATABASE_DRIVER", "sqlite"))
	if driver != "sqlite" && driver != "postgres" {
		return Config{}, fmt.Errorf("unsupported DATABASE_DRIVER '%s'", driver)
	}

	secret := os.Getenv("URL_SIGNING_SECRET")
	if secret == "" {
		log.Printf("Warning: URL_SIGNING_SECRET not set, using an insecure development secret")
		secret = "radsync-development-secret"
	}

	var origins []string
	for _, o := range strings.Split(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	cfg := Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		AppMode:            getEnvOrDefault("APP_MODE", "development"),
		DatabaseDriver:     driver,
		DatabasePath:       getEnvOrDefault("DATABASE_PATH", "radsync.db"),
		DatabaseDSN:        os.Getenv("DATABASE_DSN"),
		StorageBackend:     backend,
		MediaStoragePath:   absMediaStorage,
		StagingPath:        absStaging,
		S3Region:           os.Getenv("S3_REGION"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3AccessKey:        os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("S3_SECRET_KEY"),
		S3Endpoint:         os.Getenv("S3_ENDPOINT"),
		S3PublicBase:       os.Getenv("S3_PUBLIC_BASE"),
		S3PresignTTL:       getEnvDurationOrDefault("S3_PRESIGN_TTL", 5*time.Minute),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvIntOrDefault("REDIS_DB", 0),
		URLSigningSecret:   secret,
		ViewerURLTTL:       getEnvDurationOrDefault("VIEWER_URL_TTL", defaultViewerURLTTL),
		PublicBaseURL:      strings.TrimRight(getEnvOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		MaxRetries:         getEnvIntOrDefault("MAX_RETRIES", defaultMaxRetries),
		UploadChunkSize:    getEnvIntOrDefault("UPLOAD_CHUNK_SIZE", defaultUploadChunkSize),
		MaxImageSize:       getEnvInt64OrDefault("MAX_IMAGE_SIZE", defaultMaxImageSize),
		PreviewMaxSize:     getEnvIntOrDefault("PREVIEW_MAX_SIZE", defaultPreviewMaxSize),
		PreviewQueueSize:   getEnvIntOrDefault("PREVIEW_QUEUE_SIZE", defaultPreviewQueueSize),
		NumPreviewWorkers:  getEnvIntOrDefault("NUM_PREVIEW_WORKERS", defaultNumPreviewWorkers),
		SessionRetention:   getEnvDurationOrDefault("SESSION_RETENTION", defaultSessionRetention),
		StagingRetention:   getEnvDurationOrDefault("STAGING_RETENTION", defaultStagingRetention),
		CORSAllowedOrigins: origins,
	}

	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("DATABASE_DSN is required when DATABASE_DRIVER=postgres")
	}
	if cfg.StorageBackend == StorageS3 && (cfg.S3Region == "" || cfg.S3Bucket == "") {
		return Config{}, fmt.Errorf("S3_REGION and S3_BUCKET are required when STORAGE_BACKEND=s3")
	}

	return cfg, nil
}
