package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/camden-git/radsync/config"
	"github.com/camden-git/radsync/database"
	"github.com/camden-git/radsync/locks"
	"github.com/camden-git/radsync/logging"
	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/repository"
)

// Lease of a redis checksum lock. It only covers promotion of an already
// staged file; transfers lock in process and hold no lease.
const redisLockTTL = 2 * time.Minute

// application holds the long lived collaborators shared by every command.
type application struct {
	Cfg       config.Config
	Logger    *zap.Logger
	DB        *gorm.DB
	Raw       *database.Raw
	Store     *repository.Store
	Media     media.Store
	Processor *media.Processor
	Staging   *media.Staging
	Locker    locks.Locker

	redis *redis.Client
}

// bootstrap loads configuration, opens and migrates the database and builds
// the storage layers. The lock backend is only connected when serving.
func bootstrap(ctx context.Context, serving bool) (*application, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lg, err := logging.New(cfg.AppMode)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	app := &application{Cfg: cfg, Logger: lg}

	opts := database.Options{Driver: cfg.DatabaseDriver, LogLevel: logger.Warn}
	if cfg.DatabaseDriver == database.DriverPostgres {
		opts.DSN = cfg.DatabaseDSN
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		opts.DSN = database.SQLiteDSN(cfg.DatabasePath)
	}
	app.DB, err = database.InitGormDB(opts)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrateModels(app.DB); err != nil {
		app.Close()
		return nil, err
	}
	app.Raw, err = database.NewRaw(app.DB)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = repository.NewStore(app.DB)

	switch cfg.StorageBackend {
	case config.StorageS3:
		app.Media, err = media.NewS3Storage(ctx, media.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PublicBase: cfg.S3PublicBase,
			PresignTTL: cfg.S3PresignTTL,
		}, lg)
	default:
		app.Media, err = media.NewLocalStorage(cfg.MediaStoragePath, cfg.PublicBaseURL, lg)
	}
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}
	app.Processor = media.NewProcessor(app.Media, lg)

	app.Staging, err = media.NewStaging(cfg.StagingPath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize staging: %w", err)
	}

	if !serving {
		return app, nil
	}
	if cfg.RedisAddr == "" {
		lg.Info("REDIS_ADDR not set, checksum locks are process local")
		app.Locker = locks.NewKeyedMutex()
		return app, nil
	}
	app.redis, err = locks.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Locker = locks.NewRedisLocker(app.redis, redisLockTTL, lg)
	return app, nil
}

func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	a.Logger.Sync()
}
