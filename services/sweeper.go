package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/radsync/database"
	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/repository"
)

// SweepConfig sets how long settled sessions and idle staged bytes are kept.
type SweepConfig struct {
	SessionRetention time.Duration
	StagingRetention time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	SessionsPurged    int64                       `json:"sessions_purged"`
	StagedDiscarded   int                         `json:"staged_discarded"`
	ProgressReset     int                         `json:"progress_reset"`
	OrphansDiscarded  int                         `json:"orphans_discarded"`
	ExhaustedFailures []database.ExhaustedFailure `json:"exhausted_failures"`
}

// Sweeper is the out-of-band cleanup batch. It is run by the sweep command,
// not by the server.
type Sweeper struct {
	store   *repository.Store
	raw     *database.Raw
	staging *media.Staging
	cfg     SweepConfig
	logger  *zap.Logger
}

func NewSweeper(store *repository.Store, raw *database.Raw, staging *media.Staging, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: store, raw: raw, staging: staging, cfg: cfg, logger: logger.Named("sweeper")}
}

// Run purges old settled sessions, drops staged bytes nobody will resume,
// and lists failures that need manual intervention.
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	now := time.Now()
	report := &SweepReport{}

	purged, err := s.raw.PurgeSettledSessions(ctx, now.Add(-s.cfg.SessionRetention).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to purge sessions: %w", err)
	}
	report.SessionsPurged = purged

	staged, err := s.staging.List()
	if err != nil {
		return nil, err
	}
	onDisk := make(map[string]media.StagedFile, len(staged))
	for _, f := range staged {
		onDisk[f.ImageID] = f
	}

	idleBefore := now.Add(-s.cfg.StagingRetention)
	candidates, err := s.raw.StagingCandidates(ctx, idleBefore.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list staging candidates: %w", err)
	}
	for _, c := range candidates {
		if _, ok := onDisk[c.ID]; ok {
			if err := s.staging.Discard(c.ID); err != nil {
				s.logger.Warn("failed to discard staged binary", zap.String("image_id", c.ID), zap.Error(err))
				continue
			}
			delete(onDisk, c.ID)
			report.StagedDiscarded++
		}
		if c.Status == models.ImageStatusBinaryUploading || c.Status == models.ImageStatusFailed {
			if err := s.store.Records.UpdateProgress(ctx, c.ID, 0, 0); err != nil {
				s.logger.Warn("failed to reset progress", zap.String("image_id", c.ID), zap.Error(err))
				continue
			}
			report.ProgressReset++
		}
	}

	// part files with no record at all, e.g. after a crash between staging
	// and the metadata row being purged by hand
	for id, f := range onDisk {
		if f.ModTime.After(idleBefore) {
			continue
		}
		_, err := s.store.Records.GetByID(ctx, id)
		if !errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err := s.staging.Discard(id); err != nil {
			s.logger.Warn("failed to discard orphaned staged binary", zap.String("image_id", id), zap.Error(err))
			continue
		}
		report.OrphansDiscarded++
	}

	report.ExhaustedFailures, err = s.raw.ExhaustedFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted failures: %w", err)
	}
	for _, f := range report.ExhaustedFailures {
		code := ""
		if f.ErrorCode != nil {
			code = *f.ErrorCode
		}
		s.logger.Warn("image needs manual intervention",
			zap.String("image_id", f.ID),
			zap.String("order_ref", f.OrderRef),
			zap.Int("retry_count", f.RetryCount),
			zap.String("last_error_code", code))
	}

	s.logger.Info("sweep finished",
		zap.Int64("sessions_purged", report.SessionsPurged),
		zap.Int("staged_discarded", report.StagedDiscarded),
		zap.Int("progress_reset", report.ProgressReset),
		zap.Int("orphans_discarded", report.OrphansDiscarded),
		zap.Int("exhausted_failures", len(report.ExhaustedFailures)))
	return report, nil
}
