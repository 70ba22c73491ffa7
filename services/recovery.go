package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/radsync/database"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/repository"
)

var (
	pendingStatuses = []models.ImageStatus{
		models.ImageStatusPending,
		models.ImageStatusMetadataUploading,
		models.ImageStatusMetadataUploaded,
		models.ImageStatusBinaryUploading,
		models.ImageStatusBinaryUploaded,
		models.ImageStatusSynced,
	}
	failedStatuses = []models.ImageStatus{models.ImageStatusFailed}
)

// ListPending returns records that have not reached a terminal state and have
// not failed. An empty orderRef lists every order.
func (s *SyncService) ListPending(ctx context.Context, orderRef string) ([]models.ImageRecord, error) {
	recs, err := s.store.Records.ListByStatuses(ctx, orderRef, pendingStatuses)
	if err != nil {
		return nil, infraError(CodeInternal, err, "failed to list pending uploads")
	}
	return recs, nil
}

// ListFailed returns failed records, retryable or exhausted.
func (s *SyncService) ListFailed(ctx context.Context, orderRef string) ([]models.ImageRecord, error) {
	recs, err := s.store.Records.ListByStatuses(ctx, orderRef, failedStatuses)
	if err != nil {
		return nil, infraError(CodeInternal, err, "failed to list failed uploads")
	}
	return recs, nil
}

// RetryImage requeues a failed record and re-accepts its stored metadata so
// the client can go straight to the binary phase.
func (s *SyncService) RetryImage(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	var rec *models.ImageRecord
	var sessions []*models.UploadSession
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		rec, sessions, err = retryRecord(ctx, tx, imageID)
		return err
	})
	if err != nil {
		return nil, asServiceError(err, "failed to retry image %s", imageID)
	}
	s.logger.Info("image requeued", zap.String("image_id", rec.ID), zap.Int("retry_count", rec.RetryCount))
	publish(s.events, recordEvent(rec))
	for _, session := range sessions {
		publish(s.events, sessionEvent(session))
	}
	return rec, nil
}

func retryRecord(ctx context.Context, tx *repository.Store, imageID string) (*models.ImageRecord, []*models.UploadSession, error) {
	rec, err := tx.Records.GetForUpdate(ctx, imageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, notFoundError("image %s not found", imageID)
		}
		return nil, nil, err
	}
	if rec.Status != models.ImageStatusFailed {
		return nil, nil, preconditionError(CodeInvalidTransition, "image %s is %s, only failed images can be retried", imageID, rec.Status)
	}
	if !rec.CanRetry() {
		return nil, nil, preconditionError(CodeRetryExhausted, "image %s has exhausted its %d retries", imageID, rec.RetryLimit())
	}
	if err := rec.Requeue(); err != nil {
		return nil, nil, transitionFailure(err)
	}
	if err := advanceMetadata(rec); err != nil {
		return nil, nil, err
	}
	if err := tx.Records.Save(ctx, rec); err != nil {
		return nil, nil, err
	}
	sessions, err := applyOutcome(ctx, tx, rec.ID, models.ItemOutcomePending)
	if err != nil {
		return nil, nil, err
	}
	return rec, sessions, nil
}

// RetrySession requeues every retryable record of a session and returns
// them. Exhausted records are left for manual intervention.
func (s *SyncService) RetrySession(ctx context.Context, sessionID string) ([]models.ImageRecord, error) {
	var requeued []models.ImageRecord
	var session *models.UploadSession
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		session, err = tx.Sessions.GetForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFoundError("upload session %s not found", sessionID)
			}
			return err
		}
		if session.Status == models.SessionStatusCancelled {
			return preconditionError(CodeCancelled, "session %s is cancelled", sessionID)
		}
		recs, err := tx.Records.ListBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		for i := range recs {
			if !recs[i].CanRetry() {
				continue
			}
			rec, _, err := retryRecord(ctx, tx, recs[i].ID)
			if err != nil {
				return err
			}
			requeued = append(requeued, *rec)
		}
		session, err = recomputeSession(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, asServiceError(err, "failed to retry session %s", sessionID)
	}

	s.logger.Info("session retried", zap.String("session_id", sessionID), zap.Int("requeued", len(requeued)))
	for i := range requeued {
		publish(s.events, recordEvent(&requeued[i]))
	}
	publish(s.events, sessionEvent(session))
	return requeued, nil
}

// CancelImage stops further work on a record. Stored binaries stay in the
// catalog; staged bytes are dropped. Cancelling twice is a no-op.
func (s *SyncService) CancelImage(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	var rec *models.ImageRecord
	var sessions []*models.UploadSession
	changed := false
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		rec, err = tx.Records.GetForUpdate(ctx, imageID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFoundError("image %s not found", imageID)
			}
			return err
		}
		if rec.Status == models.ImageStatusCancelled {
			return nil
		}
		if err := rec.Cancel(); err != nil {
			return transitionFailure(err)
		}
		if err := tx.Records.Save(ctx, rec); err != nil {
			return err
		}
		changed = true
		sessions, err = applyOutcome(ctx, tx, rec.ID, models.ItemOutcomeFailed)
		return err
	})
	if err != nil {
		return nil, asServiceError(err, "failed to cancel image %s", imageID)
	}
	if changed {
		s.discardStaged(rec.ID)
		s.logger.Info("image cancelled", zap.String("image_id", rec.ID))
		publish(s.events, recordEvent(rec))
		for _, session := range sessions {
			publish(s.events, sessionEvent(session))
		}
	}
	return rec, nil
}

// CancelSession cancels the session and every record in it whose binary has
// not been stored yet. Cancelling twice is a no-op.
func (s *SyncService) CancelSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	var session *models.UploadSession
	var cancelled []models.ImageRecord
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		session, err = tx.Sessions.GetForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFoundError("upload session %s not found", sessionID)
			}
			return err
		}
		if session.Status == models.SessionStatusCancelled {
			return nil
		}

		recs, err := tx.Records.ListBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		for i := range recs {
			rec := &recs[i]
			if rec.Status.IsTerminal() || rec.Status.BinaryComplete() {
				continue
			}
			if err := rec.Cancel(); err != nil {
				return transitionFailure(err)
			}
			if err := tx.Records.Save(ctx, rec); err != nil {
				return err
			}
			if _, err := tx.Sessions.SetItemOutcome(ctx, rec.ID, models.ItemOutcomeFailed); err != nil {
				return err
			}
			cancelled = append(cancelled, *rec)
		}

		now := time.Now().Unix()
		session.Status = models.SessionStatusCancelled
		session.CancelledAt = &now
		session.CompletedAt = &now
		items, err := tx.Sessions.ListItems(ctx, sessionID)
		if err != nil {
			return err
		}
		session.Recompute(items)
		return tx.Sessions.Save(ctx, session)
	})
	if err != nil {
		return nil, asServiceError(err, "failed to cancel session %s", sessionID)
	}

	for i := range cancelled {
		s.discardStaged(cancelled[i].ID)
		publish(s.events, recordEvent(&cancelled[i]))
	}
	s.logger.Info("session cancelled", zap.String("session_id", sessionID), zap.Int("records_cancelled", len(cancelled)))
	publish(s.events, sessionEvent(session))
	return session, nil
}

func (s *SyncService) discardStaged(imageID string) {
	if err := s.staging.Discard(imageID); err != nil {
		s.logger.Warn("failed to discard staged binary", zap.String("image_id", imageID), zap.Error(err))
	}
}

// StatsService reports pipeline counts.
type StatsService struct {
	raw *database.Raw
}

func NewStatsService(raw *database.Raw) *StatsService {
	return &StatsService{raw: raw}
}

// StatusCounts returns record counts per status, optionally for one order.
func (s *StatsService) StatusCounts(ctx context.Context, orderRef string) (map[models.ImageStatus]int64, error) {
	counts, err := s.raw.StatusCounts(ctx, orderRef)
	if err != nil {
		return nil, infraError(CodeInternal, err, "failed to count records")
	}
	return counts, nil
}

func asServiceError(err error, format string, args ...interface{}) error {
	if _, ok := AsSyncError(err); ok {
		return err
	}
	return infraError(CodeInternal, err, format, args...)
}
