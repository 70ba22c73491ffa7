package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/repository"
)

// SessionService owns upload session state. Counters only change through
// MarkImageUploaded and MarkImageFailed, which recompute them from items.
type SessionService struct {
	store  *repository.Store
	events Broadcaster
	logger *zap.Logger
}

func NewSessionService(store *repository.Store, events Broadcaster, logger *zap.Logger) *SessionService {
	return &SessionService{
		store:  store,
		events: events,
		logger: logger.Named("sessions"),
	}
}

// CreateSessionInput carries the client supplied session fields.
type CreateSessionInput struct {
	SessionID   string
	OrderRef    string
	DeviceInfo  map[string]interface{}
	TotalImages int
	CreatedBy   string
}

// CreateSession registers a session. A session id that already exists is
// returned as stored.
func (s *SessionService) CreateSession(ctx context.Context, in CreateSessionInput) (*models.UploadSession, error) {
	if _, err := uuid.Parse(in.SessionID); err != nil {
		return nil, validationError(CodeInvalidInput, "session_id must be a UUID")
	}
	if in.OrderRef == "" {
		return nil, validationError(CodeInvalidInput, "order_ref is required")
	}
	if in.TotalImages <= 0 {
		return nil, validationError(CodeInvalidInput, "total_images must be positive")
	}

	existing, err := s.store.Sessions.GetByID(ctx, in.SessionID, true)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, infraError(CodeInternal, err, "failed to look up session %s", in.SessionID)
	}

	if _, err := s.store.Orders.Get(ctx, in.OrderRef); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, validationError(CodeOrderNotFound, "imaging order %s not found", in.OrderRef)
		}
		return nil, infraError(CodeInternal, err, "failed to look up order %s", in.OrderRef)
	}

	session := &models.UploadSession{
		ID:          in.SessionID,
		OrderRef:    in.OrderRef,
		DeviceInfo:  datatypes.JSONMap(in.DeviceInfo),
		TotalImages: in.TotalImages,
		Status:      models.SessionStatusPending,
		CreatedBy:   in.CreatedBy,
		StartedAt:   time.Now().Unix(),
	}
	if err := s.store.Sessions.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			// lost a race with an identical create
			return s.store.Sessions.GetByID(ctx, in.SessionID, true)
		}
		return nil, infraError(CodeInternal, err, "failed to create session %s", in.SessionID)
	}

	s.logger.Info("upload session created",
		zap.String("session_id", session.ID),
		zap.String("order_ref", session.OrderRef),
		zap.Int("total_images", session.TotalImages))
	publish(s.events, sessionEvent(session))
	return session, nil
}

// GetSession returns the session with its items.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	session, err := s.store.Sessions.GetByID(ctx, sessionID, true)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError("upload session %s not found", sessionID)
		}
		return nil, infraError(CodeInternal, err, "failed to load session %s", sessionID)
	}
	return session, nil
}

// MarkImageUploaded settles every session item bound to imageID as uploaded.
func (s *SessionService) MarkImageUploaded(ctx context.Context, imageID string) ([]*models.UploadSession, error) {
	return s.markImage(ctx, imageID, models.ItemOutcomeUploaded)
}

// MarkImageFailed settles every session item bound to imageID as failed.
func (s *SessionService) MarkImageFailed(ctx context.Context, imageID string) ([]*models.UploadSession, error) {
	return s.markImage(ctx, imageID, models.ItemOutcomeFailed)
}

func (s *SessionService) markImage(ctx context.Context, imageID string, outcome models.ItemOutcome) ([]*models.UploadSession, error) {
	var updated []*models.UploadSession
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		updated, err = applyOutcome(ctx, tx, imageID, outcome)
		return err
	})
	if err != nil {
		return nil, infraError(CodeInternal, err, "failed to update sessions for image %s", imageID)
	}
	s.publishSessions(updated)
	return updated, nil
}

func (s *SessionService) publishSessions(sessions []*models.UploadSession) {
	for _, session := range sessions {
		publish(s.events, sessionEvent(session))
	}
}

// applyOutcome sets the outcome of every item bound to imageID and
// recomputes the owning sessions. It must run inside tx.
func applyOutcome(ctx context.Context, tx *repository.Store, imageID string, outcome models.ItemOutcome) ([]*models.UploadSession, error) {
	sessionIDs, err := tx.Sessions.SetItemOutcome(ctx, imageID, outcome)
	if err != nil {
		return nil, err
	}
	var updated []*models.UploadSession
	for _, id := range sessionIDs {
		session, err := recomputeSession(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		updated = append(updated, session)
	}
	return updated, nil
}

func recomputeSession(ctx context.Context, tx *repository.Store, sessionID string) (*models.UploadSession, error) {
	session, err := tx.Sessions.GetForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := tx.Sessions.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Recompute(items)
	if err := tx.Sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// outcomeFor maps a record's state onto the item outcome it settles to.
func outcomeFor(rec *models.ImageRecord) models.ItemOutcome {
	switch {
	case rec.Status.BinaryComplete():
		return models.ItemOutcomeUploaded
	case rec.Status == models.ImageStatusCancelled, rec.Exhausted():
		return models.ItemOutcomeFailed
	}
	return models.ItemOutcomePending
}

// bindItem attaches rec to a sequence number of sessionID. Re-registering a
// sequence number updates the existing item. Sequence numbers run from 1 to
// TotalImages, so a session never holds more items than it expects. Runs
// inside tx.
func bindItem(ctx context.Context, tx *repository.Store, sessionID string, sequence int, rec *models.ImageRecord) (*models.UploadSession, error) {
	session, err := tx.Sessions.GetForUpdate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError("upload session %s not found", sessionID)
		}
		return nil, infraError(CodeInternal, err, "failed to load session %s", sessionID)
	}
	if session.OrderRef != rec.OrderRef {
		return nil, newError(KindConflict, CodeOrderMismatch, "session %s belongs to order %s", sessionID, session.OrderRef)
	}
	if session.Status == models.SessionStatusCancelled {
		return nil, preconditionError(CodeCancelled, "session %s is cancelled", sessionID)
	}
	if sequence > session.TotalImages {
		return nil, validationError(CodeInvalidInput, "sequence_number %d is outside session %s of %d images", sequence, sessionID, session.TotalImages)
	}

	item := &models.SessionItem{
		SessionID:      sessionID,
		SequenceNumber: sequence,
		ImageID:        rec.ID,
		Outcome:        outcomeFor(rec),
	}
	if err := tx.Sessions.UpsertItem(ctx, item); err != nil {
		return nil, infraError(CodeInternal, err, "failed to register item %d of session %s", sequence, sessionID)
	}
	session, err = recomputeSession(ctx, tx, sessionID)
	if err != nil {
		return nil, infraError(CodeInternal, err, "failed to recompute session %s", sessionID)
	}
	return session, nil
}
