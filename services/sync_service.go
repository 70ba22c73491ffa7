package services

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/camden-git/radsync/locks"
	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/repository"
)

const (
	phaseMetadata = "metadata"
	phaseBinary   = "binary"
	phaseAck      = "ack"

	// how long a binary upload waits for a concurrent transfer of the same
	// image before giving up
	transferLockWait = 5 * time.Second
)

// SyncConfig bounds the transfer side of the protocol.
type SyncConfig struct {
	MaxRetries   int
	ChunkSize    int
	MaxImageSize int64
}

// SyncDeps are the collaborators of SyncService. Previews and Events may be
// nil. Locker guards promotion by checksum and may be shared between
// processes; transfers always lock in process because staging is local disk.
type SyncDeps struct {
	Store    *repository.Store
	Media    media.Store
	Staging  *media.Staging
	Locker   locks.Locker
	Previews PreviewQueue
	Events   Broadcaster
}

// SyncService implements the three phase upload protocol: metadata, binary,
// acknowledge. Every phase is keyed by the client generated image id and is
// safe to resend.
type SyncService struct {
	store     *repository.Store
	media     media.Store
	staging   *media.Staging
	locker    locks.Locker
	transfers *locks.KeyedMutex
	previews  PreviewQueue
	events    Broadcaster
	cfg       SyncConfig
	logger    *zap.Logger
}

func NewSyncService(deps SyncDeps, cfg SyncConfig, logger *zap.Logger) *SyncService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = models.DefaultMaxRetries
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if deps.Locker == nil {
		deps.Locker = locks.NewKeyedMutex()
	}
	return &SyncService{
		store:     deps.Store,
		media:     deps.Media,
		staging:   deps.Staging,
		locker:    deps.Locker,
		transfers: locks.NewKeyedMutex(),
		previews:  deps.Previews,
		events:    deps.Events,
		cfg:       cfg,
		logger:    logger.Named("sync"),
	}
}

// MetadataInput is the payload of the metadata phase. SessionID and
// SequenceNumber are optional but must be given together.
type MetadataInput struct {
	ImageID        string
	OrderRef       string
	Filename       string
	FileSize       int64
	ContentType    string
	Checksum       string
	Metadata       map[string]interface{}
	SessionID      string
	SequenceNumber *int
}

func (s *SyncService) validateMetadata(in *MetadataInput) error {
	in.Checksum = models.NormalizeChecksum(in.Checksum)
	if _, err := uuid.Parse(in.ImageID); err != nil {
		return validationError(CodeInvalidImageID, "image_id must be a UUID")
	}
	switch {
	case in.OrderRef == "":
		return validationError(CodeInvalidInput, "order_ref is required")
	case in.Filename == "":
		return validationError(CodeInvalidInput, "filename is required")
	case in.ContentType == "":
		return validationError(CodeInvalidInput, "content_type is required")
	case in.FileSize <= 0:
		return validationError(CodeInvalidSize, "file_size must be positive")
	case s.cfg.MaxImageSize > 0 && in.FileSize > s.cfg.MaxImageSize:
		return validationError(CodeInvalidSize, "file_size %d exceeds the %d byte limit", in.FileSize, s.cfg.MaxImageSize)
	case !models.ValidChecksum(in.Checksum):
		return validationError(CodeInvalidChecksum, "checksum must be 64 hex characters")
	}
	if in.SessionID != "" {
		if _, err := uuid.Parse(in.SessionID); err != nil {
			return validationError(CodeInvalidInput, "session_id must be a UUID")
		}
		if in.SequenceNumber == nil || *in.SequenceNumber < 1 {
			return validationError(CodeInvalidInput, "sequence_number must be positive when session_id is set")
		}
	} else if in.SequenceNumber != nil {
		return validationError(CodeInvalidInput, "sequence_number requires session_id")
	}
	return nil
}

// UploadMetadata runs the metadata phase. A record in ACK_RECEIVED is
// returned unchanged; an in-flight record takes the resent mutable fields.
func (s *SyncService) UploadMetadata(ctx context.Context, in MetadataInput) (rec *models.ImageRecord, err error) {
	defer func() { observePhase(phaseMetadata, err) }()

	if err := s.validateMetadata(&in); err != nil {
		return nil, err
	}
	if _, err := s.store.Orders.Get(ctx, in.OrderRef); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, validationError(CodeOrderNotFound, "imaging order %s not found", in.OrderRef)
		}
		return nil, infraError(CodeInternal, err, "failed to look up order %s", in.OrderRef)
	}

	rec, session, err := s.acceptMetadata(ctx, in)
	if errors.Is(err, repository.ErrAlreadyExists) {
		// a concurrent first upload created the record; treat ours as a resend
		rec, session, err = s.acceptMetadata(ctx, in)
	}
	if err != nil {
		if _, ok := AsSyncError(err); ok {
			return nil, err
		}
		return nil, infraError(CodeInternal, err, "failed to store metadata for image %s", in.ImageID)
	}

	s.logger.Debug("metadata accepted",
		zap.String("image_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("resend_count", rec.ResendCount))
	publish(s.events, recordEvent(rec))
	if session != nil {
		publish(s.events, sessionEvent(session))
	}
	return rec, nil
}

func (s *SyncService) acceptMetadata(ctx context.Context, in MetadataInput) (*models.ImageRecord, *models.UploadSession, error) {
	var rec *models.ImageRecord
	var session *models.UploadSession
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		existing, err := tx.Records.GetForUpdate(ctx, in.ImageID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			rec = &models.ImageRecord{
				ID:          in.ImageID,
				OrderRef:    in.OrderRef,
				Filename:    in.Filename,
				FileSize:    in.FileSize,
				ContentType: in.ContentType,
				Checksum:    in.Checksum,
				Metadata:    datatypes.JSONMap(in.Metadata),
				Status:      models.ImageStatusPending,
				MaxRetries:  s.cfg.MaxRetries,
			}
			if err := advanceMetadata(rec); err != nil {
				return err
			}
			if in.SessionID != "" {
				rec.SessionID = &in.SessionID
			}
			if err := tx.Records.Create(ctx, rec); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			rec = existing
			if rec.OrderRef != in.OrderRef {
				return newError(KindConflict, CodeOrderMismatch, "image %s belongs to order %s", rec.ID, rec.OrderRef)
			}
			if rec.Status == models.ImageStatusAckReceived {
				return nil
			}
			if rec.Status == models.ImageStatusCancelled {
				return preconditionError(CodeCancelled, "image %s is cancelled", rec.ID)
			}
			if rec.Checksum != in.Checksum || rec.FileSize != in.FileSize {
				return newError(KindConflict, CodeImmutableField, "checksum and file_size of image %s cannot change", rec.ID)
			}
			if rec.Status == models.ImageStatusFailed {
				if !rec.CanRetry() {
					return preconditionError(CodeRetryExhausted, "image %s has exhausted its %d retries", rec.ID, rec.RetryLimit())
				}
				if err := rec.Requeue(); err != nil {
					return transitionFailure(err)
				}
			}
			rec.Filename = in.Filename
			rec.ContentType = in.ContentType
			if in.Metadata != nil {
				rec.Metadata = datatypes.JSONMap(in.Metadata)
			}
			rec.ResendCount++
			if err := advanceMetadata(rec); err != nil {
				return err
			}
			if in.SessionID != "" && rec.SessionID == nil {
				rec.SessionID = &in.SessionID
			}
			if err := tx.Records.Save(ctx, rec); err != nil {
				return err
			}
		}

		if in.SessionID != "" {
			session, err = bindItem(ctx, tx, in.SessionID, *in.SequenceNumber, rec)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, session, nil
}

// advanceMetadata moves PENDING and METADATA_UPLOADING records to
// METADATA_UPLOADED. Later states keep their transfer progress.
func advanceMetadata(rec *models.ImageRecord) error {
	if rec.Status == models.ImageStatusPending {
		if err := rec.MarkMetadataUploading(); err != nil {
			return transitionFailure(err)
		}
	}
	if rec.Status == models.ImageStatusMetadataUploading {
		if err := rec.MarkMetadataUploaded(); err != nil {
			var te *models.TransitionError
			if errors.As(err, &te) {
				return validationError(CodeInvalidInput, "%s", te.Reason)
			}
			return err
		}
	}
	return nil
}

func transitionFailure(err error) error {
	var te *models.TransitionError
	if errors.As(err, &te) {
		e := preconditionError(CodeInvalidTransition, "%s", te.Error())
		e.Err = err
		return e
	}
	return err
}

// BinaryInput is one binary transfer call. Content is read until EOF;
// ResumeFrom must not exceed the bytes already staged for the image.
type BinaryInput struct {
	ImageID    string
	Content    io.Reader
	ResumeFrom int64
	ChunkSize  int
}

// BinaryResult reports transfer progress, and the catalog image once the
// transfer is complete.
type BinaryResult struct {
	ImageID        string             `json:"image_id"`
	Status         models.ImageStatus `json:"status"`
	BytesUploaded  int64              `json:"bytes_uploaded"`
	FileSize       int64              `json:"file_size"`
	Progress       float64            `json:"progress"`
	Complete       bool               `json:"complete"`
	CatalogImageID string             `json:"server_image_id,omitempty"`
	ImageUID       string             `json:"image_uid,omitempty"`
	StorageKey     string             `json:"storage_key,omitempty"`
	Deduplicated   bool               `json:"deduplicated"`
}

func resultFor(rec *models.ImageRecord) *BinaryResult {
	res := &BinaryResult{
		ImageID:       rec.ID,
		Status:        rec.Status,
		BytesUploaded: rec.BytesUploaded,
		FileSize:      rec.FileSize,
		Progress:      rec.Progress,
		Complete:      rec.Status.BinaryComplete(),
	}
	if rec.CatalogImageID != nil {
		res.CatalogImageID = *rec.CatalogImageID
	}
	return res
}

// UploadBinary runs the binary phase: stage content at the resume offset,
// verify size and checksum once every declared byte is in, then promote the
// staged file into the catalog.
func (s *SyncService) UploadBinary(ctx context.Context, in BinaryInput) (res *BinaryResult, err error) {
	defer func() { observePhase(phaseBinary, err) }()

	if _, err := uuid.Parse(in.ImageID); err != nil {
		return nil, validationError(CodeInvalidImageID, "image_id must be a UUID")
	}
	if in.ResumeFrom < 0 {
		return nil, validationError(CodeInvalidInput, "resume_from must not be negative")
	}
	if in.Content == nil {
		in.Content = eofReader{}
	}
	chunkSize := in.ChunkSize
	if chunkSize <= 0 || chunkSize > s.cfg.ChunkSize {
		chunkSize = s.cfg.ChunkSize
	}

	lockCtx, cancel := context.WithTimeout(ctx, transferLockWait)
	release, err := s.transfers.Lock(lockCtx, in.ImageID)
	cancel()
	if err != nil {
		return nil, newError(KindConflict, CodeTransferInProgress, "another transfer of image %s is in progress", in.ImageID)
	}
	defer release()

	rec, err := s.store.Records.GetByID(ctx, in.ImageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, preconditionError(CodeMetadataNotUploaded, "metadata for image %s has not been uploaded", in.ImageID)
		}
		return nil, infraError(CodeInternal, err, "failed to load image %s", in.ImageID)
	}

	switch rec.Status {
	case models.ImageStatusSynced, models.ImageStatusAckReceived:
		return s.completedResult(ctx, rec), nil
	case models.ImageStatusPending, models.ImageStatusMetadataUploading:
		return nil, preconditionError(CodeMetadataNotUploaded, "metadata for image %s has not been uploaded", rec.ID)
	case models.ImageStatusFailed:
		return nil, preconditionError(CodeInvalidTransition, "image %s failed; retry it before resending the binary", rec.ID)
	case models.ImageStatusCancelled:
		return nil, preconditionError(CodeCancelled, "image %s is cancelled", rec.ID)
	case models.ImageStatusBinaryUploaded:
		return s.finalize(ctx, rec)
	}

	staged, err := s.staging.Size(rec.ID)
	if err != nil {
		return nil, s.fail(ctx, rec, infraError(CodeStorageError, err, "failed to inspect staged bytes of image %s", rec.ID), false)
	}
	if in.ResumeFrom > staged {
		return nil, preconditionError(CodeResumeOffsetMismatch, "resume_from %d is beyond the %d bytes received for image %s", in.ResumeFrom, staged, rec.ID)
	}
	if in.ResumeFrom > rec.FileSize {
		return nil, preconditionError(CodeResumeOffsetMismatch, "resume_from %d is beyond the declared size %d", in.ResumeFrom, rec.FileSize)
	}

	if err := rec.MarkBinaryUploading(in.ResumeFrom); err != nil {
		return nil, transitionFailure(err)
	}
	if err := s.store.Records.Save(ctx, rec); err != nil {
		return nil, infraError(CodeInternal, err, "failed to save image %s", rec.ID)
	}
	publish(s.events, recordEvent(rec))

	// progress must survive the caller hanging up mid transfer
	progressCtx := context.WithoutCancel(ctx)
	last := in.ResumeFrom
	written, werr := s.staging.Write(ctx, rec.ID, in.ResumeFrom, in.Content, chunkSize, rec.FileSize, func(total int64) error {
		bytesReceivedTotal.Add(float64(total - last))
		last = total
		if err := rec.MarkBinaryUploading(total); err != nil {
			return err
		}
		if err := s.store.Records.UpdateProgress(progressCtx, rec.ID, rec.BytesUploaded, rec.Progress); err != nil {
			return err
		}
		publish(s.events, progressEvent(rec))
		return nil
	})
	switch {
	case werr == nil:
	case errors.Is(werr, media.ErrContentTooLarge):
		return nil, s.fail(ctx, rec, integrityError(CodeSizeMismatch, "received more than the declared %d bytes for image %s", rec.FileSize, rec.ID), true)
	case errors.Is(werr, media.ErrUploadInterrupted):
		s.logger.Info("binary transfer interrupted",
			zap.String("image_id", rec.ID),
			zap.Int64("bytes_uploaded", written),
			zap.Error(werr))
		return nil, infraError(CodeTransferInterrupted, werr, "transfer of image %s interrupted at %d of %d bytes", rec.ID, written, rec.FileSize)
	default:
		return nil, s.fail(ctx, rec, infraError(CodeStorageError, werr, "failed to stage binary of image %s", rec.ID), false)
	}

	if written < rec.FileSize {
		return resultFor(rec), nil
	}
	return s.finalize(ctx, rec)
}

// finalize verifies the staged file and promotes it. rec must hold every
// declared byte.
func (s *SyncService) finalize(ctx context.Context, rec *models.ImageRecord) (*BinaryResult, error) {
	sum, size, err := s.staging.Checksum(rec.ID)
	if err != nil {
		return nil, s.fail(ctx, rec, infraError(CodeStorageError, err, "failed to hash staged binary of image %s", rec.ID), false)
	}
	if size != rec.FileSize {
		return nil, s.fail(ctx, rec, integrityError(CodeSizeMismatch, "received %d bytes for image %s, declared %d", size, rec.ID, rec.FileSize), true)
	}
	if sum != rec.Checksum {
		s.logger.Warn("checksum mismatch",
			zap.String("image_id", rec.ID),
			zap.String("declared", rec.Checksum),
			zap.String("computed", sum))
		return nil, s.fail(ctx, rec, integrityError(CodeChecksumMismatch, "content of image %s does not match its declared checksum", rec.ID), true)
	}

	img, deduplicated, err := s.promote(ctx, rec)
	if err != nil {
		se, ok := AsSyncError(err)
		if !ok {
			se = infraError(CodeStorageError, err, "failed to promote image %s", rec.ID)
		}
		return nil, s.fail(ctx, rec, se, false)
	}

	var sessions []*models.UploadSession
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		fresh, err := tx.Records.GetForUpdate(ctx, rec.ID)
		if err != nil {
			return err
		}
		if fresh.Status == models.ImageStatusCancelled {
			return preconditionError(CodeCancelled, "image %s was cancelled during transfer", rec.ID)
		}
		fresh.BytesUploaded = rec.FileSize
		if fresh.Status != models.ImageStatusBinaryUploaded {
			if err := fresh.MarkBinaryUploaded(); err != nil {
				return transitionFailure(err)
			}
		}
		if err := fresh.MarkSynced(img.ID); err != nil {
			return transitionFailure(err)
		}
		if err := tx.Records.Save(ctx, fresh); err != nil {
			return err
		}
		sessions, err = applyOutcome(ctx, tx, fresh.ID, models.ItemOutcomeUploaded)
		if err != nil {
			return err
		}
		rec = fresh
		return nil
	})
	if err != nil {
		if _, ok := AsSyncError(err); ok {
			return nil, err
		}
		return nil, infraError(CodeInternal, err, "failed to mark image %s synced", rec.ID)
	}

	if err := s.staging.Discard(rec.ID); err != nil {
		s.logger.Warn("failed to discard staged binary", zap.String("image_id", rec.ID), zap.Error(err))
	}
	if !deduplicated && s.previews != nil && media.IsPreviewable(img.ContentType, img.Filename) {
		s.previews.Enqueue(img.ID)
	}

	s.logger.Info("image synced",
		zap.String("image_id", rec.ID),
		zap.String("catalog_image_id", img.ID),
		zap.String("checksum", img.Checksum),
		zap.Bool("deduplicated", deduplicated))
	publish(s.events, recordEvent(rec))
	for _, session := range sessions {
		publish(s.events, sessionEvent(session))
	}

	res := resultFor(rec)
	res.ImageUID = img.ImageUID
	res.StorageKey = img.StorageKey
	res.Deduplicated = deduplicated
	return res, nil
}

func (s *SyncService) completedResult(ctx context.Context, rec *models.ImageRecord) *BinaryResult {
	res := resultFor(rec)
	if rec.CatalogImageID != nil {
		if img, err := s.store.Catalog.GetImageByID(ctx, *rec.CatalogImageID); err == nil {
			res.ImageUID = img.ImageUID
			res.StorageKey = img.StorageKey
			res.Deduplicated = img.RecordID != rec.ID
		}
	}
	return res
}

// fail records cause on the record and returns it. discard drops the staged
// bytes and rewinds the resume cursor.
func (s *SyncService) fail(ctx context.Context, rec *models.ImageRecord, cause *SyncError, discard bool) error {
	failuresTotal.WithLabelValues(cause.Code).Inc()
	ctx = context.WithoutCancel(ctx)

	var sessions []*models.UploadSession
	var failed *models.ImageRecord
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		fresh, err := tx.Records.GetForUpdate(ctx, rec.ID)
		if err != nil {
			return err
		}
		if fresh.Status.IsTerminal() {
			return nil
		}
		if discard {
			fresh.ResetBinaryProgress()
		}
		if err := fresh.MarkFailed(cause.Message, cause.Code); err != nil {
			return err
		}
		if err := tx.Records.Save(ctx, fresh); err != nil {
			return err
		}
		if fresh.Exhausted() {
			sessions, err = applyOutcome(ctx, tx, fresh.ID, models.ItemOutcomeFailed)
			if err != nil {
				return err
			}
		}
		failed = fresh
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record failure",
			zap.String("image_id", rec.ID),
			zap.String("code", cause.Code),
			zap.Error(err))
	}
	if discard {
		if err := s.staging.Discard(rec.ID); err != nil {
			s.logger.Warn("failed to discard staged binary", zap.String("image_id", rec.ID), zap.Error(err))
		}
	}

	if failed != nil {
		*rec = *failed
		s.logger.Warn("image failed",
			zap.String("image_id", rec.ID),
			zap.String("code", cause.Code),
			zap.Int("retry_count", rec.RetryCount),
			zap.Bool("exhausted", rec.Exhausted()),
			zap.Error(cause))
		publish(s.events, recordEvent(rec))
		for _, session := range sessions {
			publish(s.events, sessionEvent(session))
		}
	}
	return cause
}

// AckResult confirms the acknowledge phase.
type AckResult struct {
	ImageID        string             `json:"image_id"`
	CatalogImageID string             `json:"server_image_id"`
	Status         models.ImageStatus `json:"status"`
	SafeToDelete   bool               `json:"safe_to_delete"`
	AcknowledgedAt *int64             `json:"acknowledged_at,omitempty"`
}

// Acknowledge runs the final phase. It is the only operation that tells the
// client its local copy may be deleted. Repeating it returns the same answer.
func (s *SyncService) Acknowledge(ctx context.Context, imageID, serverImageID string) (res *AckResult, err error) {
	defer func() { observePhase(phaseAck, err) }()

	if _, err := uuid.Parse(imageID); err != nil {
		return nil, validationError(CodeInvalidImageID, "image_id must be a UUID")
	}
	if serverImageID == "" {
		return nil, validationError(CodeInvalidInput, "server_image_id is required")
	}

	var rec *models.ImageRecord
	acked := false
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		var err error
		rec, err = tx.Records.GetForUpdate(ctx, imageID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFoundError("image %s not found", imageID)
			}
			return err
		}

		switch rec.Status {
		case models.ImageStatusAckReceived:
			if rec.CatalogImageID == nil || *rec.CatalogImageID != serverImageID {
				return newError(KindConflict, CodeServerImageMismatch, "image %s was acknowledged with a different server image id", imageID)
			}
			return nil
		case models.ImageStatusSynced, models.ImageStatusBinaryUploaded:
		case models.ImageStatusCancelled:
			return preconditionError(CodeCancelled, "image %s is cancelled", imageID)
		default:
			return preconditionError(CodeBinaryNotUploaded, "binary of image %s has not been uploaded", imageID)
		}

		if rec.CatalogImageID == nil || *rec.CatalogImageID != serverImageID {
			return newError(KindConflict, CodeServerImageMismatch, "server image id %s does not match image %s", serverImageID, imageID)
		}
		if _, err := tx.Catalog.GetImageByID(ctx, serverImageID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return preconditionError(CodeBinaryNotUploaded, "catalog image %s does not exist", serverImageID)
			}
			return err
		}
		if err := rec.MarkAckReceived(serverImageID); err != nil {
			return transitionFailure(err)
		}
		acked = true
		return tx.Records.Save(ctx, rec)
	})
	if err != nil {
		if _, ok := AsSyncError(err); ok {
			return nil, err
		}
		return nil, infraError(CodeInternal, err, "failed to acknowledge image %s", imageID)
	}

	if acked {
		s.logger.Info("image acknowledged", zap.String("image_id", rec.ID), zap.String("catalog_image_id", serverImageID))
		publish(s.events, recordEvent(rec))
	}
	return &AckResult{
		ImageID:        rec.ID,
		CatalogImageID: serverImageID,
		Status:         rec.Status,
		SafeToDelete:   true,
		AcknowledgedAt: rec.AckReceivedAt,
	}, nil
}

// GetRecord returns the current state of one image record.
func (s *SyncService) GetRecord(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	rec, err := s.store.Records.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError("image %s not found", imageID)
		}
		return nil, infraError(CodeInternal, err, "failed to load image %s", imageID)
	}
	return rec, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
