package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/radsync/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyExists  = errors.New("record already exists")
	ErrImageImmutable = models.ErrImageImmutable
)

// ImageRecordRepository defines the methods for image record data operations
type ImageRecordRepository interface {
	Create(ctx context.Context, rec *models.ImageRecord) error
	GetByID(ctx context.Context, id string) (*models.ImageRecord, error)
	GetForUpdate(ctx context.Context, id string) (*models.ImageRecord, error)
	Save(ctx context.Context, rec *models.ImageRecord) error
	UpdateProgress(ctx context.Context, id string, bytesUploaded int64, progress float64) error
	ListByStatuses(ctx context.Context, orderRef string, statuses []models.ImageStatus) ([]models.ImageRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.ImageRecord, error)
}

// SessionRepository defines the methods for upload session data operations
type SessionRepository interface {
	Create(ctx context.Context, s *models.UploadSession) error
	GetByID(ctx context.Context, id string, withItems bool) (*models.UploadSession, error)
	GetForUpdate(ctx context.Context, id string) (*models.UploadSession, error)
	Save(ctx context.Context, s *models.UploadSession) error
	UpsertItem(ctx context.Context, item *models.SessionItem) error
	ListItems(ctx context.Context, sessionID string) ([]models.SessionItem, error)
	ItemsForImage(ctx context.Context, imageID string) ([]models.SessionItem, error)
	SetItemOutcome(ctx context.Context, imageID string, outcome models.ItemOutcome) ([]string, error)
}

// CatalogRepository defines the methods for the study/series/image catalog.
// Images are create-only.
type CatalogRepository interface {
	GetOrCreateStudy(ctx context.Context, study *models.Study) (*models.Study, error)
	GetOrCreateSeries(ctx context.Context, series *models.Series) (*models.Series, error)
	GetStudyByUID(ctx context.Context, studyUID string) (*models.Study, error)
	GetStudyByID(ctx context.Context, id uint) (*models.Study, error)
	GetSeriesByID(ctx context.Context, id uint) (*models.Series, error)
	ListSeries(ctx context.Context, studyID uint) ([]models.Series, error)
	ListImages(ctx context.Context, seriesID uint) ([]models.Image, error)
	FindImageByChecksum(ctx context.Context, checksum string) (*models.Image, error)
	GetImageByID(ctx context.Context, id string) (*models.Image, error)
	GetImageByUID(ctx context.Context, imageUID string) (*models.Image, error)
	SaveImage(ctx context.Context, img *models.Image) error
}

// OrderRepository defines the methods for the imaging order directory
type OrderRepository interface {
	Get(ctx context.Context, ref string) (*models.ImagingOrder, error)
	Upsert(ctx context.Context, order *models.ImagingOrder) error
}

// PreviewRepository defines the methods for preview task state
type PreviewRepository interface {
	Ensure(ctx context.Context, imageID string) (bool, error)
	Get(ctx context.Context, imageID string) (*models.ImagePreview, error)
	MarkProcessing(ctx context.Context, imageID string) error
	SetResult(ctx context.Context, imageID string, storageKey *string, status string, taskErr error) error
	ListUnfinished(ctx context.Context) ([]models.ImagePreview, error)
}

// translate maps gorm errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrAlreadyExists
	case strings.Contains(err.Error(), "UNIQUE constraint failed"),
		strings.Contains(err.Error(), "duplicate key value"):
		return ErrAlreadyExists
	}
	return err
}

// forUpdate adds a row lock where the dialect supports one. sqlite
// serializes writers on its own.
func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "postgres" {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}
