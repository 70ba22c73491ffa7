package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/radsync/models"
)

// GormCatalogRepository handles the study/series/image catalog.
type GormCatalogRepository struct {
	db *gorm.DB
}

func NewGormCatalogRepository(db *gorm.DB) CatalogRepository {
	return &GormCatalogRepository{db: db}
}

// GetOrCreateStudy returns the study keyed by (order, study uid), inserting
// study when none exists. Concurrent callers converge on one row.
func (r *GormCatalogRepository) GetOrCreateStudy(ctx context.Context, study *models.Study) (*models.Study, error) {
	db := r.db.WithContext(ctx)
	var existing models.Study
	err := db.Where("order_ref = ? AND study_uid = ?", study.OrderRef, study.StudyUID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up study %s: %w", study.StudyUID, err)
	}

	candidate := *study
	candidate.ID = 0
	if err := db.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("failed to create study %s: %w", study.StudyUID, translate(err))
	}
	if err := db.Where("order_ref = ? AND study_uid = ?", study.OrderRef, study.StudyUID).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to reload study %s: %w", study.StudyUID, translate(err))
	}
	return &existing, nil
}

// GetOrCreateSeries returns the series keyed by (study, series uid). New
// series get the next sequence number within their study.
func (r *GormCatalogRepository) GetOrCreateSeries(ctx context.Context, series *models.Series) (*models.Series, error) {
	db := r.db.WithContext(ctx)
	var existing models.Series
	err := db.Where("study_id = ? AND series_uid = ?", series.StudyID, series.SeriesUID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up series %s: %w", series.SeriesUID, err)
	}

	candidate := *series
	candidate.ID = 0
	if candidate.SequenceNumber <= 0 {
		var count int64
		if err := db.Model(&models.Series{}).Where("study_id = ?", series.StudyID).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("failed to count series for study %d: %w", series.StudyID, err)
		}
		candidate.SequenceNumber = int(count) + 1
	}
	if err := db.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("failed to create series %s: %w", series.SeriesUID, translate(err))
	}
	if err := db.Where("study_id = ? AND series_uid = ?", series.StudyID, series.SeriesUID).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to reload series %s: %w", series.SeriesUID, translate(err))
	}
	return &existing, nil
}

func (r *GormCatalogRepository) GetStudyByUID(ctx context.Context, studyUID string) (*models.Study, error) {
	var s models.Study
	if err := r.db.WithContext(ctx).Where("study_uid = ?", studyUID).First(&s).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *GormCatalogRepository) GetStudyByID(ctx context.Context, id uint) (*models.Study, error) {
	var s models.Study
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *GormCatalogRepository) GetSeriesByID(ctx context.Context, id uint) (*models.Series, error) {
	var s models.Series
	if err := r.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *GormCatalogRepository) ListSeries(ctx context.Context, studyID uint) ([]models.Series, error) {
	var out []models.Series
	if err := r.db.WithContext(ctx).Where("study_id = ?", studyID).Order("sequence_number ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list series for study %d: %w", studyID, err)
	}
	return out, nil
}

func (r *GormCatalogRepository) ListImages(ctx context.Context, seriesID uint) ([]models.Image, error) {
	var out []models.Image
	if err := r.db.WithContext(ctx).Where("series_id = ?", seriesID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list images for series %d: %w", seriesID, err)
	}
	return out, nil
}

func (r *GormCatalogRepository) FindImageByChecksum(ctx context.Context, checksum string) (*models.Image, error) {
	var img models.Image
	if err := r.db.WithContext(ctx).Where("checksum = ?", checksum).First(&img).Error; err != nil {
		return nil, translate(err)
	}
	return &img, nil
}

func (r *GormCatalogRepository) GetImageByID(ctx context.Context, id string) (*models.Image, error) {
	var img models.Image
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&img).Error; err != nil {
		return nil, translate(err)
	}
	return &img, nil
}

func (r *GormCatalogRepository) GetImageByUID(ctx context.Context, imageUID string) (*models.Image, error) {
	var img models.Image
	if err := r.db.WithContext(ctx).Where("image_uid = ?", imageUID).First(&img).Error; err != nil {
		return nil, translate(err)
	}
	return &img, nil
}

// SaveImage inserts a new catalog image. An image that already carries an id
// is never written again. A checksum collision surfaces as ErrAlreadyExists
// so the caller can adopt the existing row.
func (r *GormCatalogRepository) SaveImage(ctx context.Context, img *models.Image) error {
	if img.ID != "" {
		return ErrImageImmutable
	}
	img.ID = uuid.NewString()
	if img.ImageUID == "" {
		img.ImageUID = models.UIDFromUUID(uuid.MustParse(img.ID))
	}
	if err := r.db.WithContext(ctx).Create(img).Error; err != nil {
		img.ID = ""
		return fmt.Errorf("failed to create catalog image %s: %w", img.Checksum, translate(err))
	}
	return nil
}
