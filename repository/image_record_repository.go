package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/camden-git/radsync/models"
)

// GormImageRecordRepository handles database operations for ImageRecord entities
type GormImageRecordRepository struct {
	db *gorm.DB
}

// NewGormImageRecordRepository creates a new instance of GormImageRecordRepository
func NewGormImageRecordRepository(db *gorm.DB) ImageRecordRepository {
	return &GormImageRecordRepository{db: db}
}

func (r *GormImageRecordRepository) Create(ctx context.Context, rec *models.ImageRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create image record %s: %w", rec.ID, translate(err))
	}
	return nil
}

func (r *GormImageRecordRepository) GetByID(ctx context.Context, id string) (*models.ImageRecord, error) {
	var rec models.ImageRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// GetForUpdate is GetByID with a row lock; only meaningful inside a transaction.
func (r *GormImageRecordRepository) GetForUpdate(ctx context.Context, id string) (*models.ImageRecord, error) {
	var rec models.ImageRecord
	if err := forUpdate(r.db.WithContext(ctx)).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

func (r *GormImageRecordRepository) Save(ctx context.Context, rec *models.ImageRecord) error {
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to save image record %s: %w", rec.ID, translate(err))
	}
	return nil
}

// UpdateProgress persists the resume cursor without touching other columns.
func (r *GormImageRecordRepository) UpdateProgress(ctx context.Context, id string, bytesUploaded int64, progress float64) error {
	result := r.db.WithContext(ctx).Model(&models.ImageRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"bytes_uploaded": bytesUploaded,
		"progress":       progress,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update progress for %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatuses returns records in any of statuses, oldest first. An empty
// orderRef matches every order.
func (r *GormImageRecordRepository) ListByStatuses(ctx context.Context, orderRef string, statuses []models.ImageStatus) ([]models.ImageRecord, error) {
	var recs []models.ImageRecord
	q := r.db.WithContext(ctx).Where("status IN ?", statuses)
	if orderRef != "" {
		q = q.Where("order_ref = ?", orderRef)
	}
	if err := q.Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list image records: %w", err)
	}
	return recs, nil
}

func (r *GormImageRecordRepository) ListBySession(ctx context.Context, sessionID string) ([]models.ImageRecord, error) {
	var recs []models.ImageRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ? OR id IN (?)", sessionID,
			r.db.Model(&models.SessionItem{}).Select("image_id").Where("session_id = ?", sessionID)).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list records for session %s: %w", sessionID, err)
	}
	return recs, nil
}
