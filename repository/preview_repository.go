package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/radsync/models"
)

// GormPreviewRepository tracks preview generation for catalog images
type GormPreviewRepository struct {
	db *gorm.DB
}

func NewGormPreviewRepository(db *gorm.DB) PreviewRepository {
	return &GormPreviewRepository{db: db}
}

// Ensure creates a pending preview row; returns true if a new row was created
func (r *GormPreviewRepository) Ensure(ctx context.Context, imageID string) (bool, error) {
	row := models.ImagePreview{ImageID: imageID, Status: models.PreviewStatusPending}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to ensure preview row for %s: %w", imageID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *GormPreviewRepository) Get(ctx context.Context, imageID string) (*models.ImagePreview, error) {
	var p models.ImagePreview
	if err := r.db.WithContext(ctx).Where("image_id = ?", imageID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// MarkProcessing updates the status to 'processing' and clears the error
func (r *GormPreviewRepository) MarkProcessing(ctx context.Context, imageID string) error {
	updates := map[string]interface{}{
		"status": models.PreviewStatusProcessing,
		"error":  gorm.Expr("NULL"),
	}
	result := r.db.WithContext(ctx).Model(&models.ImagePreview{}).Where("image_id = ?", imageID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark preview processing for %s: %w", imageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResult records the outcome of a preview task. A non-nil taskErr forces
// the error status.
func (r *GormPreviewRepository) SetResult(ctx context.Context, imageID string, storageKey *string, status string, taskErr error) error {
	now := time.Now().Unix()
	updates := map[string]interface{}{
		"status":       status,
		"storage_key":  storageKey,
		"processed_at": now,
		"error":        gorm.Expr("NULL"),
	}
	if taskErr != nil {
		msg := taskErr.Error()
		updates["status"] = models.PreviewStatusError
		updates["error"] = msg
		updates["storage_key"] = gorm.Expr("NULL")
	}
	result := r.db.WithContext(ctx).Model(&models.ImagePreview{}).Where("image_id = ?", imageID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update preview result for %s: %w", imageID, result.Error)
	}
	return nil
}

// ListUnfinished returns previews that were queued or interrupted.
func (r *GormPreviewRepository) ListUnfinished(ctx context.Context) ([]models.ImagePreview, error) {
	var out []models.ImagePreview
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.PreviewStatusPending, models.PreviewStatusProcessing}).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished previews: %w", err)
	}
	return out, nil
}
