package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/radsync/models"
)

type GormSessionRepository struct {
	db *gorm.DB
}

func NewGormSessionRepository(db *gorm.DB) SessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Create(ctx context.Context, s *models.UploadSession) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create upload session %s: %w", s.ID, translate(err))
	}
	return nil
}

func (r *GormSessionRepository) GetByID(ctx context.Context, id string, withItems bool) (*models.UploadSession, error) {
	var s models.UploadSession
	q := r.db.WithContext(ctx)
	if withItems {
		q = q.Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence_number ASC")
		})
	}
	if err := q.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *GormSessionRepository) GetForUpdate(ctx context.Context, id string) (*models.UploadSession, error) {
	var s models.UploadSession
	if err := forUpdate(r.db.WithContext(ctx)).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

func (r *GormSessionRepository) Save(ctx context.Context, s *models.UploadSession) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Save(s).Error; err != nil {
		return fmt.Errorf("failed to save upload session %s: %w", s.ID, translate(err))
	}
	return nil
}

// UpsertItem binds a sequence number to an image. Re-registering the same
// sequence number rebinds it and resets the outcome when the image changes.
func (r *GormSessionRepository) UpsertItem(ctx context.Context, item *models.SessionItem) error {
	var existing models.SessionItem
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND sequence_number = ?", item.SessionID, item.SequenceNumber).
		First(&existing).Error
	switch translate(err) {
	case nil:
		if existing.ImageID != item.ImageID {
			existing.ImageID = item.ImageID
			existing.Outcome = item.Outcome
			if existing.Outcome == "" {
				existing.Outcome = models.ItemOutcomePending
			}
		}
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to update session item %s/%d: %w", item.SessionID, item.SequenceNumber, err)
		}
		*item = existing
		return nil
	case ErrNotFound:
		if item.Outcome == "" {
			item.Outcome = models.ItemOutcomePending
		}
		if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
			return fmt.Errorf("failed to create session item %s/%d: %w", item.SessionID, item.SequenceNumber, translate(err))
		}
		return nil
	default:
		return fmt.Errorf("failed to look up session item: %w", err)
	}
}

func (r *GormSessionRepository) ListItems(ctx context.Context, sessionID string) ([]models.SessionItem, error) {
	var items []models.SessionItem
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence_number ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list items for session %s: %w", sessionID, err)
	}
	return items, nil
}

func (r *GormSessionRepository) ItemsForImage(ctx context.Context, imageID string) ([]models.SessionItem, error) {
	var items []models.SessionItem
	if err := r.db.WithContext(ctx).Where("image_id = ?", imageID).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list session items for image %s: %w", imageID, err)
	}
	return items, nil
}

// SetItemOutcome updates every item bound to imageID and returns the ids of
// the sessions touched.
func (r *GormSessionRepository) SetItemOutcome(ctx context.Context, imageID string, outcome models.ItemOutcome) ([]string, error) {
	items, err := r.ItemsForImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	err = r.db.WithContext(ctx).Model(&models.SessionItem{}).
		Where("image_id = ?", imageID).
		Update("outcome", outcome).Error
	if err != nil {
		return nil, fmt.Errorf("failed to set outcome for image %s: %w", imageID, err)
	}
	seen := make(map[string]bool, len(items))
	var sessions []string
	for _, it := range items {
		if !seen[it.SessionID] {
			seen[it.SessionID] = true
			sessions = append(sessions, it.SessionID)
		}
	}
	return sessions, nil
}
