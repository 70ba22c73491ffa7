package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/radsync/models"
)

type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) OrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Get(ctx context.Context, ref string) (*models.ImagingOrder, error) {
	var o models.ImagingOrder
	if err := r.db.WithContext(ctx).Where("ref = ?", ref).First(&o).Error; err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

// Upsert stores the local projection of an order, replacing descriptive fields.
func (r *GormOrderRepository) Upsert(ctx context.Context, order *models.ImagingOrder) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"patient_id", "patient_name", "modality", "description"}),
	}).Create(order).Error
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.Ref, err)
	}
	return nil
}
