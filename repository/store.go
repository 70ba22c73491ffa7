package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles the repositories over one connection or transaction.
type Store struct {
	db *gorm.DB

	Records  ImageRecordRepository
	Sessions SessionRepository
	Catalog  CatalogRepository
	Orders   OrderRepository
	Previews PreviewRepository
}

// NewStore creates a Store backed by db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:       db,
		Records:  NewGormImageRecordRepository(db),
		Sessions: NewGormSessionRepository(db),
		Catalog:  NewGormCatalogRepository(db),
		Orders:   NewGormOrderRepository(db),
		Previews: NewGormPreviewRepository(db),
	}
}

// DB exposes the underlying handle for health checks and raw queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a Store bound to a single transaction. The
// outer Store must not be used inside fn.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
