package database

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
)

// Raw gives the squirrel based queries direct access to the connection pool
// gorm manages, with the placeholder format of the active driver.
type Raw struct {
	DB      *sql.DB
	Builder sq.StatementBuilderType
}

// NewRaw unwraps db.
func NewRaw(db *gorm.DB) (*Raw, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}
	var format sq.PlaceholderFormat = sq.Question
	if db.Dialector.Name() == DriverPostgres {
		format = sq.Dollar
	}
	return &Raw{DB: sqlDB, Builder: sq.StatementBuilder.PlaceholderFormat(format)}, nil
}
