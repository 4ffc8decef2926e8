// Package store is the SQLite persistence layer for inquiries, build jobs, the
// nesting decision log and calculations.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Simplici0/lpbf-planner/internal/features"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store runs queries either on the pool or inside one transaction.
type Store struct {
	db *sql.DB
	q  dbtx
}

// New returns a store on db.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

// InTx runs fn with a store bound to a single transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// featureColumns maps stored part columns to regression features. Quantity is
// stored as its own non-null column.
var featureColumns = []features.Name{
	features.PartVolumeCM3,
	features.StockCM3,
	features.SupportVolumeCM3,
	features.PartHeightMM,
	features.PrepTimeMin,
	features.PostHandlingTimeMin,
	features.BlastingTimeMin,
	features.LeakTestingTimeMin,
	features.QCTimeMin,
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
