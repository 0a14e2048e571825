package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const valuationColumns = `id, address_line, city, region, postal_code, estimated_value, source_ref, error, captured_at`

// -----------------------------------------------------------------------------
// Valuation Cache Methods
// -----------------------------------------------------------------------------

// InsertValuation appends a cache entry. ID and CapturedAt are filled in when
// unset.
func (db *DB) InsertValuation(ctx context.Context, entry *ValuationEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CapturedAt.IsZero() {
		entry.CapturedAt = time.Now()
	}
	addr := entry.Address.Normalize()
	entry.Address = addr

	_, err := db.pool.Exec(ctx,
		`INSERT INTO valuation_cache (`+valuationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, addr.Line, addr.City, addr.Region, addr.PostalCode,
		entry.EstimatedValue, entry.SourceRef, entry.Error, entry.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert valuation: %w", err)
	}
	return nil
}

// GetValuation retrieves a cache entry by ID. Returns nil if not found.
func (db *DB) GetValuation(ctx context.Context, id uuid.UUID) (*ValuationEntry, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+valuationColumns+` FROM valuation_cache WHERE id = $1`, id)
	entry, err := scanValuation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get valuation: %w", err)
	}
	return entry, nil
}

// FindValuationByAddress returns the most recently captured entry for the
// exact address. Returns nil if none exists.
func (db *DB) FindValuationByAddress(ctx context.Context, addr Address) (*ValuationEntry, error) {
	addr = addr.Normalize()
	row := db.pool.QueryRow(ctx,
		`SELECT `+valuationColumns+` FROM valuation_cache
		 WHERE address_line = $1 AND city = $2 AND region = $3 AND postal_code = $4
		 ORDER BY captured_at DESC LIMIT 1`,
		addr.Line, addr.City, addr.Region, addr.PostalCode)
	entry, err := scanValuation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find valuation: %w", err)
	}
	return entry, nil
}

// ListValuations retrieves cache entries most recent first.
func (db *DB) ListValuations(ctx context.Context, limit int) ([]ValuationEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+valuationColumns+` FROM valuation_cache
		 ORDER BY captured_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list valuations: %w", err)
	}
	defer rows.Close()

	entries := []ValuationEntry{}
	for rows.Next() {
		entry, err := scanValuation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan valuation: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// DeleteValuation removes one cache entry.
func (db *DB) DeleteValuation(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM valuation_cache WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete valuation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("valuation not found: %s", id)
	}
	return nil
}

// PurgeValuations removes every cache entry and returns how many were deleted.
func (db *DB) PurgeValuations(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM valuation_cache`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge valuations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanValuation(row pgx.Row) (*ValuationEntry, error) {
	var e ValuationEntry
	err := row.Scan(&e.ID, &e.Address.Line, &e.Address.City, &e.Address.Region, &e.Address.PostalCode,
		&e.EstimatedValue, &e.SourceRef, &e.Error, &e.CapturedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
