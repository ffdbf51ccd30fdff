// Package sqlite serves the instrument master: static reference data
// keyed by (segment, token), produced out of band from the exchange
// contract files. The process opens it read-only; refreshing the master
// is an offline concern.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"mdplane-v1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a key has no master row.
var ErrNotFound = errors.New("sqlite: instrument not found")

// InstrumentMaster is a read-only view over the instruments table.
type InstrumentMaster struct {
	db *sql.DB
}

// Open opens the master database read-only.
func Open(path string) (*InstrumentMaster, error) {
	db, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open master: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM instruments`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite master sanity check: %w", err)
	}

	log.Printf("[sqlite] instrument master %s, %d rows", path, n)
	return &InstrumentMaster{db: db}, nil
}

// Lookup resolves one instrument by composite key.
func (m *InstrumentMaster) Lookup(ctx context.Context, key model.CompositeKey) (model.Instrument, error) {
	var (
		inst    model.Instrument
		isIndex int
		expiry  sql.NullString
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT segment, token, trading_symbol, name, series, lot_size, tick_size, expiry, is_index
		FROM instruments
		WHERE segment = ? AND token = ?
	`, int32(key.Segment()), key.Token()).Scan(
		&inst.Segment, &inst.Token, &inst.TradingSymbol, &inst.Name,
		&inst.Series, &inst.LotSize, &inst.TickSize, &expiry, &isIndex,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Instrument{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return model.Instrument{}, fmt.Errorf("sqlite lookup %s: %w", key, err)
	}
	inst.Expiry = expiry.String
	inst.IsIndex = isIndex != 0
	return inst, nil
}

// IndexTokens lists one segment's index tokens, the always-on
// subscription set carried through source migrations.
func (m *InstrumentMaster) IndexTokens(ctx context.Context, segment model.Segment) ([]uint32, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT token FROM instruments
		WHERE segment = ? AND is_index = 1
		ORDER BY token ASC
	`, int32(segment))
	if err != nil {
		return nil, fmt.Errorf("sqlite index tokens %s: %w", segment, err)
	}
	defer rows.Close()

	var tokens []uint32
	for rows.Next() {
		var tok uint32
		if err := rows.Scan(&tok); err != nil {
			return nil, fmt.Errorf("sqlite scan index token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// SymbolFor renders a key for logs: the trading symbol when the master
// knows it, the numeric key otherwise.
func (m *InstrumentMaster) SymbolFor(ctx context.Context, key model.CompositeKey) string {
	inst, err := m.Lookup(ctx, key)
	if err != nil {
		return key.String()
	}
	return inst.TradingSymbol
}

// DB exposes the handle for health checks.
func (m *InstrumentMaster) DB() *sql.DB { return m.db }

// Close closes the database.
func (m *InstrumentMaster) Close() error {
	return m.db.Close()
}
