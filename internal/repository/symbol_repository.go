// Package repository provides read access to the persisted metadata store
// that backs the symbol registry: the markets and exchange_aliases
// tables. The registry loads this once at startup and never touches the
// database again on the hot path.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"marketwatch/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("repository: not found")

// SymbolRepository loads canonical market metadata and per-exchange alias
// mappings from the relational store.
type SymbolRepository interface {
	LoadMarkets(ctx context.Context) ([]model.SymbolMetadata, error)
	LoadAliases(ctx context.Context) ([]model.ExchangeAlias, error)
	MarketByCanonicalID(ctx context.Context, canonicalID string) (model.SymbolMetadata, error)
}

type symbolRepository struct {
	db *sql.DB
}

// NewSymbolRepository wraps an already-open *sql.DB. Callers own the
// connection's lifecycle (Open/Close); this type only issues queries.
func NewSymbolRepository(db *sql.DB) SymbolRepository {
	return &symbolRepository{db: db}
}

// Open opens a Postgres connection pool for the given DSN and verifies it
// with a ping, matching the "fail fast at startup" error-handling policy
// for ConfigError-class problems.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}
	return db, nil
}

func (r *symbolRepository) LoadMarkets(ctx context.Context) ([]model.SymbolMetadata, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT canonical_id, base, quote, display_name, currency_name,
		       price_precision, amount_precision, enabled
		FROM markets
		WHERE enabled = true
		ORDER BY canonical_id`)
	if err != nil {
		return nil, fmt.Errorf("repository: load markets: %w", err)
	}
	defer rows.Close()

	var markets []model.SymbolMetadata
	for rows.Next() {
		var m model.SymbolMetadata
		if err := rows.Scan(&m.CanonicalID, &m.Base, &m.Quote, &m.DisplayName,
			&m.CurrencyName, &m.PricePrecision, &m.AmountPrecision, &m.Enabled); err != nil {
			return nil, fmt.Errorf("repository: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: load markets: %w", err)
	}
	return markets, nil
}

func (r *symbolRepository) LoadAliases(ctx context.Context) ([]model.ExchangeAlias, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT exchange, native_symbol, canonical_id
		FROM exchange_aliases
		ORDER BY exchange, native_symbol`)
	if err != nil {
		return nil, fmt.Errorf("repository: load aliases: %w", err)
	}
	defer rows.Close()

	var aliases []model.ExchangeAlias
	for rows.Next() {
		var a model.ExchangeAlias
		if err := rows.Scan(&a.Exchange, &a.NativeSymbol, &a.CanonicalID); err != nil {
			return nil, fmt.Errorf("repository: scan alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: load aliases: %w", err)
	}
	return aliases, nil
}

func (r *symbolRepository) MarketByCanonicalID(ctx context.Context, canonicalID string) (model.SymbolMetadata, error) {
	var m model.SymbolMetadata
	err := r.db.QueryRowContext(ctx, `
		SELECT canonical_id, base, quote, display_name, currency_name,
		       price_precision, amount_precision, enabled
		FROM markets
		WHERE canonical_id = $1`, canonicalID).
		Scan(&m.CanonicalID, &m.Base, &m.Quote, &m.DisplayName,
			&m.CurrencyName, &m.PricePrecision, &m.AmountPrecision, &m.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SymbolMetadata{}, ErrNotFound
	}
	if err != nil {
		return model.SymbolMetadata{}, fmt.Errorf("repository: market by canonical id: %w", err)
	}
	return m, nil
}
