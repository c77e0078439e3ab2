// Package symbol implements the symbol registry: canonicalization of
// exchange-native pair identifiers to a (base, quote) identity, and the
// per-pair display/precision metadata carried alongside it. The registry
// is built once at startup from the persisted metadata store and is
// immutable for the lifetime of the process: lock-free reads, no
// dynamic reconfiguration.
package symbol

import (
	"context"
	"fmt"

	"marketwatch/internal/model"
	"marketwatch/internal/repository"
)

// ErrUnknownSymbol is returned by Canonicalize when no alias matches.
var ErrUnknownSymbol = fmt.Errorf("symbol: unknown symbol")

// NativePair pairs a venue-native symbol spelling with its canonical id,
// as returned by ForExchange for building subscription sets.
type NativePair struct {
	Native    string
	Canonical string
}

// Registry is the immutable, process-wide symbol table.
type Registry struct {
	aliases  map[string]map[string]string // exchange -> native -> canonical
	metadata map[string]model.SymbolMetadata
	byVenue  map[string][]NativePair
}

// Load builds a Registry from the repository's markets and
// exchange_aliases tables. It is a ConfigError-class failure if the
// store cannot be read or is empty of enabled markets; the process
// should abort startup rather than run with no symbol knowledge.
func Load(ctx context.Context, repo repository.SymbolRepository) (*Registry, error) {
	markets, err := repo.LoadMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("symbol: load markets: %w", err)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("symbol: no enabled markets in metadata store")
	}

	aliasRows, err := repo.LoadAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("symbol: load aliases: %w", err)
	}

	return build(markets, aliasRows)
}

func build(markets []model.SymbolMetadata, aliasRows []model.ExchangeAlias) (*Registry, error) {
	r := &Registry{
		aliases:  make(map[string]map[string]string),
		metadata: make(map[string]model.SymbolMetadata, len(markets)),
		byVenue:  make(map[string][]NativePair),
	}

	for _, m := range markets {
		r.metadata[m.CanonicalID] = m
	}

	for _, a := range aliasRows {
		if _, ok := r.metadata[a.CanonicalID]; !ok {
			// Alias points at a market that is disabled or absent; skip
			// rather than fail the whole registry load.
			continue
		}
		venue := r.aliases[a.Exchange]
		if venue == nil {
			venue = make(map[string]string)
			r.aliases[a.Exchange] = venue
		}
		if existing, dup := venue[a.NativeSymbol]; dup && existing != a.CanonicalID {
			return nil, fmt.Errorf("symbol: alias (%s, %s) is not injective: maps to both %s and %s",
				a.Exchange, a.NativeSymbol, existing, a.CanonicalID)
		}
		venue[a.NativeSymbol] = a.CanonicalID
		r.byVenue[a.Exchange] = append(r.byVenue[a.Exchange], NativePair{
			Native:    a.NativeSymbol,
			Canonical: a.CanonicalID,
		})
	}

	return r, nil
}

// Canonicalize maps an exchange-native symbol to its canonical pair id.
func (r *Registry) Canonicalize(exchange, nativeSymbol string) (string, error) {
	venue, ok := r.aliases[exchange]
	if !ok {
		return "", ErrUnknownSymbol
	}
	canonical, ok := venue[nativeSymbol]
	if !ok {
		return "", ErrUnknownSymbol
	}
	return canonical, nil
}

// Describe returns the display/precision metadata for a canonical pair.
func (r *Registry) Describe(pair string) (model.SymbolMetadata, bool) {
	m, ok := r.metadata[pair]
	return m, ok
}

// ForExchange returns every (native, canonical) pair registered for a
// venue, used by collectors to build their subscription sets.
func (r *Registry) ForExchange(exchange string) []NativePair {
	return r.byVenue[exchange]
}

// Pairs returns every canonical pair known to the registry.
func (r *Registry) Pairs() []string {
	pairs := make([]string, 0, len(r.metadata))
	for p := range r.metadata {
		pairs = append(pairs, p)
	}
	return pairs
}
