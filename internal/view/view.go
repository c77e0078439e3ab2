// Package view builds the client-facing DTOs the dashboard websocket and
// HTTP JSON endpoints serve, projecting the symbol registry's display
// metadata onto the internal Quote/Opportunity types so neither the book
// store nor the detector needs to know about display concerns.
package view

import (
	"time"

	"github.com/shopspring/decimal"

	"marketwatch/internal/model"
	"marketwatch/internal/symbol"
)

// Quote is the client-facing projection of model.Quote, carrying the
// display metadata the dashboard schema requires alongside the raw
// top-of-book numbers.
type Quote struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	DisplaySymbol string          `json:"display_symbol"`
	BaseCurrency  string          `json:"base_currency"`
	CurrencyName  string          `json:"currency_name"`
	BidPrice      decimal.Decimal `json:"bid_price"`
	AskPrice      decimal.Decimal `json:"ask_price"`
	BidVolume     decimal.Decimal `json:"bid_volume"`
	AskVolume     decimal.Decimal `json:"ask_volume"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BuildQuote projects q through reg's metadata. Pairs the registry lost
// track of (should not happen once seeded) fall back to the canonical id
// for symbol, display_symbol and base_currency; currency_name stays empty.
func BuildQuote(reg *symbol.Registry, q model.Quote) Quote {
	v := Quote{
		Exchange:      q.Exchange,
		Symbol:        q.Pair,
		DisplaySymbol: q.Pair,
		BaseCurrency:  q.Pair,
		BidPrice:      q.BidPrice,
		AskPrice:      q.AskPrice,
		BidVolume:     q.BidVolume,
		AskVolume:     q.AskVolume,
		Timestamp:     q.Timestamp,
	}
	if meta, ok := reg.Describe(q.Pair); ok {
		v.DisplaySymbol = meta.DisplayName
		v.BaseCurrency = meta.Base
		v.CurrencyName = meta.CurrencyName
	}
	return v
}

// BuildQuotes projects a slice of Quotes, used for initial_prices and the
// prices HTTP endpoint.
func BuildQuotes(reg *symbol.Registry, quotes []model.Quote) []Quote {
	out := make([]Quote, len(quotes))
	for i, q := range quotes {
		out[i] = BuildQuote(reg, q)
	}
	return out
}

// CurrencyNames maps each canonical pair the registry knows about to its
// currency_name, used by the HTTP endpoints' currency_names field.
func CurrencyNames(reg *symbol.Registry) map[string]string {
	out := make(map[string]string)
	for _, pair := range reg.Pairs() {
		if meta, ok := reg.Describe(pair); ok {
			out[meta.CanonicalID] = meta.CurrencyName
		}
	}
	return out
}
