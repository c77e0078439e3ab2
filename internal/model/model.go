// Package model holds the data types shared across the detection
// pipeline: Quote, Symbol, Opportunity and the change events that flow
// between components. Decimal fields use shopspring/decimal throughout so
// that fingerprinting and profit computation never accumulate float error.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the top-of-book snapshot for one (exchange, pair). The store
// (internal/book) holds at most one Quote per key; replacement is
// conditional on Sequence strictly increasing.
type Quote struct {
	Exchange  string          `json:"exchange"`
	Pair      string          `json:"pair"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidVolume decimal.Decimal `json:"bid_volume"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskVolume decimal.Decimal `json:"ask_volume"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Crossed reports whether the book is internally crossed (ask below bid),
// which should never happen for a valid top-of-book.
func (q Quote) Crossed() bool {
	if q.BidPrice.IsZero() || q.AskPrice.IsZero() {
		return false
	}
	return q.AskPrice.LessThan(q.BidPrice)
}

// SymbolMetadata carries the persisted display/precision metadata for a
// canonical pair, resolved once by the Symbol Registry at startup.
type SymbolMetadata struct {
	CanonicalID     string `json:"canonical_id" db:"canonical_id"`
	Base            string `json:"base" db:"base"`
	Quote           string `json:"quote" db:"quote"`
	DisplayName     string `json:"display_name" db:"display_name"`
	CurrencyName    string `json:"currency_name" db:"currency_name"`
	PricePrecision  int    `json:"price_precision" db:"price_precision"`
	AmountPrecision int    `json:"amount_precision" db:"amount_precision"`
	Enabled         bool   `json:"enabled" db:"enabled"`
}

// ExchangeAlias maps one venue's native symbol spelling (including opaque
// numeric pair identifiers, treated as another alias form) to a canonical
// pair identity.
type ExchangeAlias struct {
	Exchange     string `db:"exchange"`
	NativeSymbol string `db:"native_symbol"`
	CanonicalID  string `db:"canonical_id"`
}

// Opportunity is a detected arbitrage edge between two exchanges for one
// pair. Fingerprint is its stable identity across repeated detections.
type Opportunity struct {
	Pair             string          `json:"symbol"`
	BuyExchange      string          `json:"buy_exchange"`
	SellExchange     string          `json:"sell_exchange"`
	BuyPrice         decimal.Decimal `json:"buy_price"`
	SellPrice        decimal.Decimal `json:"sell_price"`
	BuyVolume        decimal.Decimal `json:"buy_volume"`
	SellVolume       decimal.Decimal `json:"sell_volume"`
	TradeVolume      decimal.Decimal `json:"trade_volume"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
	FirstSeen        time.Time       `json:"first_seen"`
	LastSeen         time.Time       `json:"last_seen"`
	Fingerprint      string          `json:"fingerprint"`
	SeenCount        int64           `json:"seen_count"`
}

// ComputeFingerprint builds the stable identity string for an opportunity
// from its price-forming components, each rounded to a fixed precision
// (10dp for prices, 8dp for volumes) so that two detections of the same
// edge always collide on the same key even if upstream noise differs
// past that precision.
func ComputeFingerprint(buyExchange, sellExchange, pair string, buyPrice, sellPrice, buyVolume, sellVolume decimal.Decimal) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		buyExchange, sellExchange, pair,
		buyPrice.StringFixed(10), sellPrice.StringFixed(10),
		buyVolume.StringFixed(8), sellVolume.StringFixed(8),
	)
}

// QuoteChanged is emitted by the Top-of-Book Store whenever a Quote is
// accepted (its sequence exceeded the previously stored one).
type QuoteChanged struct {
	Exchange string
	Pair     string
	New      Quote
	Previous *Quote
}

// BestChanged is emitted by the Opportunity Cache whenever the tracked
// best opportunity changes identity (a strictly better one arrives, or
// the prior best expires).
type BestChanged struct {
	Best *Opportunity
}

// Stats is the periodic aggregate counter snapshot broadcast to
// dashboard subscribers as a redis_stats event.
type Stats struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	PricesCount        int     `json:"prices_count"`
	OpportunitiesCount int     `json:"opportunities_count"`
	ActiveExchanges    int     `json:"active_exchanges"`
	TrackedPairs       int     `json:"tracked_pairs"`
	ActiveSubscribers  int     `json:"active_subscribers"`
}
