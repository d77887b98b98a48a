// Package datasource hosts the market-data collaborators consumed by the
// policy engine: price and bar history lookups and the qualifying-universe
// source, backed by the exchange REST API.
package datasource

import (
	"context"

	"github.com/shopspring/decimal"

	"quant-alerts/internal/market"
)

// PriceSource retrieves the current spot price for an instrument.
type PriceSource interface {
	CurrentPrice(ctx context.Context, instrument market.Instrument) (decimal.Decimal, error)
}

// BarSource retrieves recent bars for an instrument at a timeframe,
// ordered oldest first. Only closed bars are returned.
type BarSource interface {
	RecentBars(ctx context.Context, instrument market.Instrument, tf market.Timeframe, count int) ([]market.Bar, error)
}

// UniverseSource resolves the qualifying instrument universe for a run.
type UniverseSource interface {
	QualifyingUniverse(ctx context.Context, size int) ([]market.Instrument, error)
}
