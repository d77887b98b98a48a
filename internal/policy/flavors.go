package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quant-alerts/internal/datasource"
	"quant-alerts/internal/market"
	"quant-alerts/internal/window"
)

// universeCache caches one policy's qualifying-universe fetch for an hour.
// Each policy keeps its own cache because universe sizes differ per policy.
type universeCache struct {
	source datasource.UniverseSource
	size   int
	ttl    time.Duration
	cache  *datasource.TTLCache[[]market.Instrument]
}

func newUniverseCache(source datasource.UniverseSource, size int, ttl time.Duration) *universeCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &universeCache{
		source: source,
		size:   size,
		ttl:    ttl,
		cache:  datasource.NewTTLCache[[]market.Instrument](),
	}
}

func (u *universeCache) get(ctx context.Context) ([]market.Instrument, error) {
	return u.cache.GetOrRefresh(ctx, u.ttl, func(ctx context.Context) ([]market.Instrument, error) {
		return u.source.QualifyingUniverse(ctx, u.size)
	})
}

// MACrossover qualifies instruments whose spot price sits above every
// configured moving average.
type MACrossover struct {
	prices   datasource.PriceSource
	bars     datasource.BarSource
	universe *universeCache

	timeframe  market.Timeframe
	windowBars []int
	maxBars    int
}

// NewMACrossover constructs the spot-vs-moving-average policy.
func NewMACrossover(prices datasource.PriceSource, bars datasource.BarSource, universe datasource.UniverseSource, tf market.Timeframe, windowBars []int, universeSize int) *MACrossover {
	maxBars := 0
	for _, w := range windowBars {
		if w > maxBars {
			maxBars = w
		}
	}
	return &MACrossover{
		prices:     prices,
		bars:       bars,
		universe:   newUniverseCache(universe, universeSize, time.Hour),
		timeframe:  tf,
		windowBars: windowBars,
		maxBars:    maxBars,
	}
}

func (p *MACrossover) ID() string { return "ma_crossover" }

func (p *MACrossover) Universe(ctx context.Context) ([]market.Instrument, error) {
	return p.universe.get(ctx)
}

func (p *MACrossover) Evaluate(ctx context.Context, instrument market.Instrument) (bool, error) {
	history, err := p.bars.RecentBars(ctx, instrument, p.timeframe, p.maxBars)
	if err != nil {
		return false, fmt.Errorf("fetch bars: %w", err)
	}
	if len(history) < p.maxBars {
		return false, nil // not enough history to form the longest MA
	}

	spot, err := p.prices.CurrentPrice(ctx, instrument)
	if err != nil {
		return false, fmt.Errorf("fetch price: %w", err)
	}
	spotF := spot.InexactFloat64()

	closes := make([]float64, len(history))
	for i, bar := range history {
		closes[i] = bar.Close.InexactFloat64()
	}

	for _, bars := range p.windowBars {
		w := window.New(bars)
		w.Seed(closes)
		if spotF <= w.Mean() {
			return false, nil
		}
	}
	return true, nil
}

// VolumeSpike qualifies instruments whose last closed bar's volume exceeds
// a multiple of the mean over the preceding lookback bars, optionally
// gated on the bar's price change.
type VolumeSpike struct {
	bars     datasource.BarSource
	universe *universeCache

	timeframe    market.Timeframe
	lookback     int
	multiple     float64
	minChangePct decimal.Decimal
}

// NewVolumeSpike constructs the N-bar volume multiple policy.
func NewVolumeSpike(bars datasource.BarSource, universe datasource.UniverseSource, tf market.Timeframe, lookback int, multiple, minChangePct float64, universeSize int) *VolumeSpike {
	return &VolumeSpike{
		bars:         bars,
		universe:     newUniverseCache(universe, universeSize, time.Hour),
		timeframe:    tf,
		lookback:     lookback,
		multiple:     multiple,
		minChangePct: decimal.NewFromFloat(minChangePct),
	}
}

func (p *VolumeSpike) ID() string { return "volume_spike" }

func (p *VolumeSpike) Universe(ctx context.Context) ([]market.Instrument, error) {
	return p.universe.get(ctx)
}

func (p *VolumeSpike) Evaluate(ctx context.Context, instrument market.Instrument) (bool, error) {
	history, err := p.bars.RecentBars(ctx, instrument, p.timeframe, p.lookback+1)
	if err != nil {
		return false, fmt.Errorf("fetch bars: %w", err)
	}
	if len(history) < p.lookback+1 {
		return false, nil
	}

	last := history[len(history)-1]
	w := window.New(p.lookback)
	for _, bar := range history[:len(history)-1] {
		w.Push(bar.Volume.InexactFloat64())
	}

	if last.Volume.InexactFloat64() <= w.Mean()*p.multiple {
		return false, nil
	}
	if p.minChangePct.IsPositive() && last.ChangePct().Abs().LessThan(p.minChangePct) {
		return false, nil
	}
	return true, nil
}

// PriceChange qualifies instruments whose last closed bar moved more than
// the threshold percentage, in either direction.
type PriceChange struct {
	bars     datasource.BarSource
	universe *universeCache

	timeframe market.Timeframe
	threshold decimal.Decimal
}

// NewPriceChange constructs the single-bar percentage change policy.
func NewPriceChange(bars datasource.BarSource, universe datasource.UniverseSource, tf market.Timeframe, thresholdPct float64, universeSize int) *PriceChange {
	return &PriceChange{
		bars:      bars,
		universe:  newUniverseCache(universe, universeSize, time.Hour),
		timeframe: tf,
		threshold: decimal.NewFromFloat(thresholdPct),
	}
}

func (p *PriceChange) ID() string { return "price_change" }

func (p *PriceChange) Universe(ctx context.Context) ([]market.Instrument, error) {
	return p.universe.get(ctx)
}

func (p *PriceChange) Evaluate(ctx context.Context, instrument market.Instrument) (bool, error) {
	history, err := p.bars.RecentBars(ctx, instrument, p.timeframe, 1)
	if err != nil {
		return false, fmt.Errorf("fetch bars: %w", err)
	}
	if len(history) == 0 {
		return false, nil
	}
	return history[len(history)-1].ChangePct().Abs().GreaterThanOrEqual(p.threshold), nil
}

var (
	_ Policy = (*MACrossover)(nil)
	_ Policy = (*VolumeSpike)(nil)
	_ Policy = (*PriceChange)(nil)
)
