// Package policy composes windows, comparators, the dedup store, and the
// dispatcher into concrete alert flavors, and computes run-to-run
// newly-added / newly-deleted differences.
package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quant-alerts/internal/market"
	"quant-alerts/internal/storage"
)

// SymbolTypeSpot is the symbol_type recorded for exchange spot pairs.
const SymbolTypeSpot = "spot"

// Policy is one alert flavor the engine can run.
type Policy interface {
	// ID is the alert_policy identifier persisted with dedup records.
	ID() string
	// Evaluate reports whether the instrument currently satisfies the
	// policy's condition.
	Evaluate(ctx context.Context, instrument market.Instrument) (bool, error)
	// Universe resolves the instruments this run considers.
	Universe(ctx context.Context) ([]market.Instrument, error)
}

// Report summarises one policy run.
type Report struct {
	PolicyID     string
	Watermark    time.Time
	Qualifying   []string
	NewlyAdded   []string
	NewlyDeleted []string
	Counts       map[string]int64
	Failures     int
}

// evaluateAll fans evaluation out over a bounded worker pool. A failed or
// timed-out symbol is absorbed as "does not qualify" and counted.
func evaluateAll(ctx context.Context, universe []market.Instrument, p Policy, poolSize int, perSymbolTimeout time.Duration, logger zerolog.Logger) (qualifying []string, failures int) {
	if poolSize <= 0 {
		poolSize = 8
	}
	if perSymbolTimeout <= 0 {
		perSymbolTimeout = 30 * time.Second
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, poolSize)

	for _, instrument := range universe {
		select {
		case <-ctx.Done():
			wg.Wait()
			return qualifying, failures
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(instrument market.Instrument) {
			defer wg.Done()
			defer func() { <-sem }()

			evalCtx, cancel := context.WithTimeout(ctx, perSymbolTimeout)
			ok, err := p.Evaluate(evalCtx, instrument)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				logger.Warn().Err(err).Stringer("instrument", instrument).Str("policy", p.ID()).
					Msg("evaluation failed, treating as not qualifying")
				return
			}
			if ok {
				qualifying = append(qualifying, instrument.String())
			}
		}(instrument)
	}

	wg.Wait()
	sort.Strings(qualifying)
	return qualifying, failures
}

// runDiff performs the dedup workflow for one run: snapshot the previous
// state, record every current member, compute set differences, then prune
// rows not re-confirmed since the watermark. The previous snapshot is read
// before any increment so consecutive-run counters stay correct; when the
// snapshot cannot be read the prune step is skipped entirely so valid
// history is never dropped.
func runDiff(ctx context.Context, store storage.DedupStore, policyID string, qualifying []string, exclusions map[string]bool) (Report, error) {
	report := Report{
		PolicyID:   policyID,
		Watermark:  time.Now().UTC(),
		Qualifying: qualifying,
		Counts:     make(map[string]int64, len(qualifying)),
	}

	previous, err := store.Snapshot(ctx, SymbolTypeSpot, policyID)
	if err != nil {
		return report, err
	}

	current := make(map[string]bool, len(qualifying))
	for _, symbol := range qualifying {
		current[symbol] = true
		count, err := store.IncrementOrInsert(ctx, symbol, SymbolTypeSpot, policyID, time.Now().UTC())
		if err != nil {
			// this symbol's counter is stale for one run; the run goes on
			report.Failures++
			continue
		}
		report.Counts[symbol] = count
	}

	for _, symbol := range qualifying {
		if _, existed := previous[symbol]; !existed && !exclusions[symbol] {
			report.NewlyAdded = append(report.NewlyAdded, symbol)
		}
	}
	for symbol := range previous {
		if !current[symbol] && !exclusions[symbol] {
			report.NewlyDeleted = append(report.NewlyDeleted, symbol)
		}
	}
	sort.Strings(report.NewlyAdded)
	sort.Strings(report.NewlyDeleted)

	if _, err := store.PruneBefore(ctx, report.Watermark, policyID); err != nil {
		return report, err
	}
	return report, nil
}
