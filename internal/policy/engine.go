package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quant-alerts/internal/metrics"
	"quant-alerts/internal/notify"
	"quant-alerts/internal/storage"
)

// EngineOptions tune a scan run.
type EngineOptions struct {
	PoolSize         int
	PerSymbolTimeout time.Duration
	Exclusions       []string
	AdvisoryLockKey  int64
}

// Engine runs the configured alert policies and dispatches the results.
type Engine struct {
	policies   []Policy
	store      storage.DedupStore
	locker     storage.AdvisoryLocker
	dispatcher *notify.Dispatcher
	logger     zerolog.Logger
	opts       EngineOptions
	exclusions map[string]bool
}

// NewEngine constructs the engine. locker may be nil when advisory
// locking is unavailable.
func NewEngine(policies []Policy, store storage.DedupStore, locker storage.AdvisoryLocker, dispatcher *notify.Dispatcher, opts EngineOptions, logger zerolog.Logger) *Engine {
	exclusions := make(map[string]bool, len(opts.Exclusions))
	for _, symbol := range opts.Exclusions {
		exclusions[strings.ToUpper(strings.TrimSpace(symbol))] = true
	}
	return &Engine{
		policies:   policies,
		store:      store,
		locker:     locker,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "policy_engine").Logger(),
		opts:       opts,
		exclusions: exclusions,
	}
}

// RunAll executes every policy in sequence under the advisory lock. A
// failed policy is logged and the remaining policies still run.
func (e *Engine) RunAll(ctx context.Context) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Msg("skip scan because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var failed int
	for _, p := range e.policies {
		if err := e.runOne(ctx, p); err != nil {
			failed++
			e.logger.Error().Err(err).Str("policy", p.ID()).Msg("policy run failed")
			metrics.PolicyRuns.WithLabelValues(p.ID(), "failed").Inc()
			continue
		}
		metrics.PolicyRuns.WithLabelValues(p.ID(), "complete").Inc()
	}
	if failed == len(e.policies) && failed > 0 {
		return fmt.Errorf("all %d policy runs failed", failed)
	}
	return nil
}

// Run executes one policy by ID.
func (e *Engine) Run(ctx context.Context, policyID string) error {
	for _, p := range e.policies {
		if p.ID() == policyID {
			return e.runOne(ctx, p)
		}
	}
	return fmt.Errorf("unknown policy %q", policyID)
}

func (e *Engine) runOne(ctx context.Context, p Policy) error {
	universe, err := p.Universe(ctx)
	if err != nil {
		return fmt.Errorf("fetch universe: %w", err)
	}

	qualifying, failures := evaluateAll(ctx, universe, p, e.opts.PoolSize, e.opts.PerSymbolTimeout, e.logger)

	report, err := runDiff(ctx, e.store, p.ID(), qualifying, e.exclusions)
	report.Failures += failures
	if err != nil {
		return fmt.Errorf("dedup diff: %w", err)
	}

	e.logger.Info().
		Str("policy", report.PolicyID).
		Int("universe", len(universe)).
		Int("qualifying", len(report.Qualifying)).
		Int("added", len(report.NewlyAdded)).
		Int("deleted", len(report.NewlyDeleted)).
		Int("failures", report.Failures).
		Msg("policy run complete")

	e.recordOccurrences(ctx, report)

	if e.dispatcher != nil {
		e.dispatcher.Enqueue(notify.Item{
			Text:      renderReport(report),
			Highlight: len(report.NewlyAdded) > 0,
		})
	}
	return nil
}

func (e *Engine) recordOccurrences(ctx context.Context, report Report) {
	now := time.Now().UTC()
	for _, symbol := range report.NewlyAdded {
		for _, ct := range []storage.CountType{storage.CountDaily, storage.CountMonthly} {
			if _, err := e.store.BumpOccurrence(ctx, symbol, report.PolicyID, ct, now); err != nil {
				e.logger.Warn().Err(err).Str("symbol", symbol).Msg("occurrence bump failed")
			}
		}
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.AdvisoryLockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// renderReport formats one run's outcome for the notification channel.
func renderReport(report Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] run %s UTC\n", report.PolicyID, report.Watermark.Format(time.RFC3339))
	fmt.Fprintf(&b, "qualifying: %d\n", len(report.Qualifying))

	writeList := func(label string, symbols []string) {
		if len(symbols) == 0 {
			fmt.Fprintf(&b, "%s: none\n", label)
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", label, strings.Join(symbols, ", "))
	}
	writeList("newly added", report.NewlyAdded)
	writeList("newly deleted", report.NewlyDeleted)

	if len(report.Counts) > 0 {
		var runs []string
		for _, symbol := range report.Qualifying {
			if count, ok := report.Counts[symbol]; ok && count > 1 {
				runs = append(runs, fmt.Sprintf("%s x%d", symbol, count))
			}
		}
		if len(runs) > 0 {
			fmt.Fprintf(&b, "consecutive: %s\n", strings.Join(runs, ", "))
		}
	}
	if report.Failures > 0 {
		fmt.Fprintf(&b, "(%d symbols skipped)\n", report.Failures)
	}
	return strings.TrimRight(b.String(), "\n")
}
