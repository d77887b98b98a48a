// Package app wires configuration, storage, market data, policies, and
// notifications into the commands the CLI exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"quant-alerts/internal/config"
	"quant-alerts/internal/datasource"
	"quant-alerts/internal/ingest"
	"quant-alerts/internal/market"
	"quant-alerts/internal/metrics"
	"quant-alerts/internal/notify"
	"quant-alerts/internal/policy"
	"quant-alerts/internal/scheduler"
	"quant-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() *datasource.Binance {
	return datasource.NewBinance(datasource.BinanceOptions{
		BaseURL:       a.Config.Binance.RESTBaseURL,
		Timeout:       a.Config.Binance.RequestTimeout,
		RetryAttempts: a.Config.Binance.RetryAttempts,
		RetryBackoff:  a.Config.Binance.RetryBackoff,
		QuoteAsset:    a.Config.Binance.QuoteAsset,
	}, a.Logger)
}

func (a *App) newDispatcher() *notify.Dispatcher {
	if !a.Config.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Telegram
	client := notify.NewTelegramClient(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.RequestTimeout, a.Logger)
	return notify.NewDispatcher(client, notify.DispatcherOptions{
		MessagesPerMinute: cfg.MessagesPerMinute,
		MessageLimit:      cfg.MessageLimit,
		SendTimeout:       cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, store.Close, nil
}

func (a *App) buildPolicies(source *datasource.Binance) []policy.Policy {
	var policies []policy.Policy
	pc := a.Config.Policies
	if pc.MACrossover.Enabled {
		tf, _ := market.ParseTimeframe(pc.MACrossover.Timeframe)
		policies = append(policies, policy.NewMACrossover(
			source, source, source, tf, pc.MACrossover.WindowBars, pc.MACrossover.UniverseSize))
	}
	if pc.VolumeSpike.Enabled {
		tf, _ := market.ParseTimeframe(pc.VolumeSpike.Timeframe)
		policies = append(policies, policy.NewVolumeSpike(
			source, source, tf, pc.VolumeSpike.LookbackBars, pc.VolumeSpike.Multiple,
			pc.VolumeSpike.MinChangePct, pc.VolumeSpike.UniverseSize))
	}
	if pc.PriceChange.Enabled {
		tf, _ := market.ParseTimeframe(pc.PriceChange.Timeframe)
		policies = append(policies, policy.NewPriceChange(
			source, source, tf, pc.PriceChange.ThresholdPct, pc.PriceChange.UniverseSize))
	}
	return policies
}

func (a *App) newEngine(store storage.DedupStore, locker storage.AdvisoryLocker, dispatcher *notify.Dispatcher, source *datasource.Binance) *policy.Engine {
	return policy.NewEngine(a.buildPolicies(source), store, locker, dispatcher, policy.EngineOptions{
		PoolSize:         a.Config.Workers.PoolSize,
		PerSymbolTimeout: a.Config.Binance.RequestTimeout * time.Duration(a.Config.Binance.RetryAttempts+1),
		Exclusions:       a.Config.Policies.Exclusions,
		AdvisoryLockKey:  a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
}

// trackedKeys expands the configured instrument and timeframe lists into
// the full set of streamed series.
func (a *App) trackedKeys() ([]market.TrackedKey, error) {
	var keys []market.TrackedKey
	for _, symbol := range a.Config.Ingest.Instruments {
		for _, raw := range a.Config.Ingest.Timeframes {
			tf, err := market.ParseTimeframe(raw)
			if err != nil {
				return nil, err
			}
			keys = append(keys, market.TrackedKey{
				Instrument: market.NewInstrument(symbol),
				Timeframe:  tf,
			})
		}
	}
	return keys, nil
}

// Run executes the long-running detection service: the streaming ingestion
// path plus the scheduled scan runs, until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database.dsn is required for the run command")
	}
	defer closeStore()

	dispatcher := a.newDispatcher()
	if dispatcher == nil {
		a.Logger.Warn().Msg("telegram disabled; alerts will only be logged")
	} else {
		defer dispatcher.Close()
	}

	if a.Config.Metrics.Enabled {
		srv := metrics.Serve(a.Config.Metrics.Addr)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.Logger.Info().Str("addr", a.Config.Metrics.Addr).Msg("metrics endpoint up")
	}

	source := a.newSource()
	engine := a.newEngine(store, store, dispatcher, source)

	sink := policy.NewStreamSink(dispatcher, store, a.Logger)
	defer sink.Close()

	router, keys, err := a.startRouter(ctx, source, sink)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	bars := make(chan market.Bar, 256)

	stream := ingest.NewStream(ingest.StreamOptions{
		BaseURL:    a.Config.Binance.StreamBaseURL,
		Keys:       keys,
		StaleAfter: a.Config.Ingest.StaleAfter,
	}, a.Logger)
	go func() {
		errCh <- stream.Run(ctx, bars)
	}()

	// Consume must be joined before the deferred sink.Close runs, so no
	// transition is delivered to a closed sink
	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		router.Consume(ctx, bars)
	}()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		Offset:         a.Config.Scheduler.Offset,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)
	go func() {
		errCh <- sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			return engine.RunAll(ctx)
		})
	}()

	a.Logger.Info().Int("tracked_keys", len(keys)).Msg("detection service started")
	err = <-errCh
	cancel()
	consumers.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("detection service stopped")
	return nil
}

// startRouter builds the shard router and seeds every tracked key with
// recent closed bars so streaming comparisons start warm.
func (a *App) startRouter(ctx context.Context, source *datasource.Binance, sink ingest.Sink) (*ingest.Router, []market.TrackedKey, error) {
	keys, err := a.trackedKeys()
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		return nil, nil, fmt.Errorf("ingest.instruments and ingest.timeframes must not be empty")
	}

	maxWindow := 0
	for _, bars := range a.Config.Policies.MACrossover.WindowBars {
		if bars > maxWindow {
			maxWindow = bars
		}
	}
	router := ingest.NewRouter(ingest.RouterOptions{
		Shards:         a.Config.Ingest.Shards,
		WindowBars:     maxWindow,
		SpikeMultiple:  a.Config.Policies.VolumeSpike.Multiple,
		VolumeLookback: a.Config.Policies.VolumeSpike.LookbackBars,
	}, sink, a.Logger)

	for _, key := range keys {
		history, err := source.RecentBars(ctx, key.Instrument, key.Timeframe, a.Config.Ingest.SeedBars)
		if err != nil {
			a.Logger.Warn().Err(err).
				Str("symbol", key.Instrument.String()).
				Str("timeframe", string(key.Timeframe)).
				Msg("seed fetch failed; series starts cold")
			history = nil
		}
		router.Track(key, history)
	}
	return router, keys, nil
}

// Scan performs one synchronous policy run. An empty policyID runs every
// enabled policy.
func (a *App) Scan(ctx context.Context, policyID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database.dsn is required for the scan command")
	}
	defer closeStore()

	dispatcher := a.newDispatcher()
	if dispatcher != nil {
		defer dispatcher.Close()
	}

	engine := a.newEngine(store, store, dispatcher, a.newSource())
	if policyID == "" {
		return engine.RunAll(ctx)
	}
	return engine.Run(ctx, policyID)
}

// RecentRecords returns the most recent dedup records for inspection.
func (a *App) RecentRecords(ctx context.Context, limit int) ([]storage.DedupRecord, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("database.dsn is required for the show command")
	}
	defer closeStore()

	return store.ListRecentRecords(ctx, limit)
}

// Prune removes dedup records last updated before the cutoff. An empty
// policyID prunes across all policies.
func (a *App) Prune(ctx context.Context, olderThan time.Duration, policyID string) (int64, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	if store == nil {
		return 0, fmt.Errorf("database.dsn is required for the prune command")
	}
	defer closeStore()

	watermark := time.Now().UTC().Add(-olderThan)
	return store.PruneBefore(ctx, watermark, policyID)
}
