package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"quant-alerts/internal/market"
	"quant-alerts/internal/metrics"
	"quant-alerts/internal/window"
)

// Kind labels which statistic a transition came from.
type Kind string

const (
	KindPriceMA     Kind = "price_ma"
	KindVolumeSpike Kind = "volume_spike"
)

// Event is one edge-triggered transition observed on the streaming path.
type Event struct {
	Key        market.TrackedKey
	Kind       Kind
	Transition window.Transition
	Bar        market.Bar
}

// Sink receives transition events. Implementations must not make network
// calls from HandleTransition; the router invokes it on the ingestion path.
type Sink interface {
	HandleTransition(ctx context.Context, ev Event)
}

// series is the per-key window/comparator state. Guarded by its shard lock.
type series struct {
	price     *window.RollingWindow
	volume    *window.RollingWindow
	priceCmp  *window.Comparator
	volumeCmp *window.Comparator
}

// RouterOptions tune the router.
type RouterOptions struct {
	Shards         int
	WindowBars     int
	SpikeMultiple  float64
	VolumeLookback int
}

// Router resolves bars to their window/comparator pair and applies updates
// under a shard lock, so different keys proceed in parallel while updates
// to one key stay serialized.
type Router struct {
	opts   RouterOptions
	logger zerolog.Logger
	sink   Sink

	locks  []sync.Mutex
	shards []map[market.TrackedKey]*series
}

// NewRouter constructs a router delivering transitions to sink.
func NewRouter(opts RouterOptions, sink Sink, logger zerolog.Logger) *Router {
	if opts.Shards <= 0 {
		opts.Shards = 64
	}
	if opts.WindowBars <= 0 {
		opts.WindowBars = 200
	}
	if opts.VolumeLookback <= 0 {
		opts.VolumeLookback = opts.WindowBars
	}
	if opts.SpikeMultiple <= 0 {
		opts.SpikeMultiple = 10
	}

	shards := make([]map[market.TrackedKey]*series, opts.Shards)
	for i := range shards {
		shards[i] = make(map[market.TrackedKey]*series)
	}
	return &Router{
		opts:   opts,
		logger: logger.With().Str("component", "router").Logger(),
		sink:   sink,
		locks:  make([]sync.Mutex, opts.Shards),
		shards: shards,
	}
}

func (r *Router) shardFor(key market.TrackedKey) int {
	return int(key.Hash() % uint64(len(r.locks)))
}

// Track registers a key and seeds its windows from historical closed bars,
// oldest first. Comparators start unknown so the first live bar never
// fires.
func (r *Router) Track(key market.TrackedKey, history []market.Bar) {
	closes := make([]float64, 0, len(history))
	volumes := make([]float64, 0, len(history))
	for _, bar := range history {
		if !bar.Closed {
			continue
		}
		closes = append(closes, bar.Close.InexactFloat64())
		volumes = append(volumes, bar.Volume.InexactFloat64())
	}

	price := window.New(r.opts.WindowBars)
	price.Seed(closes)
	volume := window.New(r.opts.VolumeLookback)
	volume.Seed(volumes)

	idx := r.shardFor(key)
	r.locks[idx].Lock()
	r.shards[idx][key] = &series{
		price:     price,
		volume:    volume,
		priceCmp:  window.NewComparator(),
		volumeCmp: window.NewComparator(),
	}
	r.locks[idx].Unlock()

	r.logger.Debug().Stringer("key", key).Int("seeded", len(closes)).Msg("tracking series")
}

// Tracks reports whether the key is registered.
func (r *Router) Tracks(key market.TrackedKey) bool {
	idx := r.shardFor(key)
	r.locks[idx].Lock()
	defer r.locks[idx].Unlock()
	_, ok := r.shards[idx][key]
	return ok
}

// Apply validates a bar and feeds it to the key's windows, emitting any
// transitions to the sink after the shard lock is released.
func (r *Router) Apply(ctx context.Context, bar market.Bar) {
	if !bar.Closed {
		metrics.TicksDropped.WithLabelValues("open_bar").Inc()
		return
	}
	if bar.Close.Sign() <= 0 || bar.Volume.Sign() < 0 {
		r.logger.Warn().Stringer("key", bar.Key).Msg("dropping malformed bar")
		metrics.TicksDropped.WithLabelValues("malformed").Inc()
		return
	}

	idx := r.shardFor(bar.Key)
	r.locks[idx].Lock()
	s, ok := r.shards[idx][bar.Key]
	if !ok {
		r.locks[idx].Unlock()
		metrics.TicksDropped.WithLabelValues("untracked").Inc()
		return
	}

	events := make([]Event, 0, 2)

	closePx := bar.Close.InexactFloat64()
	mean := s.price.Push(closePx)
	if tr, fired := s.priceCmp.Evaluate(closePx, mean); fired {
		events = append(events, Event{Key: bar.Key, Kind: KindPriceMA, Transition: tr, Bar: bar})
	}

	// spike comparison runs against the mean of the bars BEFORE this one
	vol := bar.Volume.InexactFloat64()
	if s.volume.Full() {
		threshold := s.volume.Mean() * r.opts.SpikeMultiple
		if tr, fired := s.volumeCmp.Evaluate(vol, threshold); fired {
			events = append(events, Event{Key: bar.Key, Kind: KindVolumeSpike, Transition: tr, Bar: bar})
		}
	}
	s.volume.Push(vol)
	r.locks[idx].Unlock()

	metrics.BarsApplied.WithLabelValues(bar.Key.Instrument.String(), string(bar.Key.Timeframe)).Inc()

	for _, ev := range events {
		metrics.Transitions.WithLabelValues(
			ev.Key.Instrument.String(),
			string(ev.Key.Timeframe),
			string(ev.Transition.Direction),
		).Inc()
		if r.sink != nil {
			r.sink.HandleTransition(ctx, ev)
		}
	}
}

// Consume applies bars from the stream channel until ctx is cancelled.
func (r *Router) Consume(ctx context.Context, bars <-chan market.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-bars:
			if !ok {
				return
			}
			r.Apply(ctx, bar)
		}
	}
}
