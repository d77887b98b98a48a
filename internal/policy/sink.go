package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quant-alerts/internal/ingest"
	"quant-alerts/internal/notify"
	"quant-alerts/internal/storage"
	"quant-alerts/internal/window"
)

// occurrenceJob is one pending occurrence-counter bump.
type occurrenceJob struct {
	symbol string
	kind   string
	at     time.Time
}

// StreamSink turns router transitions into notifications. HandleTransition
// stays cheap: the message goes onto the dispatcher queue and the counter
// bump onto a buffered channel serviced by a background worker, so the
// ingestion path never waits on Telegram or Postgres.
type StreamSink struct {
	dispatcher *notify.Dispatcher
	store      storage.DedupStore
	logger     zerolog.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan occurrenceJob
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewStreamSink starts the occurrence worker. Call Close to drain it.
func NewStreamSink(dispatcher *notify.Dispatcher, store storage.DedupStore, logger zerolog.Logger) *StreamSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamSink{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger.With().Str("component", "stream_sink").Logger(),
		jobs:       make(chan occurrenceJob, 256),
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.worker(ctx)
	return s
}

// HandleTransition implements ingest.Sink.
func (s *StreamSink) HandleTransition(_ context.Context, ev ingest.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Enqueue(notify.Item{
			Text:      renderTransition(ev),
			Highlight: ev.Transition.Direction == window.Crossover,
		})
	}
	if s.store == nil {
		return
	}
	job := occurrenceJob{
		symbol: ev.Key.Instrument.String(),
		kind:   string(ev.Kind),
		at:     ev.Bar.CloseTime.UTC(),
	}

	// the closed flag and the channel close are guarded by the same mutex,
	// so a transition racing Close is dropped instead of hitting a closed
	// channel
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn().Str("symbol", job.symbol).Msg("occurrence queue full, dropping bump")
	}
}

// Close stops the worker after the queued bumps are written. Transitions
// arriving after Close are dropped. Safe to call more than once.
func (s *StreamSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
}

func (s *StreamSink) worker(ctx context.Context) {
	defer s.wg.Done()
	for job := range s.jobs {
		for _, ct := range []storage.CountType{storage.CountDaily, storage.CountMonthly} {
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := s.store.BumpOccurrence(writeCtx, job.symbol, job.kind, ct, job.at)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Str("symbol", job.symbol).Msg("occurrence bump failed")
			}
		}
	}
}

func renderTransition(ev ingest.Event) string {
	verb := "crossed under"
	if ev.Transition.Direction == window.Crossover {
		verb = "crossed over"
	}
	switch ev.Kind {
	case ingest.KindVolumeSpike:
		return fmt.Sprintf("%s %s volume %s spike threshold (vol %.2f, threshold %.2f)",
			ev.Key.Instrument, ev.Key.Timeframe, verb,
			ev.Transition.Value, ev.Transition.Mean)
	default:
		return fmt.Sprintf("%s %s close %s moving average (close %.4f, MA %.4f)",
			ev.Key.Instrument, ev.Key.Timeframe, verb,
			ev.Transition.Value, ev.Transition.Mean)
	}
}
