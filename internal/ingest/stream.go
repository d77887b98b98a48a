// Package ingest drives the streaming path: a websocket kline stream and
// the router that applies closed bars to rolling windows.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-alerts/internal/market"
	"quant-alerts/internal/metrics"
)

// StreamOptions parameterise the websocket client.
type StreamOptions struct {
	BaseURL    string
	Keys       []market.TrackedKey
	StaleAfter time.Duration
}

// Stream consumes the exchange combined kline stream and forwards decoded
// bars. Reconnects with backoff on any read failure; a liveness watchdog
// force-closes a silent connection so the same topics are re-subscribed
// without replaying a backlog.
type Stream struct {
	opts    StreamOptions
	logger  zerolog.Logger
	lastMsg atomic.Int64
}

// NewStream constructs the stream client.
func NewStream(opts StreamOptions, logger zerolog.Logger) *Stream {
	if opts.BaseURL == "" {
		opts.BaseURL = "wss://stream.binance.com:9443"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Minute
	}
	return &Stream{
		opts:   opts,
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

type klineEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// Run blocks, pushing decoded bars onto out until ctx is cancelled.
func (s *Stream) Run(ctx context.Context, out chan<- market.Bar) error {
	if len(s.opts.Keys) == 0 {
		return fmt.Errorf("stream requires at least one tracked key")
	}

	topics := make([]string, len(s.opts.Keys))
	for i, key := range s.opts.Keys {
		topics[i] = key.Instrument.Lower() + "@kline_" + string(key.Timeframe)
	}
	url := fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(s.opts.BaseURL, "/"), strings.Join(topics, "/"))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.consume(ctx, url, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected, retrying")
		metrics.StreamReconnects.Inc()
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
	}
}

func (s *Stream) consume(ctx context.Context, url string, out chan<- market.Bar) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info().Int("topics", len(s.opts.Keys)).Msg("connected kline stream")
	s.lastMsg.Store(time.Now().UnixNano())

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.StaleAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.StaleAfter))
	})

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go s.watch(watchCtx, conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.lastMsg.Store(time.Now().UnixNano())
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.StaleAfter))

		bar, ok := s.decode(message)
		if !ok {
			continue
		}

		select {
		case out <- bar:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watch pings on a fixed cadence and force-closes the connection when no
// message arrived within the staleness budget, so the read loop errors and
// the outer loop re-subscribes.
func (s *Stream) watch(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.StaleAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastMsg.Load())) > s.opts.StaleAfter {
				s.logger.Warn().Msg("stream stale, forcing reconnect")
				_ = conn.Close()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn().Err(err).Msg("stream ping failed")
				return
			}
		}
	}
}

// decode maps a combined-stream kline message to a Bar. Malformed messages
// are dropped and counted, never fatal.
func (s *Stream) decode(message []byte) (market.Bar, bool) {
	var env klineEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode stream message")
		metrics.TicksDropped.WithLabelValues("malformed").Inc()
		return market.Bar{}, false
	}
	if env.Data.Event != "kline" {
		return market.Bar{}, false
	}

	tf, err := market.ParseTimeframe(env.Data.Kline.Interval)
	if err != nil {
		s.logger.Warn().Str("interval", env.Data.Kline.Interval).Msg("unknown interval on stream")
		metrics.TicksDropped.WithLabelValues("malformed").Inc()
		return market.Bar{}, false
	}

	fields := [5]decimal.Decimal{}
	for i, raw := range [5]string{
		env.Data.Kline.Open,
		env.Data.Kline.High,
		env.Data.Kline.Low,
		env.Data.Kline.Close,
		env.Data.Kline.Volume,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", env.Data.Symbol).Msg("invalid numeric field on stream")
			metrics.TicksDropped.WithLabelValues("malformed").Inc()
			return market.Bar{}, false
		}
		fields[i] = d
	}

	return market.Bar{
		Key: market.TrackedKey{
			Instrument: market.NewInstrument(env.Data.Symbol),
			Timeframe:  tf,
		},
		OpenTime:  time.UnixMilli(env.Data.Kline.OpenTime).UTC(),
		CloseTime: time.UnixMilli(env.Data.Kline.CloseTime).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
		Closed:    env.Data.Kline.Closed,
	}, true
}
