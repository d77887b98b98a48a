package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quant-alerts/internal/market"
)

const (
	klinesPath      = "/api/v3/klines"
	tickerPricePath = "/api/v3/ticker/price"
	ticker24hPath   = "/api/v3/ticker/24hr"
)

// BinanceOptions parameterise the REST client.
type BinanceOptions struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	QuoteAsset    string
}

// Binance implements PriceSource, BarSource, and UniverseSource against
// the exchange REST API.
type Binance struct {
	opts    BinanceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewBinance constructs the REST client.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}

	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}

	return &Binance{
		opts:    opts,
		logger:  logger.With().Str("component", "binance_rest").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// CurrentPrice returns the spot price for an instrument.
func (b *Binance) CurrentPrice(ctx context.Context, instrument market.Instrument) (decimal.Decimal, error) {
	if instrument.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("instrument is required")
	}

	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	query := url.Values{"symbol": {instrument.String()}}
	if err := b.getJSON(ctx, tickerPricePath, query, &payload); err != nil {
		return decimal.Decimal{}, err
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", payload.Price, err)
	}
	return price, nil
}

// RecentBars returns up to count closed bars ordered oldest first. The
// exchange includes the still-forming interval as the final kline; it is
// dropped so partial bars never reach a rolling window.
func (b *Binance) RecentBars(ctx context.Context, instrument market.Instrument, tf market.Timeframe, count int) ([]market.Bar, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be greater than zero")
	}

	var raw [][]json.RawMessage
	query := url.Values{
		"symbol":   {instrument.String()},
		"interval": {string(tf)},
		// one extra so dropping the forming bar still yields count bars
		"limit": {fmt.Sprint(count + 1)},
	}
	if err := b.getJSON(ctx, klinesPath, query, &raw); err != nil {
		return nil, err
	}

	key := market.TrackedKey{Instrument: instrument, Timeframe: tf}
	now := time.Now()
	bars := make([]market.Bar, 0, len(raw))
	for _, k := range raw {
		bar, err := parseKline(key, k)
		if err != nil {
			return nil, err
		}
		if bar.CloseTime.After(now) {
			continue // still forming
		}
		bar.Closed = true
		bars = append(bars, bar)
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// QualifyingUniverse returns the top instruments quoted in the configured
// asset, ranked by 24h quote volume.
func (b *Binance) QualifyingUniverse(ctx context.Context, size int) ([]market.Instrument, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be greater than zero")
	}

	var payload []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := b.getJSON(ctx, ticker24hPath, nil, &payload); err != nil {
		return nil, err
	}

	type ranked struct {
		instrument market.Instrument
		volume     decimal.Decimal
	}
	candidates := make([]ranked, 0, len(payload))
	for _, t := range payload {
		if !strings.HasSuffix(t.Symbol, b.opts.QuoteAsset) {
			continue
		}
		volume, err := decimal.NewFromString(t.QuoteVolume)
		if err != nil {
			b.logger.Debug().Str("symbol", t.Symbol).Msg("skipping ticker with unparsable quote volume")
			continue
		}
		candidates = append(candidates, ranked{instrument: market.NewInstrument(t.Symbol), volume: volume})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].volume.GreaterThan(candidates[j].volume)
	})
	if len(candidates) > size {
		candidates = candidates[:size]
	}

	universe := make([]market.Instrument, len(candidates))
	for i, c := range candidates {
		universe[i] = c.instrument
	}
	return universe, nil
}

func (b *Binance) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := b.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return Retry(ctx, b.opts.RetryAttempts, b.opts.RetryBackoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("binance %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// parseKline decodes one kline array:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(key market.TrackedKey, k []json.RawMessage) (market.Bar, error) {
	if len(k) < 7 {
		return market.Bar{}, fmt.Errorf("kline has %d fields, want at least 7", len(k))
	}

	var openMillis, closeMillis int64
	if err := json.Unmarshal(k[0], &openMillis); err != nil {
		return market.Bar{}, fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(k[6], &closeMillis); err != nil {
		return market.Bar{}, fmt.Errorf("kline close time: %w", err)
	}

	fields := make([]decimal.Decimal, 5)
	for i, idx := range []int{1, 2, 3, 4, 5} {
		var s string
		if err := json.Unmarshal(k[idx], &s); err != nil {
			return market.Bar{}, fmt.Errorf("kline field %d: %w", idx, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return market.Bar{}, fmt.Errorf("kline field %d %q: %w", idx, s, err)
		}
		fields[i] = d
	}

	return market.Bar{
		Key:       key,
		OpenTime:  time.UnixMilli(openMillis).UTC(),
		CloseTime: time.UnixMilli(closeMillis).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

var (
	_ PriceSource    = (*Binance)(nil)
	_ BarSource      = (*Binance)(nil)
	_ UniverseSource = (*Binance)(nil)
)
