package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quant-alerts/internal/market"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func TestCurrentPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tickerPricePath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Fatalf("symbol = %q, want BTCUSDT", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"symbol": "BTCUSDT", "price": "64250.10"})
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	price, err := b.CurrentPrice(context.Background(), market.NewInstrument("btcusdt"))
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if price.String() != "64250.1" {
		t.Fatalf("price = %s", price)
	}
}

func TestRecentBarsDropsFormingBar(t *testing.T) {
	now := time.Now()
	kline := func(openOffset time.Duration) []any {
		open := now.Add(openOffset)
		return []any{
			open.UnixMilli(), "100", "110", "90", "105", "1234.5",
			open.Add(time.Hour).UnixMilli() - 1,
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{
			kline(-3 * time.Hour),
			kline(-2 * time.Hour),
			kline(-30 * time.Minute), // closes in the future: still forming
		})
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	bars, err := b.RecentBars(context.Background(), market.NewInstrument("ETHUSDT"), market.TF1Hour, 5)
	if err != nil {
		t.Fatalf("RecentBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2 (forming bar dropped)", len(bars))
	}
	for _, bar := range bars {
		if !bar.Closed {
			t.Fatal("returned bar not marked closed")
		}
	}
	if !bars[0].OpenTime.Before(bars[1].OpenTime) {
		t.Fatal("bars not ordered oldest first")
	}
}

func TestQualifyingUniverseRanksByQuoteVolume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"symbol": "ETHUSDT", "quoteVolume": "500"},
			{"symbol": "BTCUSDT", "quoteVolume": "900"},
			{"symbol": "BTCBUSD", "quoteVolume": "9999"}, // wrong quote asset
			{"symbol": "SOLUSDT", "quoteVolume": "700"},
			{"symbol": "BADUSDT", "quoteVolume": "not-a-number"},
		})
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	universe, err := b.QualifyingUniverse(context.Background(), 2)
	if err != nil {
		t.Fatalf("QualifyingUniverse: %v", err)
	}
	if len(universe) != 2 {
		t.Fatalf("got %d instruments, want 2", len(universe))
	}
	if universe[0].String() != "BTCUSDT" || universe[1].String() != "SOLUSDT" {
		t.Fatalf("universe = %v", universe)
	}
}

func TestGetJSONRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"symbol": "BTCUSDT", "price": "1"})
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{
		BaseURL:       srv.URL,
		Timeout:       time.Second,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	}, noopLogger())

	if _, err := b.CurrentPrice(context.Background(), market.NewInstrument("BTCUSDT")); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	var calls int
	err := Retry(context.Background(), 4, time.Millisecond, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Retry(ctx, 10, 50*time.Millisecond, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestTTLCacheRefreshesOnlyAfterExpiry(t *testing.T) {
	cache := NewTTLCache[int]()
	var fetches int
	fetch := func(ctx context.Context) (int, error) {
		fetches++
		return fetches, nil
	}

	for i := 0; i < 3; i++ {
		v, err := cache.GetOrRefresh(context.Background(), time.Hour, fetch)
		if err != nil {
			t.Fatalf("GetOrRefresh: %v", err)
		}
		if v != 1 {
			t.Fatalf("value = %d, want cached 1", v)
		}
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fetches)
	}

	cache.Invalidate()
	v, err := cache.GetOrRefresh(context.Background(), time.Hour, fetch)
	if err != nil {
		t.Fatalf("GetOrRefresh after invalidate: %v", err)
	}
	if v != 2 {
		t.Fatalf("value = %d, want 2", v)
	}
}

func TestTTLCacheKeepsStaleValueOnFetchError(t *testing.T) {
	cache := NewTTLCache[string]()
	if _, err := cache.GetOrRefresh(context.Background(), 0, func(ctx context.Context) (string, error) {
		return "good", nil
	}); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}

	v, err := cache.GetOrRefresh(context.Background(), 0, func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("upstream down")
	})
	if err == nil {
		t.Fatal("expected fetch error to surface")
	}
	if v != "good" {
		t.Fatalf("stale value = %q, want %q", v, "good")
	}
}
