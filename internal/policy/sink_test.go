package policy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quant-alerts/internal/ingest"
	"quant-alerts/internal/market"
	"quant-alerts/internal/window"
)

func crossoverEvent(kind ingest.Kind) ingest.Event {
	return ingest.Event{
		Key: market.TrackedKey{
			Instrument: market.NewInstrument("BTCUSDT"),
			Timeframe:  market.TF4Hour,
		},
		Kind: kind,
		Transition: window.Transition{
			Direction: window.Crossover,
			Value:     50123.5,
			Mean:      49800.25,
		},
		Bar: market.Bar{CloseTime: time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)},
	}
}

func TestStreamSinkBumpsOccurrences(t *testing.T) {
	store := newFakeStore()
	sink := NewStreamSink(nil, store, zerolog.Nop())

	sink.HandleTransition(context.Background(), crossoverEvent(ingest.KindPriceMA))
	sink.Close()

	want := "BTCUSDT/price_ma/daily,BTCUSDT/price_ma/monthly"
	if got := strings.Join(store.bumps, ","); got != want {
		t.Fatalf("bumps = %q, want %q", got, want)
	}
}

func TestStreamSinkHandleAfterClose(t *testing.T) {
	store := newFakeStore()
	sink := NewStreamSink(nil, store, zerolog.Nop())
	sink.Close()

	// a transition landing after shutdown must be dropped, not panic
	sink.HandleTransition(context.Background(), crossoverEvent(ingest.KindPriceMA))
	if len(store.bumps) != 0 {
		t.Fatalf("bumps after close = %v", store.bumps)
	}

	// Close is idempotent
	sink.Close()
}

func TestStreamSinkCloseRacesHandleTransition(t *testing.T) {
	store := newFakeStore()
	sink := NewStreamSink(nil, store, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.HandleTransition(context.Background(), crossoverEvent(ingest.KindPriceMA))
		}()
	}
	sink.Close()
	wg.Wait()
}

func TestRenderTransition(t *testing.T) {
	text := renderTransition(crossoverEvent(ingest.KindPriceMA))
	for _, want := range []string{"BTCUSDT", "4h", "crossed over", "50123.5000", "49800.2500"} {
		if !strings.Contains(text, want) {
			t.Fatalf("transition text missing %q:\n%s", want, text)
		}
	}

	ev := crossoverEvent(ingest.KindVolumeSpike)
	ev.Transition.Direction = window.Crossunder
	text = renderTransition(ev)
	if !strings.Contains(text, "volume crossed under") {
		t.Fatalf("unexpected volume text:\n%s", text)
	}
}
