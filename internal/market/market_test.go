package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestInstrumentCanonicalForm(t *testing.T) {
	a := NewInstrument("btcUsdt")
	b := NewInstrument("BTCUSDT")

	if a.String() != "BTCUSDT" {
		t.Fatalf("canonical form = %q", a.String())
	}
	if a.Lower() != "btcusdt" {
		t.Fatalf("lower form = %q", a.Lower())
	}
	if !a.Equal(b) {
		t.Fatal("case variants not equal")
	}
	if a.Hash() != b.Hash() {
		t.Fatal("case variants hash differently")
	}
}

func TestTrackedKeyHashDistinguishesTimeframes(t *testing.T) {
	base := NewInstrument("ETHUSDT")
	k1 := TrackedKey{Instrument: base, Timeframe: TF1Hour}
	k2 := TrackedKey{Instrument: base, Timeframe: TF4Hour}
	if k1.Hash() == k2.Hash() {
		t.Fatal("different timeframes collide")
	}
}

func TestParseTimeframe(t *testing.T) {
	if tf, err := ParseTimeframe("4h"); err != nil || tf != TF4Hour {
		t.Fatalf("ParseTimeframe(4h) = %v, %v", tf, err)
	}
	if _, err := ParseTimeframe("3m"); err == nil {
		t.Fatal("expected error for unsupported timeframe")
	}
	if TF1Day.Duration() != 24*time.Hour {
		t.Fatalf("1d duration = %v", TF1Day.Duration())
	}
}

func TestBarChangePct(t *testing.T) {
	bar := Bar{
		Open:  decimal.NewFromInt(100),
		Close: decimal.NewFromInt(112),
	}
	if got := bar.ChangePct(); !got.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("ChangePct = %s, want 12", got)
	}

	bar.Open = decimal.Zero
	if !bar.ChangePct().IsZero() {
		t.Fatal("zero open must yield zero change")
	}
}
