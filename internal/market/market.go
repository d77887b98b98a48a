// Package market defines the value types shared by ingestion, policies,
// and storage: instruments, timeframes, tracked series keys, and bars.
package market

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument identifies one tradable symbol (e.g. BTCUSDT). Equality is
// case-insensitive; the canonical form is upper-case.
type Instrument struct {
	symbol string
}

// NewInstrument canonicalises a raw symbol string.
func NewInstrument(symbol string) Instrument {
	return Instrument{symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// String returns the canonical upper-case symbol.
func (i Instrument) String() string { return i.symbol }

// Lower returns the lower-case form used by stream topic names.
func (i Instrument) Lower() string { return strings.ToLower(i.symbol) }

// Equal compares two instruments case-insensitively.
func (i Instrument) Equal(other Instrument) bool { return i.symbol == other.symbol }

// IsZero reports whether the instrument carries no symbol.
func (i Instrument) IsZero() bool { return i.symbol == "" }

// Hash returns a stable FNV-1a hash over the canonical symbol.
func (i Instrument) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(i.symbol))
	return h.Sum64()
}

// Timeframe enumerates the bar intervals the engine tracks.
type Timeframe string

const (
	TF15Min Timeframe = "15m"
	TF1Hour Timeframe = "1h"
	TF4Hour Timeframe = "4h"
	TF1Day  Timeframe = "1d"
)

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(strings.ToLower(strings.TrimSpace(s))) {
	case TF15Min:
		return TF15Min, nil
	case TF1Hour:
		return TF1Hour, nil
	case TF4Hour:
		return TF4Hour, nil
	case TF1Day:
		return TF1Day, nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Duration returns the bar length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF15Min:
		return 15 * time.Minute
	case TF1Hour:
		return time.Hour
	case TF4Hour:
		return 4 * time.Hour
	case TF1Day:
		return 24 * time.Hour
	}
	return 0
}

func (tf Timeframe) String() string { return string(tf) }

// TrackedKey identifies one monitored series: an instrument at a timeframe.
type TrackedKey struct {
	Instrument Instrument
	Timeframe  Timeframe
}

func (k TrackedKey) String() string {
	return k.Instrument.String() + "/" + string(k.Timeframe)
}

// Hash combines the instrument hash with the timeframe for shard selection.
func (k TrackedKey) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.Instrument.String()))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(k.Timeframe))
	return h.Sum64()
}

// Bar is one interval's aggregated price sample. Closed reports whether the
// interval has ended; bars still forming must never feed a rolling window.
type Bar struct {
	Key       TrackedKey
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool
}

// ChangePct returns the close-over-open percentage change of the bar.
func (b Bar) ChangePct() decimal.Decimal {
	if b.Open.IsZero() {
		return decimal.Zero
	}
	return b.Close.Div(b.Open).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}
