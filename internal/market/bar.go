package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidBar indicates a bar that violates the OHLCV invariants.
var ErrInvalidBar = errors.New("invalid bar")

// Interval represents a supported bar interval
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// BaseInterval is the native interval all coarser intervals aggregate from.
const BaseInterval = Interval5m

// Intervals lists every supported interval, finest first.
var Intervals = []Interval{
	Interval1m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval4h, Interval1d,
}

// Duration returns the time span of one bar of this interval.
func (iv Interval) Duration() time.Duration {
	switch iv {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the interval is a member of the supported set.
func (iv Interval) Valid() bool {
	return iv.Duration() > 0
}

// Truncate aligns a timestamp down to the interval boundary.
func (iv Interval) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(iv.Duration())
}

// Aligned reports whether t sits exactly on an interval boundary.
func (iv Interval) Aligned(t time.Time) bool {
	return iv.Truncate(t).Equal(t.UTC())
}

// ParseInterval converts a string to an Interval
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return iv, nil
}

// Bar represents a single OHLCV bar. Timestamp is the UTC bar-close boundary
// truncated to the interval. A bar is immutable once finalized; provisional
// bars may be replaced while IsProvisional is true.
type Bar struct {
	Symbol        string
	Interval      Interval
	Timestamp     time.Time
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	IsProvisional bool
}

// Validate checks the OHLCV invariants and returns ErrInvalidBar on violation.
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidBar)
	}
	if !b.Interval.Valid() {
		return fmt.Errorf("%w: unknown interval %q", ErrInvalidBar, b.Interval)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidBar)
	}
	if !b.Interval.Aligned(b.Timestamp) {
		return fmt.Errorf("%w: timestamp %s not aligned to %s boundary",
			ErrInvalidBar, b.Timestamp.Format(time.RFC3339), b.Interval)
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("%w: non-positive price", ErrInvalidBar)
	}
	if b.Low > b.High {
		return fmt.Errorf("%w: low %.6f above high %.6f", ErrInvalidBar, b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("%w: open %.6f outside [low, high]", ErrInvalidBar, b.Open)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("%w: close %.6f outside [low, high]", ErrInvalidBar, b.Close)
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: negative volume", ErrInvalidBar)
	}
	return nil
}

// TypicalPrice returns (high + low + close) / 3.
func (b *Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// Equal reports whether two bars carry identical content,
// ignoring the provisional flag.
func (b *Bar) Equal(o *Bar) bool {
	return b.Symbol == o.Symbol &&
		b.Interval == o.Interval &&
		b.Timestamp.Equal(o.Timestamp) &&
		b.Open == o.Open && b.High == o.High &&
		b.Low == o.Low && b.Close == o.Close &&
		b.Volume == o.Volume
}

// Round6 rounds a price to 6 fractional digits, the fixed precision used at
// every storage boundary.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Normalize rounds all price fields to storage precision and forces the
// timestamp to UTC.
func (b *Bar) Normalize() {
	b.Timestamp = b.Timestamp.UTC()
	b.Open = Round6(b.Open)
	b.High = Round6(b.High)
	b.Low = Round6(b.Low)
	b.Close = Round6(b.Close)
}
