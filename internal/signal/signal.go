// Package signal defines the contract between external strategy code and
// the execution core. Strategies are consumed through capability
// interfaces; the core never depends on a concrete strategy type.
package signal

import (
	"context"
	"time"

	"execution-core/pkg/broker"
)

// Signal is an immutable trading decision produced outside the core.
type Signal struct {
	Instrument      string
	Direction       broker.Side
	SuggestedEntry  float64
	SuggestedSL     float64
	SuggestedTarget float64
	TrailingPercent float64 // 0 disables the trailing stop
	Confidence      float64 // 0..1
	Timestamp       time.Time
}

// Source delivers signals into the core.
type Source interface {
	// Signals returns a receive-only stream; it closes when the source stops.
	Signals(ctx context.Context) (<-chan Signal, error)
}

// Strategy is the capability surface a pluggable strategy implements. The
// core treats all strategies uniformly through this interface.
type Strategy interface {
	ProduceSignal(ctx context.Context, instrument string) (*Signal, error)
	OnTick(instrument string, price float64, at time.Time)
	WithinTradingHours(at time.Time) bool
}
