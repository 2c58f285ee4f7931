package engine

import (
	"context"
	"fmt"
	"log"
	"time"
)

// SquareOffScheduler fires once per day at a configured wall-clock time,
// used to flatten intraday positions before the session close.
type SquareOffScheduler struct {
	at time.Time // time-of-day; only hour and minute are used
	fn func(ctx context.Context)
}

// NewSquareOffScheduler parses "HH:MM" (local time). An empty spec returns
// a nil scheduler, which disables square-off.
func NewSquareOffScheduler(spec string, fn func(ctx context.Context)) (*SquareOffScheduler, error) {
	if spec == "" {
		return nil, nil
	}
	t, err := time.Parse("15:04", spec)
	if err != nil {
		return nil, fmt.Errorf("parse square-off time %q: %w", spec, err)
	}
	return &SquareOffScheduler{at: t, fn: fn}, nil
}

// Start runs the daily trigger loop until ctx is cancelled.
func (s *SquareOffScheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go func() {
		for {
			next := s.nextFire(time.Now())
			log.Printf("square-off scheduled for %s", next.Format(time.RFC3339))
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				log.Printf("square-off time reached, flattening positions")
				s.fn(ctx)
			}
		}
	}()
}

func (s *SquareOffScheduler) nextFire(now time.Time) time.Time {
	fire := time.Date(now.Year(), now.Month(), now.Day(), s.at.Hour(), s.at.Minute(), 0, 0, now.Location())
	if !fire.After(now) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire
}
