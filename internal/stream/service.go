// Package stream consumes broker order-update streams and applies them to
// order rows, fills, and the ledger. It is the single writer for fill
// state: paper and live events arrive here through the same channel type
// and take the same path.
package stream

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/audit"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/health"
	"execution-core/internal/ledger"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// Service runs one consumer goroutine per adapter stream.
type Service struct {
	db         *db.Database
	ledger     *ledger.Ledger
	trail      *audit.Trail
	bus        *events.Bus
	protection *engine.Protection

	// reconcile is invoked after every reconnect, before fresh events are
	// applied, so missed updates are recovered in order.
	reconcile func(ctx context.Context, adapterID string) error

	mu      sync.Mutex
	seen    map[string]struct{} // fill dedupe keys applied this process
	lastSeq map[string]int64    // highest broker sequence applied per order
	wg      sync.WaitGroup
}

// New creates the stream service.
func New(database *db.Database, l *ledger.Ledger, trail *audit.Trail, bus *events.Bus, protection *engine.Protection) *Service {
	return &Service{
		db:         database,
		ledger:     l,
		trail:      trail,
		bus:        bus,
		protection: protection,
		seen:       make(map[string]struct{}),
		lastSeq:    make(map[string]int64),
	}
}

// SetReconciler wires the post-reconnect recovery hook.
func (s *Service) SetReconciler(fn func(ctx context.Context, adapterID string) error) {
	s.reconcile = fn
}

// Run consumes one adapter's stream until ctx is cancelled, reconnecting
// with backoff when the stream drops.
func (s *Service) Run(ctx context.Context, adapter broker.Adapter) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := health.NewBackoff(time.Second, time.Minute)
		for {
			if ctx.Err() != nil {
				return
			}
			ch, err := adapter.StreamOrderUpdates(ctx)
			if err != nil {
				log.Printf("stream %s: connect failed: %v", adapter.ID(), err)
				if err := backoff.Sleep(ctx); err != nil {
					return
				}
				continue
			}
			backoff.Reset()
			log.Printf("stream %s: connected", adapter.ID())

			for ev := range ch {
				s.Apply(ctx, adapter.ID(), ev)
			}
			if ctx.Err() != nil {
				return
			}

			// The stream dropped: events may have been missed, so the
			// broker state must be re-read before new events are trusted.
			log.Printf("stream %s: disconnected, reconciling before resume", adapter.ID())
			if s.reconcile != nil {
				if err := s.reconcile(ctx, adapter.ID()); err != nil {
					log.Printf("stream %s: post-disconnect reconcile: %v", adapter.ID(), err)
				}
			}
			if err := backoff.Sleep(ctx); err != nil {
				return
			}
		}
	}()
}

// Wait blocks until all stream consumers exit.
func (s *Service) Wait() { s.wg.Wait() }

// Apply processes one order event: duplicate fills are dropped, status
// regressions are ignored, and exactly one ledger mutation happens per
// accepted fill.
func (s *Service) Apply(ctx context.Context, adapterID string, ev broker.OrderEvent) {
	o, err := s.lookup(ctx, ev)
	if err == db.ErrNotFound {
		// An order this process never submitted: surface it, never guess.
		log.Printf("stream %s: event for unknown order broker_id=%s client_id=%s", adapterID, ev.BrokerOrderID, ev.ClientOrderID)
		s.bus.Publish(events.EventReconcileRequested, adapterID)
		return
	}
	if err != nil {
		log.Printf("stream %s: order lookup: %v", adapterID, err)
		return
	}

	// Events apply in the broker's order, not arrival order. A sequence at
	// or below the last applied one is a stale retransmit.
	if ev.Sequence > 0 {
		s.mu.Lock()
		if ev.Sequence <= s.lastSeq[o.ID] {
			s.mu.Unlock()
			log.Printf("stream %s: stale sequence %d for order %s (applied through %d), dropped",
				adapterID, ev.Sequence, o.ID, s.lastSeq[o.ID])
			return
		}
		s.lastSeq[o.ID] = ev.Sequence
		s.mu.Unlock()
	}

	if o.BrokerOrderID == "" && ev.BrokerOrderID != "" {
		if err := s.db.SetBrokerOrderID(ctx, o.ID, ev.BrokerOrderID); err != nil {
			log.Printf("stream %s: set broker order id: %v", adapterID, err)
		}
	}

	if ev.FillQty > 0 {
		s.applyFill(ctx, adapterID, o, ev)
		return
	}
	s.applyStatus(ctx, o, ev)
}

func (s *Service) lookup(ctx context.Context, ev broker.OrderEvent) (*db.Order, error) {
	if ev.ClientOrderID != "" {
		o, err := s.db.GetOrder(ctx, ev.ClientOrderID)
		if err != db.ErrNotFound {
			return o, err
		}
	}
	if ev.BrokerOrderID != "" {
		return s.db.GetOrderByBrokerID(ctx, ev.BrokerOrderID)
	}
	return nil, db.ErrNotFound
}

// applyFill applies one execution exactly once. Cumulative applied quantity
// never exceeds the order's requested quantity; anything the broker reports
// beyond it is surfaced as a risk event, not booked.
func (s *Service) applyFill(ctx context.Context, adapterID string, o *db.Order, ev broker.OrderEvent) {
	if broker.OrderStatus(o.Status).Terminal() {
		s.surfaceExcessFill(ctx, adapterID, o, ev, ev.FillQty)
		return
	}

	key := ev.DedupeKey()
	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	applied := ev.FillQty
	if remaining := o.Qty - o.FilledQty; applied > remaining {
		s.surfaceExcessFill(ctx, adapterID, o, ev, applied-remaining)
		applied = remaining
	}
	if applied <= 0 {
		return
	}

	// The fills table's primary key is the dedupe key, so a duplicate
	// surviving a restart fails the insert instead of double-applying.
	if err := s.db.CreateFill(ctx, db.Fill{
		ID:           key,
		OrderID:      o.ID,
		Qty:          applied,
		Price:        ev.FillPrice,
		Sequence:     ev.Sequence,
		ExchangeTime: ev.ExchangeTime,
		CreatedAt:    time.Now(),
	}); err != nil {
		if isConstraintErr(err) {
			return
		}
		log.Printf("stream %s: persist fill: %v", adapterID, err)
		return
	}

	newFilled := o.FilledQty + applied
	newAvg := ev.FillPrice
	if newFilled > 0 {
		newAvg = (o.AvgFillPrice*o.FilledQty + ev.FillPrice*applied) / newFilled
	}
	status := broker.StatusPartial
	if newFilled >= o.Qty || ev.Status.Terminal() {
		status = broker.StatusComplete
	}

	if err := s.db.UpdateOrderFill(ctx, o.ID, string(status), newFilled, newAvg); err != nil {
		log.Printf("stream %s: update order fill: %v", adapterID, err)
	}
	o.FilledQty = newFilled
	o.AvgFillPrice = newAvg
	o.Status = string(status)

	pos, err := s.ledger.ApplyFill(ctx, ledger.Fill{
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       broker.Side(o.Side),
		Qty:        applied,
		Price:      ev.FillPrice,
		StopLoss:   o.StopLoss,
		Target:     o.Target,
		Trailing:   o.TrailingPercent,
	})
	if err != nil {
		log.Printf("stream %s: apply fill to ledger: %v", adapterID, err)
		return
	}

	s.audit(ctx, audit.Event{
		Kind: audit.KindOrderTransition, EntityType: audit.EntityOrder,
		EntityID: o.ID, SessionID: o.SessionID,
		Payload: map[string]any{
			"status": string(status), "fill_qty": applied, "fill_price": ev.FillPrice,
			"filled_qty": newFilled, "avg_price": newAvg,
		},
	})
	s.audit(ctx, audit.Event{
		Kind: audit.KindPositionTransition, EntityType: audit.EntityPosition,
		EntityID: o.Instrument, SessionID: o.SessionID,
		Payload: map[string]any{"net_qty": pos.NetQty, "avg_price": pos.AvgPrice, "realized_pnl": pos.RealizedPnL},
	})
	s.bus.Publish(events.EventPositionChange, pos)

	if status == broker.StatusComplete {
		s.finishOrder(ctx, o)
		s.bus.Publish(events.EventOrderFilled, o.ID)
	} else {
		s.bus.Publish(events.EventOrderPartiallyFilled, o.ID)
	}
}

// applyStatus handles fill-less transitions (OPEN, CANCELLED, REJECTED).
func (s *Service) applyStatus(ctx context.Context, o *db.Order, ev broker.OrderEvent) {
	cur := broker.OrderStatus(o.Status)
	if !cur.Advances(ev.Status) {
		return
	}
	if err := s.db.UpdateOrderStatus(ctx, o.ID, string(ev.Status), ""); err != nil {
		log.Printf("stream: update order status: %v", err)
	}
	o.Status = string(ev.Status)

	s.audit(ctx, audit.Event{
		Kind: audit.KindOrderTransition, EntityType: audit.EntityOrder,
		EntityID: o.ID, SessionID: o.SessionID,
		Payload: map[string]any{"status": string(ev.Status)},
	})

	switch ev.Status {
	case broker.StatusOpen:
		s.bus.Publish(events.EventOrderAccepted, o.ID)
	case broker.StatusCancelled:
		s.finishOrder(ctx, o)
		s.bus.Publish(events.EventOrderCancelled, o.ID)
	case broker.StatusRejected:
		s.finishOrder(ctx, o)
		s.bus.Publish(events.EventOrderRejected, o.ID)
	}
}

// surfaceExcessFill records broker-reported quantity that the order cannot
// absorb: a fill past the requested quantity, or any fill for an order
// already terminal. The excess is never booked; an operator resolves it.
func (s *Service) surfaceExcessFill(ctx context.Context, adapterID string, o *db.Order, ev broker.OrderEvent, excess float64) {
	detail := fmt.Sprintf("order %s (%s): broker fill %.4f exceeds remaining %.4f of %.4f",
		o.ID, o.Status, ev.FillQty, o.Qty-o.FilledQty, o.Qty)
	rec := db.RiskEvent{
		ID:         uuid.NewString(),
		AdapterID:  adapterID,
		SessionID:  o.SessionID,
		Instrument: o.Instrument,
		Kind:       "EXCESS_FILL",
		Detail:     detail,
		LocalQty:   o.FilledQty,
		BrokerQty:  o.FilledQty + excess,
		CreatedAt:  time.Now(),
	}
	if s.db != nil {
		if err := s.db.InsertRiskEvent(ctx, rec); err != nil {
			log.Printf("stream %s: persist risk event: %v", adapterID, err)
		}
	}
	log.Printf("❌ stream %s: %s", adapterID, detail)
	s.bus.Publish(events.EventRiskEvent, rec)
	s.audit(ctx, audit.Event{
		Kind: audit.KindRiskEvent, EntityType: audit.EntityOrder,
		EntityID: o.ID, SessionID: o.SessionID,
		Payload: map[string]any{"kind": "EXCESS_FILL", "detail": detail, "excess_qty": excess},
	})
}

// finishOrder releases leftover capital and re-arms protection exits.
func (s *Service) finishOrder(ctx context.Context, o *db.Order) {
	s.ledger.ReleaseRemaining(ctx, o.ID)
	if s.protection != nil {
		s.protection.ClearPending(o.Instrument)
	}
}

func (s *Service) audit(ctx context.Context, ev audit.Event) {
	if s.trail == nil {
		return
	}
	if sv, ok := s.ledger.Session(); ok && sv.Mode == ledger.ModeLive {
		if err := s.trail.Record(ctx, ev); err != nil {
			log.Printf("stream: audit record: %v", err)
		}
		return
	}
	s.trail.RecordAsync(ev)
}

// isConstraintErr matches the sqlite unique/primary-key violation text.
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
