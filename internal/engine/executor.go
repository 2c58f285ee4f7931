// Package engine owns order submission. One Executor drives both paper and
// live trading: the mode only changes which broker adapter sits behind it,
// so every ledger mutation flows through the same path.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/health"
	"execution-core/internal/ledger"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// Order is one submission intent after sizing and risk approval.
type Order struct {
	ID              string // assigned when empty
	SessionID       string
	AdapterID       string
	Instrument      string
	Side            broker.Side
	Type            broker.OrderType
	Qty             float64
	Price           float64 // LIMIT only
	StopLoss        float64
	Target          float64
	TrailingPercent float64
	Reserve         bool // opening orders hold capital; closing orders do not
	Tag             string
}

// Executor submits, cancels and modifies orders against one broker adapter,
// gated by that adapter's circuit breaker and rate limiter.
type Executor struct {
	adapter broker.Adapter
	breaker *health.CircuitBreaker
	limiter *rate.Limiter
	db      *db.Database
	ledger  *ledger.Ledger
	trail   *audit.Trail
	bus     *events.Bus
	wal     *WAL

	ackTimeout time.Duration
	workers    chan struct{} // bounds concurrent async submissions
}

// ExecutorConfig wires an executor.
type ExecutorConfig struct {
	Adapter     broker.Adapter
	Breaker     *health.CircuitBreaker
	RatePerSec  float64
	Database    *db.Database
	Ledger      *ledger.Ledger
	Trail       *audit.Trail
	Bus         *events.Bus
	WAL         *WAL
	AckTimeout  time.Duration
	MaxInFlight int
}

// NewExecutor creates an executor over one adapter.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Executor{
		adapter:    cfg.Adapter,
		breaker:    cfg.Breaker,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		db:         cfg.Database,
		ledger:     cfg.Ledger,
		trail:      cfg.Trail,
		bus:        cfg.Bus,
		wal:        cfg.WAL,
		ackTimeout: cfg.AckTimeout,
		workers:    make(chan struct{}, cfg.MaxInFlight),
	}
}

// AdapterID returns the adapter this executor routes to.
func (e *Executor) AdapterID() string { return e.adapter.ID() }

// Submit places one order synchronously. It returns the local order id and
// the submission outcome; fills arrive later on the order stream.
func (e *Executor) Submit(ctx context.Context, o Order) (string, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Qty <= 0 {
		return o.ID, broker.Validationf(broker.CodeInvalidQuantity, "qty %.4f", o.Qty)
	}

	// Fast rejection while the breaker is open keeps the caller from
	// queueing against a broker that cannot accept orders.
	if e.breaker != nil && !e.breaker.Allow() {
		return o.ID, broker.Rejection(broker.CodeCircuitOpen,
			"adapter "+e.adapter.ID()+" circuit open", nil)
	}

	if o.Reserve {
		perUnit := o.Price
		if perUnit <= 0 {
			perUnit = e.markOrEntry(o)
		}
		if err := e.ledger.Reserve(ctx, o.ID, o.Qty, perUnit); err != nil {
			return o.ID, err
		}
	}

	if err := e.persistNew(ctx, o); err != nil {
		e.releaseIfReserved(ctx, o)
		return o.ID, err
	}
	if e.wal != nil {
		if err := e.wal.Append(walRecord{Op: walOpSubmit, OrderID: o.ID, AdapterID: o.AdapterID, Instrument: o.Instrument}); err != nil {
			log.Printf("executor: wal append error: %v", err)
		}
	}
	e.audit(ctx, audit.Event{
		Kind: audit.KindOrderTransition, EntityType: audit.EntityOrder,
		EntityID: o.ID, SessionID: o.SessionID,
		Payload: map[string]any{"status": string(broker.StatusNew), "instrument": o.Instrument,
			"side": string(o.Side), "qty": o.Qty},
	})
	e.bus.Publish(events.EventOrderSubmitted, o.ID)

	if err := e.limiter.Wait(ctx); err != nil {
		e.fail(ctx, o, broker.Transport("rate limiter interrupted", err))
		return o.ID, err
	}

	res, err := e.place(ctx, o)
	if err != nil {
		return o.ID, e.handlePlaceError(ctx, o, err)
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	if e.db != nil {
		if err := e.db.SetBrokerOrderID(ctx, o.ID, res.BrokerOrderID); err != nil {
			log.Printf("executor: set broker order id: %v", err)
		}
	}
	status := res.Status
	if status == "" {
		status = broker.StatusOpen
	}
	e.transition(ctx, o, status, "")
	e.bus.Publish(events.EventOrderAccepted, o.ID)
	return o.ID, nil
}

// SubmitAsync places the order from a bounded worker. Errors are reported
// through order state and the event bus rather than a return value.
func (e *Executor) SubmitAsync(ctx context.Context, o Order) string {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	e.workers <- struct{}{}
	go func() {
		defer func() { <-e.workers }()
		if _, err := e.Submit(ctx, o); err != nil {
			log.Printf("executor: async submit %s failed: %v", o.ID, err)
		}
	}()
	return o.ID
}

// Cancel requests cancellation of an open order. The terminal CANCELLED
// state arrives via the order stream, not here.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	if e.breaker != nil && !e.breaker.Allow() {
		return broker.Rejection(broker.CodeCircuitOpen, "adapter "+e.adapter.ID()+" circuit open", nil)
	}
	o, err := e.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if broker.OrderStatus(o.Status).Terminal() {
		return broker.Validationf(broker.CodeInvalidQuantity, "order %s already %s", orderID, o.Status)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := e.adapter.CancelOrder(ctx, o.BrokerOrderID); err != nil {
		e.recordBreaker(err)
		return err
	}
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	return nil
}

// Modify changes price/qty of an open order at the broker.
func (e *Executor) Modify(ctx context.Context, orderID string, qty, price float64) error {
	if e.breaker != nil && !e.breaker.Allow() {
		return broker.Rejection(broker.CodeCircuitOpen, "adapter "+e.adapter.ID()+" circuit open", nil)
	}
	o, err := e.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if broker.OrderStatus(o.Status).Terminal() {
		return broker.Validationf(broker.CodeInvalidQuantity, "order %s already %s", orderID, o.Status)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := e.adapter.ModifyOrder(ctx, o.BrokerOrderID, qty, price); err != nil {
		e.recordBreaker(err)
		return err
	}
	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
	return nil
}

// place performs the broker call, retrying exactly once after a rate-limit
// cooldown. A throttled submission was never accepted, so the retry cannot
// duplicate an order; unknown-outcome failures are never retried.
func (e *Executor) place(ctx context.Context, o Order) (broker.PlaceResult, error) {
	req := broker.OrderRequest{
		Instrument: o.Instrument,
		Side:       o.Side,
		Type:       o.Type,
		Qty:        o.Qty,
		Price:      o.Price,
		ClientID:   o.ID,
		Tag:        o.SessionID,
	}
	for attempt := 0; ; attempt++ {
		ackCtx, cancel := context.WithTimeout(ctx, e.ackTimeout)
		res, err := e.adapter.PlaceOrder(ackCtx, req)
		cancel()
		if err == nil || attempt > 0 {
			return res, err
		}
		wait, ok := broker.RetryAfterOf(err)
		if !ok {
			return res, err
		}
		if wait <= 0 || wait > e.ackTimeout {
			wait = e.ackTimeout
		}
		log.Printf("executor: order %s throttled by %s, retrying in %s", o.ID, e.adapter.ID(), wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, err
		case <-timer.C:
		}
	}
}

// handlePlaceError maps submission failures onto order state. An ack
// timeout parks the order in UNKNOWN and requests reconciliation; it is
// never blindly retried because the broker may hold a working order.
func (e *Executor) handlePlaceError(ctx context.Context, o Order, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		e.transition(ctx, o, broker.StatusUnknown, broker.CodeAckTimeout)
		e.bus.Publish(events.EventOrderUnknown, o.ID)
		e.bus.Publish(events.EventReconcileRequested, e.adapter.ID())
		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		log.Printf("executor: order %s ack timeout on %s, parked UNKNOWN", o.ID, e.adapter.ID())
		return broker.Transport("order ack timed out", err)
	}

	e.recordBreaker(err)
	e.fail(ctx, o, err)
	return err
}

// fail marks an order REJECTED with its reason code and frees capital.
func (e *Executor) fail(ctx context.Context, o Order, err error) {
	code := broker.CodeOf(err)
	if code == "" {
		code = broker.CodeBrokerUnavailable
	}
	e.transition(ctx, o, broker.StatusRejected, code)
	e.releaseIfReserved(ctx, o)
	e.bus.Publish(events.EventOrderRejected, o.ID)
}

func (e *Executor) recordBreaker(err error) {
	if e.breaker == nil {
		return
	}
	if broker.CountsTowardBreaker(err) {
		e.breaker.RecordFailure()
	} else {
		e.breaker.RecordSuccess()
	}
}

func (e *Executor) releaseIfReserved(ctx context.Context, o Order) {
	if o.Reserve {
		e.ledger.ReleaseRemaining(ctx, o.ID)
	}
}

func (e *Executor) persistNew(ctx context.Context, o Order) error {
	if e.db == nil {
		return nil
	}
	return e.db.CreateOrder(ctx, db.Order{
		ID:              o.ID,
		SessionID:       o.SessionID,
		AdapterID:       o.AdapterID,
		Instrument:      o.Instrument,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Price:           o.Price,
		Qty:             o.Qty,
		Status:          string(broker.StatusNew),
		StopLoss:        o.StopLoss,
		Target:          o.Target,
		TrailingPercent: o.TrailingPercent,
		CreatedAt:       time.Now(),
	})
}

func (e *Executor) transition(ctx context.Context, o Order, status broker.OrderStatus, reason string) {
	if e.db != nil {
		if err := e.db.UpdateOrderStatus(ctx, o.ID, string(status), reason); err != nil {
			log.Printf("executor: update order status: %v", err)
		}
	}
	if e.wal != nil && status.Terminal() {
		if err := e.wal.Append(walRecord{Op: walOpDone, OrderID: o.ID}); err != nil {
			log.Printf("executor: wal append error: %v", err)
		}
	}
	e.audit(ctx, audit.Event{
		Kind: audit.KindOrderTransition, EntityType: audit.EntityOrder,
		EntityID: o.ID, SessionID: o.SessionID,
		Payload: map[string]any{"status": string(status), "reason": reason},
	})
}

// audit routes through the synchronous path in live mode so the record is
// durable before the operation completes, and the batched path in paper.
func (e *Executor) audit(ctx context.Context, ev audit.Event) {
	if e.trail == nil {
		return
	}
	if s, ok := e.ledger.Session(); ok && s.Mode == ledger.ModeLive {
		if err := e.trail.Record(ctx, ev); err != nil {
			log.Printf("executor: audit record: %v", err)
		}
		return
	}
	e.trail.RecordAsync(ev)
}

// markOrEntry falls back to the last marked price for market orders.
func (e *Executor) markOrEntry(o Order) float64 {
	if p := e.ledger.Position(o.Instrument); p.LastPrice > 0 {
		return p.LastPrice
	}
	return o.Price
}
