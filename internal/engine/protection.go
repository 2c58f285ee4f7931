package engine

import (
	"context"
	"log"
	"sync"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/pkg/broker"
)

// Submitter is the slice of Executor that protection needs.
type Submitter interface {
	Submit(ctx context.Context, o Order) (string, error)
	AdapterID() string
}

// Protection watches price ticks and exits positions whose stop-loss,
// target, or trailing stop is hit. Exits are ordinary market orders through
// the active executor, so they follow the same path as entries.
type Protection struct {
	ledger *ledger.Ledger
	trail  *audit.Trail
	bus    *events.Bus

	mu      sync.Mutex
	submit  Submitter
	hwm     map[string]float64 // extreme favorable price per instrument
	pending map[string]bool    // instruments with an in-flight exit
}

// NewProtection creates the monitor; the submitter is set per mode change.
func NewProtection(l *ledger.Ledger, trail *audit.Trail, bus *events.Bus) *Protection {
	return &Protection{
		ledger:  l,
		trail:   trail,
		bus:     bus,
		hwm:     make(map[string]float64),
		pending: make(map[string]bool),
	}
}

// SetSubmitter points exits at the executor for the active mode.
func (pr *Protection) SetSubmitter(s Submitter) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.submit = s
}

// OnTick evaluates protection levels for one instrument at one price.
func (pr *Protection) OnTick(ctx context.Context, instrument string, price float64) {
	pr.ledger.MarkPrice(instrument, price)
	if pr.bus != nil {
		pr.bus.Publish(events.EventPriceTick, map[string]any{"instrument": instrument, "price": price})
	}

	pos := pr.ledger.Position(instrument)
	pr.mu.Lock()
	if pos.NetQty == 0 {
		delete(pr.hwm, instrument)
		delete(pr.pending, instrument)
		pr.mu.Unlock()
		return
	}
	if pr.pending[instrument] {
		pr.mu.Unlock()
		return
	}

	long := pos.NetQty > 0
	hwm, ok := pr.hwm[instrument]
	if !ok {
		hwm = price
	} else if long && price > hwm {
		hwm = price
	} else if !long && price < hwm {
		hwm = price
	}
	pr.hwm[instrument] = hwm

	reason := triggerReason(pos, price, hwm, long)
	if reason == "" {
		pr.mu.Unlock()
		return
	}
	pr.pending[instrument] = true
	submit := pr.submit
	pr.mu.Unlock()

	if submit == nil {
		log.Printf("protection: %s triggered for %s but no executor is active", reason, instrument)
		return
	}
	pr.exit(ctx, submit, pos, price, reason)
}

// triggerReason returns which protection level fired, or empty.
func triggerReason(pos ledger.PositionView, price, hwm float64, long bool) string {
	if pos.TrailingPercent > 0 {
		if long && price <= hwm*(1-pos.TrailingPercent/100) {
			return "trailing_stop"
		}
		if !long && price >= hwm*(1+pos.TrailingPercent/100) {
			return "trailing_stop"
		}
	}
	if pos.StopLoss > 0 {
		if long && price <= pos.StopLoss {
			return "stop_loss"
		}
		if !long && price >= pos.StopLoss {
			return "stop_loss"
		}
	}
	if pos.Target > 0 {
		if long && price >= pos.Target {
			return "target"
		}
		if !long && price <= pos.Target {
			return "target"
		}
	}
	return ""
}

// exit submits the closing market order for the full open quantity.
func (pr *Protection) exit(ctx context.Context, submit Submitter, pos ledger.PositionView, price float64, reason string) {
	held := broker.SideBuy
	if pos.NetQty < 0 {
		held = broker.SideSell
	}
	session, _ := pr.ledger.Session()

	o := Order{
		SessionID:  session.ID,
		AdapterID:  submit.AdapterID(),
		Instrument: pos.Instrument,
		Side:       held.Opposite(),
		Type:       broker.OrderTypeMarket,
		Qty:        abs(pos.NetQty),
		Tag:        "protection:" + reason,
	}
	id, err := submit.Submit(ctx, o)
	if err != nil {
		log.Printf("protection: exit %s for %s failed: %v", reason, pos.Instrument, err)
		pr.mu.Lock()
		delete(pr.pending, pos.Instrument)
		pr.mu.Unlock()
		return
	}
	log.Printf("protection: %s hit for %s at %.2f, exit order %s", reason, pos.Instrument, price, id)
	if pr.trail != nil {
		pr.trail.RecordAsync(audit.Event{
			Kind:       audit.KindPositionTransition,
			EntityType: audit.EntityPosition,
			EntityID:   pos.Instrument,
			SessionID:  session.ID,
			Payload:    map[string]any{"trigger": reason, "price": price, "exit_order": id},
		})
	}
}

// ClearPending re-arms protection for an instrument after its exit order
// reached a terminal state without flattening the position.
func (pr *Protection) ClearPending(instrument string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	delete(pr.pending, instrument)
}
