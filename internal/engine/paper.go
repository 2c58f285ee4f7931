package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/broker"
)

// SimConfig tunes the paper broker's market friction model.
type SimConfig struct {
	SlippageMode  string  // "percent" or "ticks"
	SlippageValue float64 // percent (0.05 = 5bp) or tick count
	TickSize      float64
	FeePerOrder   float64
	FeePercent    float64 // decimal on notional
	LatencyMin    time.Duration
	LatencyMax    time.Duration
}

// PaperAdapter is a simulated broker implementing the same Adapter contract
// as a live integration. Orders placed here flow back through the order
// stream exactly like live fills, so the rest of the core cannot tell the
// modes apart.
type PaperAdapter struct {
	cfg SimConfig

	mu        sync.Mutex
	quotes    map[string]float64
	orders    map[string]*paperOrder // broker order id -> state
	positions map[string]*paperPosition

	events chan broker.OrderEvent
	seq    int64
	closed bool
}

type paperOrder struct {
	id        string
	req       broker.OrderRequest
	status    broker.OrderStatus
	filledQty float64
	avgPrice  float64
}

type paperPosition struct {
	netQty   float64
	avgPrice float64
}

// NewPaperAdapter creates the simulator with the given friction model.
func NewPaperAdapter(cfg SimConfig) *PaperAdapter {
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMax = cfg.LatencyMin
	}
	return &PaperAdapter{
		cfg:       cfg,
		quotes:    make(map[string]float64),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*paperPosition),
		events:    make(chan broker.OrderEvent, 256),
	}
}

func (p *PaperAdapter) ID() string { return "paper" }

// Tick feeds a price update into the simulator. Resting limit orders whose
// price is crossed fill immediately at their limit.
func (p *PaperAdapter) Tick(instrument string, price float64) {
	p.mu.Lock()
	p.quotes[instrument] = price

	var fills []*paperOrder
	for _, o := range p.orders {
		if o.status != broker.StatusOpen || o.req.Type != broker.OrderTypeLimit || o.req.Instrument != instrument {
			continue
		}
		if (o.req.Side == broker.SideBuy && price <= o.req.Price) ||
			(o.req.Side == broker.SideSell && price >= o.req.Price) {
			fills = append(fills, o)
		}
	}
	p.mu.Unlock()

	for _, o := range fills {
		p.fill(o, o.req.Price)
	}
}

// PlaceOrder accepts the order and schedules its simulated lifecycle.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResult, error) {
	p.mu.Lock()
	quote, hasQuote := p.quotes[req.Instrument]
	if !hasQuote && req.Type == broker.OrderTypeMarket {
		p.mu.Unlock()
		return broker.PlaceResult{}, broker.Rejection(broker.CodeInstrumentNotTradable,
			fmt.Sprintf("no quote for %s", req.Instrument), nil)
	}
	o := &paperOrder{
		id:     "PPR-" + uuid.NewString(),
		req:    req,
		status: broker.StatusNew,
	}
	p.orders[o.id] = o
	p.mu.Unlock()

	go p.lifecycle(o, quote)
	return broker.PlaceResult{BrokerOrderID: o.id, Status: broker.StatusNew}, nil
}

// lifecycle runs the simulated ack and, for market orders, the fill.
func (p *PaperAdapter) lifecycle(o *paperOrder, quote float64) {
	time.Sleep(p.latency())

	p.mu.Lock()
	if o.status != broker.StatusNew {
		p.mu.Unlock()
		return
	}
	o.status = broker.StatusOpen
	p.mu.Unlock()
	p.emit(o, broker.StatusOpen, 0, 0, "")

	if o.req.Type == broker.OrderTypeMarket {
		time.Sleep(p.latency())
		p.fill(o, quote)
	}
}

// fill executes the remaining quantity at px adjusted for slippage and fees.
func (p *PaperAdapter) fill(o *paperOrder, px float64) {
	p.mu.Lock()
	if o.status != broker.StatusOpen && o.status != broker.StatusPartial {
		p.mu.Unlock()
		return
	}
	qty := o.req.Qty - o.filledQty
	if qty <= 0 {
		p.mu.Unlock()
		return
	}

	price := p.effectivePrice(o.req.Side, px, qty)
	o.filledQty += qty
	o.avgPrice = price
	o.status = broker.StatusComplete

	pos, ok := p.positions[o.req.Instrument]
	if !ok {
		pos = &paperPosition{}
		p.positions[o.req.Instrument] = pos
	}
	signed := qty
	if o.req.Side == broker.SideSell {
		signed = -qty
	}
	newQty := pos.netQty + signed
	switch {
	case pos.netQty == 0 || (pos.netQty > 0) == (signed > 0):
		pos.avgPrice = (pos.avgPrice*abs(pos.netQty) + price*qty) / abs(newQty)
	case newQty == 0:
		pos.avgPrice = 0
	default:
		if abs(signed) > abs(pos.netQty) {
			pos.avgPrice = price
		}
	}
	pos.netQty = newQty
	p.mu.Unlock()

	p.emit(o, broker.StatusComplete, qty, price, "FILL-"+uuid.NewString())
}

// effectivePrice applies adverse slippage plus commission per unit.
func (p *PaperAdapter) effectivePrice(side broker.Side, px, qty float64) float64 {
	adj := px
	switch p.cfg.SlippageMode {
	case "ticks":
		delta := p.cfg.SlippageValue * p.cfg.TickSize
		if side == broker.SideBuy {
			adj += delta
		} else {
			adj -= delta
		}
	default: // percent
		frac := p.cfg.SlippageValue / 100
		if side == broker.SideBuy {
			adj *= 1 + frac
		} else {
			adj *= 1 - frac
		}
	}

	fee := p.cfg.FeePerOrder + adj*qty*p.cfg.FeePercent
	if qty > 0 {
		if side == broker.SideBuy {
			adj += fee / qty
		} else {
			adj -= fee / qty
		}
	}
	return adj
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		p.mu.Unlock()
		return broker.Validationf(broker.CodeInvalidQuantity, "unknown order %s", brokerOrderID)
	}
	if o.status.Terminal() {
		p.mu.Unlock()
		return broker.Validationf(broker.CodeInvalidQuantity, "order %s already %s", brokerOrderID, o.status)
	}
	o.status = broker.StatusCancelled
	p.mu.Unlock()

	p.emit(o, broker.StatusCancelled, 0, 0, "")
	return nil
}

func (p *PaperAdapter) ModifyOrder(ctx context.Context, brokerOrderID string, qty, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return broker.Validationf(broker.CodeInvalidQuantity, "unknown order %s", brokerOrderID)
	}
	if o.status.Terminal() {
		return broker.Validationf(broker.CodeInvalidQuantity, "order %s already %s", brokerOrderID, o.status)
	}
	if qty > 0 {
		o.req.Qty = qty
	}
	if price > 0 {
		o.req.Price = price
	}
	return nil
}

func (p *PaperAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (broker.OrderEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return broker.OrderEvent{}, fmt.Errorf("unknown order %s", brokerOrderID)
	}
	return broker.OrderEvent{
		BrokerOrderID: o.id,
		ClientOrderID: o.req.ClientID,
		Instrument:    o.req.Instrument,
		Status:        o.status,
		FillQty:       o.filledQty,
		FillPrice:     o.avgPrice,
		ExchangeTime:  time.Now(),
	}, nil
}

func (p *PaperAdapter) GetPositions(ctx context.Context) ([]broker.PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broker.PositionSnapshot, 0, len(p.positions))
	for inst, pos := range p.positions {
		if pos.netQty == 0 {
			continue
		}
		out = append(out, broker.PositionSnapshot{
			Instrument: inst,
			NetQty:     pos.netQty,
			AvgPrice:   pos.avgPrice,
		})
	}
	return out, nil
}

// StreamOrderUpdates delivers the simulator's synthetic events. The channel
// stays open for the life of the adapter; cancelling ctx detaches.
func (p *PaperAdapter) StreamOrderUpdates(ctx context.Context) (<-chan broker.OrderEvent, error) {
	out := make(chan broker.OrderEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-p.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *PaperAdapter) HealthCheck(ctx context.Context) broker.Health {
	return broker.Health{Healthy: true, LatencyMs: 1}
}

// Close stops event delivery.
func (p *PaperAdapter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

func (p *PaperAdapter) emit(o *paperOrder, status broker.OrderStatus, fillQty, fillPrice float64, fillID string) {
	ev := broker.OrderEvent{
		BrokerOrderID: o.id,
		ClientOrderID: o.req.ClientID,
		Instrument:    o.req.Instrument,
		Status:        status,
		FillQty:       fillQty,
		FillPrice:     fillPrice,
		FillID:        fillID,
		Sequence:      atomic.AddInt64(&p.seq, 1),
		ExchangeTime:  time.Now(),
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		log.Printf("paper: event buffer full, dropping %s for %s", status, o.req.ClientID)
	}
}

func (p *PaperAdapter) latency() time.Duration {
	if p.cfg.LatencyMax <= 0 {
		return 0
	}
	span := p.cfg.LatencyMax - p.cfg.LatencyMin
	if span <= 0 {
		return p.cfg.LatencyMin
	}
	return p.cfg.LatencyMin + time.Duration(rand.Int63n(int64(span)))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
