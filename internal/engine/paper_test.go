package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"execution-core/pkg/broker"
)

func newTestPaper(cfg SimConfig) *PaperAdapter {
	return NewPaperAdapter(cfg)
}

func nextEvent(t *testing.T, ch <-chan broker.OrderEvent) broker.OrderEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for order event")
		return broker.OrderEvent{}
	}
}

func TestPaperMarketOrderFillsWithSlippageAndFees(t *testing.T) {
	p := newTestPaper(SimConfig{
		SlippageMode:  "percent",
		SlippageValue: 0.1, // 10bp
		FeePerOrder:   20,
		FeePercent:    0.0003,
	})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.StreamOrderUpdates(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	p.Tick("SBIN", 600)
	res, err := p.PlaceOrder(ctx, broker.OrderRequest{
		Instrument: "SBIN", Side: broker.SideBuy, Type: broker.OrderTypeMarket,
		Qty: 100, ClientID: "O-1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.BrokerOrderID == "" {
		t.Fatalf("missing broker order id")
	}

	open := nextEvent(t, ch)
	if open.Status != broker.StatusOpen || open.ClientOrderID != "O-1" {
		t.Fatalf("first event = %+v, want OPEN for O-1", open)
	}
	fill := nextEvent(t, ch)
	if fill.Status != broker.StatusComplete || fill.FillQty != 100 {
		t.Fatalf("second event = %+v, want full fill", fill)
	}
	if fill.FillID == "" {
		t.Fatalf("paper fills must carry a fill id for dedupe")
	}
	// Buy cost must exceed the quoted price: slippage and fees are adverse.
	if fill.FillPrice <= 600 {
		t.Fatalf("buy fill price %.4f must sit above quote 600", fill.FillPrice)
	}
	slipped := 600 * 1.001
	wantPrice := slipped + (20+slipped*100*0.0003)/100
	if math.Abs(fill.FillPrice-wantPrice) > 1e-6 {
		t.Fatalf("fill price = %.6f, want %.6f", fill.FillPrice, wantPrice)
	}

	positions, err := p.GetPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].NetQty != 100 {
		t.Fatalf("simulated book wrong: %+v", positions)
	}
}

func TestPaperMarketOrderWithoutQuoteRejected(t *testing.T) {
	p := newTestPaper(SimConfig{})
	defer p.Close()

	_, err := p.PlaceOrder(context.Background(), broker.OrderRequest{
		Instrument: "UNQUOTED", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Qty: 1, ClientID: "O-1",
	})
	if err == nil {
		t.Fatalf("market order without a quote must be rejected")
	}
	if broker.CodeOf(err) != broker.CodeInstrumentNotTradable {
		t.Fatalf("code = %q, want %q", broker.CodeOf(err), broker.CodeInstrumentNotTradable)
	}
}

func TestPaperLimitOrderFillsWhenPriceCrosses(t *testing.T) {
	p := newTestPaper(SimConfig{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.StreamOrderUpdates(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	p.Tick("TCS", 3520)
	if _, err := p.PlaceOrder(ctx, broker.OrderRequest{
		Instrument: "TCS", Side: broker.SideBuy, Type: broker.OrderTypeLimit,
		Qty: 10, Price: 3500, ClientID: "O-1",
	}); err != nil {
		t.Fatalf("place: %v", err)
	}

	open := nextEvent(t, ch)
	if open.Status != broker.StatusOpen {
		t.Fatalf("limit order should rest open, got %v", open.Status)
	}

	p.Tick("TCS", 3510) // still above the limit
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event before the limit crossed: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	p.Tick("TCS", 3495)
	fill := nextEvent(t, ch)
	if fill.Status != broker.StatusComplete || fill.FillQty != 10 {
		t.Fatalf("crossing tick must fill the order, got %+v", fill)
	}
	if fill.FillPrice != 3500 {
		t.Fatalf("resting limit fills at its limit price, got %.2f", fill.FillPrice)
	}
}

func TestPaperCancelOpenOrder(t *testing.T) {
	p := newTestPaper(SimConfig{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.StreamOrderUpdates(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	p.Tick("INFY", 1500)
	res, err := p.PlaceOrder(ctx, broker.OrderRequest{
		Instrument: "INFY", Side: broker.SideSell, Type: broker.OrderTypeLimit,
		Qty: 5, Price: 1550, ClientID: "O-1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ev := nextEvent(t, ch); ev.Status != broker.StatusOpen {
		t.Fatalf("expected OPEN, got %v", ev.Status)
	}

	if err := p.CancelOrder(ctx, res.BrokerOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ev := nextEvent(t, ch); ev.Status != broker.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %v", ev.Status)
	}

	if err := p.CancelOrder(ctx, res.BrokerOrderID); err == nil {
		t.Fatalf("cancelling a terminal order must fail")
	}

	status, err := p.GetOrderStatus(ctx, res.BrokerOrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != broker.StatusCancelled {
		t.Fatalf("authoritative status = %v, want CANCELLED", status.Status)
	}
}
