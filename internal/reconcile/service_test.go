package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/stream"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// fakeAdapter serves scripted positions and order statuses.
type fakeAdapter struct {
	id        string
	positions []broker.PositionSnapshot
	statuses  map[string]broker.OrderEvent
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResult, error) {
	return broker.PlaceResult{}, fmt.Errorf("not supported")
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return fmt.Errorf("not supported")
}

func (f *fakeAdapter) ModifyOrder(ctx context.Context, brokerOrderID string, qty, price float64) error {
	return fmt.Errorf("not supported")
}

func (f *fakeAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (broker.OrderEvent, error) {
	ev, ok := f.statuses[brokerOrderID]
	if !ok {
		return broker.OrderEvent{}, fmt.Errorf("order %s not found", brokerOrderID)
	}
	return ev, nil
}

func (f *fakeAdapter) GetPositions(ctx context.Context) ([]broker.PositionSnapshot, error) {
	return f.positions, nil
}

func (f *fakeAdapter) StreamOrderUpdates(ctx context.Context) (<-chan broker.OrderEvent, error) {
	ch := make(chan broker.OrderEvent)
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) broker.Health {
	return broker.Health{Healthy: true}
}

type reconcileFixture struct {
	svc     *Service
	db      *db.Database
	led     *ledger.Ledger
	bus     *events.Bus
	adapter *fakeAdapter
}

func newReconcileFixture(t *testing.T, mode ledger.Mode) *reconcileFixture {
	t.Helper()
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	led := ledger.New(database)
	if _, err := led.StartSession(context.Background(), mode, 1000000, 10000, 5); err != nil {
		t.Fatalf("start session: %v", err)
	}
	bus := events.NewBus()
	adapter := &fakeAdapter{id: "zerodha", statuses: make(map[string]broker.OrderEvent)}
	str := stream.New(database, led, nil, bus, nil)
	return &reconcileFixture{
		svc:     New(database, led, nil, bus, str, []broker.Adapter{adapter}),
		db:      database,
		led:     led,
		bus:     bus,
		adapter: adapter,
	}
}

func (fx *reconcileFixture) openLocal(t *testing.T, instrument string, qty, price float64) {
	t.Helper()
	_, err := fx.led.ApplyFill(context.Background(), ledger.Fill{
		OrderID: "O-seed-" + instrument, Instrument: instrument,
		Side: broker.SideBuy, Qty: qty, Price: price,
	})
	if err != nil {
		t.Fatalf("open local position: %v", err)
	}
}

func (fx *reconcileFixture) riskEvents(t *testing.T) []db.RiskEvent {
	t.Helper()
	session, _ := fx.led.Session()
	out, err := fx.db.ListRiskEvents(context.Background(), session.ID, 100)
	if err != nil {
		t.Fatalf("list risk events: %v", err)
	}
	return out
}

func TestLiveMismatchSurfacedExactlyOnce(t *testing.T) {
	fx := newReconcileFixture(t, ledger.ModeLive)
	ctx := context.Background()

	fx.openLocal(t, "SBIN", 100, 600)
	fx.adapter.positions = []broker.PositionSnapshot{{Instrument: "SBIN", NetQty: 60, AvgPrice: 600}}

	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got := fx.riskEvents(t)
	if len(got) != 1 {
		t.Fatalf("risk events = %d, want 1 (same divergence alerted once)", len(got))
	}
	ev := got[0]
	if ev.Kind != broker.CodeMismatch || ev.LocalQty != 100 || ev.BrokerQty != 60 {
		t.Fatalf("risk event wrong: %+v", ev)
	}
	// Live state is never auto-corrected.
	if qty := fx.led.NetQty("SBIN"); qty != 100 {
		t.Fatalf("live position auto-corrected to %v", qty)
	}
}

func TestLiveMismatchRealertsAfterResolution(t *testing.T) {
	fx := newReconcileFixture(t, ledger.ModeLive)
	ctx := context.Background()

	fx.openLocal(t, "SBIN", 100, 600)
	fx.adapter.positions = []broker.PositionSnapshot{{Instrument: "SBIN", NetQty: 60, AvgPrice: 600}}
	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// Operator fixed it; state matches again.
	fx.adapter.positions = []broker.PositionSnapshot{{Instrument: "SBIN", NetQty: 100, AvgPrice: 600}}
	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// Same divergence returns; it must alert again.
	fx.adapter.positions = []broker.PositionSnapshot{{Instrument: "SBIN", NetQty: 60, AvgPrice: 600}}
	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got := fx.riskEvents(t); len(got) != 2 {
		t.Fatalf("risk events = %d, want 2", len(got))
	}
}

func TestPaperMismatchSyncedToBroker(t *testing.T) {
	fx := newReconcileFixture(t, ledger.ModePaper)
	ctx := context.Background()

	fx.openLocal(t, "TCS", 10, 3500)
	fx.adapter.positions = []broker.PositionSnapshot{{Instrument: "TCS", NetQty: 7, AvgPrice: 3490}}

	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if qty := fx.led.NetQty("TCS"); qty != 7 {
		t.Fatalf("paper position = %v, want broker's 7", qty)
	}
	if got := fx.riskEvents(t); len(got) != 0 {
		t.Fatalf("paper sync must not raise risk events, got %d", len(got))
	}
}

func TestBrokerOnlyPositionSurfaced(t *testing.T) {
	fx := newReconcileFixture(t, ledger.ModeLive)
	ctx := context.Background()

	fx.adapter.positions = []broker.PositionSnapshot{{Instrument: "INFY", NetQty: 5, AvgPrice: 1500}}
	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got := fx.riskEvents(t)
	if len(got) != 1 {
		t.Fatalf("risk events = %d, want 1", len(got))
	}
	if got[0].LocalQty != 0 || got[0].BrokerQty != 5 {
		t.Fatalf("broker-only divergence wrong: %+v", got[0])
	}
}

func TestUnackedUnknownOrderClosedRejected(t *testing.T) {
	fx := newReconcileFixture(t, ledger.ModeLive)
	ctx := context.Background()
	session, _ := fx.led.Session()

	err := fx.db.CreateOrder(ctx, db.Order{
		ID: "O-lost", SessionID: session.ID, AdapterID: "zerodha",
		Instrument: "SBIN", Side: "BUY", Type: "LIMIT", Price: 600, Qty: 10,
		Status: string(broker.StatusUnknown), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if err := fx.led.Reserve(ctx, "O-lost", 10, 600); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, err := fx.db.GetOrder(ctx, "O-lost")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != string(broker.StatusRejected) || o.ReasonCode != broker.CodeAckTimeout {
		t.Fatalf("order = %s/%s, want REJECTED/%s", o.Status, o.ReasonCode, broker.CodeAckTimeout)
	}
	after, _ := fx.led.Session()
	if after.CommittedCapital != 0 {
		t.Fatalf("reservation not released, committed = %v", after.CommittedCapital)
	}
}

func TestAckedUnknownOrderResolvedFromBroker(t *testing.T) {
	fx := newReconcileFixture(t, ledger.ModeLive)
	ctx := context.Background()
	session, _ := fx.led.Session()

	err := fx.db.CreateOrder(ctx, db.Order{
		ID: "O-maybe", BrokerOrderID: "B-42", SessionID: session.ID, AdapterID: "zerodha",
		Instrument: "SBIN", Side: "BUY", Type: "LIMIT", Price: 600, Qty: 10,
		Status: string(broker.StatusUnknown), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	fx.adapter.statuses["B-42"] = broker.OrderEvent{
		BrokerOrderID: "B-42", Status: broker.StatusComplete,
		FillQty: 10, FillPrice: 601, FillID: "F-42", ExchangeTime: time.Now(),
	}
	fx.adapter.positions = []broker.PositionSnapshot{{Instrument: "SBIN", NetQty: 10, AvgPrice: 601}}

	if err := fx.svc.Reconcile(ctx, "zerodha"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	o, err := fx.db.GetOrder(ctx, "O-maybe")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != string(broker.StatusComplete) || o.FilledQty != 10 {
		t.Fatalf("order = %s filled %v, want COMPLETE 10", o.Status, o.FilledQty)
	}
	if qty := fx.led.NetQty("SBIN"); qty != 10 {
		t.Fatalf("resolved fill missing from ledger, net qty = %v", qty)
	}
	// The fill arrived through the normal path, so positions now match and
	// no mismatch may be raised.
	if got := fx.riskEvents(t); len(got) != 0 {
		t.Fatalf("risk events = %d, want 0", len(got))
	}
}
