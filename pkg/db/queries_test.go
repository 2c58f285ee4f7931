package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := NewInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return d
}

func TestSessionLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	first := Session{
		ID: "S-1", Mode: "paper", StartCapital: 100000, AvailableCapital: 100000,
		DailyLossLimit: 10000, MaxOpenPositions: 5, IsActive: true, StartedAt: time.Now(),
	}
	if err := d.CreateSession(ctx, first); err != nil {
		t.Fatalf("create first session: %v", err)
	}

	// A second session must deactivate the first.
	second := first
	second.ID = "S-2"
	second.Mode = "live"
	if err := d.CreateSession(ctx, second); err != nil {
		t.Fatalf("create second session: %v", err)
	}

	active, err := d.GetActiveSession(ctx)
	if err != nil {
		t.Fatalf("get active session: %v", err)
	}
	if active.ID != "S-2" {
		t.Fatalf("active session = %s, want S-2", active.ID)
	}

	active.RealizedPnL = -1234.5
	active.AutoSwitched = true
	active.SwitchReason = "insufficient funds"
	if err := d.UpdateSession(ctx, *active); err != nil {
		t.Fatalf("update session: %v", err)
	}
	reread, err := d.GetActiveSession(ctx)
	if err != nil {
		t.Fatalf("reread session: %v", err)
	}
	if reread.RealizedPnL != -1234.5 || !reread.AutoSwitched || reread.SwitchReason != "insufficient funds" {
		t.Fatalf("session update not persisted: %+v", reread)
	}

	if err := d.ArchiveSession(ctx, "S-2", time.Now()); err != nil {
		t.Fatalf("archive session: %v", err)
	}
	if _, err := d.GetActiveSession(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after archive, got %v", err)
	}
}

func TestOrderLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	o := Order{
		ID: "O-1", SessionID: "S-1", AdapterID: "paper", Instrument: "RELIANCE",
		Side: "BUY", Type: "LIMIT", Price: 2500, Qty: 10, Status: "NEW", CreatedAt: time.Now(),
	}
	if err := d.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := d.SetBrokerOrderID(ctx, "O-1", "B-99"); err != nil {
		t.Fatalf("set broker order id: %v", err)
	}
	if err := d.UpdateOrderFill(ctx, "O-1", "PARTIALLY_FILLED", 4, 2501); err != nil {
		t.Fatalf("update order fill: %v", err)
	}

	got, err := d.GetOrderByBrokerID(ctx, "B-99")
	if err != nil {
		t.Fatalf("get by broker id: %v", err)
	}
	if got.ID != "O-1" || got.FilledQty != 4 || got.Status != "PARTIALLY_FILLED" {
		t.Fatalf("unexpected order state: %+v", got)
	}

	open, err := d.ListOpenOrders(ctx, "S-1")
	if err != nil {
		t.Fatalf("list open orders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}

	if err := d.UpdateOrderStatus(ctx, "O-1", "COMPLETE", ""); err != nil {
		t.Fatalf("complete order: %v", err)
	}
	open, err = d.ListOpenOrders(ctx, "S-1")
	if err != nil {
		t.Fatalf("list open orders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("completed order still listed as open")
	}

	if _, err := d.GetOrder(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateFillRejectedByConstraint(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	f := Fill{ID: "F-1", OrderID: "O-1", Qty: 5, Price: 100, Sequence: 1,
		ExchangeTime: time.Now(), CreatedAt: time.Now()}
	if err := d.CreateFill(ctx, f); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := d.CreateFill(ctx, f); err == nil {
		t.Fatalf("duplicate fill id must fail the primary key constraint")
	}
}

func TestPositionUpsert(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p := Position{Instrument: "TCS", SessionID: "S-1", NetQty: 10, AvgPrice: 3500}
	if err := d.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("insert position: %v", err)
	}
	p.NetQty = 4
	p.RealizedPnL = 600
	if err := d.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("update position: %v", err)
	}

	open, err := d.ListOpenPositions(ctx, "S-1")
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(open) != 1 || open[0].NetQty != 4 || open[0].RealizedPnL != 600 {
		t.Fatalf("unexpected positions: %+v", open)
	}

	p.NetQty = 0
	p.Closed = true
	if err := d.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("close position: %v", err)
	}
	open, err = d.ListOpenPositions(ctx, "S-1")
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("closed position still listed")
	}
}

func TestAuditQueryFilters(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	rows := []AuditEvent{
		{ID: "A-1", Kind: "order_transition", EntityType: "order", EntityID: "O-1", SessionID: "S-1", Payload: "{}", CreatedAt: base},
		{ID: "A-2", Kind: "mode_change", EntityType: "session", EntityID: "S-1", SessionID: "S-1", Payload: "{}", CreatedAt: base.Add(time.Hour)},
		{ID: "A-3", Kind: "order_transition", EntityType: "order", EntityID: "O-2", SessionID: "S-2", Payload: "{}", CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, r := range rows {
		if err := d.InsertAuditEvent(ctx, r); err != nil {
			t.Fatalf("insert audit row: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   []string
	}{
		{"by kind", AuditFilter{Kind: "order_transition"}, []string{"A-1", "A-3"}},
		{"by session", AuditFilter{SessionID: "S-1"}, []string{"A-1", "A-2"}},
		{"by entity", AuditFilter{EntityID: "O-2"}, []string{"A-3"}},
		{"by window", AuditFilter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)}, []string{"A-2"}},
		{"with limit", AuditFilter{Limit: 1}, []string{"A-1"}},
	}
	for _, tt := range tests {
		got, err := d.QueryAuditEvents(ctx, tt.filter)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %d rows, want %d", tt.name, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].ID != tt.want[i] {
				t.Fatalf("%s: row %d = %s, want %s", tt.name, i, got[i].ID, tt.want[i])
			}
		}
	}
}

func TestRiskEvents(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"R-1", "R-2"} {
		ev := RiskEvent{
			ID: id, AdapterID: "zerodha", SessionID: "S-1", Instrument: "INFY",
			Kind: "RECONCILIATION_MISMATCH", Detail: "qty drift",
			LocalQty: 10, BrokerQty: 8,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := d.InsertRiskEvent(ctx, ev); err != nil {
			t.Fatalf("insert risk event: %v", err)
		}
	}
	events, err := d.ListRiskEvents(ctx, "S-1", 10)
	if err != nil {
		t.Fatalf("list risk events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("risk events = %d, want 2", len(events))
	}
	if events[0].ID != "R-2" {
		t.Fatalf("expected newest first, got %s", events[0].ID)
	}
}
