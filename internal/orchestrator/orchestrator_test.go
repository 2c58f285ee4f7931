package orchestrator

import (
	"context"
	"testing"
	"time"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/signal"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

type orchFixture struct {
	orch  *Orchestrator
	cfg   *config.Config
	led   *ledger.Ledger
	db    *db.Database
	paper *engine.PaperAdapter
}

func newOrchFixture(t *testing.T, startCapital float64, risk config.RiskConfig) *orchFixture {
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
	bus := events.NewBus()
	cfg := &config.Config{StartCapital: startCapital, ConfirmBypass: true}

	paper := engine.NewPaperAdapter(engine.SimConfig{})
	t.Cleanup(func() { paper.Close() })
	orch := New(cfg, risk, led, database, nil, bus, nil, "paper")
	orch.RegisterExecutor(engine.NewExecutor(engine.ExecutorConfig{
		Adapter:  paper,
		Database: database,
		Ledger:   led,
		Bus:      bus,
	}))
	return &orchFixture{orch: orch, cfg: cfg, led: led, db: database, paper: paper}
}

func testRisk() config.RiskConfig {
	risk := config.DefaultRiskConfig()
	risk.SizingStrategy = "fixed_qty"
	risk.FixedQty = 10
	return risk
}

func testSignal() signal.Signal {
	return signal.Signal{
		Instrument:      "SBIN",
		Direction:       broker.SideBuy,
		SuggestedEntry:  600,
		SuggestedSL:     590,
		SuggestedTarget: 630,
	}
}

func TestLiveRequestDowngradedWhenUnderfunded(t *testing.T) {
	risk := testRisk()
	risk.RequiredFundsPerTrade = 50000
	fx := newOrchFixture(t, 40000, risk)

	view, err := fx.orch.StartSession(context.Background(), ledger.ModeLive)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if view.Mode != ledger.ModePaper {
		t.Fatalf("mode = %s, want paper downgrade", view.Mode)
	}
	if !view.AutoSwitched || view.SwitchReason == "" {
		t.Fatalf("downgrade must be recorded on the session: %+v", view)
	}
}

func TestLiveRequestHonoredWhenFunded(t *testing.T) {
	risk := testRisk()
	risk.RequiredFundsPerTrade = 50000
	fx := newOrchFixture(t, 100000, risk)

	view, err := fx.orch.StartSession(context.Background(), ledger.ModeLive)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if view.Mode != ledger.ModeLive || view.AutoSwitched {
		t.Fatalf("funded live request altered: %+v", view)
	}
}

func TestStoppedSessionRequiresNewSession(t *testing.T) {
	fx := newOrchFixture(t, 100000, testRisk())
	ctx := context.Background()

	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := fx.orch.StopSession(ctx, "test stop"); err != nil {
		t.Fatalf("stop session: %v", err)
	}

	if _, err := fx.orch.SetMode(ctx, ledger.ModeLive); err == nil {
		t.Fatalf("stopped session must reject mode changes")
	}
	if _, err := fx.orch.HandleSignal(ctx, testSignal()); err == nil {
		t.Fatalf("stopped session must reject signals")
	} else if broker.CodeOf(err) != broker.CodeSessionStopped {
		t.Fatalf("code = %q, want %q", broker.CodeOf(err), broker.CodeSessionStopped)
	}

	// A fresh session trades again.
	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("restart session: %v", err)
	}
	fx.paper.Tick("SBIN", 600)
	if _, err := fx.orch.HandleSignal(ctx, testSignal()); err != nil {
		t.Fatalf("signal after restart: %v", err)
	}
}

func TestDailyLossBreachStopsSession(t *testing.T) {
	risk := testRisk()
	risk.MaxLossPerDay = 10000
	fx := newOrchFixture(t, 1000000, risk)
	ctx := context.Background()

	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("start session: %v", err)
	}

	// Realize a 15000 loss: buy 100 at 600, sell 100 at 450.
	if _, err := fx.led.ApplyFill(ctx, ledger.Fill{
		OrderID: "O-1", Instrument: "SBIN", Side: broker.SideBuy, Qty: 100, Price: 600,
	}); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	if _, err := fx.led.ApplyFill(ctx, ledger.Fill{
		OrderID: "O-2", Instrument: "SBIN", Side: broker.SideSell, Qty: 100, Price: 450,
	}); err != nil {
		t.Fatalf("apply fill: %v", err)
	}

	fx.orch.checkLimits(ctx)

	session, ok := fx.led.Session()
	if !ok {
		t.Fatalf("session vanished")
	}
	if session.Mode != ledger.ModeStopped {
		t.Fatalf("mode = %s, want stopped after loss breach", session.Mode)
	}
	riskEvents, err := fx.db.ListRiskEvents(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("list risk events: %v", err)
	}
	if len(riskEvents) != 1 || riskEvents[0].Kind != "DAILY_LOSS_LIMIT" {
		t.Fatalf("risk events = %+v, want one DAILY_LOSS_LIMIT", riskEvents)
	}
}

func TestSquareOffFlattensOpenPositions(t *testing.T) {
	fx := newOrchFixture(t, 1000000, testRisk())
	ctx := context.Background()

	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("start session: %v", err)
	}
	fx.paper.Tick("SBIN", 600)
	if _, err := fx.led.ApplyFill(ctx, ledger.Fill{
		OrderID: "O-1", Instrument: "SBIN", Side: broker.SideBuy, Qty: 100, Price: 600,
	}); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	session, _ := fx.led.Session()

	fx.orch.SquareOff(ctx, "test")

	// Flattening orders run on the async pool; wait for the row to land.
	var exit *db.Order
	deadline := time.Now().Add(2 * time.Second)
	for exit == nil {
		if time.Now().After(deadline) {
			t.Fatalf("square-off never submitted a flattening order")
		}
		orders, err := fx.db.ListOrdersBySession(ctx, session.ID, 10)
		if err != nil {
			t.Fatalf("list orders: %v", err)
		}
		for i := range orders {
			if orders[i].Side == string(broker.SideSell) {
				exit = &orders[i]
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if exit.Instrument != "SBIN" || exit.Qty != 100 || exit.Type != string(broker.OrderTypeMarket) {
		t.Fatalf("flattening order wrong: %+v", exit)
	}
}

func TestPausedIntakeRejectsSignals(t *testing.T) {
	fx := newOrchFixture(t, 100000, testRisk())
	ctx := context.Background()

	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("start session: %v", err)
	}
	fx.paper.Tick("SBIN", 600)

	fx.orch.Pause()
	if _, err := fx.orch.HandleSignal(ctx, testSignal()); err == nil {
		t.Fatalf("paused orchestrator must reject signals")
	}

	fx.orch.Resume()
	out, err := fx.orch.HandleSignal(ctx, testSignal())
	if err != nil {
		t.Fatalf("signal after resume: %v", err)
	}
	if out.Status != "submitted" || out.OrderID == "" {
		t.Fatalf("outcome = %+v, want submitted", out)
	}
}

func TestSignalParkedUntilApproved(t *testing.T) {
	fx := newOrchFixture(t, 100000, testRisk())
	fx.cfg.ConfirmBypass = false
	ctx := context.Background()

	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("start session: %v", err)
	}
	fx.paper.Tick("SBIN", 600)

	out, err := fx.orch.HandleSignal(ctx, testSignal())
	if err != nil {
		t.Fatalf("handle signal: %v", err)
	}
	if out.Status != "pending_confirmation" || out.ProposalID == "" {
		t.Fatalf("outcome = %+v, want pending_confirmation", out)
	}
	if got := fx.orch.Proposals(); len(got) != 1 {
		t.Fatalf("proposals = %d, want 1", len(got))
	}

	approved, err := fx.orch.Approve(ctx, out.ProposalID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != "submitted" || approved.OrderID == "" {
		t.Fatalf("approved outcome = %+v, want submitted", approved)
	}
	if got := fx.orch.Proposals(); len(got) != 0 {
		t.Fatalf("approved proposal still parked")
	}

	o, err := fx.db.GetOrder(ctx, approved.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Instrument != "SBIN" || o.Qty != 10 {
		t.Fatalf("order row wrong: %+v", o)
	}

	// Approving twice must fail.
	if _, err := fx.orch.Approve(ctx, out.ProposalID); err == nil {
		t.Fatalf("double approve must fail")
	}
}

func TestPausedIntakeRejectsApproval(t *testing.T) {
	fx := newOrchFixture(t, 100000, testRisk())
	fx.cfg.ConfirmBypass = false
	ctx := context.Background()

	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("start session: %v", err)
	}
	fx.paper.Tick("SBIN", 600)

	out, err := fx.orch.HandleSignal(ctx, testSignal())
	if err != nil {
		t.Fatalf("handle signal: %v", err)
	}

	fx.orch.Pause()
	if _, err := fx.orch.Approve(ctx, out.ProposalID); err == nil {
		t.Fatalf("paused orchestrator must reject approvals")
	} else if broker.CodeOf(err) != broker.CodeSessionStopped {
		t.Fatalf("code = %q, want %q", broker.CodeOf(err), broker.CodeSessionStopped)
	}
	if got := fx.orch.Proposals(); len(got) != 1 {
		t.Fatalf("rejected approval must leave the proposal parked, got %d", len(got))
	}

	fx.orch.Resume()
	approved, err := fx.orch.Approve(ctx, out.ProposalID)
	if err != nil {
		t.Fatalf("approve after resume: %v", err)
	}
	if approved.Status != "submitted" || approved.OrderID == "" {
		t.Fatalf("approved outcome = %+v, want submitted", approved)
	}
}

func TestDiscardDropsProposal(t *testing.T) {
	fx := newOrchFixture(t, 100000, testRisk())
	fx.cfg.ConfirmBypass = false
	ctx := context.Background()

	if _, err := fx.orch.StartSession(ctx, ledger.ModePaper); err != nil {
		t.Fatalf("start session: %v", err)
	}
	out, err := fx.orch.HandleSignal(ctx, testSignal())
	if err != nil {
		t.Fatalf("handle signal: %v", err)
	}

	if !fx.orch.Discard(out.ProposalID) {
		t.Fatalf("discard of a parked proposal must return true")
	}
	if fx.orch.Discard(out.ProposalID) {
		t.Fatalf("second discard must return false")
	}
	if got := fx.orch.Proposals(); len(got) != 0 {
		t.Fatalf("discarded proposal still parked")
	}
}
