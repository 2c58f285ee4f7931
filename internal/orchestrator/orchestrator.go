// Package orchestrator drives the trading session: mode transitions,
// signal intake, risk enforcement, and end-of-day square-off. All mode
// changes are serialized through one mutex so the session is always in
// exactly one of paper, live, or stopped.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/audit"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// Orchestrator owns the session state machine.
type Orchestrator struct {
	cfg    *config.Config
	risk   config.RiskConfig
	ledger *ledger.Ledger
	db     *db.Database
	trail  *audit.Trail
	bus    *events.Bus

	mu         sync.Mutex
	executors  map[string]*engine.Executor // adapter id -> executor
	liveID     string                      // adapter used in live mode
	protection *engine.Protection
	paused     bool
	pending    map[string]*Proposal // awaiting manual confirmation
}

// New wires the orchestrator. liveAdapterID names the executor used when
// the session runs live; the "paper" executor must always be registered.
func New(cfg *config.Config, risk config.RiskConfig, l *ledger.Ledger, database *db.Database,
	trail *audit.Trail, bus *events.Bus, protection *engine.Protection, liveAdapterID string) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		risk:       risk,
		ledger:     l,
		db:         database,
		trail:      trail,
		bus:        bus,
		protection: protection,
		executors:  make(map[string]*engine.Executor),
		liveID:     liveAdapterID,
		pending:    make(map[string]*Proposal),
	}
}

// RegisterExecutor adds one adapter's executor.
func (o *Orchestrator) RegisterExecutor(ex *engine.Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executors[ex.AdapterID()] = ex
}

// StartSession creates a session in the requested mode. A live request is
// downgraded to paper when available capital cannot fund a single trade;
// the downgrade is recorded on the session, never silent.
func (o *Orchestrator) StartSession(ctx context.Context, requested ledger.Mode) (ledger.SessionView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if requested != ledger.ModePaper && requested != ledger.ModeLive {
		return ledger.SessionView{}, broker.Validationf(broker.CodeSessionStopped, "cannot start a session in mode %q", requested)
	}

	mode := requested
	autoSwitched := false
	reason := ""
	if requested == ledger.ModeLive && o.cfg.StartCapital < o.risk.RequiredFundsPerTrade {
		mode = ledger.ModePaper
		autoSwitched = true
		reason = fmt.Sprintf("available %.2f below required funds per trade %.2f",
			o.cfg.StartCapital, o.risk.RequiredFundsPerTrade)
		log.Printf("orchestrator: live request downgraded to paper: %s", reason)
	}

	view, err := o.ledger.StartSession(ctx, mode, o.cfg.StartCapital, o.risk.MaxLossPerDay, o.risk.MaxOpenPositions)
	if err != nil {
		return ledger.SessionView{}, err
	}
	if autoSwitched {
		if err := o.ledger.SetMode(ctx, mode, true, reason); err != nil {
			log.Printf("orchestrator: record auto-switch: %v", err)
		}
		view, _ = o.ledger.Session()
	}
	o.paused = false
	o.retargetProtectionLocked(mode)

	o.recordAudit(ctx, audit.Event{
		Kind: audit.KindSessionStart, EntityType: audit.EntitySession, EntityID: view.ID, SessionID: view.ID,
		Payload: map[string]any{"mode": string(mode), "requested": string(requested),
			"auto_switched": autoSwitched, "reason": reason, "start_capital": view.StartCapital},
	})
	log.Printf("✓ session %s started mode=%s capital=%.2f", view.ID, mode, view.StartCapital)
	return view, nil
}

// SetMode applies a manual mode transition. Leaving stopped requires a new
// session; a request for live is still subject to the funds check.
func (o *Orchestrator) SetMode(ctx context.Context, target ledger.Mode) (ledger.SessionView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.ledger.Session()
	if !ok {
		return ledger.SessionView{}, broker.Validationf(broker.CodeSessionStopped, "no active session")
	}
	if session.Mode == ledger.ModeStopped {
		return ledger.SessionView{}, broker.Validationf(broker.CodeSessionStopped,
			"session is stopped; start a new session to resume trading")
	}
	if target == session.Mode {
		return session, nil
	}

	switch target {
	case ledger.ModeLive:
		if session.AvailableCapital < o.risk.RequiredFundsPerTrade {
			reason := fmt.Sprintf("available %.2f below required funds per trade %.2f",
				session.AvailableCapital, o.risk.RequiredFundsPerTrade)
			if err := o.ledger.SetMode(ctx, ledger.ModePaper, true, reason); err != nil {
				return ledger.SessionView{}, err
			}
			o.auditModeChange(ctx, session.ID, session.Mode, ledger.ModePaper, true, reason)
			view, _ := o.ledger.Session()
			return view, broker.Validationf(broker.CodeInsufficientMargin, "%s", reason)
		}
		if err := o.ledger.SetMode(ctx, ledger.ModeLive, false, "operator request"); err != nil {
			return ledger.SessionView{}, err
		}
	case ledger.ModePaper:
		if err := o.ledger.SetMode(ctx, ledger.ModePaper, false, "operator request"); err != nil {
			return ledger.SessionView{}, err
		}
	case ledger.ModeStopped:
		return o.stopLocked(ctx, "operator request", false)
	default:
		return ledger.SessionView{}, broker.Validationf(broker.CodeSessionStopped, "unknown mode %q", target)
	}

	o.retargetProtectionLocked(target)
	o.auditModeChange(ctx, session.ID, session.Mode, target, false, "operator request")
	o.bus.Publish(events.EventModeChange, string(target))
	view, _ := o.ledger.Session()
	return view, nil
}

// StopSession halts trading and archives the session.
func (o *Orchestrator) StopSession(ctx context.Context, reason string) (ledger.SessionView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked(ctx, reason, false)
}

// stopLocked transitions to stopped. When squareOff is set it first tries
// to flatten every open position; failures are logged and surfaced, never
// allowed to block the stop.
func (o *Orchestrator) stopLocked(ctx context.Context, reason string, squareOff bool) (ledger.SessionView, error) {
	session, ok := o.ledger.Session()
	if !ok {
		return ledger.SessionView{}, broker.Validationf(broker.CodeSessionStopped, "no active session")
	}

	if squareOff {
		o.squareOffLocked(ctx, reason)
	}
	if err := o.ledger.SetMode(ctx, ledger.ModeStopped, squareOff, reason); err != nil {
		return ledger.SessionView{}, err
	}
	if o.db != nil {
		loss := 0.0
		if session.RealizedPnL < 0 {
			loss = -session.RealizedPnL
		}
		today := time.Now().Format("2006-01-02")
		if err := o.db.UpsertDailyMetrics(ctx, today, session.RealizedPnL, loss, session.DrawdownPercent); err != nil {
			log.Printf("orchestrator: persist daily metrics: %v", err)
		}
	}
	o.auditModeChange(ctx, session.ID, session.Mode, ledger.ModeStopped, squareOff, reason)
	o.recordAudit(ctx, audit.Event{
		Kind: audit.KindSessionStop, EntityType: audit.EntitySession, EntityID: session.ID, SessionID: session.ID,
		Payload: map[string]any{"reason": reason, "realized_pnl": session.RealizedPnL},
	})
	o.bus.Publish(events.EventSessionStopped, reason)
	log.Printf("session %s stopped: %s", session.ID, reason)
	view, _ := o.ledger.Session()
	return view, nil
}

// Pause suspends signal intake without changing the session mode.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
	log.Printf("orchestrator: signal intake paused")
}

// Resume re-enables signal intake.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	log.Printf("orchestrator: signal intake resumed")
}

// SquareOff cancels open orders and flattens open positions, best effort.
func (o *Orchestrator) SquareOff(ctx context.Context, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.squareOffLocked(ctx, reason)
}

func (o *Orchestrator) squareOffLocked(ctx context.Context, reason string) {
	session, ok := o.ledger.Session()
	if !ok || session.Mode == ledger.ModeStopped {
		return
	}
	ex := o.activeExecutorLocked(session.Mode)
	if ex == nil {
		log.Printf("orchestrator: square-off skipped, no executor for mode %s", session.Mode)
		return
	}

	if o.db != nil {
		open, err := o.db.ListOpenOrders(ctx, session.ID)
		if err != nil {
			log.Printf("orchestrator: square-off list orders: %v", err)
		}
		for _, ord := range open {
			if ord.Status == string(broker.StatusUnknown) {
				continue
			}
			if err := ex.Cancel(ctx, ord.ID); err != nil {
				log.Printf("orchestrator: square-off cancel %s: %v", ord.ID, err)
			}
		}
	}

	// Flattening orders go through the bounded async pool: a slow broker
	// throttles square-off submission instead of failing it, and failures
	// surface on the order stream like any other rejection.
	for _, pos := range o.ledger.Positions() {
		if pos.NetQty == 0 {
			continue
		}
		held := broker.SideBuy
		if pos.NetQty < 0 {
			held = broker.SideSell
		}
		qty := pos.NetQty
		if qty < 0 {
			qty = -qty
		}
		id := ex.SubmitAsync(ctx, engine.Order{
			SessionID:  session.ID,
			AdapterID:  ex.AdapterID(),
			Instrument: pos.Instrument,
			Side:       held.Opposite(),
			Type:       broker.OrderTypeMarket,
			Qty:        qty,
			Tag:        "square_off",
		})
		log.Printf("orchestrator: square-off %s qty %.2f submitted as %s", pos.Instrument, qty, id)
	}

	o.recordAudit(ctx, audit.Event{
		Kind: audit.KindSquareOff, EntityType: audit.EntitySession, EntityID: session.ID, SessionID: session.ID,
		Payload: map[string]any{"reason": reason, "positions": len(o.ledger.Positions())},
	})
}

// WatchLimits monitors realized loss and drawdown after every position
// change and force-stops the session on a breach.
func (o *Orchestrator) WatchLimits(ctx context.Context) {
	ch, unsub := o.bus.Subscribe(events.EventPositionChange, 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				o.checkLimits(ctx)
			}
		}
	}()
}

func (o *Orchestrator) checkLimits(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.ledger.Session()
	if !ok || session.Mode == ledger.ModeStopped {
		return
	}

	if err := o.ledger.CheckInvariant(); err != nil {
		o.ledger.Halt(err.Error())
		log.Printf("❌ %v, halting new commits", err)
		o.riskStopLocked(ctx, session, "CAPITAL_INVARIANT", err.Error())
		return
	}

	if o.risk.MaxLossPerDay > 0 && session.RealizedPnL <= -o.risk.MaxLossPerDay {
		reason := fmt.Sprintf("daily loss %.2f breached limit %.2f", -session.RealizedPnL, o.risk.MaxLossPerDay)
		log.Printf("❌ %s, stopping session", reason)
		o.riskStopLocked(ctx, session, "DAILY_LOSS_LIMIT", reason)
		return
	}
	if o.risk.MaxDrawdownPercent > 0 && session.DrawdownPercent >= o.risk.MaxDrawdownPercent {
		reason := fmt.Sprintf("drawdown %.2f%% breached limit %.2f%%", session.DrawdownPercent, o.risk.MaxDrawdownPercent)
		log.Printf("❌ %s, stopping session", reason)
		o.riskStopLocked(ctx, session, "MAX_DRAWDOWN", reason)
	}
}

func (o *Orchestrator) riskStopLocked(ctx context.Context, session ledger.SessionView, kind, reason string) {
	if o.db != nil {
		if err := o.db.InsertRiskEvent(ctx, db.RiskEvent{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Kind:      kind,
			Detail:    reason,
			CreatedAt: time.Now(),
		}); err != nil {
			log.Printf("orchestrator: persist risk event: %v", err)
		}
	}
	o.bus.Publish(events.EventRiskEvent, map[string]any{"kind": kind, "detail": reason})
	if _, err := o.stopLocked(ctx, reason, true); err != nil {
		log.Printf("orchestrator: risk stop: %v", err)
	}
}

// activeExecutorLocked resolves the executor for the session mode.
func (o *Orchestrator) activeExecutorLocked(mode ledger.Mode) *engine.Executor {
	switch mode {
	case ledger.ModePaper:
		return o.executors["paper"]
	case ledger.ModeLive:
		return o.executors[o.liveID]
	}
	return nil
}

// AttachRecovered re-arms protection for a session rehydrated at startup.
func (o *Orchestrator) AttachRecovered() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if session, ok := o.ledger.Session(); ok {
		o.retargetProtectionLocked(session.Mode)
	}
}

func (o *Orchestrator) retargetProtectionLocked(mode ledger.Mode) {
	if o.protection == nil {
		return
	}
	if ex := o.activeExecutorLocked(mode); ex != nil {
		o.protection.SetSubmitter(ex)
	}
}

func (o *Orchestrator) auditModeChange(ctx context.Context, sessionID string, from, to ledger.Mode, auto bool, reason string) {
	o.recordAudit(ctx, audit.Event{
		Kind: audit.KindModeChange, EntityType: audit.EntitySession, EntityID: sessionID, SessionID: sessionID,
		Payload: map[string]any{"from": string(from), "to": string(to), "auto_switched": auto, "reason": reason},
	})
}

func (o *Orchestrator) recordAudit(ctx context.Context, ev audit.Event) {
	if o.trail == nil {
		return
	}
	if s, ok := o.ledger.Session(); ok && s.Mode == ledger.ModeLive {
		if err := o.trail.Record(ctx, ev); err != nil {
			log.Printf("orchestrator: audit record: %v", err)
		}
		return
	}
	o.trail.RecordAsync(ev)
}
