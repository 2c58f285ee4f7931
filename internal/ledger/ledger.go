// Package ledger owns the Session and Position state. All mutations are
// serialized behind one mutex so net quantity always equals the signed sum
// of applied fills; reads return copies.
package ledger

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// Mode is the session execution mode.
type Mode string

const (
	ModePaper   Mode = "paper"
	ModeLive    Mode = "live"
	ModeStopped Mode = "stopped"
)

// reservation tracks capital held for one open order.
type reservation struct {
	qty     float64
	perUnit float64
}

// Ledger keeps the in-memory session/position view while persisting every
// mutation for crash recovery.
type Ledger struct {
	mu           sync.Mutex
	db           *db.Database
	session      *db.Session
	positions    map[string]*db.Position
	lastPrice    map[string]float64
	reservations map[string]reservation // order id -> held capital
	dayDeployed  float64                // cumulative capital committed today
	peakEquity   float64
	halted       bool // set on invariant violation; blocks new commits
}

func New(database *db.Database) *Ledger {
	return &Ledger{
		db:           database,
		positions:    make(map[string]*db.Position),
		lastPrice:    make(map[string]float64),
		reservations: make(map[string]reservation),
	}
}

// StartSession creates and activates a new session.
func (l *Ledger) StartSession(ctx context.Context, mode Mode, startCapital, dailyLossLimit float64, maxOpenPositions int) (SessionView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := db.Session{
		ID:               uuid.NewString(),
		Mode:             string(mode),
		StartCapital:     startCapital,
		AvailableCapital: startCapital,
		DailyLossLimit:   dailyLossLimit,
		MaxOpenPositions: maxOpenPositions,
		IsActive:         true,
		StartedAt:        time.Now(),
	}
	if l.db != nil {
		if err := l.db.CreateSession(ctx, s); err != nil {
			return SessionView{}, fmt.Errorf("create session: %w", err)
		}
	}
	l.session = &s
	l.positions = make(map[string]*db.Position)
	l.reservations = make(map[string]reservation)
	l.dayDeployed = 0
	l.peakEquity = startCapital
	l.halted = false
	return l.viewLocked(), nil
}

// Load rehydrates the active session and its open positions from the DB.
// Called on startup before any new order may be submitted.
func (l *Ledger) Load(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return false, nil
	}
	s, err := l.db.GetActiveSession(ctx)
	if err == db.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pos, err := l.db.ListOpenPositions(ctx, s.ID)
	if err != nil {
		return false, err
	}

	l.session = s
	l.positions = make(map[string]*db.Position, len(pos))
	for i := range pos {
		p := pos[i]
		l.positions[p.Instrument] = &p
	}
	l.peakEquity = s.StartCapital + s.RealizedPnL

	// Reservations are not persisted; capital held for orders in flight at
	// the crash is recomputed away here and re-checked by reconciliation.
	if err := l.persistSessionLocked(ctx); err != nil {
		log.Printf("ledger: persist rehydrated session: %v", err)
	}
	log.Printf("ledger: rehydrated session %s mode=%s positions=%d available=%.2f",
		s.ID, s.Mode, len(pos), s.AvailableCapital)
	return true, nil
}

// SetMode records a mode transition. The caller (orchestrator) owns the
// state-machine rules; the ledger just persists the result.
func (l *Ledger) SetMode(ctx context.Context, mode Mode, autoSwitched bool, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return fmt.Errorf("no active session")
	}
	l.session.Mode = string(mode)
	l.session.AutoSwitched = autoSwitched
	l.session.SwitchReason = reason
	return l.persistSessionLocked(ctx)
}

// Archive stops the session and deactivates it.
func (l *Ledger) Archive(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	l.session.Mode = string(ModeStopped)
	l.session.IsActive = false
	if l.db != nil {
		return l.db.ArchiveSession(ctx, l.session.ID, time.Now())
	}
	return nil
}

// Reserve holds capital for a pending order. Closing orders reserve zero.
func (l *Ledger) Reserve(ctx context.Context, orderID string, qty, perUnit float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return broker.Validationf(broker.CodeSessionStopped, "no active session")
	}
	if l.halted {
		return broker.Systemf("ledger halted pending manual intervention")
	}
	notional := qty * perUnit
	if notional > l.availableLocked() {
		return broker.Validationf(broker.CodeInsufficientMargin,
			"insufficient capital: need %.2f, have %.2f", notional, l.availableLocked())
	}
	l.reservations[orderID] = reservation{qty: qty, perUnit: perUnit}
	l.dayDeployed += notional
	return l.persistSessionLocked(ctx)
}

// ReleaseRemaining frees whatever capital is still held for an order, used
// on cancel, reject, or completion.
func (l *Ledger) ReleaseRemaining(ctx context.Context, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, orderID)
	_ = l.persistSessionLocked(ctx)
}

// Fill is one execution to apply to the ledger.
type Fill struct {
	OrderID    string
	Instrument string
	Side       broker.Side
	Qty        float64
	Price      float64
	StopLoss   float64
	Target     float64
	Trailing   float64
}

// ApplyFill mutates the position for one fill and updates session capital.
// The critical section covers exactly one state transition.
func (l *Ledger) ApplyFill(ctx context.Context, f Fill) (PositionView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return PositionView{}, fmt.Errorf("no active session")
	}
	if f.Qty <= 0 {
		return PositionView{}, broker.Validationf(broker.CodeInvalidQuantity, "fill qty %.4f", f.Qty)
	}

	// Consume the order's reservation proportionally.
	if r, ok := l.reservations[f.OrderID]; ok {
		consumed := math.Min(f.Qty, r.qty)
		r.qty -= consumed
		if r.qty <= 0 {
			delete(l.reservations, f.OrderID)
		} else {
			l.reservations[f.OrderID] = r
		}
	}

	p, ok := l.positions[f.Instrument]
	if !ok {
		p = &db.Position{Instrument: f.Instrument, SessionID: l.session.ID}
		l.positions[f.Instrument] = p
	}

	signed := f.Qty
	if f.Side == broker.SideSell {
		signed = -f.Qty
	}

	oldQty := p.NetQty
	newQty := oldQty + signed

	switch {
	case oldQty == 0 || sameSign(oldQty, signed):
		// Opening or adding: recompute the weighted average entry.
		p.AvgPrice = (p.AvgPrice*math.Abs(oldQty) + f.Price*f.Qty) / math.Abs(newQty)
	case math.Abs(signed) <= math.Abs(oldQty):
		// Reducing: realize PnL on the closed quantity, keep the average.
		closedQty := math.Abs(signed)
		pnl := (f.Price - p.AvgPrice) * closedQty
		if oldQty < 0 {
			pnl = -pnl
		}
		p.RealizedPnL += pnl
		l.session.RealizedPnL += pnl
	default:
		// Crossing through zero: close the old side, open the remainder.
		closedQty := math.Abs(oldQty)
		pnl := (f.Price - p.AvgPrice) * closedQty
		if oldQty < 0 {
			pnl = -pnl
		}
		p.RealizedPnL += pnl
		l.session.RealizedPnL += pnl
		p.AvgPrice = f.Price
	}

	p.NetQty = newQty
	p.Closed = newQty == 0
	if f.StopLoss > 0 {
		p.StopLoss = f.StopLoss
	}
	if f.Target > 0 {
		p.Target = f.Target
	}
	if f.Trailing > 0 {
		p.TrailingPercent = f.Trailing
	}
	l.lastPrice[f.Instrument] = f.Price

	equity := l.session.StartCapital + l.session.RealizedPnL
	if equity > l.peakEquity {
		l.peakEquity = equity
	}

	if l.db != nil {
		if err := l.db.UpsertPosition(ctx, *p); err != nil {
			log.Printf("ledger: persist position error: %v", err)
		}
	}
	if err := l.persistSessionLocked(ctx); err != nil {
		log.Printf("ledger: persist session error: %v", err)
	}
	return l.positionViewLocked(p), nil
}

// SetPosition overwrites a position directly. Reconciliation uses this for
// paper-mode sync only; live mismatches are surfaced, never auto-corrected.
func (l *Ledger) SetPosition(ctx context.Context, instrument string, netQty, avgPrice float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return fmt.Errorf("no active session")
	}
	p, ok := l.positions[instrument]
	if !ok {
		p = &db.Position{Instrument: instrument, SessionID: l.session.ID}
		l.positions[instrument] = p
	}
	p.NetQty = netQty
	p.AvgPrice = avgPrice
	p.Closed = netQty == 0
	if l.db != nil {
		return l.db.UpsertPosition(ctx, *p)
	}
	return nil
}

// MarkPrice records the last traded price used for unrealized PnL.
func (l *Ledger) MarkPrice(instrument string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPrice[instrument] = price
}

// Halt blocks further capital commits after an invariant violation.
func (l *Ledger) Halt(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.halted = true
	log.Printf("ledger HALTED: %s", reason)
}

// CheckInvariant verifies the persisted available capital still equals
// start - committed + realized recomputed from reservations and positions.
// A divergence means a mutation escaped the single serialized path.
func (l *Ledger) CheckInvariant() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil
	}
	want := l.session.StartCapital - l.committedLocked() + l.session.RealizedPnL
	if math.Abs(l.session.AvailableCapital-want) > 1e-6 {
		return broker.Systemf("capital invariant broken: available=%.4f want=%.4f",
			l.session.AvailableCapital, want)
	}
	return nil
}

// committedLocked is reserved order capital plus deployed position notional.
func (l *Ledger) committedLocked() float64 {
	var committed float64
	for _, r := range l.reservations {
		committed += r.qty * r.perUnit
	}
	for _, p := range l.positions {
		if !p.Closed {
			committed += math.Abs(p.NetQty) * p.AvgPrice
		}
	}
	return committed
}

func (l *Ledger) availableLocked() float64 {
	return l.session.StartCapital - l.committedLocked() + l.session.RealizedPnL
}

func (l *Ledger) persistSessionLocked(ctx context.Context) error {
	l.session.CommittedCapital = l.committedLocked()
	l.session.AvailableCapital = l.availableLocked()
	if l.db == nil {
		return nil
	}
	return l.db.UpdateSession(ctx, *l.session)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
