package ledger

import (
	"execution-core/pkg/db"
)

// SessionView is a lock-free snapshot of session state for display and
// limit checks.
type SessionView struct {
	ID               string
	Mode             Mode
	StartCapital     float64
	AvailableCapital float64
	CommittedCapital float64
	RealizedPnL      float64
	DailyLossLimit   float64
	MaxOpenPositions int
	AutoSwitched     bool
	SwitchReason     string
	DayDeployed      float64
	DrawdownPercent  float64
	OpenPositions    int
}

// PositionView is a snapshot of one position including mark-to-market PnL.
type PositionView struct {
	Instrument      string
	NetQty          float64
	AvgPrice        float64
	RealizedPnL     float64
	UnrealizedPnL   float64
	LastPrice       float64
	StopLoss        float64
	Target          float64
	TrailingPercent float64
	Closed          bool
}

// Session returns the current session snapshot; ok is false when no
// session is active.
func (l *Ledger) Session() (SessionView, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return SessionView{}, false
	}
	return l.viewLocked(), true
}

// Positions returns snapshots of all open positions.
func (l *Ledger) Positions() []PositionView {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PositionView, 0, len(l.positions))
	for _, p := range l.positions {
		if p.Closed {
			continue
		}
		out = append(out, l.positionViewLocked(p))
	}
	return out
}

// Position returns the snapshot for one instrument.
func (l *Ledger) Position(instrument string) PositionView {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[instrument]
	if !ok {
		return PositionView{Instrument: instrument}
	}
	return l.positionViewLocked(p)
}

// NetQty returns the signed open quantity for an instrument.
func (l *Ledger) NetQty(instrument string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[instrument]; ok && !p.Closed {
		return p.NetQty
	}
	return 0
}

func (l *Ledger) viewLocked() SessionView {
	openCount := 0
	for _, p := range l.positions {
		if !p.Closed {
			openCount++
		}
	}
	equity := l.session.StartCapital + l.session.RealizedPnL
	var ddPct float64
	if l.peakEquity > 0 && equity < l.peakEquity {
		ddPct = (l.peakEquity - equity) / l.peakEquity * 100
	}
	return SessionView{
		ID:               l.session.ID,
		Mode:             Mode(l.session.Mode),
		StartCapital:     l.session.StartCapital,
		AvailableCapital: l.availableLocked(),
		CommittedCapital: l.committedLocked(),
		RealizedPnL:      l.session.RealizedPnL,
		DailyLossLimit:   l.session.DailyLossLimit,
		MaxOpenPositions: l.session.MaxOpenPositions,
		AutoSwitched:     l.session.AutoSwitched,
		SwitchReason:     l.session.SwitchReason,
		DayDeployed:      l.dayDeployed,
		DrawdownPercent:  ddPct,
		OpenPositions:    openCount,
	}
}

func (l *Ledger) positionViewLocked(p *db.Position) PositionView {
	last := l.lastPrice[p.Instrument]
	var unrealized float64
	if last > 0 && p.NetQty != 0 {
		unrealized = (last - p.AvgPrice) * p.NetQty
	}
	return PositionView{
		Instrument:      p.Instrument,
		NetQty:          p.NetQty,
		AvgPrice:        p.AvgPrice,
		RealizedPnL:     p.RealizedPnL,
		UnrealizedPnL:   unrealized,
		LastPrice:       last,
		StopLoss:        p.StopLoss,
		Target:          p.Target,
		TrailingPercent: p.TrailingPercent,
		Closed:          p.Closed,
	}
}
