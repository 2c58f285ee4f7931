package db

import "time"

// Session is one durable trading session record. Exactly one row has
// is_active=1 at a time.
type Session struct {
	ID               string
	Mode             string
	StartCapital     float64
	AvailableCapital float64
	CommittedCapital float64
	RealizedPnL      float64
	DailyLossLimit   float64
	MaxOpenPositions int
	AutoSwitched     bool
	SwitchReason     string
	IsActive         bool
	StartedAt        time.Time
	StoppedAt        *time.Time
}

// Order is the durable order record. Rows are transitioned, never deleted.
type Order struct {
	ID              string
	BrokerOrderID   string
	SessionID       string
	AdapterID       string
	Instrument      string
	Side            string
	Type            string
	Price           float64
	Qty             float64
	FilledQty       float64
	AvgFillPrice    float64
	Status          string
	ReasonCode      string
	StopLoss        float64
	Target          float64
	TrailingPercent float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fill is one applied execution against an order; the primary key is the
// dedupe key so duplicate deliveries are rejected at the constraint.
type Fill struct {
	ID           string
	OrderID      string
	Qty          float64
	Price        float64
	Sequence     int64
	ExchangeTime time.Time
	CreatedAt    time.Time
}

// Position is the durable per-session position record. Closed positions are
// flagged, not deleted.
type Position struct {
	Instrument      string
	SessionID       string
	NetQty          float64
	AvgPrice        float64
	RealizedPnL     float64
	StopLoss        float64
	Target          float64
	TrailingPercent float64
	Closed          bool
	UpdatedAt       time.Time
}

// AuditEvent is one append-only audit row.
type AuditEvent struct {
	ID         string
	Kind       string
	EntityType string
	EntityID   string
	SessionID  string
	Payload    string // JSON
	CreatedAt  time.Time
}

// RiskEvent records a surfaced risk condition, e.g. a reconciliation
// mismatch or a limit breach.
type RiskEvent struct {
	ID         string
	AdapterID  string
	SessionID  string
	Instrument string
	Kind       string
	Detail     string
	LocalQty   float64
	BrokerQty  float64
	CreatedAt  time.Time
}

// DailyMetrics aggregates realized results per calendar day.
type DailyMetrics struct {
	Date        string
	DailyPnL    float64
	DailyTrades int
	DailyLosses float64
	MaxDrawdown float64
}
