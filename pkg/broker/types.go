package broker

import (
	"fmt"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the closed set of lifecycle states shared by the paper and
// live paths. UNKNOWN is non-terminal: it marks an order whose broker ack
// timed out and which only a reconciliation query may move forward.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusComplete  OrderStatus = "COMPLETE"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// rank orders statuses for monotonic advancement. Events that would regress
// the lifecycle (late OPEN after a fill, duplicate deliveries) are ignored
// by comparing ranks.
func (s OrderStatus) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusUnknown:
		return 1
	case StatusOpen:
		return 2
	case StatusPartial:
		return 3
	case StatusComplete, StatusCancelled, StatusRejected:
		return 4
	}
	return -1
}

// Advances reports whether moving from s to next is a forward transition.
func (s OrderStatus) Advances(next OrderStatus) bool {
	return next.rank() > s.rank() || (s == StatusPartial && next == StatusPartial)
}

// ParseStatus maps a broker-reported string onto the closed status set.
// Unrecognized input is an error at the boundary, never a silent fallback.
func ParseStatus(raw string) (OrderStatus, error) {
	switch OrderStatus(raw) {
	case StatusNew, StatusOpen, StatusPartial, StatusComplete, StatusCancelled, StatusRejected, StatusUnknown:
		return OrderStatus(raw), nil
	}
	// Common broker aliases for the same states.
	switch raw {
	case "FILLED", "TRADED":
		return StatusComplete, nil
	case "CANCELED":
		return StatusCancelled, nil
	case "PARTIAL":
		return StatusPartial, nil
	}
	return "", fmt.Errorf("unrecognized order status %q", raw)
}

// OrderRequest captures an order intent to be sent to a broker.
type OrderRequest struct {
	Instrument string
	Side       Side
	Type       OrderType
	Qty        float64
	Price      float64 // required for LIMIT
	ClientID   string  // local order id, echoed back in events
	Tag        string  // free-form, e.g. owning session id
}

// PlaceResult returns the broker ack for a placed order.
type PlaceResult struct {
	BrokerOrderID string
	Status        OrderStatus
}

// OrderEvent is one update from a broker's order-status stream.
// Sequence is the broker-assigned ordering, not arrival order.
type OrderEvent struct {
	BrokerOrderID string
	ClientOrderID string
	Instrument    string
	Status        OrderStatus
	FillQty       float64
	FillPrice     float64
	FillID        string // broker-supplied fill id, empty if not provided
	Sequence      int64
	ExchangeTime  time.Time
}

// DedupeKey identifies a fill for duplicate-delivery suppression.
func (e OrderEvent) DedupeKey() string {
	if e.FillID != "" {
		return e.FillID
	}
	return fmt.Sprintf("%s@%d", e.ClientOrderID, e.ExchangeTime.UnixNano())
}

// PositionSnapshot is the broker's authoritative view of one position.
type PositionSnapshot struct {
	Instrument string
	NetQty     float64 // signed
	AvgPrice   float64
}

// Health is the result of a broker health probe.
type Health struct {
	Healthy   bool
	LatencyMs int64
	Err       string
}
