package broker

import "context"

// Adapter is the uniform contract every brokerage integration implements.
// An adapter is exclusively owned by the execution engine and stream service
// for that broker; other components go through those owners.
type Adapter interface {
	// ID identifies the adapter for routing, circuit breaking and audit.
	ID() string

	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ModifyOrder(ctx context.Context, brokerOrderID string, qty, price float64) error

	// GetOrderStatus queries the authoritative state of one order; used by
	// reconciliation and to resolve UNKNOWN orders after an ack timeout.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderEvent, error)

	// GetPositions returns the broker's authoritative position view.
	GetPositions(ctx context.Context) ([]PositionSnapshot, error)

	// StreamOrderUpdates opens the long-lived order-status stream. The
	// returned channel closes on disconnect; the caller owns reconnection.
	StreamOrderUpdates(ctx context.Context) (<-chan OrderEvent, error)

	HealthCheck(ctx context.Context) Health
}
