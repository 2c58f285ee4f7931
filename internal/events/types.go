package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderCancelled       Event = "order.cancelled"
	EventOrderUnknown         Event = "order.unknown"
	EventPositionChange       Event = "position_change"
	EventModeChange           Event = "mode_change"
	EventSessionStopped       Event = "session_stopped"
	EventRiskEvent            Event = "risk_event"
	EventReconcileRequested   Event = "reconcile_requested"
	EventPriceTick            Event = "price_tick"
)
