package remote

// Wire DTOs for the broker gateway REST and websocket APIs.

type placeOrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Instrument    string  `json:"instrument"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price,omitempty"`
	Tag           string  `json:"tag,omitempty"`
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type modifyOrderRequest struct {
	Qty   float64 `json:"qty,omitempty"`
	Price float64 `json:"price,omitempty"`
}

type orderStatusResponse struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Instrument    string  `json:"instrument"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
	UpdatedAtMs   int64   `json:"updated_at_ms"`
}

type positionResponse struct {
	Instrument string  `json:"instrument"`
	NetQty     float64 `json:"net_qty"`
	AvgPrice   float64 `json:"avg_price"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsOrderEvent is one frame on the order-update stream.
type wsOrderEvent struct {
	Type           string  `json:"type"` // "order_update"
	OrderID        string  `json:"order_id"`
	ClientOrderID  string  `json:"client_order_id"`
	Instrument     string  `json:"instrument"`
	Status         string  `json:"status"`
	FillQty        float64 `json:"fill_qty"`
	FillPrice      float64 `json:"fill_price"`
	FillID         string  `json:"fill_id"`
	Sequence       int64   `json:"sequence"`
	ExchangeTimeMs int64   `json:"exchange_time_ms"`
}
