// Package remote implements the broker Adapter contract against an HTTP
// order gateway with a websocket order-update stream.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"execution-core/pkg/broker"
)

// Adapter talks to one broker gateway instance.
type Adapter struct {
	id      string
	baseURL string
	wsURL   string
	token   string
	http    *resty.Client
}

// Config identifies and authenticates one gateway.
type Config struct {
	ID      string
	BaseURL string
	WSURL   string // derived from BaseURL when empty
	Token   string
	Timeout time.Duration
}

// New builds the adapter. No I/O happens until the first call.
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.Token).
		SetHeader("Content-Type", "application/json")

	return &Adapter{
		id:      cfg.ID,
		baseURL: cfg.BaseURL,
		wsURL:   cfg.WSURL,
		token:   cfg.Token,
		http:    client,
	}
}

func (a *Adapter) ID() string { return a.id }

// PlaceOrder submits one order and returns the broker ack.
func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResult, error) {
	var out placeOrderResponse
	var apiErr errorResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(placeOrderRequest{
			ClientOrderID: req.ClientID,
			Instrument:    req.Instrument,
			Side:          string(req.Side),
			Type:          string(req.Type),
			Qty:           req.Qty,
			Price:         req.Price,
			Tag:           req.Tag,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/orders")
	if err != nil {
		return broker.PlaceResult{}, broker.Transport("place order", err)
	}
	if resp.IsError() {
		return broker.PlaceResult{}, a.apiError(resp, apiErr)
	}

	status, err := broker.ParseStatus(out.Status)
	if err != nil {
		return broker.PlaceResult{}, broker.Transport("place order ack", err)
	}
	return broker.PlaceResult{BrokerOrderID: out.OrderID, Status: status}, nil
}

// CancelOrder requests cancellation; the terminal state arrives on the stream.
func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	var apiErr errorResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetError(&apiErr).
		Delete("/orders/" + brokerOrderID)
	if err != nil {
		return broker.Transport("cancel order", err)
	}
	if resp.IsError() {
		return a.apiError(resp, apiErr)
	}
	return nil
}

// ModifyOrder changes price and/or quantity of an open order.
func (a *Adapter) ModifyOrder(ctx context.Context, brokerOrderID string, qty, price float64) error {
	var apiErr errorResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(modifyOrderRequest{Qty: qty, Price: price}).
		SetError(&apiErr).
		Put("/orders/" + brokerOrderID)
	if err != nil {
		return broker.Transport("modify order", err)
	}
	if resp.IsError() {
		return a.apiError(resp, apiErr)
	}
	return nil
}

// GetOrderStatus fetches the authoritative state of one order.
func (a *Adapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (broker.OrderEvent, error) {
	var out orderStatusResponse
	var apiErr errorResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/orders/" + brokerOrderID)
	if err != nil {
		return broker.OrderEvent{}, broker.Transport("get order status", err)
	}
	if resp.IsError() {
		return broker.OrderEvent{}, a.apiError(resp, apiErr)
	}

	status, err := broker.ParseStatus(out.Status)
	if err != nil {
		return broker.OrderEvent{}, broker.Transport("order status", err)
	}
	return broker.OrderEvent{
		BrokerOrderID: out.OrderID,
		ClientOrderID: out.ClientOrderID,
		Instrument:    out.Instrument,
		Status:        status,
		FillQty:       out.FilledQty,
		FillPrice:     out.AvgPrice,
		ExchangeTime:  time.UnixMilli(out.UpdatedAtMs),
	}, nil
}

// GetPositions fetches the broker's position book.
func (a *Adapter) GetPositions(ctx context.Context) ([]broker.PositionSnapshot, error) {
	var out []positionResponse
	var apiErr errorResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/positions")
	if err != nil {
		return nil, broker.Transport("get positions", err)
	}
	if resp.IsError() {
		return nil, a.apiError(resp, apiErr)
	}

	positions := make([]broker.PositionSnapshot, 0, len(out))
	for _, p := range out {
		positions = append(positions, broker.PositionSnapshot{
			Instrument: p.Instrument,
			NetQty:     p.NetQty,
			AvgPrice:   p.AvgPrice,
		})
	}
	return positions, nil
}

// HealthCheck probes the gateway.
func (a *Adapter) HealthCheck(ctx context.Context) broker.Health {
	start := time.Now()
	resp, err := a.http.R().SetContext(ctx).Get("/health")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return broker.Health{Healthy: false, LatencyMs: latency, Err: err.Error()}
	}
	if resp.IsError() {
		return broker.Health{Healthy: false, LatencyMs: latency, Err: resp.Status()}
	}
	return broker.Health{Healthy: true, LatencyMs: latency}
}

// apiError maps gateway responses onto error categories.
func (a *Adapter) apiError(resp *resty.Response, apiErr errorResponse) error {
	msg := apiErr.Message
	if msg == "" {
		msg = resp.Status()
	}
	code := apiErr.Code

	switch {
	case resp.StatusCode() == 429:
		retryAfter := 0 * time.Second
		if v := resp.Header().Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return broker.RateLimited(msg, retryAfter)
	case resp.StatusCode() >= 500:
		return broker.Transport(msg, fmt.Errorf("gateway %d", resp.StatusCode()))
	case resp.StatusCode() >= 400:
		if code == "" {
			code = "ORDER_REJECTED"
		}
		return broker.Rejection(code, msg, nil)
	}
	return broker.Transport(msg, fmt.Errorf("gateway %d", resp.StatusCode()))
}
