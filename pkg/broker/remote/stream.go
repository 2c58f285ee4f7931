package remote

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"execution-core/pkg/broker"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// StreamOrderUpdates dials the gateway websocket and delivers order events
// until the connection drops. The channel closes on any read error; the
// stream service owns reconnection and post-reconnect reconciliation.
func (a *Adapter) StreamOrderUpdates(ctx context.Context) (<-chan broker.OrderEvent, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.streamURL(), header)
	if err != nil {
		return nil, broker.Transport("dial order stream", err)
	}

	out := make(chan broker.OrderEvent, 64)
	go a.readLoop(ctx, conn, out)
	go a.pingLoop(ctx, conn)
	return out, nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- broker.OrderEvent) {
	defer close(out)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("stream %s: read: %v", a.id, err)
			}
			return
		}

		var frame wsOrderEvent
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("stream %s: bad frame: %v", a.id, err)
			continue
		}
		if frame.Type != "order_update" {
			continue
		}
		status, err := broker.ParseStatus(frame.Status)
		if err != nil {
			// An unmapped status must not be guessed at; drop the frame
			// and let reconciliation pick the order up.
			log.Printf("stream %s: %v, dropping frame for %s", a.id, err, frame.OrderID)
			continue
		}

		ev := broker.OrderEvent{
			BrokerOrderID: frame.OrderID,
			ClientOrderID: frame.ClientOrderID,
			Instrument:    frame.Instrument,
			Status:        status,
			FillQty:       frame.FillQty,
			FillPrice:     frame.FillPrice,
			FillID:        frame.FillID,
			Sequence:      frame.Sequence,
			ExchangeTime:  time.UnixMilli(frame.ExchangeTimeMs),
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// streamURL derives the websocket endpoint from configuration.
func (a *Adapter) streamURL() string {
	if a.wsURL != "" {
		return a.wsURL
	}
	u := a.baseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/stream/orders"
}
