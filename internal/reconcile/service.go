// Package reconcile compares local state against the broker's authoritative
// view. The broker always wins: paper sessions are synced in place, live
// sessions surface every divergence as a risk event for an operator and are
// never auto-corrected.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/stream"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

const qtyTolerance = 1e-9

// Service reconciles positions and resolves UNKNOWN orders.
type Service struct {
	db       *db.Database
	ledger   *ledger.Ledger
	trail    *audit.Trail
	bus      *events.Bus
	stream   *stream.Service
	adapters map[string]broker.Adapter

	mu   sync.Mutex
	seen map[string]struct{} // outstanding discrepancy signatures already surfaced
}

// New creates the service over the given adapters.
func New(database *db.Database, l *ledger.Ledger, trail *audit.Trail, bus *events.Bus, str *stream.Service, adapters []broker.Adapter) *Service {
	m := make(map[string]broker.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	return &Service{
		db:       database,
		ledger:   l,
		trail:    trail,
		bus:      bus,
		stream:   str,
		adapters: m,
		seen:     make(map[string]struct{}),
	}
}

// Start runs periodic reconciliation and serves on-demand requests from the
// event bus.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	requests, unsub := s.bus.Subscribe(events.EventReconcileRequested, 16)
	go func() {
		defer unsub()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReconcileAll(ctx)
			case payload := <-requests:
				if id, ok := payload.(string); ok {
					if err := s.Reconcile(ctx, id); err != nil {
						log.Printf("reconcile %s: %v", id, err)
					}
				}
			}
		}
	}()
}

// ReconcileAll reconciles every adapter.
func (s *Service) ReconcileAll(ctx context.Context) {
	for id := range s.adapters {
		if err := s.Reconcile(ctx, id); err != nil {
			log.Printf("reconcile %s: %v", id, err)
		}
	}
}

// Reconcile pulls the broker's positions, resolves UNKNOWN orders, and
// surfaces divergences. Running it twice against unchanged state emits no
// new risk events.
func (s *Service) Reconcile(ctx context.Context, adapterID string) error {
	adapter, ok := s.adapters[adapterID]
	if !ok {
		return fmt.Errorf("unknown adapter %q", adapterID)
	}
	session, ok := s.ledger.Session()
	if !ok {
		return nil
	}

	if err := s.resolveUnknownOrders(ctx, adapter, session.ID); err != nil {
		log.Printf("reconcile %s: resolve unknown orders: %v", adapterID, err)
	}

	remote, err := adapter.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	brokerQty := make(map[string]broker.PositionSnapshot, len(remote))
	for _, p := range remote {
		brokerQty[p.Instrument] = p
	}

	local := s.ledger.Positions()
	localSeen := make(map[string]struct{}, len(local))
	current := make(map[string]struct{})

	for _, lp := range local {
		localSeen[lp.Instrument] = struct{}{}
		bp := brokerQty[lp.Instrument]
		if math.Abs(lp.NetQty-bp.NetQty) <= qtyTolerance {
			continue
		}
		s.handleMismatch(ctx, adapterID, session, lp.Instrument, lp.NetQty, bp, current)
	}
	// Broker-only positions this process never opened.
	for inst, bp := range brokerQty {
		if _, ok := localSeen[inst]; ok {
			continue
		}
		if math.Abs(bp.NetQty) <= qtyTolerance {
			continue
		}
		s.handleMismatch(ctx, adapterID, session, inst, 0, bp, current)
	}

	// Resolved discrepancies re-alert if they come back.
	s.mu.Lock()
	for sig := range s.seen {
		if _, still := current[sig]; !still {
			delete(s.seen, sig)
		}
	}
	s.mu.Unlock()

	s.recordAudit(ctx, session.ID, map[string]any{
		"adapter":       adapterID,
		"broker_count":  len(remote),
		"local_count":   len(local),
		"discrepancies": len(current),
	})
	return nil
}

// handleMismatch syncs paper state to the broker and surfaces live state.
func (s *Service) handleMismatch(ctx context.Context, adapterID string, session ledger.SessionView, instrument string, localQty float64, bp broker.PositionSnapshot, current map[string]struct{}) {
	if session.Mode == ledger.ModePaper {
		if err := s.ledger.SetPosition(ctx, instrument, bp.NetQty, bp.AvgPrice); err != nil {
			log.Printf("reconcile %s: sync %s: %v", adapterID, instrument, err)
			return
		}
		log.Printf("reconcile %s: synced %s local %.2f -> broker %.2f", adapterID, instrument, localQty, bp.NetQty)
		s.recordAudit(ctx, session.ID, map[string]any{
			"adapter": adapterID, "instrument": instrument,
			"action": "synced", "local_qty": localQty, "broker_qty": bp.NetQty,
		})
		return
	}

	sig := fmt.Sprintf("%s|%s|%.4f|%.4f", adapterID, instrument, localQty, bp.NetQty)
	current[sig] = struct{}{}
	s.mu.Lock()
	_, already := s.seen[sig]
	if !already {
		s.seen[sig] = struct{}{}
	}
	s.mu.Unlock()
	if already {
		return
	}

	ev := db.RiskEvent{
		ID:         uuid.NewString(),
		AdapterID:  adapterID,
		SessionID:  session.ID,
		Instrument: instrument,
		Kind:       broker.CodeMismatch,
		Detail:     fmt.Sprintf("local qty %.2f, broker qty %.2f", localQty, bp.NetQty),
		LocalQty:   localQty,
		BrokerQty:  bp.NetQty,
		CreatedAt:  time.Now(),
	}
	if s.db != nil {
		if err := s.db.InsertRiskEvent(ctx, ev); err != nil {
			log.Printf("reconcile %s: persist risk event: %v", adapterID, err)
		}
	}
	log.Printf("❌ reconcile %s: MISMATCH %s local=%.2f broker=%.2f", adapterID, instrument, localQty, bp.NetQty)
	s.bus.Publish(events.EventRiskEvent, ev)
	s.recordAudit(ctx, session.ID, map[string]any{
		"adapter": adapterID, "instrument": instrument,
		"action": "mismatch", "local_qty": localQty, "broker_qty": bp.NetQty,
	})
}

// resolveUnknownOrders queries the broker for every order parked UNKNOWN
// after an ack timeout and replays the authoritative answer through the
// stream path. Orders that never received a broker id are closed as
// rejected: the position check right after catches any hidden fill.
func (s *Service) resolveUnknownOrders(ctx context.Context, adapter broker.Adapter, sessionID string) error {
	if s.db == nil {
		return nil
	}
	open, err := s.db.ListOpenOrders(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.Status != string(broker.StatusUnknown) || o.AdapterID != adapter.ID() {
			continue
		}
		if o.BrokerOrderID == "" {
			if err := s.db.UpdateOrderStatus(ctx, o.ID, string(broker.StatusRejected), broker.CodeAckTimeout); err != nil {
				log.Printf("reconcile: close unacked order %s: %v", o.ID, err)
				continue
			}
			s.ledger.ReleaseRemaining(ctx, o.ID)
			log.Printf("reconcile: order %s never acked, closed as rejected", o.ID)
			continue
		}
		ev, err := adapter.GetOrderStatus(ctx, o.BrokerOrderID)
		if err != nil {
			log.Printf("reconcile: query unknown order %s: %v", o.ID, err)
			continue
		}
		ev.ClientOrderID = o.ID
		s.stream.Apply(ctx, adapter.ID(), ev)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, sessionID string, payload map[string]any) {
	if s.trail == nil {
		return
	}
	e := audit.Event{
		Kind:       audit.KindReconciliation,
		EntityType: audit.EntityAdapter,
		EntityID:   fmt.Sprint(payload["adapter"]),
		SessionID:  sessionID,
		Payload:    payload,
	}
	if sv, ok := s.ledger.Session(); ok && sv.Mode == ledger.ModeLive {
		if err := s.trail.Record(ctx, e); err != nil {
			log.Printf("reconcile: audit record: %v", err)
		}
		return
	}
	s.trail.RecordAsync(e)
}
