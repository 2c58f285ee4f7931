package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/audit"
	"execution-core/internal/engine"
	"execution-core/internal/ledger"
	"execution-core/internal/signal"
	"execution-core/internal/sizer"
	"execution-core/pkg/broker"
)

// Proposal is a sized order awaiting manual confirmation.
type Proposal struct {
	ID        string        `json:"id"`
	Signal    signal.Signal `json:"signal"`
	Sizing    sizer.Sizing  `json:"sizing"`
	CreatedAt time.Time     `json:"created_at"`
}

// Outcome reports what happened to one signal.
type Outcome struct {
	Status     string       `json:"status"` // "submitted" or "pending_confirmation"
	OrderID    string       `json:"order_id,omitempty"`
	ProposalID string       `json:"proposal_id,omitempty"`
	Sizing     sizer.Sizing `json:"sizing"`
}

// HandleSignal sizes a signal and either submits the order or parks it for
// confirmation. Every rejection carries a reason code.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig signal.Signal) (Outcome, error) {
	o.mu.Lock()
	session, ok := o.ledger.Session()
	if !ok || session.Mode == ledger.ModeStopped {
		o.mu.Unlock()
		return Outcome{}, broker.Validationf(broker.CodeSessionStopped, "no running session")
	}
	if o.paused {
		o.mu.Unlock()
		return Outcome{}, broker.Validationf(broker.CodeSessionStopped, "signal intake is paused")
	}

	sized, err := sizer.Size(sig, o.risk, session)
	if err != nil {
		o.mu.Unlock()
		o.auditRejectedSignal(ctx, session.ID, sig, err)
		return Outcome{}, err
	}

	if !o.cfg.ConfirmBypass {
		p := &Proposal{
			ID:        uuid.NewString(),
			Signal:    sig,
			Sizing:    sized,
			CreatedAt: time.Now(),
		}
		o.pending[p.ID] = p
		o.mu.Unlock()
		log.Printf("signal %s %s qty=%.0f parked for confirmation (%s)",
			sig.Direction, sig.Instrument, sized.Quantity, p.ID)
		return Outcome{Status: "pending_confirmation", ProposalID: p.ID, Sizing: sized}, nil
	}

	ex := o.activeExecutorLocked(session.Mode)
	o.mu.Unlock()
	return o.submit(ctx, ex, session, sig, sized)
}

// Approve releases a parked proposal for submission. The same intake gates
// as HandleSignal apply; a rejected approval leaves the proposal parked.
func (o *Orchestrator) Approve(ctx context.Context, proposalID string) (Outcome, error) {
	o.mu.Lock()
	p, ok := o.pending[proposalID]
	if !ok {
		o.mu.Unlock()
		return Outcome{}, errors.New("unknown proposal " + proposalID)
	}

	session, active := o.ledger.Session()
	if !active || session.Mode == ledger.ModeStopped {
		o.mu.Unlock()
		return Outcome{}, broker.Validationf(broker.CodeSessionStopped, "no running session")
	}
	if o.paused {
		o.mu.Unlock()
		return Outcome{}, broker.Validationf(broker.CodeSessionStopped, "signal intake is paused")
	}
	delete(o.pending, proposalID)
	ex := o.activeExecutorLocked(session.Mode)
	o.mu.Unlock()
	return o.submit(ctx, ex, session, p.Signal, p.Sizing)
}

// Discard drops a parked proposal without trading.
func (o *Orchestrator) Discard(proposalID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[proposalID]
	delete(o.pending, proposalID)
	return ok
}

// Proposals lists orders awaiting confirmation.
func (o *Orchestrator) Proposals() []Proposal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Proposal, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, *p)
	}
	return out
}

// submit runs outside the orchestrator lock: broker I/O must never block a
// mode transition.
func (o *Orchestrator) submit(ctx context.Context, ex *engine.Executor, session ledger.SessionView, sig signal.Signal, sized sizer.Sizing) (Outcome, error) {
	if ex == nil {
		return Outcome{}, broker.Systemf("no executor registered for mode %s", session.Mode)
	}

	orderType := broker.OrderTypeLimit
	price := sig.SuggestedEntry
	id, err := ex.Submit(ctx, engine.Order{
		SessionID:       session.ID,
		AdapterID:       ex.AdapterID(),
		Instrument:      sig.Instrument,
		Side:            sig.Direction,
		Type:            orderType,
		Qty:             sized.Quantity,
		Price:           price,
		StopLoss:        sized.StopLoss,
		Target:          sized.Target,
		TrailingPercent: sig.TrailingPercent,
		Reserve:         true,
		Tag:             "signal",
	})
	if err != nil {
		return Outcome{OrderID: id, Sizing: sized}, err
	}
	log.Printf("✓ order %s submitted: %s %s qty=%.0f @ %.2f sl=%.2f tgt=%.2f",
		id, sig.Direction, sig.Instrument, sized.Quantity, price, sized.StopLoss, sized.Target)
	return Outcome{Status: "submitted", OrderID: id, Sizing: sized}, nil
}

// Run consumes a signal source until it closes or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, src signal.Source) error {
	ch, err := src.Signals(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := o.HandleSignal(ctx, sig); err != nil {
				log.Printf("signal %s %s rejected: %v", sig.Direction, sig.Instrument, err)
			}
		}
	}
}

func (o *Orchestrator) auditRejectedSignal(ctx context.Context, sessionID string, sig signal.Signal, err error) {
	o.recordAudit(ctx, audit.Event{
		Kind:       audit.KindRiskEvent,
		EntityType: audit.EntitySession,
		EntityID:   sessionID,
		SessionID:  sessionID,
		Payload: map[string]any{
			"action": "signal_rejected", "instrument": sig.Instrument,
			"side": string(sig.Direction), "code": broker.CodeOf(err), "error": err.Error(),
		},
	})
}
