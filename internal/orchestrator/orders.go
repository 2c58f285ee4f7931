package orchestrator

import (
	"context"

	"execution-core/internal/engine"
	"execution-core/internal/ledger"
	"execution-core/pkg/broker"
)

// CancelOrder routes a cancel through the active mode's executor.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) error {
	ex, err := o.activeExecutor()
	if err != nil {
		return err
	}
	return ex.Cancel(ctx, orderID)
}

// ModifyOrder routes a modify through the active mode's executor.
func (o *Orchestrator) ModifyOrder(ctx context.Context, orderID string, qty, price float64) error {
	ex, err := o.activeExecutor()
	if err != nil {
		return err
	}
	return ex.Modify(ctx, orderID, qty, price)
}

func (o *Orchestrator) activeExecutor() (*engine.Executor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.ledger.Session()
	if !ok || session.Mode == ledger.ModeStopped {
		return nil, broker.Validationf(broker.CodeSessionStopped, "no running session")
	}
	ex := o.activeExecutorLocked(session.Mode)
	if ex == nil {
		return nil, broker.Systemf("no executor registered for mode %s", session.Mode)
	}
	return ex, nil
}
