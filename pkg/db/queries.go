package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Session queries
// ----------------------------------------

// CreateSession inserts a new session and deactivates any previous one.
func (d *Database) CreateSession(ctx context.Context, s Session) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, start_capital, available_capital, committed_capital,
		                      realized_pnl, daily_loss_limit, max_open_positions,
		                      auto_switched, switch_reason, is_active, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, s.ID, s.Mode, s.StartCapital, s.AvailableCapital, s.CommittedCapital,
		s.RealizedPnL, s.DailyLossLimit, s.MaxOpenPositions,
		boolToInt(s.AutoSwitched), s.SwitchReason, s.StartedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit()
}

// UpdateSession persists mutable session state after every mutating event.
func (d *Database) UpdateSession(ctx context.Context, s Session) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions
		SET mode = ?, available_capital = ?, committed_capital = ?, realized_pnl = ?,
		    auto_switched = ?, switch_reason = ?
		WHERE id = ?
	`, s.Mode, s.AvailableCapital, s.CommittedCapital, s.RealizedPnL,
		boolToInt(s.AutoSwitched), s.SwitchReason, s.ID)
	return err
}

// ArchiveSession marks a session stopped and inactive.
func (d *Database) ArchiveSession(ctx context.Context, id string, stoppedAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE sessions SET is_active = 0, mode = 'stopped', stopped_at = ? WHERE id = ?
	`, stoppedAt, id)
	return err
}

// GetActiveSession returns the single active session, or ErrNotFound.
func (d *Database) GetActiveSession(ctx context.Context) (*Session, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, mode, start_capital, available_capital, committed_capital, realized_pnl,
		       daily_loss_limit, max_open_positions, auto_switched, switch_reason,
		       is_active, started_at
		FROM sessions WHERE is_active = 1 LIMIT 1
	`)
	var s Session
	var autoSwitched, isActive int
	err := row.Scan(&s.ID, &s.Mode, &s.StartCapital, &s.AvailableCapital, &s.CommittedCapital,
		&s.RealizedPnL, &s.DailyLossLimit, &s.MaxOpenPositions, &autoSwitched, &s.SwitchReason,
		&isActive, &s.StartedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active session: %w", err)
	}
	s.AutoSwitched = autoSwitched == 1
	s.IsActive = isActive == 1
	return &s, nil
}

// ----------------------------------------
// Order queries
// ----------------------------------------

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, broker_order_id, session_id, adapter_id, instrument, side, type,
		                    price, qty, filled_qty, avg_fill_price, status, reason_code,
		                    stop_loss, target, trailing_percent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.BrokerOrderID, o.SessionID, o.AdapterID, o.Instrument, o.Side, o.Type,
		o.Price, o.Qty, o.FilledQty, o.AvgFillPrice, o.Status, o.ReasonCode,
		o.StopLoss, o.Target, o.TrailingPercent, o.CreatedAt, o.CreatedAt)
	return err
}

// UpdateOrderStatus transitions an order and stamps the time.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status, reasonCode string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, reason_code = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, reasonCode, id)
	return err
}

// SetBrokerOrderID records the broker-assigned id after the ack.
func (d *Database) SetBrokerOrderID(ctx context.Context, id, brokerID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET broker_order_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, brokerID, id)
	return err
}

// UpdateOrderFill persists cumulative fill state after applying one fill.
func (d *Database) UpdateOrderFill(ctx context.Context, id string, status string, filledQty, avgPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, filledQty, avgPrice, id)
	return err
}

// GetOrder returns one order by local id.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	return d.scanOrder(d.DB.QueryRowContext(ctx, orderSelect+` WHERE id = ?`, id))
}

// GetOrderByBrokerID returns one order by the broker-assigned id.
func (d *Database) GetOrderByBrokerID(ctx context.Context, brokerID string) (*Order, error) {
	return d.scanOrder(d.DB.QueryRowContext(ctx, orderSelect+` WHERE broker_order_id = ?`, brokerID))
}

const orderSelect = `
	SELECT id, broker_order_id, session_id, adapter_id, instrument, side, type, price, qty,
	       filled_qty, avg_fill_price, status, reason_code, stop_loss, target, trailing_percent,
	       created_at, updated_at
	FROM orders`

func (d *Database) scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.BrokerOrderID, &o.SessionID, &o.AdapterID, &o.Instrument, &o.Side,
		&o.Type, &o.Price, &o.Qty, &o.FilledQty, &o.AvgFillPrice, &o.Status, &o.ReasonCode,
		&o.StopLoss, &o.Target, &o.TrailingPercent, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

// ListOpenOrders returns orders in non-terminal states for a session.
func (d *Database) ListOpenOrders(ctx context.Context, sessionID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, orderSelect+`
		WHERE session_id = ? AND status IN ('NEW', 'OPEN', 'PARTIALLY_FILLED', 'UNKNOWN')
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	return collectOrders(rows)
}

// ListOrdersBySession returns all orders for a session, newest first.
func (d *Database) ListOrdersBySession(ctx context.Context, sessionID string, limit int) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, orderSelect+`
		WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.BrokerOrderID, &o.SessionID, &o.AdapterID, &o.Instrument,
			&o.Side, &o.Type, &o.Price, &o.Qty, &o.FilledQty, &o.AvgFillPrice, &o.Status,
			&o.ReasonCode, &o.StopLoss, &o.Target, &o.TrailingPercent, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CreateFill records an applied fill; the id is the dedupe key, so a
// duplicate delivery fails the primary-key constraint.
func (d *Database) CreateFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, qty, price, sequence, exchange_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OrderID, f.Qty, f.Price, f.Sequence, f.ExchangeTime, f.CreatedAt)
	return err
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// UpsertPosition creates or updates a per-session position.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (instrument, session_id, net_qty, avg_price, realized_pnl,
		                       stop_loss, target, trailing_percent, closed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(instrument, session_id) DO UPDATE SET
			net_qty = excluded.net_qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			stop_loss = excluded.stop_loss,
			target = excluded.target,
			trailing_percent = excluded.trailing_percent,
			closed = excluded.closed,
			updated_at = CURRENT_TIMESTAMP
	`, p.Instrument, p.SessionID, p.NetQty, p.AvgPrice, p.RealizedPnL,
		p.StopLoss, p.Target, p.TrailingPercent, boolToInt(p.Closed))
	return err
}

// ListOpenPositions returns non-closed positions for a session.
func (d *Database) ListOpenPositions(ctx context.Context, sessionID string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT instrument, session_id, net_qty, avg_price, realized_pnl,
		       stop_loss, target, trailing_percent, closed, updated_at
		FROM positions WHERE session_id = ? AND closed = 0
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		var closed int
		if err := rows.Scan(&p.Instrument, &p.SessionID, &p.NetQty, &p.AvgPrice, &p.RealizedPnL,
			&p.StopLoss, &p.Target, &p.TrailingPercent, &closed, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Closed = closed == 1
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ----------------------------------------
// Audit trail queries
// ----------------------------------------

// InsertAuditEvent appends one immutable audit row.
func (d *Database) InsertAuditEvent(ctx context.Context, e AuditEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_events (id, kind, entity_type, entity_id, session_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.EntityType, e.EntityID, e.SessionID, e.Payload, e.CreatedAt)
	return err
}

// AuditFilter narrows audit queries; zero values are ignored.
type AuditFilter struct {
	From      time.Time
	To        time.Time
	Kind      string
	EntityID  string
	SessionID string
	Limit     int
}

// QueryAuditEvents returns matching audit rows, oldest first.
func (d *Database) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	q := `SELECT id, kind, entity_type, entity_id, session_id, payload, created_at
	      FROM audit_events WHERE 1=1`
	var args []any
	if !f.From.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, f.To)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.EntityID != "" {
		q += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	q += ` ORDER BY created_at`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityType, &e.EntityID, &e.SessionID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertRiskEvent records a surfaced risk condition.
func (d *Database) InsertRiskEvent(ctx context.Context, e RiskEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_events (id, adapter_id, session_id, instrument, kind, detail,
		                         local_qty, broker_qty, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AdapterID, e.SessionID, e.Instrument, e.Kind, e.Detail, e.LocalQty, e.BrokerQty, e.CreatedAt)
	return err
}

// ListRiskEvents returns risk events for a session, newest first.
func (d *Database) ListRiskEvents(ctx context.Context, sessionID string, limit int) ([]RiskEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, adapter_id, session_id, instrument, kind, detail, local_qty, broker_qty, created_at
		FROM risk_events WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer rows.Close()

	var events []RiskEvent
	for rows.Next() {
		var e RiskEvent
		if err := rows.Scan(&e.ID, &e.AdapterID, &e.SessionID, &e.Instrument, &e.Kind, &e.Detail,
			&e.LocalQty, &e.BrokerQty, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertDailyMetrics accumulates realized results for the given day.
func (d *Database) UpsertDailyMetrics(ctx context.Context, date string, pnl, loss, drawdown float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO daily_metrics (date, daily_pnl, daily_trades, daily_losses, max_drawdown)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_trades = daily_trades + 1,
			daily_losses = daily_losses + ?,
			max_drawdown = MAX(max_drawdown, ?)
	`, date, pnl, loss, drawdown, pnl, loss, drawdown)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
