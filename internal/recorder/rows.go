package recorder

import (
	"database/sql"
	"encoding/json"
	"time"

	"TradeSentinel/internal/model"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	tenantColumns   = `id, name, rule_code, timeframes, symbols, scan_cadence, reanalysis_cadence, status, diagnostic, updated_at`
	signalColumns   = `id, tenant_id, symbol, triggered_at, trigger_price, status, close_reason, updated_at`
	decisionColumns = `id, signal_id, tenant_id, verdict, confidence, reasoning, stop_loss, take_profit, size, close_percentage, created_at`
	positionColumns = `id, signal_id, tenant_id, symbol, side, entry_price, size, stop_loss, take_profit, status, exit_price, realized_pnl, close_reason, mode, opened_at, closed_at`
	orderColumns    = `id, position_id, client_order_id, exchange_order_id, symbol, action, side, price, quantity, status, mode, error, created_at`
)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func tenantArgs(t *model.TenantConfig) ([]any, error) {
	tfs, err := json.Marshal(t.Timeframes)
	if err != nil {
		return nil, err
	}
	syms, err := json.Marshal(t.Symbols)
	if err != nil {
		return nil, err
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{t.ID, t.Name, t.RuleCode, string(tfs), string(syms), t.ScanCadence, t.ReanalysisCadence,
		string(t.Status), t.Diagnostic, millis(updated)}, nil
}

func scanTenant(row rowScanner) (model.TenantConfig, error) {
	var (
		t         model.TenantConfig
		tfs, syms string
		status    string
		updatedAt int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.RuleCode, &tfs, &syms, &t.ScanCadence, &t.ReanalysisCadence,
		&status, &t.Diagnostic, &updatedAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(tfs), &t.Timeframes); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(syms), &t.Symbols); err != nil {
		return t, err
	}
	t.Status = model.TenantStatus(status)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

func signalArgs(s *model.Signal) []any {
	return []any{s.ID, s.TenantID, s.Symbol, millis(s.TriggeredAt), s.TriggerPrice, string(s.Status), s.CloseReason, millis(s.UpdatedAt)}
}

func scanSignal(row rowScanner) (model.Signal, error) {
	var (
		s                    model.Signal
		status               string
		triggeredAt, updated int64
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.Symbol, &triggeredAt, &s.TriggerPrice, &status, &s.CloseReason, &updated)
	s.Status = model.SignalStatus(status)
	s.TriggeredAt = fromMillis(triggeredAt)
	s.UpdatedAt = fromMillis(updated)
	return s, err
}

func decisionArgs(d *model.Decision) []any {
	return []any{d.ID, d.SignalID, d.TenantID, string(d.Verdict), d.Confidence, d.Reasoning,
		d.Levels.StopLoss, d.Levels.TakeProfit, d.Levels.Size, d.Levels.ClosePercentage, millis(d.CreatedAt)}
}

func scanDecision(row rowScanner) (model.Decision, error) {
	var (
		d       model.Decision
		verdict string
		created int64
	)
	err := row.Scan(&d.ID, &d.SignalID, &d.TenantID, &verdict, &d.Confidence, &d.Reasoning,
		&d.Levels.StopLoss, &d.Levels.TakeProfit, &d.Levels.Size, &d.Levels.ClosePercentage, &created)
	d.Verdict = model.Verdict(verdict)
	d.CreatedAt = fromMillis(created)
	return d, err
}

func positionArgs(p *model.Position) []any {
	return []any{p.ID, p.SignalID, p.TenantID, p.Symbol, string(p.Side), p.EntryPrice, p.Size, p.StopLoss, p.TakeProfit,
		string(p.Status), p.ExitPrice, p.RealizedPnL, p.CloseReason, string(p.Mode), millis(p.OpenedAt), nullMillis(p.ClosedAt)}
}

func scanPosition(row rowScanner) (model.Position, error) {
	var (
		p                  model.Position
		side, status, mode string
		opened             int64
		closed             sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.SignalID, &p.TenantID, &p.Symbol, &side, &p.EntryPrice, &p.Size, &p.StopLoss, &p.TakeProfit,
		&status, &p.ExitPrice, &p.RealizedPnL, &p.CloseReason, &mode, &opened, &closed)
	p.Side = model.Side(side)
	p.Status = model.PositionStatus(status)
	p.Mode = model.TradeMode(mode)
	p.OpenedAt = fromMillis(opened)
	if closed.Valid {
		t := fromMillis(closed.Int64)
		p.ClosedAt = &t
	}
	return p, err
}

func orderArgs(o *model.Order) []any {
	return []any{o.ID, o.PositionID, o.ClientOrderID, o.ExchangeOrderID, o.Symbol, string(o.Action), string(o.Side),
		o.Price, o.Quantity, string(o.Status), string(o.Mode), o.Error, millis(o.CreatedAt)}
}

func scanOrder(row rowScanner) (model.Order, error) {
	var (
		o                          model.Order
		action, side, status, mode string
		created                    int64
	)
	err := row.Scan(&o.ID, &o.PositionID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &action, &side,
		&o.Price, &o.Quantity, &status, &mode, &o.Error, &created)
	o.Action = model.OrderAction(action)
	o.Side = model.OrderSide(side)
	o.Status = model.OrderStatus(status)
	o.Mode = model.TradeMode(mode)
	o.CreatedAt = fromMillis(created)
	return o, err
}

func statusStrings(statuses []model.SignalStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
