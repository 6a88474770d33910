package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradeSentinel/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	pgUpsertTenant = `INSERT INTO tenants (` + tenantColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, rule_code = EXCLUDED.rule_code,
			timeframes = EXCLUDED.timeframes, symbols = EXCLUDED.symbols, scan_cadence = EXCLUDED.scan_cadence,
			reanalysis_cadence = EXCLUDED.reanalysis_cadence, status = EXCLUDED.status,
			diagnostic = EXCLUDED.diagnostic, updated_at = EXCLUDED.updated_at`
	pgSelectTenants   = `SELECT ` + tenantColumns + ` FROM tenants ORDER BY id`
	pgSetTenantStatus = `UPDATE tenants SET status = $1, diagnostic = $2, updated_at = $3 WHERE id = $4`

	pgInsertSignal = `INSERT INTO signals (` + signalColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	pgUpdateSignal = `UPDATE signals SET status = $1, close_reason = $2, updated_at = $3 WHERE id = $4`
	pgGetSignal    = `SELECT ` + signalColumns + ` FROM signals WHERE id = $1`
	pgListSignals  = `SELECT ` + signalColumns + ` FROM signals
		WHERE ($1 = '' OR tenant_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY triggered_at`

	pgInsertDecision = `INSERT INTO decisions (` + decisionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	pgListDecisions  = `SELECT ` + decisionColumns + ` FROM decisions WHERE signal_id = $1 ORDER BY created_at`

	pgInsertPosition = `INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	pgUpdatePosition = `UPDATE positions SET entry_price = $1, size = $2, stop_loss = $3, take_profit = $4, status = $5,
		exit_price = $6, realized_pnl = $7, close_reason = $8, closed_at = $9 WHERE id = $10`
	pgOpenPositions     = `SELECT ` + positionColumns + ` FROM positions WHERE status = 'open' ORDER BY opened_at`
	pgPositionsBySignal = `SELECT ` + positionColumns + ` FROM positions WHERE signal_id = $1 ORDER BY opened_at`

	pgInsertOrder = `INSERT INTO orders (` + orderColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	pgListOrders  = `SELECT ` + orderColumns + ` FROM orders WHERE ($1 = '' OR position_id = $1) ORDER BY created_at`

	pgInsertIncomplete = `INSERT INTO incomplete_ops (kind, ref, reason, created_at) VALUES ($1, $2, $3, $4)`
)

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		rule_code          TEXT NOT NULL,
		timeframes         TEXT NOT NULL DEFAULT '[]',
		symbols            TEXT NOT NULL DEFAULT '[]',
		scan_cadence       TEXT NOT NULL,
		reanalysis_cadence TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		diagnostic         TEXT NOT NULL DEFAULT '',
		updated_at         BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		symbol        TEXT NOT NULL,
		triggered_at  BIGINT NOT NULL,
		trigger_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		close_reason  TEXT NOT NULL DEFAULT '',
		updated_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_tenant_status ON signals(tenant_id, status)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id               TEXT PRIMARY KEY,
		signal_id        TEXT NOT NULL,
		tenant_id        TEXT NOT NULL,
		verdict          TEXT NOT NULL,
		confidence       INTEGER NOT NULL DEFAULT 0,
		reasoning        TEXT NOT NULL DEFAULT '',
		stop_loss        DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit      DOUBLE PRECISION NOT NULL DEFAULT 0,
		size             DOUBLE PRECISION NOT NULL DEFAULT 0,
		close_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_signal ON decisions(signal_id)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id           TEXT PRIMARY KEY,
		signal_id    TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		entry_price  DOUBLE PRECISION NOT NULL,
		size         DOUBLE PRECISION NOT NULL,
		stop_loss    DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit  DOUBLE PRECISION NOT NULL DEFAULT 0,
		status       TEXT NOT NULL,
		exit_price   DOUBLE PRECISION NOT NULL DEFAULT 0,
		realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL DEFAULT '',
		mode         TEXT NOT NULL,
		opened_at    BIGINT NOT NULL,
		closed_at    BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                TEXT PRIMARY KEY,
		position_id       TEXT NOT NULL,
		client_order_id   TEXT NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		symbol            TEXT NOT NULL,
		action            TEXT NOT NULL,
		side              TEXT NOT NULL,
		price             DOUBLE PRECISION NOT NULL DEFAULT 0,
		quantity          DOUBLE PRECISION NOT NULL DEFAULT 0,
		status            TEXT NOT NULL,
		mode              TEXT NOT NULL,
		error             TEXT NOT NULL DEFAULT '',
		created_at        BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id)`,
	`CREATE TABLE IF NOT EXISTS incomplete_ops (
		id         BIGSERIAL PRIMARY KEY,
		kind       TEXT NOT NULL,
		ref        TEXT NOT NULL,
		reason     TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

// PostgresStore persists host state to PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, dsn string, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info().Str("host", pool.Config().ConnConfig.Host).Msg("postgres store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t *model.TenantConfig) error {
	args, err := tenantArgs(t)
	if err != nil {
		return fmt.Errorf("encode tenant: %w", err)
	}
	if _, err := s.pool.Exec(ctx, pgUpsertTenant, args...); err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Tenants(ctx context.Context) ([]model.TenantConfig, error) {
	rows, err := s.pool.Query(ctx, pgSelectTenants)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()
	var out []model.TenantConfig
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetTenantStatus(ctx context.Context, id string, status model.TenantStatus, diagnostic string) error {
	if err := s.execOne(ctx, pgSetTenantStatus, string(status), diagnostic, millis(time.Now()), id); err != nil {
		return fmt.Errorf("set tenant status: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSignal(ctx context.Context, sig *model.Signal) error {
	if _, err := s.pool.Exec(ctx, pgInsertSignal, signalArgs(sig)...); err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSignal(ctx context.Context, sig *model.Signal) error {
	if err := s.execOne(ctx, pgUpdateSignal, string(sig.Status), sig.CloseReason, millis(sig.UpdatedAt), sig.ID); err != nil {
		return fmt.Errorf("update signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	sig, err := scanSignal(s.pool.QueryRow(ctx, pgGetSignal, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return &sig, nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, tenantID string, statuses ...model.SignalStatus) ([]model.Signal, error) {
	rows, err := s.pool.Query(ctx, pgListSignals, tenantID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()
	var out []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordDecision(ctx context.Context, d *model.Decision) error {
	if _, err := s.pool.Exec(ctx, pgInsertDecision, decisionArgs(d)...); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, signalID string) ([]model.Decision, error) {
	rows, err := s.pool.Query(ctx, pgListDecisions, signalID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()
	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if _, err := s.pool.Exec(ctx, pgInsertPosition, positionArgs(p)...); err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	err := s.execOne(ctx, pgUpdatePosition, p.EntryPrice, p.Size, p.StopLoss, p.TakeProfit, string(p.Status),
		p.ExitPrice, p.RealizedPnL, p.CloseReason, nullMillis(p.ClosedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx, pgOpenPositions)
}

func (s *PostgresStore) PositionsBySignal(ctx context.Context, signalID string) ([]model.Position, error) {
	return s.queryPositions(ctx, pgPositionsBySignal, signalID)
}

func (s *PostgresStore) RecordOrder(ctx context.Context, o *model.Order) error {
	if _, err := s.pool.Exec(ctx, pgInsertOrder, orderArgs(o)...); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, positionID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, pgListOrders, positionID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordIncomplete(ctx context.Context, op *model.IncompleteOp) error {
	if _, err := s.pool.Exec(ctx, pgInsertIncomplete, op.Kind, op.Ref, op.Reason, millis(op.CreatedAt)); err != nil {
		return fmt.Errorf("insert incomplete op: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
