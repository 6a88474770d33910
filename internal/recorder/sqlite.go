package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"TradeSentinel/internal/model"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists host state to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the SQLite database and runs migrations.
func NewSQLiteStore(dbPath string, log zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps :memory: databases and WAL writers consistent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
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
			updated_at         INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			triggered_at  INTEGER NOT NULL,
			trigger_price REAL,
			status        TEXT NOT NULL,
			close_reason  TEXT NOT NULL DEFAULT '',
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_tenant_status ON signals(tenant_id, status)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id               TEXT PRIMARY KEY,
			signal_id        TEXT NOT NULL,
			tenant_id        TEXT NOT NULL,
			verdict          TEXT NOT NULL,
			confidence       INTEGER,
			reasoning        TEXT,
			stop_loss        REAL,
			take_profit      REAL,
			size             REAL,
			close_percentage REAL,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_signal ON decisions(signal_id)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id           TEXT PRIMARY KEY,
			signal_id    TEXT NOT NULL,
			tenant_id    TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			entry_price  REAL,
			size         REAL,
			stop_loss    REAL,
			take_profit  REAL,
			status       TEXT NOT NULL,
			exit_price   REAL,
			realized_pnl REAL,
			close_reason TEXT NOT NULL DEFAULT '',
			mode         TEXT NOT NULL,
			opened_at    INTEGER NOT NULL,
			closed_at    INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_signal ON positions(signal_id)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id                TEXT PRIMARY KEY,
			position_id       TEXT NOT NULL,
			client_order_id   TEXT NOT NULL,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			symbol            TEXT NOT NULL,
			action            TEXT NOT NULL,
			side              TEXT NOT NULL,
			price             REAL,
			quantity          REAL,
			status            TEXT NOT NULL,
			mode              TEXT NOT NULL,
			error             TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id)`,

		`CREATE TABLE IF NOT EXISTS incomplete_ops (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			ref        TEXT NOT NULL,
			reason     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t *model.TenantConfig) error {
	args, err := tenantArgs(t)
	if err != nil {
		return fmt.Errorf("encode tenant: %w", err)
	}
	err = s.exec(ctx, `INSERT INTO tenants (`+tenantColumns+`) VALUES (`+placeholders(10)+`)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, rule_code=excluded.rule_code,
			timeframes=excluded.timeframes, symbols=excluded.symbols, scan_cadence=excluded.scan_cadence,
			reanalysis_cadence=excluded.reanalysis_cadence, status=excluded.status,
			diagnostic=excluded.diagnostic, updated_at=excluded.updated_at`, args...)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Tenants(ctx context.Context) ([]model.TenantConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
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

func (s *SQLiteStore) SetTenantStatus(ctx context.Context, id string, status model.TenantStatus, diagnostic string) error {
	err := s.execOne(ctx, `UPDATE tenants SET status = ?, diagnostic = ?, updated_at = ? WHERE id = ?`,
		string(status), diagnostic, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set tenant status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateSignal(ctx context.Context, sig *model.Signal) error {
	if err := s.exec(ctx, `INSERT INTO signals (`+signalColumns+`) VALUES (`+placeholders(8)+`)`, signalArgs(sig)...); err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSignal(ctx context.Context, sig *model.Signal) error {
	err := s.execOne(ctx, `UPDATE signals SET status = ?, close_reason = ?, updated_at = ? WHERE id = ?`,
		string(sig.Status), sig.CloseReason, millis(sig.UpdatedAt), sig.ID)
	if err != nil {
		return fmt.Errorf("update signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	sig, err := scanSignal(s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return &sig, nil
}

func (s *SQLiteStore) ListSignals(ctx context.Context, tenantID string, statuses ...model.SignalStatus) ([]model.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE 1=1`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statusStrings(statuses) {
			args = append(args, st)
		}
	}
	query += ` ORDER BY triggered_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) RecordDecision(ctx context.Context, d *model.Decision) error {
	if err := s.exec(ctx, `INSERT INTO decisions (`+decisionColumns+`) VALUES (`+placeholders(11)+`)`, decisionArgs(d)...); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, signalID string) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE signal_id = ? ORDER BY created_at`, signalID)
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

func (s *SQLiteStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.exec(ctx, `INSERT INTO positions (`+positionColumns+`) VALUES (`+placeholders(16)+`)`, positionArgs(p)...); err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	err := s.execOne(ctx, `UPDATE positions SET entry_price = ?, size = ?, stop_loss = ?, take_profit = ?, status = ?,
			exit_price = ?, realized_pnl = ?, close_reason = ?, closed_at = ? WHERE id = ?`,
		p.EntryPrice, p.Size, p.StopLoss, p.TakeProfit, string(p.Status),
		p.ExitPrice, p.RealizedPnL, p.CloseReason, nullMillis(p.ClosedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryPositions(ctx context.Context, where string, args ...any) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE `+where+` ORDER BY opened_at`, args...)
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

func (s *SQLiteStore) OpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx, `status = ?`, string(model.PositionOpen))
}

func (s *SQLiteStore) PositionsBySignal(ctx context.Context, signalID string) ([]model.Position, error) {
	return s.queryPositions(ctx, `signal_id = ?`, signalID)
}

func (s *SQLiteStore) RecordOrder(ctx context.Context, o *model.Order) error {
	if err := s.exec(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (`+placeholders(13)+`)`, orderArgs(o)...); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, positionID string) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if positionID != "" {
		query += ` WHERE position_id = ?`
		args = append(args, positionID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at`, args...)
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

func (s *SQLiteStore) RecordIncomplete(ctx context.Context, op *model.IncompleteOp) error {
	err := s.exec(ctx, `INSERT INTO incomplete_ops (kind, ref, reason, created_at) VALUES (?, ?, ?, ?)`,
		op.Kind, op.Ref, op.Reason, millis(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert incomplete op: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
