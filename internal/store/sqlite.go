package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "trade-governor/internal/errors"
	"trade-governor/internal/models"
)

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger opens (or creates) the ledger database at dbPath.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ledger := &SQLiteLedger{db: db}

	if err := ledger.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return ledger, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		strategy TEXT NOT NULL,
		product TEXT NOT NULL,
		direction TEXT NOT NULL,
		bucket TEXT NOT NULL,
		sector TEXT NOT NULL,
		requested_price REAL NOT NULL,
		entry_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		stop_loss REAL NOT NULL,
		target REAL NOT NULL DEFAULT 0,
		risk_amount REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		entry_order_id TEXT NOT NULL DEFAULT '',
		stop_order_id TEXT NOT NULL DEFAULT '',
		exit_order_id TEXT NOT NULL DEFAULT '',
		exit_price REAL NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		pnl REAL NOT NULL DEFAULT 0,
		charges REAL NOT NULL DEFAULT 0,
		net_pnl REAL NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		entry_time DATETIME,
		exit_time DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS system_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_active_symbol
		ON trades(symbol) WHERE status IN ('PENDING', 'OPEN');
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON system_events(kind, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteLedger) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Trades Methods
// ============================================================================

const tradeColumns = `id, symbol, exchange, strategy, product, direction, bucket, sector,
	requested_price, entry_price, quantity, stop_loss, target, risk_amount, status,
	entry_order_id, stop_order_id, exit_order_id, exit_price, exit_reason,
	pnl, charges, net_pnl, notes, entry_time, exit_time, created_at, updated_at`

// CreateTrade inserts a new trade. A second PENDING or OPEN trade for the
// same symbol fails with ErrDuplicateOpen.
func (s *SQLiteLedger) CreateTrade(ctx context.Context, t *models.Trade) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.Exchange, t.Strategy, t.Product, t.Direction, t.Bucket, t.Sector,
		t.RequestedPrice, t.EntryPrice, t.Quantity, t.StopLoss, t.Target, t.RiskAmount, t.Status,
		t.EntryOrderID, t.StopOrderID, t.ExitOrderID, t.ExitPrice, t.ExitReason,
		t.PnL, t.Charges, t.NetPnL, t.Notes, nullTime(t.EntryTime), nullTime(t.ExitTime),
		t.CreatedAt.UTC(), t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create trade for %s: %w", t.Symbol, apperrors.ErrDuplicateOpen)
		}
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// GetTrade retrieves a trade by ID.
func (s *SQLiteLedger) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trade %s: %w", id, apperrors.ErrTradeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// UpdateTrade writes every mutable column of t, provided the stored status
// still equals expected. Otherwise ErrStaleTransition is returned and nothing
// changes.
func (s *SQLiteLedger) UpdateTrade(ctx context.Context, t *models.Trade, expected models.TradeStatus) error {
	if t.Status != expected && !expected.CanTransition(t.Status) {
		return fmt.Errorf("illegal transition %s -> %s for trade %s", expected, t.Status, t.ID)
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET
			entry_price = ?, quantity = ?, stop_loss = ?, target = ?, risk_amount = ?, status = ?,
			entry_order_id = ?, stop_order_id = ?, exit_order_id = ?, exit_price = ?, exit_reason = ?,
			pnl = ?, charges = ?, net_pnl = ?, notes = ?, entry_time = ?, exit_time = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, t.EntryPrice, t.Quantity, t.StopLoss, t.Target, t.RiskAmount, t.Status,
		t.EntryOrderID, t.StopOrderID, t.ExitOrderID, t.ExitPrice, t.ExitReason,
		t.PnL, t.Charges, t.NetPnL, t.Notes, nullTime(t.EntryTime), nullTime(t.ExitTime), t.UpdatedAt,
		t.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("trade %s expected %s: %w", t.ID, expected, ErrStaleTransition)
	}
	return nil
}

// FindTrades retrieves trades matching filter, newest first.
func (s *SQLiteLedger) FindTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Product != "" {
		query += " AND product = ?"
		args = append(args, filter.Product)
	}
	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if !filter.ClosedSince.IsZero() {
		query += " AND exit_time >= ?"
		args = append(args, filter.ClosedSince.UTC())
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *t)
	}

	return trades, rows.Err()
}

// LatestTrade returns the most recent trade for symbol in status, or nil.
func (s *SQLiteLedger) LatestTrade(ctx context.Context, symbol string, status models.TradeStatus) (*models.Trade, error) {
	trades, err := s.FindTrades(ctx, TradeFilter{Symbol: symbol, Statuses: []models.TradeStatus{status}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return &trades[0], nil
}

// HasActiveTrade reports whether symbol has a PENDING or OPEN trade.
func (s *SQLiteLedger) HasActiveTrade(ctx context.Context, symbol string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades WHERE symbol = ? AND status IN ('PENDING', 'OPEN')
	`, symbol).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check active trade: %w", err)
	}
	return n > 0, nil
}

// CountByStatus counts trades in status.
func (s *SQLiteLedger) CountByStatus(ctx context.Context, status models.TradeStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}

// ============================================================================
// Aggregates
// ============================================================================

// TotalExposure sums entry notional over PENDING and OPEN trades.
func (s *SQLiteLedger) TotalExposure(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(entry_price * quantity) FROM trades WHERE status IN ('PENDING', 'OPEN')
	`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum exposure: %w", err)
	}
	return total.Float64, nil
}

// ExposureByBucket sums entry notional per bucket over PENDING and OPEN trades.
func (s *SQLiteLedger) ExposureByBucket(ctx context.Context) (map[models.Bucket]float64, error) {
	out := make(map[models.Bucket]float64)
	err := s.groupSum(ctx, "bucket", func(key string, v float64) {
		out[models.Bucket(key)] = v
	})
	return out, err
}

// ExposureBySector sums entry notional per sector over PENDING and OPEN trades.
func (s *SQLiteLedger) ExposureBySector(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	err := s.groupSum(ctx, "sector", func(key string, v float64) {
		out[key] = v
	})
	return out, err
}

func (s *SQLiteLedger) groupSum(ctx context.Context, column string, fn func(string, float64)) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`, SUM(entry_price * quantity) FROM trades
		WHERE status IN ('PENDING', 'OPEN')
		GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("failed to aggregate by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var sum float64
		if err := rows.Scan(&key, &sum); err != nil {
			return fmt.Errorf("failed to scan %s aggregate: %w", column, err)
		}
		fn(key, sum)
	}
	return rows.Err()
}

// NetQuantityBySymbol returns the signed quantity per symbol over OPEN trades.
func (s *SQLiteLedger) NetQuantityBySymbol(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, SUM(CASE WHEN direction = 'SHORT' THEN -quantity ELSE quantity END)
		FROM trades WHERE status = 'OPEN'
		GROUP BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate quantities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var symbol string
		var qty int
		if err := rows.Scan(&symbol, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan quantity: %w", err)
		}
		out[symbol] = qty
	}
	return out, rows.Err()
}

// RealizedLossSince sums the magnitude of negative net P&L over trades
// closed at or after since.
func (s *SQLiteLedger) RealizedLossSince(ctx context.Context, since time.Time) (float64, error) {
	var loss sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(-net_pnl) FROM trades
		WHERE status = 'CLOSED' AND net_pnl < 0 AND exit_time >= ?
	`, since.UTC()).Scan(&loss)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized loss: %w", err)
	}
	return loss.Float64, nil
}

// RealizedPnLSince sums net P&L over trades closed at or after since.
func (s *SQLiteLedger) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(net_pnl) FROM trades WHERE status = 'CLOSED' AND exit_time >= ?
	`, since.UTC()).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return pnl.Float64, nil
}

// ClosedNetPnL returns net P&L of every closed trade ordered by exit time.
func (s *SQLiteLedger) ClosedNetPnL(ctx context.Context) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT net_pnl FROM trades WHERE status = 'CLOSED' ORDER BY exit_time ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed pnl: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return nil, fmt.Errorf("failed to scan closed pnl: %w", err)
		}
		out = append(out, pnl)
	}
	return out, rows.Err()
}

// ============================================================================
// Events
// ============================================================================

// RecordEvent appends a system event.
func (s *SQLiteLedger) RecordEvent(ctx context.Context, e *models.SystemEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_events (id, kind, symbol, message, created_at) VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.Symbol, e.Message, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events, optionally filtered by kind.
func (s *SQLiteLedger) ListEvents(ctx context.Context, kind string, limit int) ([]models.SystemEvent, error) {
	query := "SELECT id, kind, symbol, message, created_at FROM system_events WHERE 1=1"
	args := []interface{}{}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.SystemEvent
	for rows.Next() {
		var e models.SystemEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Symbol, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ============================================================================
// Helpers
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(r rowScanner) (*models.Trade, error) {
	var t models.Trade
	var entryTime, exitTime sql.NullTime

	err := r.Scan(&t.ID, &t.Symbol, &t.Exchange, &t.Strategy, &t.Product, &t.Direction, &t.Bucket, &t.Sector,
		&t.RequestedPrice, &t.EntryPrice, &t.Quantity, &t.StopLoss, &t.Target, &t.RiskAmount, &t.Status,
		&t.EntryOrderID, &t.StopOrderID, &t.ExitOrderID, &t.ExitPrice, &t.ExitReason,
		&t.PnL, &t.Charges, &t.NetPnL, &t.Notes, &entryTime, &exitTime, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if entryTime.Valid {
		et := entryTime.Time
		t.EntryTime = &et
	}
	if exitTime.Valid {
		xt := exitTime.Time
		t.ExitTime = &xt
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
