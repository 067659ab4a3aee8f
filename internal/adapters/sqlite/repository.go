package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"futuresPositionBot/internal/domain"
	"futuresPositionBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.PositionRepository and ports.SettingsRepository
// interfaces using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/positions.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		amount_usdt REAL NOT NULL,
		leverage INTEGER NOT NULL,
		position_side TEXT NOT NULL,
		tp_usdt REAL NOT NULL,
		sl_usdt REAL NOT NULL,
		original_tp_usdt REAL NOT NULL,
		original_sl_usdt REAL NOT NULL,
		entry_price REAL NOT NULL DEFAULT 0,
		quantity REAL NOT NULL DEFAULT 0,
		entry_order_id TEXT DEFAULT NULL,
		exchange_position_id TEXT DEFAULT NULL,
		tp_order_id TEXT DEFAULT NULL,
		sl_order_id TEXT DEFAULT NULL,
		is_open INTEGER NOT NULL DEFAULT 1,
		orders_disabled INTEGER NOT NULL DEFAULT 0,
		recovery_count INTEGER NOT NULL DEFAULT 0,
		last_recovery_at TIMESTAMP DEFAULT NULL,
		reopen_count INTEGER NOT NULL DEFAULT 0,
		parent_position_id INTEGER DEFAULT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		pending_reopen_at TIMESTAMP DEFAULT NULL,
		pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	-- Add indexes for common lookups
	CREATE INDEX IF NOT EXISTS idx_positions_open ON positions (is_open);
	CREATE INDEX IF NOT EXISTS idx_positions_symbol_side ON positions (symbol, position_side, is_open);
	CREATE INDEX IF NOT EXISTS idx_positions_pending_reopen ON positions (pending_reopen_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

const positionColumns = `
	id, symbol, side, amount_usdt, leverage, position_side,
	tp_usdt, sl_usdt, original_tp_usdt, original_sl_usdt,
	entry_price, quantity, entry_order_id, exchange_position_id, tp_order_id, sl_order_id,
	is_open, orders_disabled, recovery_count, last_recovery_at, reopen_count, parent_position_id,
	opened_at, closed_at, pending_reopen_at, pnl, COALESCE(close_reason, '')`

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, amount_usdt, leverage, position_side,
	                       tp_usdt, sl_usdt, original_tp_usdt, original_sl_usdt,
	                       entry_price, quantity, entry_order_id, exchange_position_id, tp_order_id, sl_order_id,
	                       is_open, orders_disabled, recovery_count, last_recovery_at, reopen_count, parent_position_id,
	                       opened_at, closed_at, pending_reopen_at, pnl, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, string(pos.Side), pos.AmountUSDT, pos.Leverage, string(pos.PositionSide),
		pos.TPUsdt, pos.SLUsdt, pos.OriginalTPUsdt, pos.OriginalSLUsdt,
		pos.EntryPrice, pos.Quantity, nullString(pos.EntryOrderID), nullString(pos.ExchangePositionID), nullString(pos.TPOrderID), nullString(pos.SLOrderID),
		pos.IsOpen, pos.OrdersDisabled, pos.RecoveryCount, nullTime(pos.LastRecoveryAt), pos.ReopenCount, nullInt64(pos.ParentPositionID),
		pos.OpenedAt, nullTime(pos.ClosedAt), nullTime(pos.PendingReopenAt), nullFloat64(pos.PNL), nullCloseReason(pos.CloseReason))
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id // Update the domain object with the ID
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// Update modifies an existing position based on its ID. Every column is
// rewritten in one statement so a concurrent reader never sees half a
// transition.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET symbol = ?, side = ?, amount_usdt = ?, leverage = ?, position_side = ?,
	    tp_usdt = ?, sl_usdt = ?, original_tp_usdt = ?, original_sl_usdt = ?,
	    entry_price = ?, quantity = ?, entry_order_id = ?, exchange_position_id = ?, tp_order_id = ?, sl_order_id = ?,
	    is_open = ?, orders_disabled = ?, recovery_count = ?, last_recovery_at = ?, reopen_count = ?, parent_position_id = ?,
	    opened_at = ?, closed_at = ?, pending_reopen_at = ?, pnl = ?, close_reason = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, string(pos.Side), pos.AmountUSDT, pos.Leverage, string(pos.PositionSide),
		pos.TPUsdt, pos.SLUsdt, pos.OriginalTPUsdt, pos.OriginalSLUsdt,
		pos.EntryPrice, pos.Quantity, nullString(pos.EntryOrderID), nullString(pos.ExchangePositionID), nullString(pos.TPOrderID), nullString(pos.SLOrderID),
		pos.IsOpen, pos.OrdersDisabled, pos.RecoveryCount, nullTime(pos.LastRecoveryAt), pos.ReopenCount, nullInt64(pos.ParentPositionID),
		pos.OpenedAt, nullTime(pos.ClosedAt), nullTime(pos.PendingReopenAt), nullFloat64(pos.PNL), nullCloseReason(pos.CloseReason),
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "isOpen": pos.IsOpen})
	return nil
}

// Delete removes a position row.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM positions WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete position ID %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for delete position ID %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for delete: %w", id, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position deleted", map[string]interface{}{"positionID": id})
	return nil
}

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Position not found by ID", map[string]interface{}{"positionID": id})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w", id, err)
	}
	return pos, nil
}

// FindOpen retrieves all currently open positions.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE is_open = 1 ORDER BY opened_at DESC`
	return r.queryPositions(ctx, query)
}

// FindOpenBySymbolSide retrieves the open position for a (symbol, position side)
// pair, if any.
func (r *Repository) FindOpenBySymbolSide(ctx context.Context, symbol string, positionSide domain.PositionSide) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE symbol = ? AND position_side = ? AND is_open = 1`

	row := r.db.QueryRowContext(ctx, query, symbol, string(positionSide))
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query open position for %s %s: %w", symbol, positionSide, err)
	}
	return pos, nil
}

// FindPendingReopen retrieves closed positions still waiting for an automatic
// reopen. Used to reseed the in-memory reopen queue on startup.
func (r *Repository) FindPendingReopen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE is_open = 0 AND pending_reopen_at IS NOT NULL`
	return r.queryPositions(ctx, query)
}

// FindAll retrieves all positions, ordered by open time descending.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions ORDER BY opened_at DESC`
	return r.queryPositions(ctx, query)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// --- SettingsRepository Implementation ---

// GetSetting returns the value for a key, or the empty string when absent.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	const query = `SELECT value FROM settings WHERE key = ?`
	var value string
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil // Missing keys read as empty
		}
		return "", fmt.Errorf("failed to query setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting writes a key with upsert semantics.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	const query = `INSERT INTO settings (key, value) VALUES (?, ?)
	               ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		side, positionSide, closeReason                 string
		entryOrderID, exchangePosID, tpOrderID, slOrder sql.NullString
		lastRecoveryAt, closedAt, pendingReopenAt       sql.NullTime
		parentID                                        sql.NullInt64
		pnl                                             sql.NullFloat64
	)
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &p.AmountUSDT, &p.Leverage, &positionSide,
		&p.TPUsdt, &p.SLUsdt, &p.OriginalTPUsdt, &p.OriginalSLUsdt,
		&p.EntryPrice, &p.Quantity, &entryOrderID, &exchangePosID, &tpOrderID, &slOrder,
		&p.IsOpen, &p.OrdersDisabled, &p.RecoveryCount, &lastRecoveryAt, &p.ReopenCount, &parentID,
		&p.OpenedAt, &closedAt, &pendingReopenAt, &pnl, &closeReason)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Side = domain.Side(side)
	p.PositionSide = domain.PositionSide(positionSide)
	if closeReason != "" {
		p.CloseReason = domain.CloseReason(closeReason)
	}
	if entryOrderID.Valid {
		p.EntryOrderID = &entryOrderID.String
	}
	if exchangePosID.Valid {
		p.ExchangePositionID = &exchangePosID.String
	}
	if tpOrderID.Valid {
		p.TPOrderID = &tpOrderID.String
	}
	if slOrder.Valid {
		p.SLOrderID = &slOrder.String
	}
	if lastRecoveryAt.Valid {
		t := lastRecoveryAt.Time
		p.LastRecoveryAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if pendingReopenAt.Valid {
		t := pendingReopenAt.Time
		p.PendingReopenAt = &t
	}
	if parentID.Valid {
		id := parentID.Int64
		p.ParentPositionID = &id
	}
	if pnl.Valid {
		v := pnl.Float64
		p.PNL = &v
	}
	return p, nil
}

// --- Null Helpers ---

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullCloseReason(cr domain.CloseReason) sql.NullString {
	if cr == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(cr), Valid: true}
}
