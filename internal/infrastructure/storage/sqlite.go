package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/futures_guard/internal/domain"
)

// SQLiteLedger persists position records. database/sql serialises access
// per connection, so concurrent updates of different records are safe.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// each connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteLedger{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteLedger) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			exchange TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			current_price REAL NOT NULL DEFAULT 0,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			stop_loss REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			opened_at DATETIME NOT NULL,
			closed_at DATETIME,
			exit_price REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status_symbol ON positions(status, symbol);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Columns added after the first release; the error means it already exists.
	_, _ = s.db.Exec(`ALTER TABLE positions ADD COLUMN close_reason TEXT NOT NULL DEFAULT ''`)

	return nil
}

const positionColumns = `id, exchange, symbol, side, entry_price, current_price, quantity, leverage, stop_loss, take_profit, status, source, opened_at, closed_at, exit_price, realized_pnl, close_reason`

func (s *SQLiteLedger) SavePosition(ctx context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" || p.Symbol == "" {
		return domain.ErrInvalidInput
	}
	query := `INSERT INTO positions (` + positionColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Exchange, p.Symbol, p.Side, p.EntryPrice, p.CurrentPrice, p.Quantity, p.Leverage,
		p.StopLoss, p.TakeProfit, p.Status, p.Source, p.OpenedAt.UTC(), nullTime(p.ClosedAt),
		p.ExitPrice, p.RealizedPnL, p.CloseReason)
	return err
}

func (s *SQLiteLedger) UpdatePosition(ctx context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" {
		return domain.ErrInvalidInput
	}
	query := `UPDATE positions SET current_price = ?, quantity = ?, leverage = ?, stop_loss = ?, take_profit = ?,
			  status = ?, closed_at = ?, exit_price = ?, realized_pnl = ?, close_reason = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		p.CurrentPrice, p.Quantity, p.Leverage, p.StopLoss, p.TakeProfit,
		p.Status, nullTime(p.ClosedAt), p.ExitPrice, p.RealizedPnL, p.CloseReason, p.ID)
	if err != nil {
		return err
	}
	return expectOneRow(res, p.ID)
}

func (s *SQLiteLedger) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (s *SQLiteLedger) ListPositions(ctx context.Context, filter domain.PositionFilter) ([]*domain.Position, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY opened_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ClosePosition marks an OPEN record closed. Closing a closed record is a
// no-op so that racing closers do not overwrite each other's exit.
func (s *SQLiteLedger) ClosePosition(ctx context.Context, id string, exitPrice float64, closedAt time.Time, reason string) error {
	p, err := s.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if !p.IsOpen() {
		return nil
	}
	p.Close(exitPrice, closedAt, reason)

	query := `UPDATE positions SET status = ?, closed_at = ?, exit_price = ?, realized_pnl = ?, close_reason = ?
			  WHERE id = ? AND status = ?`
	_, err = s.db.ExecContext(ctx, query,
		p.Status, nullTime(p.ClosedAt), p.ExitPrice, p.RealizedPnL, p.CloseReason, id, domain.StatusOpen)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var closedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Exchange, &p.Symbol, &p.Side, &p.EntryPrice, &p.CurrentPrice, &p.Quantity, &p.Leverage,
		&p.StopLoss, &p.TakeProfit, &p.Status, &p.Source, &p.OpenedAt, &closedAt, &p.ExitPrice, &p.RealizedPnL, &p.CloseReason)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
