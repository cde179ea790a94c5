// Package storage journals agent activities and closed trades to SQLite.
// The journal is an audit trail; the agent never reads its state back.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/trendpilot/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for the activity and trade journal.
type Storage struct {
	db            *sql.DB
	maxActivities int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/trendpilot/journal.db.
func New(maxActivities int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "trendpilot", "journal.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxActivities: maxActivities}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			action      TEXT NOT NULL,
			message     TEXT NOT NULL,
			trend_id    TEXT,
			token       TEXT,
			details     TEXT NOT NULL DEFAULT '{}',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			token_address TEXT NOT NULL,
			symbol        TEXT NOT NULL,
			trend_id      TEXT,
			tx_hash       TEXT,
			entry_price   REAL NOT NULL,
			exit_price    REAL NOT NULL,
			quantity      REAL NOT NULL,
			pnl           REAL NOT NULL,
			close_reason  TEXT NOT NULL,
			opened_at     INTEGER NOT NULL,
			closed_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Handle journals activity and error events. A position-closed activity also
// records the trade. State snapshots are ignored.
func (s *Storage) Handle(ctx context.Context, ev models.Event) error {
	switch e := ev.(type) {
	case models.ActivityEvent:
		return s.AddActivity(ctx, e.Activity)
	case models.ErrorEvent:
		return s.AddActivity(ctx, e.Activity)
	}
	return nil
}

// AddActivity inserts an activity and trims the journal to maxActivities.
func (s *Storage) AddActivity(ctx context.Context, a models.Activity) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	var trendID, token sql.NullString
	if a.Trend != nil {
		trendID = sql.NullString{String: a.Trend.ID, Valid: true}
	}
	if a.Position != nil {
		token = sql.NullString{String: a.Position.TokenAddress, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO activities
			(id, kind, action, message, trend_id, token, details, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Kind), string(a.Action), a.Message, trendID, token,
		string(details), a.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	if a.Action == models.ActionPositionClosed && a.Position != nil {
		if err := insertTrade(ctx, tx, *a.Position); err != nil {
			return err
		}
	}

	if s.maxActivities > 0 {
		if err := rotate(ctx, tx, s.maxActivities); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertTrade(ctx context.Context, tx *sql.Tx, p models.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades
			(token_address, symbol, trend_id, tx_hash, entry_price, exit_price,
			 quantity, pnl, close_reason, opened_at, closed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.TokenAddress, p.Symbol, p.TrendID, p.TxHash, p.EntryPrice, p.ExitPrice,
		p.Quantity, p.PnL(), string(p.CloseReason), p.OpenedAt.UnixNano(), p.ClosedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// RecentActivities returns up to k activities, newest first.
func (s *Storage) RecentActivities(ctx context.Context, k int) ([]models.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, action, message, details, created_at
		FROM activities ORDER BY created_at DESC, rowid DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var kind, action, details string
		var createdAtNano int64
		if err := rows.Scan(&a.ID, &kind, &action, &a.Message, &details, &createdAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details: %w", err)
		}
		a.Kind = models.ActivityKind(kind)
		a.Action = models.Action(action)
		a.Timestamp = time.Unix(0, createdAtNano)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Trades returns journaled closed positions, oldest first.
func (s *Storage) Trades(ctx context.Context) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_address, symbol, trend_id, tx_hash, entry_price, exit_price,
		       quantity, close_reason, opened_at, closed_at
		FROM trades ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Position{}
	for rows.Next() {
		var p models.Position
		var trendID, txHash sql.NullString
		var reason string
		var openedAtNano, closedAtNano int64
		err := rows.Scan(
			&p.TokenAddress, &p.Symbol, &trendID, &txHash, &p.EntryPrice, &p.ExitPrice,
			&p.Quantity, &reason, &openedAtNano, &closedAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		p.TrendID = trendID.String
		p.TxHash = txHash.String
		p.CloseReason = models.CloseReason(reason)
		p.CurrentPrice = p.ExitPrice
		p.OpenedAt = time.Unix(0, openedAtNano)
		p.ClosedAt = time.Unix(0, closedAtNano)
		trades = append(trades, p)
	}
	return trades, rows.Err()
}

// Rotate keeps at most maxActivities newest activities. Trades are kept.
func (s *Storage) Rotate(ctx context.Context) error {
	if s.maxActivities <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := rotate(ctx, tx, s.maxActivities); err != nil {
		return err
	}
	return tx.Commit()
}

func rotate(ctx context.Context, tx *sql.Tx, keep int) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM activities WHERE id NOT IN (
			SELECT id FROM activities ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("failed to rotate activities: %w", err)
	}
	return nil
}
