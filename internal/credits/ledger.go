// Package credits prices jobs and debits user balances.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/util"
)

// ErrInsufficientCredits is returned when a user cannot pay for a job.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Entry is one audit log row.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Delta        int       `json:"delta"` // negative for debits
	BalanceAfter int       `json:"balanceAfter"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Ledger holds per-user credit balances.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int, error)
	// Consume debits credits if the balance covers them. It returns false,
	// without error, when the balance is insufficient.
	Consume(ctx context.Context, userID string, credits int, reason string) (bool, error)
	Grant(ctx context.Context, userID string, credits int, reason string) (int, error)
	// EnsureAccount creates the account with initial credits if it does not exist.
	EnsureAccount(ctx context.Context, userID string, initial int) error
	History(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}

// SQLiteLedger stores balances and the audit log in SQLite.
type SQLiteLedger struct {
	db *sql.DB
	mu sync.Mutex // serializes writers; the UPDATE guard keeps balances non-negative regardless
}

var _ Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger opens (and migrates) the ledger at path.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLedger{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		credits INTEGER NOT NULL CHECK (credits >= 0),
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS credit_audit (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credit_audit_user ON credit_audit(user_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate credit schema: %w", err)
	}
	return nil
}

// Close releases the database.
func (l *SQLiteLedger) Close() error { return l.db.Close() }

// Balance returns the user's balance; unknown users have zero.
func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int, error) {
	var credits int
	err := l.db.QueryRowContext(ctx, `SELECT credits FROM credit_balances WHERE user_id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return credits, nil
}

// Consume debits credits with a conditional update and appends an audit row.
func (l *SQLiteLedger) Consume(ctx context.Context, userID string, credits int, reason string) (bool, error) {
	if credits < 0 {
		return false, fmt.Errorf("consume: negative amount %d", credits)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowText()
	res, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET credits = credits - ?, updated_at = ? WHERE user_id = ? AND credits >= ?`,
		credits, now, userID, credits)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := appendAudit(ctx, tx, userID, -credits, reason, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit consume: %w", err)
	}
	return true, nil
}

// Grant adds credits and returns the new balance.
func (l *SQLiteLedger) Grant(ctx context.Context, userID string, credits int, reason string) (int, error) {
	if credits <= 0 {
		return 0, fmt.Errorf("grant: amount must be positive, got %d", credits)
	}
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("grant: user id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowText()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, credits, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET credits = credits + excluded.credits, updated_at = excluded.updated_at`,
		userID, credits, now); err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	if err := appendAudit(ctx, tx, userID, credits, reason, now); err != nil {
		return 0, err
	}
	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT credits FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit grant: %w", err)
	}
	return balance, nil
}

// EnsureAccount creates a balance row with initial credits when missing.
func (l *SQLiteLedger) EnsureAccount(ctx context.Context, userID string, initial int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ensure account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowText()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, credits, updated_at) VALUES (?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, initial, now)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 && initial > 0 {
		if err := appendAudit(ctx, tx, userID, initial, "initial balance", now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ensure account: %w", err)
	}
	return nil
}

// History returns the most recent audit entries for userID, newest first.
func (l *SQLiteLedger) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, delta, balance_after, reason, created_at FROM credit_audit
		 WHERE user_id = ? ORDER BY rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("select audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendAudit(ctx context.Context, tx *sql.Tx, userID string, delta int, reason, now string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_audit (id, user_id, delta, balance_after, reason, created_at)
		 SELECT ?, ?, ?, credits, ?, ? FROM credit_balances WHERE user_id = ?`,
		util.NewID(), userID, delta, reason, now, userID); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
