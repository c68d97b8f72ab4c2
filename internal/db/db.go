package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	conn *sqlx.DB
}

func New(dbPath string) (*DB, error) {
	conn, err := sqlx.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every account shares the handle; a single connection serializes writers
	// so check-and-mark transactions never see SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (account_id, message_id)
	);

	CREATE TABLE IF NOT EXISTS reply_timestamps (
		account_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		sent_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracked_senders (
		account_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		PRIMARY KEY (account_id, sender)
	);

	CREATE TABLE IF NOT EXISTS account_state (
		account_id TEXT PRIMARY KEY,
		uid_validity INTEGER NOT NULL DEFAULT 0,
		last_uid INTEGER NOT NULL DEFAULT 0,
		last_poll INTEGER
	);

	CREATE TABLE IF NOT EXISTS pairing_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (account_id, sender)
	);

	CREATE TABLE IF NOT EXISTS approved_senders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (account_id, sender)
	);

	CREATE TABLE IF NOT EXISTS action_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		action TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reply_timestamps_sender ON reply_timestamps(account_id, sender, sent_at);
	CREATE INDEX IF NOT EXISTS idx_tracked_senders_seen ON tracked_senders(account_id, last_seen DESC);
	CREATE INDEX IF NOT EXISTS idx_action_log_created_at ON action_log(account_id, created_at DESC);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// ActionLog operations

func (db *DB) LogAction(ctx context.Context, entry ActionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO action_log (account_id, action, sender, subject, message_id, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.AccountID, entry.Action, entry.Sender, entry.Subject, entry.MessageID, entry.Details,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to log %s action: %w", entry.Action, err)
	}
	return nil
}

func (db *DB) GetActionLogs(ctx context.Context, accountID string, limit, offset int) ([]ActionLog, error) {
	var logs []ActionLog
	err := db.conn.SelectContext(ctx, &logs,
		`SELECT id, account_id, action, sender, subject, message_id, details, created_at
		 FROM action_log WHERE account_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query action log: %w", err)
	}
	return logs, nil
}

func (db *DB) GetActionLogCount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := db.conn.GetContext(ctx, &count, "SELECT COUNT(*) FROM action_log WHERE account_id = ?", accountID)
	return count, err
}

// PurgeOldActions deletes action log rows older than the given number of days.
func (db *DB) PurgeOldActions(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UTC()

	result, err := db.conn.ExecContext(ctx, "DELETE FROM action_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old actions: %w", err)
	}

	return result.RowsAffected()
}

// Stats

type Stats struct {
	ProcessedCount       int         `json:"processed_count"`
	TrackedSendersCount  int         `json:"tracked_senders_count"`
	PendingPairingsCount int         `json:"pending_pairings_count"`
	ApprovedSendersCount int         `json:"approved_senders_count"`
	TotalActionsCount    int         `json:"total_actions_count"`
	RecentActions        []ActionLog `json:"recent_actions"`
}

func (db *DB) GetStats(ctx context.Context, accountID string) (*Stats, error) {
	stats := &Stats{}

	counts := []struct {
		dst   *int
		query string
	}{
		{&stats.ProcessedCount, "SELECT COUNT(*) FROM processed_messages WHERE account_id = ?"},
		{&stats.TrackedSendersCount, "SELECT COUNT(*) FROM tracked_senders WHERE account_id = ?"},
		{&stats.PendingPairingsCount, "SELECT COUNT(*) FROM pairing_requests WHERE account_id = ?"},
		{&stats.ApprovedSendersCount, "SELECT COUNT(*) FROM approved_senders WHERE account_id = ?"},
		{&stats.TotalActionsCount, "SELECT COUNT(*) FROM action_log WHERE account_id = ?"},
	}
	for _, c := range counts {
		if err := db.conn.GetContext(ctx, c.dst, c.query, accountID); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}

	logs, err := db.GetActionLogs(ctx, accountID, 10, 0)
	if err != nil {
		return nil, err
	}
	stats.RecentActions = logs

	return stats, nil
}
