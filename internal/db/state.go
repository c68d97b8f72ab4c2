package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	DefaultMaxProcessed      = 1000
	DefaultMaxSenders        = 5000
	DefaultMaxRepliesPerHour = 5
	RateLimitWindow          = time.Hour
)

// AccountState is the dedup and rate-limit store of a single account. Every
// method commits before it returns.
type AccountState struct {
	db        *DB
	accountID string

	MaxProcessed int
	MaxSenders   int
}

func (db *DB) AccountState(accountID string) *AccountState {
	return &AccountState{
		db:           db,
		accountID:    accountID,
		MaxProcessed: DefaultMaxProcessed,
		MaxSenders:   DefaultMaxSenders,
	}
}

func (s *AccountState) AccountID() string { return s.accountID }

func (s *AccountState) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.conn.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM processed_messages WHERE account_id = ? AND message_id = ?",
		s.accountID, messageID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return count > 0, nil
}

func (s *AccountState) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.MarkIfNew(ctx, messageID)
	return err
}

// MarkIfNew records messageID and reports whether it was not yet known.
// Check and insert happen in one transaction.
func (s *AccountState) MarkIfNew(ctx context.Context, messageID string) (bool, error) {
	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_messages (account_id, message_id, created_at) VALUES (?, ?, ?)",
		s.accountID, messageID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s processed: %w", messageID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE account_id = ? AND id NOT IN (
			SELECT id FROM processed_messages WHERE account_id = ? ORDER BY id DESC LIMIT ?
		)`,
		s.accountID, s.accountID, positiveOr(s.MaxProcessed, DefaultMaxProcessed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to evict processed messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit processed message: %w", err)
	}
	return true, nil
}

// AllowReply prunes the sender's reply timestamps to the last hour and
// reports whether another reply fits under maxPerHour.
func (s *AccountState) AllowReply(ctx context.Context, sender string, now time.Time, maxPerHour int) (bool, error) {
	maxPerHour = positiveOr(maxPerHour, DefaultMaxRepliesPerHour)

	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.pruneReplies(ctx, tx, sender, now); err != nil {
		return false, err
	}

	var count int
	err = tx.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM reply_timestamps WHERE account_id = ? AND sender = ?",
		s.accountID, sender,
	)
	if err != nil {
		return false, fmt.Errorf("failed to count replies: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit rate limit check: %w", err)
	}
	return count < maxPerHour, nil
}

// RecordReply appends a reply timestamp for sender and evicts the
// least-recently-seen senders beyond MaxSenders.
func (s *AccountState) RecordReply(ctx context.Context, sender string, now time.Time) error {
	tx, err := s.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.pruneReplies(ctx, tx, sender, now); err != nil {
		return err
	}

	// Keep each sender's timestamps non-decreasing if the clock steps back.
	ts := now.UnixMilli()
	var latest sql.NullInt64
	err = tx.GetContext(ctx, &latest,
		"SELECT MAX(sent_at) FROM reply_timestamps WHERE account_id = ? AND sender = ?",
		s.accountID, sender,
	)
	if err != nil {
		return fmt.Errorf("failed to read latest reply: %w", err)
	}
	if latest.Valid && latest.Int64 > ts {
		ts = latest.Int64
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO reply_timestamps (account_id, sender, sent_at) VALUES (?, ?, ?)",
		s.accountID, sender, ts,
	); err != nil {
		return fmt.Errorf("failed to record reply: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tracked_senders (account_id, sender, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT (account_id, sender) DO UPDATE SET last_seen = excluded.last_seen`,
		s.accountID, sender, ts,
	); err != nil {
		return fmt.Errorf("failed to track sender: %w", err)
	}

	if err := s.evictSenders(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reply: %w", err)
	}
	return nil
}

func (s *AccountState) pruneReplies(ctx context.Context, tx *sqlx.Tx, sender string, now time.Time) error {
	cutoff := now.Add(-RateLimitWindow).UnixMilli()
	_, err := tx.ExecContext(ctx,
		"DELETE FROM reply_timestamps WHERE account_id = ? AND sender = ? AND sent_at <= ?",
		s.accountID, sender, cutoff,
	)
	if err != nil {
		return fmt.Errorf("failed to prune replies: %w", err)
	}
	return nil
}

func (s *AccountState) evictSenders(ctx context.Context, tx *sqlx.Tx) error {
	const stale = `SELECT sender FROM tracked_senders WHERE account_id = ?
		ORDER BY last_seen DESC, sender LIMIT -1 OFFSET ?`
	limit := positiveOr(s.MaxSenders, DefaultMaxSenders)

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM reply_timestamps WHERE account_id = ? AND sender IN ("+stale+")",
		s.accountID, s.accountID, limit,
	); err != nil {
		return fmt.Errorf("failed to evict sender replies: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM tracked_senders WHERE account_id = ? AND sender IN ("+stale+")",
		s.accountID, s.accountID, limit,
	); err != nil {
		return fmt.Errorf("failed to evict senders: %w", err)
	}
	return nil
}

// Watermark returns the stored watermark. ok is false before the first poll.
func (s *AccountState) Watermark(ctx context.Context) (Watermark, bool, error) {
	var w Watermark
	err := s.db.conn.GetContext(ctx, &w,
		"SELECT uid_validity, last_uid FROM account_state WHERE account_id = ?", s.accountID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return w, w.UIDValidity != 0, nil
}

func (s *AccountState) SetWatermark(ctx context.Context, w Watermark) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO account_state (account_id, uid_validity, last_uid) VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET uid_validity = excluded.uid_validity, last_uid = excluded.last_uid`,
		s.accountID, w.UIDValidity, w.LastUID,
	)
	if err != nil {
		return fmt.Errorf("failed to store watermark: %w", err)
	}
	return nil
}

// LastPoll returns the last successful poll time, or the zero time.
func (s *AccountState) LastPoll(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.conn.GetContext(ctx, &ms,
		"SELECT last_poll FROM account_state WHERE account_id = ?", s.accountID,
	)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ms.Valid) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last poll: %w", err)
	}
	return time.UnixMilli(ms.Int64), nil
}

func (s *AccountState) SetLastPoll(ctx context.Context, t time.Time) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO account_state (account_id, last_poll) VALUES (?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET last_poll = excluded.last_poll`,
		s.accountID, t.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store last poll: %w", err)
	}
	return nil
}

// Snapshot exports processed ids oldest first, the live rate-limit windows
// and the last poll time.
func (s *AccountState) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ProcessedIDs: []string{}, RateLimits: map[string][]int64{}}

	err := s.db.conn.SelectContext(ctx, &snap.ProcessedIDs,
		"SELECT message_id FROM processed_messages WHERE account_id = ? ORDER BY id",
		s.accountID,
	)
	if err != nil {
		return snap, fmt.Errorf("failed to read processed ids: %w", err)
	}

	var rows []struct {
		Sender string `db:"sender"`
		SentAt int64  `db:"sent_at"`
	}
	err = s.db.conn.SelectContext(ctx, &rows,
		`SELECT sender, sent_at FROM reply_timestamps
		 WHERE account_id = ? AND sent_at > ? ORDER BY sender, sent_at`,
		s.accountID, time.Now().Add(-RateLimitWindow).UnixMilli(),
	)
	if err != nil {
		return snap, fmt.Errorf("failed to read rate limits: %w", err)
	}
	for _, r := range rows {
		snap.RateLimits[r.Sender] = append(snap.RateLimits[r.Sender], r.SentAt)
	}

	last, err := s.LastPoll(ctx)
	if err != nil {
		return snap, err
	}
	if !last.IsZero() {
		ms := last.UnixMilli()
		snap.LastPollTime = &ms
	}
	return snap, nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
