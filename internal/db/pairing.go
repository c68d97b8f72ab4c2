package db

import (
	"context"
	"fmt"
	"time"
)

// Pairing operations

// AddPairingRequest records a pending request and reports whether the sender
// was not already waiting.
func (db *DB) AddPairingRequest(ctx context.Context, req PairingRequest) (bool, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	res, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO pairing_requests (account_id, sender, subject, message_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		req.AccountID, req.Sender, req.Subject, req.MessageID, req.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to add pairing request: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) GetPairingRequests(ctx context.Context, accountID string) ([]PairingRequest, error) {
	var reqs []PairingRequest
	err := db.conn.SelectContext(ctx, &reqs,
		`SELECT id, account_id, sender, subject, message_id, created_at
		 FROM pairing_requests WHERE account_id = ? ORDER BY created_at, id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairing requests: %w", err)
	}
	return reqs, nil
}

// ApproveSender moves sender from pending to approved. Approving a sender
// that never asked is allowed.
func (db *DB) ApproveSender(ctx context.Context, accountID, sender string) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pairing_requests WHERE account_id = ? AND sender = ?",
		accountID, sender,
	); err != nil {
		return fmt.Errorf("failed to clear pairing request: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO approved_senders (account_id, sender, created_at) VALUES (?, ?, ?)",
		accountID, sender, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to approve sender: %w", err)
	}

	return tx.Commit()
}

func (db *DB) RemoveApprovedSender(ctx context.Context, accountID, sender string) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM approved_senders WHERE account_id = ? AND sender = ?",
		accountID, sender,
	)
	if err != nil {
		return fmt.Errorf("failed to remove approved sender: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approved sender %s: %w", sender, ErrNotFound)
	}
	return nil
}

func (db *DB) IsApproved(ctx context.Context, accountID, sender string) (bool, error) {
	var count int
	err := db.conn.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM approved_senders WHERE account_id = ? AND sender = ?",
		accountID, sender,
	)
	return count > 0, err
}

func (db *DB) GetApprovedSenders(ctx context.Context, accountID string) ([]ApprovedSender, error) {
	var senders []ApprovedSender
	err := db.conn.SelectContext(ctx, &senders,
		`SELECT id, account_id, sender, created_at
		 FROM approved_senders WHERE account_id = ? ORDER BY created_at DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query approved senders: %w", err)
	}
	return senders, nil
}
