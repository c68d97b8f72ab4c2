package db

import "time"

type ActionLog struct {
	ID        int64     `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Action    string    `db:"action" json:"action"`
	Sender    string    `db:"sender" json:"sender"`
	Subject   string    `db:"subject" json:"subject"`
	MessageID string    `db:"message_id" json:"message_id"`
	Details   string    `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type PairingRequest struct {
	ID        int64     `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Sender    string    `db:"sender" json:"sender"`
	Subject   string    `db:"subject" json:"subject"`
	MessageID string    `db:"message_id" json:"message_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type ApprovedSender struct {
	ID        int64     `db:"id" json:"id"`
	AccountID string    `db:"account_id" json:"account_id"`
	Sender    string    `db:"sender" json:"sender"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Snapshot is the persisted state of one account in its portable layout.
type Snapshot struct {
	ProcessedIDs []string           `json:"processedIds" yaml:"processed_ids"`
	RateLimits   map[string][]int64 `json:"rateLimits" yaml:"rate_limits"`
	LastPollTime *int64             `json:"lastPollTime,omitempty" yaml:"last_poll_time,omitempty"`
}

// Watermark is the highest UID seen in a mailbox, valid only while the
// mailbox UIDVALIDITY is unchanged.
type Watermark struct {
	UIDValidity uint32 `db:"uid_validity"`
	LastUID     uint32 `db:"last_uid"`
}

const (
	ActionAdmitted         = "admitted"
	ActionRejected         = "rejected"
	ActionDuplicate        = "duplicate"
	ActionRateLimited      = "rate_limited"
	ActionPairingRequested = "pairing_requested"
	ActionReplied          = "replied"
	ActionReplyFailed      = "reply_failed"
	ActionParseFailed      = "parse_failed"
	ActionSent             = "sent"
	ActionApproved         = "approved"
)
