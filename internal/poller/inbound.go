package poller

import (
	"context"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"inbox-responder/internal/imap"
	"inbox-responder/internal/mailer"
	"inbox-responder/internal/status"
)

// Inbound is the normalized context handed to the processor for one admitted
// message.
type Inbound struct {
	AccountID string   `json:"accountId"`
	MessageID string   `json:"messageId"`
	From      string   `json:"from"`
	FromName  string   `json:"fromName"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`

	Message *imap.ParsedMessage `json:"-"`

	mu      sync.Mutex
	replied bool
	send    func(ctx context.Context, text string) mailer.DeliveryResult
}

// Reply threads text under the inbound message and sends it. Only the first
// non-empty reply is delivered.
func (in *Inbound) Reply(ctx context.Context, text string) mailer.DeliveryResult {
	if strings.TrimSpace(text) == "" {
		return mailer.DeliveryResult{Error: "empty reply"}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.replied {
		return mailer.DeliveryResult{Error: "reply already sent for " + in.MessageID}
	}
	in.replied = true

	if in.send == nil {
		return mailer.DeliveryResult{Error: "reply not available"}
	}
	return in.send(ctx, text)
}

// OnReply sets the function that delivers the reply and returns in.
func (in *Inbound) OnReply(send func(ctx context.Context, text string) mailer.DeliveryResult) *Inbound {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.send = send
	return in
}

// Replied reports whether Reply was attempted.
func (in *Inbound) Replied() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.replied
}

// Processor turns an inbound message into zero or one reply.
type Processor interface {
	Process(ctx context.Context, in *Inbound) error
}

type ProcessorFunc func(ctx context.Context, in *Inbound) error

func (f ProcessorFunc) Process(ctx context.Context, in *Inbound) error {
	return f(ctx, in)
}

// PairingHandler is told about senders waiting for approval.
type PairingHandler interface {
	RequestPairing(ctx context.Context, accountID, sender string, msg *imap.ParsedMessage) error
}

// LogPairing reports pairing requests in the log with the approve command.
type LogPairing struct {
	Logger *log.Logger
}

func (l LogPairing) RequestPairing(_ context.Context, accountID, sender string, msg *imap.ParsedMessage) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Info("sender awaiting pairing approval",
		"account", accountID,
		"sender", sender,
		"subject", msg.Subject,
		"approve", "inbox-responder pairing approve --account "+accountID+" "+sender,
	)
	return nil
}

// Deps are the collaborators shared by every poller.
type Deps struct {
	Processor Processor
	Status    status.Sink
	Pairing   PairingHandler
	Logger    *log.Logger
}
