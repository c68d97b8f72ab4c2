package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"inbox-responder/internal/config"
	"inbox-responder/internal/db"
	"inbox-responder/internal/filter"
	"inbox-responder/internal/imap"
	"inbox-responder/internal/mailer"
	"inbox-responder/internal/status"
)

const (
	// DefaultFetchLimit bounds how many messages one cycle handles.
	DefaultFetchLimit = 50

	// replyTimeout caps one delivery. Shutdown does not interrupt a delivery,
	// so this is also the longest a stop can wait on one.
	replyTimeout = mailer.DefaultDialTimeout + mailer.DefaultSessionTimeout
)

// Mailbox is the IMAP surface a poller needs.
type Mailbox interface {
	Select(ctx context.Context, folder string) (imap.Mailbox, error)
	FetchAfter(ctx context.Context, lastUID uint32, limit int) ([]imap.RawMessage, error)
	FetchSince(ctx context.Context, since time.Time, limit int) ([]imap.RawMessage, error)
	Close() error
}

type DialFunc func(ctx context.Context, s config.IMAPSettings) (Mailbox, error)

// DialIMAP connects with the real IMAP client.
func DialIMAP(ctx context.Context, s config.IMAPSettings) (Mailbox, error) {
	return imap.Dial(ctx, s)
}

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StatePolling
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePolling:
		return "polling"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Poller watches one account's folder and answers admitted mail.
type Poller struct {
	account config.Account
	db      *db.DB
	state   *db.AccountState
	deps    Deps
	logger  *log.Logger

	// Overridable collaborators, set to production values by New.
	Dial       DialFunc
	Transport  mailer.Transport
	Backoff    *Backoff
	Now        func() time.Time
	FetchLimit int

	current atomic.Int32
}

func New(acct config.Account, database *db.DB, deps Deps) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		account:    acct,
		db:         database,
		state:      database.AccountState(acct.ID),
		deps:       deps,
		logger:     logger.WithPrefix(acct.ID),
		Dial:       DialIMAP,
		Backoff:    NewBackoff(),
		Now:        time.Now,
		FetchLimit: DefaultFetchLimit,
	}
}

func (p *Poller) State() State {
	return State(p.current.Load())
}

func (p *Poller) setState(s State) {
	p.current.Store(int32(s))
}

func (p *Poller) report(patch status.Patch) {
	if p.deps.Status == nil {
		return
	}
	patch.AccountID = p.account.ID
	p.deps.Status.SetStatus(patch)
}

// Run connects, polls on the account interval and reconnects with backoff
// until ctx is cancelled. It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting poller", "email", p.account.Email, "folder", p.account.Folder, "interval", p.account.PollInterval)
	p.report(status.Patch{
		Email:       status.String(p.account.Email),
		Running:     status.Bool(true),
		LastStartAt: status.Time(p.Now()),
	})
	defer func() {
		p.setState(StateStopped)
		p.report(status.Patch{
			Running:    status.Bool(false),
			Connected:  status.Bool(false),
			LastStopAt: status.Time(p.Now()),
		})
		p.logger.Info("Poller stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := p.connectAndPoll(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := p.Backoff.Next()
		if IsAuthError(err) {
			p.logger.Error("Login rejected, check credentials", "err", err, "retry_in", delay.Round(time.Millisecond))
		} else {
			p.logger.Warn("Mailbox session failed, reconnecting", "err", err, "retry_in", delay.Round(time.Millisecond))
		}
		p.report(status.Patch{Connected: status.Bool(false), LastError: status.Error(err)})

		p.setState(StateSleeping)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (p *Poller) connectAndPoll(ctx context.Context) error {
	p.setState(StateConnecting)

	acct, err := p.account.ResolveSecrets(ctx)
	if err != nil {
		return err
	}

	mb, err := p.Dial(ctx, acct.IMAP)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", acct.IMAP.Host, err)
	}
	defer mb.Close()

	transport := p.Transport
	if transport == nil {
		transport = mailer.NewSMTPTransport(acct.SMTP)
	}

	p.logger.Info("Connected", "host", acct.IMAP.Host)
	p.report(status.Patch{Connected: status.Bool(true), LastError: status.Error(nil)})

	for {
		p.setState(StatePolling)
		if err := p.PollOnce(ctx, mb, transport); err != nil {
			return err
		}
		p.Backoff.Reset()

		p.setState(StateSleeping)
		if !sleep(ctx, p.account.PollInterval) {
			return ctx.Err()
		}
	}
}

// PollOnce runs a single cycle: select, fetch past the watermark, handle each
// message and advance the watermark. Only mailbox and store failures are
// returned; per-message problems are logged.
func (p *Poller) PollOnce(ctx context.Context, mb Mailbox, transport mailer.Transport) error {
	box, err := mb.Select(ctx, p.account.Folder)
	if err != nil {
		return err
	}

	wm, ok, err := p.state.Watermark(ctx)
	if err != nil {
		return err
	}

	limit := p.FetchLimit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}

	var msgs []imap.RawMessage
	switch {
	case ok && wm.UIDValidity == box.UIDValidity:
		msgs, err = mb.FetchAfter(ctx, wm.LastUID, limit)
		if err != nil {
			return err
		}

	default:
		if ok {
			p.logger.Warn("UIDVALIDITY changed, falling back to date search", "old", wm.UIDValidity, "new", box.UIDValidity)
		}
		lastPoll, err := p.state.LastPoll(ctx)
		if err != nil {
			return err
		}

		baseline := db.Watermark{UIDValidity: box.UIDValidity}
		if box.UIDNext > 0 {
			baseline.LastUID = box.UIDNext - 1
		}

		if lastPoll.IsZero() {
			// First run: only mail arriving from now on is answered.
			p.logger.Info("No poll history, starting from current mailbox end", "uid", baseline.LastUID)
			wm = baseline
		} else {
			msgs, err = mb.FetchSince(ctx, lastPoll, limit)
			if err != nil {
				return err
			}
			if len(msgs) < limit {
				wm = baseline
			} else {
				wm = db.Watermark{UIDValidity: box.UIDValidity}
			}
		}
	}

	var cancelled error
	for _, raw := range msgs {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		if err := p.handle(ctx, raw, transport); err != nil {
			return err
		}
		if raw.UID > wm.LastUID {
			wm.LastUID = raw.UID
		}
	}

	// Persist progress even when cancelled between messages.
	persist := context.WithoutCancel(ctx)
	if err := p.state.SetWatermark(persist, wm); err != nil {
		return err
	}
	now := p.Now()
	if err := p.state.SetLastPoll(persist, now); err != nil {
		return err
	}
	p.report(status.Patch{LastPollAt: &now})

	if len(msgs) > 0 {
		p.logger.Debug("Poll cycle complete", "messages", len(msgs), "last_uid", wm.LastUID)
	}
	return cancelled
}

// handle runs one message through parse, filter, dedup and rate limiting and
// hands admitted mail to the processor.
func (p *Poller) handle(ctx context.Context, raw imap.RawMessage, transport mailer.Transport) error {
	msg, err := imap.Parse(raw)
	if err != nil {
		p.logger.Warn("Skipping unparseable message", "uid", raw.UID, "err", err)
		p.logAction(ctx, db.ActionLog{Action: db.ActionParseFailed, Details: fmt.Sprintf("uid %d: %v", raw.UID, err)})
		return nil
	}

	var lookupErr error
	policy := filter.PolicyFor(p.account)
	policy.Approved = func(sender string) bool {
		ok, err := p.db.IsApproved(ctx, p.account.ID, sender)
		if err != nil {
			lookupErr = fmt.Errorf("failed to check approved senders: %w", err)
			return false
		}
		return ok
	}

	verdict := filter.Evaluate(filter.Message{From: msg.From, Headers: msg.Headers}, policy)
	if lookupErr != nil {
		return lookupErr
	}
	entry := db.ActionLog{Sender: msg.From, Subject: msg.Subject, MessageID: msg.MessageID}

	switch verdict.Decision {
	case filter.Reject:
		p.logger.Debug("Rejected", "from", msg.From, "reason", verdict.Reason)
		entry.Action, entry.Details = db.ActionRejected, verdict.Reason
		p.logAction(ctx, entry)
		return nil

	case filter.NeedsPairing:
		isNew, err := p.state.MarkIfNew(ctx, msg.MessageID)
		if err != nil || !isNew {
			return err
		}
		created, err := p.db.AddPairingRequest(ctx, db.PairingRequest{
			AccountID: p.account.ID,
			Sender:    msg.From,
			Subject:   msg.Subject,
			MessageID: msg.MessageID,
		})
		if err != nil {
			return err
		}
		entry.Action, entry.Details = db.ActionPairingRequested, verdict.Reason
		p.logAction(ctx, entry)
		if created && p.deps.Pairing != nil {
			if err := p.deps.Pairing.RequestPairing(ctx, p.account.ID, msg.From, msg); err != nil {
				p.logger.Error("Pairing handler failed", "from", msg.From, "err", err)
			}
		}
		return nil
	}

	isNew, err := p.state.MarkIfNew(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if !isNew {
		p.logger.Debug("Duplicate message", "message_id", msg.MessageID)
		entry.Action = db.ActionDuplicate
		p.logAction(ctx, entry)
		return nil
	}

	allowed, err := p.state.AllowReply(ctx, msg.From, p.Now(), p.account.MaxRepliesPerHour)
	if err != nil {
		return err
	}
	if !allowed {
		p.logger.Info("Rate limit reached, not replying", "from", msg.From)
		entry.Action, entry.Details = db.ActionRateLimited, "rate limit"
		p.logAction(ctx, entry)
		return nil
	}

	p.logger.Info("Admitted", "from", msg.From, "subject", msg.Subject)
	entry.Action = db.ActionAdmitted
	p.logAction(ctx, entry)
	p.report(status.Patch{LastInboundAt: status.Time(p.Now())})

	if p.deps.Processor == nil {
		p.logger.Warn("No processor configured, message left unanswered", "message_id", msg.MessageID)
		return nil
	}

	var storeErr error
	in := p.inbound(msg).OnReply(func(ctx context.Context, text string) mailer.DeliveryResult {
		res, err := p.reply(ctx, msg, text, transport)
		storeErr = err
		return res
	})

	if err := p.deps.Processor.Process(ctx, in); err != nil {
		p.logger.Error("Processor failed", "message_id", msg.MessageID, "err", err)
	}
	return storeErr
}

func (p *Poller) inbound(msg *imap.ParsedMessage) *Inbound {
	body := msg.Text
	if msg.Subject != "" {
		body = "Subject: " + msg.Subject + "\n\n" + msg.Text
	}
	return &Inbound{
		AccountID: p.account.ID,
		MessageID: msg.MessageID,
		From:      msg.From,
		FromName:  msg.FromName,
		To:        msg.To,
		Subject:   msg.Subject,
		Body:      body,
		Message:   msg,
	}
}

// reply records the attempt against the sender's budget, then delivers a
// threaded response. A started delivery is not interrupted by cancellation.
func (p *Poller) reply(ctx context.Context, msg *imap.ParsedMessage, text string, transport mailer.Transport) (mailer.DeliveryResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()

	if err := p.state.RecordReply(ctx, msg.From, p.Now()); err != nil {
		return mailer.DeliveryResult{Error: err.Error()}, err
	}

	res := mailer.SendEmail(ctx, transport, mailer.Email{
		From:      p.account.Email,
		To:        msg.From,
		Subject:   mailer.ReplySubject(msg.Subject, p.account.ReplyPrefix),
		Text:      text,
		Thread:    mailer.BuildThreadInfo(msg.MessageID, msg.References),
		Signature: p.account.Signature,
	})

	entry := db.ActionLog{Sender: msg.From, Subject: msg.Subject, MessageID: msg.MessageID}
	if res.OK {
		p.logger.Info("Replied", "to", msg.From, "message_id", res.MessageID)
		entry.Action, entry.Details = db.ActionReplied, res.MessageID
		p.report(status.Patch{LastOutboundAt: status.Time(p.Now())})
	} else {
		p.logger.Error("Reply failed", "to", msg.From, "err", res.Error)
		entry.Action, entry.Details = db.ActionReplyFailed, res.Error
		p.report(status.Patch{LastError: status.String(res.Error)})
	}
	p.logAction(ctx, entry)
	return res, nil
}

func (p *Poller) logAction(ctx context.Context, entry db.ActionLog) {
	entry.AccountID = p.account.ID
	if err := p.db.LogAction(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Error("Failed to log action", "action", entry.Action, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// IsAuthError reports whether err looks like a credential rejection.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, config.ErrNotConfigured) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "authenticationfailed") || strings.Contains(s, "invalid credentials")
}
