// Package outbound holds the operator-initiated mail operations shared by the
// CLI and the HTTP API: explicit sends and pairing approval notices.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"inbox-responder/internal/config"
	"inbox-responder/internal/db"
	"inbox-responder/internal/mailer"
)

const (
	DefaultSubject  = "Message from inbox-responder"
	ApprovedSubject = "Pairing Approved"
	ApprovedText    = "Your email address has been approved. You can now send messages and receive replies."
)

var ErrDeliveryFailed = errors.New("delivery failed")

// Service sends mail on behalf of a configured account.
type Service struct {
	db     *db.DB
	logger *log.Logger

	// NewTransport builds the SMTP transport for resolved settings.
	NewTransport func(config.SMTPSettings) mailer.Transport
}

func New(database *db.DB, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		db:     database,
		logger: logger,
		NewTransport: func(s config.SMTPSettings) mailer.Transport {
			return mailer.NewSMTPTransport(s)
		},
	}
}

// Send delivers a new, unthreaded message. Invalid input is reported with
// config.ErrNotConfigured or mailer.ErrInvalidAddress; a rejected delivery
// with ErrDeliveryFailed alongside the result.
func (s *Service) Send(ctx context.Context, acct config.Account, to, subject, text string) (mailer.DeliveryResult, error) {
	if err := acct.Validate(); err != nil {
		return mailer.DeliveryResult{Error: err.Error()}, err
	}
	to = strings.TrimSpace(to)
	if err := mailer.ValidateAddress(to); err != nil {
		return mailer.DeliveryResult{Error: err.Error()}, err
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}

	res, err := s.deliver(ctx, acct, mailer.Email{
		From:      acct.Email,
		To:        to,
		Subject:   subject,
		Text:      text,
		Signature: acct.Signature,
	})
	if err != nil {
		return res, err
	}

	entry := db.ActionLog{AccountID: acct.ID, Sender: to, Subject: subject, MessageID: res.MessageID}
	if res.OK {
		entry.Action = db.ActionSent
		s.logger.Info("Sent message", "account", acct.ID, "to", to, "message_id", res.MessageID)
	} else {
		entry.Action, entry.Details = db.ActionReplyFailed, res.Error
		s.logger.Error("Send failed", "account", acct.ID, "to", to, "err", res.Error)
	}
	if err := s.db.LogAction(ctx, entry); err != nil {
		s.logger.Error("Failed to log action", "err", err)
	}

	if !res.OK {
		return res, fmt.Errorf("%w: %s", ErrDeliveryFailed, res.Error)
	}
	return res, nil
}

// ApprovePairing approves sender for the account and notifies them. The
// approval stands even when the notice cannot be delivered.
func (s *Service) ApprovePairing(ctx context.Context, acct config.Account, sender string) (mailer.DeliveryResult, error) {
	sender = config.NormalizeAddress(sender)
	if err := mailer.ValidateAddress(sender); err != nil {
		return mailer.DeliveryResult{Error: err.Error()}, err
	}

	if err := s.db.ApproveSender(ctx, acct.ID, sender); err != nil {
		return mailer.DeliveryResult{Error: err.Error()}, err
	}
	if err := s.db.LogAction(ctx, db.ActionLog{AccountID: acct.ID, Action: db.ActionApproved, Sender: sender}); err != nil {
		s.logger.Error("Failed to log action", "err", err)
	}
	s.logger.Info("Approved sender", "account", acct.ID, "sender", sender)

	if err := acct.Validate(); err != nil {
		s.logger.Warn("Approval notice not sent", "account", acct.ID, "err", err)
		return mailer.DeliveryResult{Error: err.Error()}, nil
	}

	res, err := s.deliver(ctx, acct, mailer.Email{
		From:      acct.Email,
		To:        sender,
		Subject:   ApprovedSubject,
		Text:      ApprovedText,
		Signature: acct.Signature,
	})
	if err != nil {
		s.logger.Warn("Approval notice not sent", "account", acct.ID, "err", err)
		return res, nil
	}
	if !res.OK {
		s.logger.Warn("Approval notice not delivered", "account", acct.ID, "sender", sender, "err", res.Error)
	}
	return res, nil
}

func (s *Service) deliver(ctx context.Context, acct config.Account, e mailer.Email) (mailer.DeliveryResult, error) {
	resolved, err := acct.ResolveSecrets(ctx)
	if err != nil {
		return mailer.DeliveryResult{Error: err.Error()}, err
	}
	return mailer.SendEmail(ctx, s.NewTransport(resolved.SMTP), e), nil
}
