package mailer

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Email is one outbound plain-text message.
type Email struct {
	From      string
	To        string
	Subject   string
	Text      string
	Thread    *ThreadInfo
	Signature string
}

// Body returns the text with the signature appended after a blank line.
func (e Email) Body() string {
	sig := strings.TrimSpace(e.Signature)
	if sig == "" {
		return e.Text
	}
	return strings.TrimRight(e.Text, "\r\n") + "\n\n" + sig
}

// NewMessageID returns a fresh id on the sender's domain, without brackets.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

// Compose renders e as an RFC 5322 message with the given Message-ID.
func Compose(e Email, messageID string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: e.From}})
	h.SetAddressList("To", []*mail.Address{{Address: e.To}})
	h.SetSubject(e.Subject)
	h.SetMessageID(messageID)
	if e.Thread != nil {
		if e.Thread.InReplyTo != "" {
			h.SetMsgIDList("In-Reply-To", []string{e.Thread.InReplyTo})
		}
		if len(e.Thread.References) > 0 {
			h.SetMsgIDList("References", e.Thread.References)
		}
	}
	h.Set("MIME-Version", "1.0")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, e.Body()); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}
