package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"regexp"
	"strconv"
	"strings"
	"time"

	"inbox-responder/internal/config"
)

const (
	DefaultDialTimeout = 30 * time.Second
	// DefaultSessionTimeout bounds a whole SMTP conversation, greeting to QUIT.
	DefaultSessionTimeout = 2 * time.Minute
)

var (
	ErrInvalidAddress = errors.New("invalid email address")

	addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// DeliveryResult reports the outcome of a send. Error is empty when OK.
type DeliveryResult struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Transport hands a rendered message to a mail server.
type Transport interface {
	Deliver(ctx context.Context, from string, to []string, msg []byte) error
}

// ValidateAddress checks the shape of an explicit send target.
func ValidateAddress(addr string) error {
	if !addressPattern.MatchString(strings.TrimSpace(addr)) {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return nil
}

// SendEmail composes and delivers e. Failures are reported in the result,
// never returned or panicked.
func SendEmail(ctx context.Context, t Transport, e Email) (result DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			result = DeliveryResult{Error: fmt.Sprintf("send panicked: %v", r)}
		}
	}()

	if t == nil {
		return DeliveryResult{Error: "no transport configured"}
	}
	if err := ValidateAddress(e.To); err != nil {
		return DeliveryResult{Error: err.Error()}
	}

	id := NewMessageID(e.From)
	msg, err := Compose(e, id, time.Now())
	if err != nil {
		return DeliveryResult{Error: err.Error()}
	}

	if err := t.Deliver(ctx, e.From, []string{strings.TrimSpace(e.To)}, msg); err != nil {
		return DeliveryResult{Error: err.Error()}
	}
	return DeliveryResult{OK: true, MessageID: id}
}

// SMTPTransport delivers over implicit TLS, STARTTLS or plain SMTP.
type SMTPTransport struct {
	Host        string
	Port        int
	User        string
	Password    string
	TLS         bool
	StartTLS    bool
	DialTimeout time.Duration
	// SessionTimeout caps the conversation after the dial. An earlier ctx
	// deadline wins.
	SessionTimeout time.Duration
	TLSConfig      *tls.Config
}

func NewSMTPTransport(s config.SMTPSettings) *SMTPTransport {
	return &SMTPTransport{
		Host:           s.Host,
		Port:           s.Port,
		User:           s.User,
		Password:       s.Password,
		TLS:            s.TLS,
		StartTLS:       s.StartTLS,
		DialTimeout:    DefaultDialTimeout,
		SessionTimeout: DefaultSessionTimeout,
	}
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	if t.TLSConfig != nil {
		return t.TLSConfig
	}
	return &tls.Config{ServerName: t.Host}
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	if t.TLS {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: t.tlsConfig()}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("TLS dial to %s: %w", addr, err)
		}
		return conn, nil
	}

	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}
	return conn, nil
}

func (t *SMTPTransport) Deliver(ctx context.Context, from string, to []string, msg []byte) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	session := t.SessionTimeout
	if session <= 0 {
		session = DefaultSessionTimeout
	}
	deadline := time.Now().Add(session)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	// Cancellation expires the deadline so a blocked read or write returns.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if t.StartTLS && !t.TLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errors.New("SMTP server does not support STARTTLS")
		}
		if err := client.StartTLS(t.tlsConfig()); err != nil {
			return fmt.Errorf("SMTP STARTTLS: %w", err)
		}
	}

	if t.User != "" {
		ok, mechs := client.Extension("AUTH")
		if !ok {
			return errors.New("SMTP server does not support AUTH")
		}
		auth, err := chooseAuth(mechs, t.User, t.Password)
		if err != nil {
			return err
		}
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
