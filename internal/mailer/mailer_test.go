package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"inbox-responder/internal/config"
)

func TestBuildThreadInfo(t *testing.T) {
	info := BuildThreadInfo("m2", []string{"m1"})
	if info.InReplyTo != "m2" {
		t.Errorf("InReplyTo = %q, want m2", info.InReplyTo)
	}
	if got := strings.Join(info.References, ","); got != "m1,m2" {
		t.Errorf("References = %v, want [m1 m2]", info.References)
	}

	info = BuildThreadInfo("<m3@x>", []string{"<m1@x>", "m2@x", "m1@x", "m3@x"})
	if got := strings.Join(info.References, ","); got != "m1@x,m2@x,m3@x" {
		t.Errorf("References = %v, want deduplicated chain", info.References)
	}
	if info.MessageID != "m3@x" {
		t.Errorf("MessageID = %q", info.MessageID)
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct {
		subject, prefix, want string
	}{
		{"Hi", "Re: ", "Re: Hi"},
		{"Re: Hi", "Re: ", "Re: Hi"},
		{"RE: Hi", "Re: ", "RE: Hi"},
		{"re:Hi", "Re: ", "re:Hi"},
		{"Hi", "AW: ", "AW: Hi"},
		{"Hi", "", "Hi"},
		{"", "Re: ", "Re: "},
	}
	for _, tt := range tests {
		if got := ReplySubject(tt.subject, tt.prefix); got != tt.want {
			t.Errorf("ReplySubject(%q, %q) = %q, want %q", tt.subject, tt.prefix, got, tt.want)
		}
	}
}

func TestComposeHeaders(t *testing.T) {
	e := Email{
		From:      "bot@example.com",
		To:        "alice@example.org",
		Subject:   "Re: Question",
		Text:      "Thanks for writing.\n",
		Signature: "-- \nThe bot",
		Thread:    BuildThreadInfo("orig@example.org", []string{"root@example.org"}),
	}

	raw, err := Compose(e, "fresh@example.com", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := r.Header.MessageID(); id != "fresh@example.com" {
		t.Errorf("Message-ID = %q", id)
	}
	if ids, _ := r.Header.MsgIDList("In-Reply-To"); len(ids) != 1 || ids[0] != "orig@example.org" {
		t.Errorf("In-Reply-To = %v", ids)
	}
	if ids, _ := r.Header.MsgIDList("References"); strings.Join(ids, " ") != "root@example.org orig@example.org" {
		t.Errorf("References = %v", ids)
	}
	if subj, _ := r.Header.Subject(); subj != "Re: Question" {
		t.Errorf("Subject = %q", subj)
	}

	p, err := r.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(p.Body)
	if want := "Thanks for writing.\n\n-- \nThe bot"; string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestComposeWithoutThread(t *testing.T) {
	raw, err := Compose(Email{From: "a@x.com", To: "b@y.com", Subject: "Hello", Text: "hi"}, "id@x.com", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("In-Reply-To")) || bytes.Contains(raw, []byte("References")) {
		t.Errorf("threading headers must be absent:\n%s", raw)
	}
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("Bot@Example.com")
	if !strings.HasSuffix(id, "@Example.com") {
		t.Errorf("id %q should use the sender domain", id)
	}
	if NewMessageID("a@x.com") == NewMessageID("a@x.com") {
		t.Error("ids must be unique")
	}
	if id := NewMessageID("nodomain"); !strings.HasSuffix(id, "@localhost") {
		t.Errorf("id %q should fall back to localhost", id)
	}
}

func TestValidateAddress(t *testing.T) {
	valid := []string{"a@x.com", " user.name+tag@sub.example.org "}
	invalid := []string{"", "a@x", "a b@x.com", "@x.com", "a@.com.", "plain"}
	for _, a := range valid {
		if err := ValidateAddress(a); err != nil {
			t.Errorf("ValidateAddress(%q) = %v", a, err)
		}
	}
	for _, a := range invalid {
		if err := ValidateAddress(a); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ValidateAddress(%q) = %v, want ErrInvalidAddress", a, err)
		}
	}
}

type recordingTransport struct {
	from string
	to   []string
	msg  []byte
	err  error
	hits int
}

func (r *recordingTransport) Deliver(_ context.Context, from string, to []string, msg []byte) error {
	r.hits++
	r.from, r.to, r.msg = from, to, msg
	return r.err
}

type panickingTransport struct{}

func (panickingTransport) Deliver(context.Context, string, []string, []byte) error {
	panic("boom")
}

func TestSendEmail(t *testing.T) {
	ctx := context.Background()

	tr := &recordingTransport{}
	res := SendEmail(ctx, tr, Email{From: "bot@example.com", To: "a@x.com", Subject: "s", Text: "t"})
	if !res.OK || res.MessageID == "" || res.Error != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if tr.from != "bot@example.com" || len(tr.to) != 1 || tr.to[0] != "a@x.com" {
		t.Errorf("delivered envelope %s -> %v", tr.from, tr.to)
	}
	if !bytes.Contains(tr.msg, []byte(res.MessageID)) {
		t.Error("message must carry the reported Message-ID")
	}

	failing := &recordingTransport{err: errors.New("550 mailbox unavailable")}
	res = SendEmail(ctx, failing, Email{From: "bot@example.com", To: "a@x.com"})
	if res.OK || !strings.Contains(res.Error, "550") {
		t.Errorf("failed delivery result = %+v", res)
	}

	res = SendEmail(ctx, &recordingTransport{}, Email{From: "bot@example.com", To: "not-an-address"})
	if res.OK || res.Error == "" {
		t.Errorf("invalid target result = %+v", res)
	}

	res = SendEmail(ctx, panickingTransport{}, Email{From: "bot@example.com", To: "a@x.com"})
	if res.OK || !strings.Contains(res.Error, "boom") {
		t.Errorf("panicking transport result = %+v", res)
	}

	if res := SendEmail(ctx, nil, Email{To: "a@x.com"}); res.OK {
		t.Error("nil transport must fail")
	}
}

// fakeSMTP is a minimal SMTP peer that records one session.
type fakeSMTP struct {
	advertiseAuth bool
	rejectRcpt    bool

	mu       sync.Mutex
	authLine string
	from     string
	rcpts    []string
	data     []byte
}

func (f *fakeSMTP) serve(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f.session(textproto.NewConn(conn))
	}()
	return l.Addr().String()
}

func (f *fakeSMTP) session(tp *textproto.Conn) {
	tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		upper := strings.ToUpper(line)
		f.mu.Lock()
		switch {
		case strings.HasPrefix(upper, "EHLO"):
			if f.advertiseAuth {
				tp.PrintfLine("250-fake")
				tp.PrintfLine("250 AUTH LOGIN PLAIN")
			} else {
				tp.PrintfLine("250 fake")
			}
		case strings.HasPrefix(upper, "AUTH PLAIN "):
			f.authLine = line[len("AUTH PLAIN "):]
			tp.PrintfLine("235 authenticated")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			f.from = line[len("MAIL FROM:"):]
			tp.PrintfLine("250 ok")
		case strings.HasPrefix(upper, "RCPT TO:"):
			if f.rejectRcpt {
				tp.PrintfLine("550 no such user")
				break
			}
			f.rcpts = append(f.rcpts, line[len("RCPT TO:"):])
			tp.PrintfLine("250 ok")
		case upper == "DATA":
			tp.PrintfLine("354 go ahead")
			f.mu.Unlock()
			data, _ := tp.ReadDotBytes()
			f.mu.Lock()
			f.data = data
			tp.PrintfLine("250 queued")
		case upper == "QUIT":
			tp.PrintfLine("221 bye")
			f.mu.Unlock()
			return
		default:
			tp.PrintfLine("502 not implemented")
		}
		f.mu.Unlock()
	}
}

func transportFor(t *testing.T, addr string) *SMTPTransport {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return NewSMTPTransport(config.SMTPSettings{Host: host, Port: p})
}

func TestSMTPTransportPlain(t *testing.T) {
	srv := &fakeSMTP{}
	tr := transportFor(t, srv.serve(t))

	msg := []byte("Subject: hi\r\n\r\nhello\r\n")
	if err := tr.Deliver(context.Background(), "bot@example.com", []string{"a@x.com"}, msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.from != "<bot@example.com>" {
		t.Errorf("MAIL FROM = %q", srv.from)
	}
	if len(srv.rcpts) != 1 || srv.rcpts[0] != "<a@x.com>" {
		t.Errorf("RCPT TO = %v", srv.rcpts)
	}
	if !strings.Contains(string(srv.data), "hello") {
		t.Errorf("DATA = %q", srv.data)
	}
}

func TestSMTPTransportAuthPlain(t *testing.T) {
	srv := &fakeSMTP{advertiseAuth: true}
	tr := transportFor(t, srv.serve(t))
	tr.User, tr.Password = "bot@example.com", "s3cret"

	if err := tr.Deliver(context.Background(), "bot@example.com", []string{"a@x.com"}, []byte("x\r\n")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	decoded, err := base64.StdEncoding.DecodeString(srv.authLine)
	if err != nil {
		t.Fatalf("AUTH PLAIN payload %q: %v", srv.authLine, err)
	}
	if string(decoded) != "\x00bot@example.com\x00s3cret" {
		t.Errorf("AUTH PLAIN payload = %q", decoded)
	}
}

func TestSMTPTransportRejectedRecipient(t *testing.T) {
	srv := &fakeSMTP{rejectRcpt: true}
	tr := transportFor(t, srv.serve(t))

	err := tr.Deliver(context.Background(), "bot@example.com", []string{"ghost@x.com"}, []byte("x\r\n"))
	if err == nil || !strings.Contains(err.Error(), "550") {
		t.Fatalf("Deliver = %v, want rejected recipient", err)
	}
}

func TestSMTPTransportStartTLSUnsupported(t *testing.T) {
	srv := &fakeSMTP{}
	tr := transportFor(t, srv.serve(t))
	tr.StartTLS = true

	if err := tr.Deliver(context.Background(), "a@x.com", []string{"b@x.com"}, nil); err == nil {
		t.Fatal("expected STARTTLS error")
	}
}

func TestChooseAuth(t *testing.T) {
	if _, err := chooseAuth("CRAM-MD5 XOAUTH2", "u", "p"); err == nil {
		t.Error("expected error without PLAIN or LOGIN")
	}
	auth, err := chooseAuth("login", "u", "p")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := auth.Start(&smtp.ServerInfo{Name: "mail.example.com"}); err == nil {
		t.Error("auth over plaintext to a remote host must be refused")
	}
}

// silentServer accepts connections and never writes a greeting.
func silentServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return l.Addr().String()
}

func TestSMTPTransportSilentServerTimesOut(t *testing.T) {
	tr := transportFor(t, silentServer(t))
	tr.DialTimeout = time.Second
	tr.SessionTimeout = 200 * time.Millisecond

	done := make(chan DeliveryResult, 1)
	go func() {
		done <- SendEmail(context.WithoutCancel(context.Background()), tr, Email{
			From: "bot@example.com", To: "a@example.com", Subject: "hi", Text: "hello",
		})
	}()

	select {
	case res := <-done:
		if res.OK || res.Error == "" {
			t.Fatalf("result = %+v, want a timeout failure", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delivery still blocked on a server that never greets")
	}
}

func TestSMTPTransportCancelUnblocksSession(t *testing.T) {
	tr := transportFor(t, silentServer(t))
	tr.SessionTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Deliver(ctx, "bot@example.com", []string{"a@example.com"}, []byte("x\r\n"))
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Deliver succeeded against a silent server")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not unblock the SMTP session")
	}
}
