package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"inbox-responder/internal/config"
	"inbox-responder/internal/db"
	"inbox-responder/internal/mailer"
	"inbox-responder/internal/outbound"
	"inbox-responder/internal/status"
)

type stubTransport struct {
	sent int
	err  error
}

func (s *stubTransport) Deliver(context.Context, string, []string, []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent++
	return nil
}

const testToken = "t0ken"

type fixture struct {
	handler   http.Handler
	db        *db.DB
	registry  *status.Registry
	transport *stubTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("WEB_TEST_PASSWORD", "hunter2")

	database, err := db.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		Email: config.EmailSection{
			Accounts: map[string]config.AccountConfig{
				"support": {
					Provider:     "fastmail",
					IMAPUser:     "support@example.org",
					IMAPPassword: "env:WEB_TEST_PASSWORD",
					DMPolicy:     "pairing",
				},
			},
		},
	}

	transport := &stubTransport{}
	svc := outbound.New(database, log.New(io.Discard))
	svc.NewTransport = func(config.SMTPSettings) mailer.Transport { return transport }

	registry := status.NewRegistry()
	srv, err := NewServer(Options{
		DB:       database,
		Status:   registry,
		Outbound: svc,
		Config:   func() *config.Config { return cfg },
		Token:    testToken,
		Version:  "test",
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &fixture{handler: srv.Handler(), db: database, registry: registry, transport: transport}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	var list []status.Snapshot
	rec := f.do(t, "GET", "/status", "")
	decode(t, rec, &list)
	if len(list) != 1 || list[0].AccountID != "support" || list[0].Running {
		t.Fatalf("status before start = %+v", list)
	}

	f.registry.SetStatus(status.Patch{AccountID: "support", Running: status.Bool(true), LastError: status.String("auth failed")})

	var snap status.Snapshot
	rec = f.do(t, "GET", "/status/support", "")
	decode(t, rec, &snap)
	if !snap.Running || snap.LastError != "auth failed" {
		t.Errorf("snapshot = %+v", snap)
	}

	if rec := f.do(t, "GET", "/status/nobody", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown account = %d", rec.Code)
	}
}

func TestLogPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if err := f.db.LogAction(ctx, db.ActionLog{AccountID: "support", Action: db.ActionRejected, Sender: fmt.Sprintf("s%d@example.com", i)}); err != nil {
			t.Fatal(err)
		}
	}

	var page struct {
		Logs       []db.ActionLog `json:"logs"`
		Page       int            `json:"page"`
		TotalPages int            `json:"total_pages"`
		Total      int            `json:"total"`
	}
	decode(t, f.do(t, "GET", "/accounts/support/log?page=2", ""), &page)
	if page.Page != 2 || page.TotalPages != 2 || page.Total != 60 || len(page.Logs) != 10 {
		t.Errorf("page = %d/%d total %d, %d rows", page.Page, page.TotalPages, page.Total, len(page.Logs))
	}

	decode(t, f.do(t, "GET", "/accounts/support/log?page=bogus", ""), &page)
	if page.Page != 1 || len(page.Logs) != 50 {
		t.Errorf("bad page param should fall back to page 1, got %d with %d rows", page.Page, len(page.Logs))
	}
}

func TestPairingFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.db.AddPairingRequest(ctx, db.PairingRequest{AccountID: "support", Sender: "carol@example.com", Subject: "hi"}); err != nil {
		t.Fatal(err)
	}

	var listing struct {
		DMPolicy string              `json:"dm_policy"`
		Pending  []db.PairingRequest `json:"pending"`
		Approved []db.ApprovedSender `json:"approved"`
	}
	decode(t, f.do(t, "GET", "/accounts/support/pairing", ""), &listing)
	if listing.DMPolicy != "pairing" || len(listing.Pending) != 1 || len(listing.Approved) != 0 {
		t.Fatalf("listing = %+v", listing)
	}

	rec := f.do(t, "POST", "/accounts/support/pairing/approve", `{"sender":"Carol@Example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d %s", rec.Code, rec.Body.String())
	}
	if f.transport.sent != 1 {
		t.Errorf("approval notices sent = %d", f.transport.sent)
	}

	decode(t, f.do(t, "GET", "/accounts/support/pairing", ""), &listing)
	if len(listing.Pending) != 0 || len(listing.Approved) != 1 || listing.Approved[0].Sender != "carol@example.com" {
		t.Fatalf("after approve = %+v", listing)
	}

	if rec := f.do(t, "DELETE", "/accounts/support/pairing/carol@example.com", ""); rec.Code != http.StatusNoContent {
		t.Errorf("revoke = %d", rec.Code)
	}
	if rec := f.do(t, "DELETE", "/accounts/support/pairing/carol@example.com", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second revoke = %d", rec.Code)
	}

	if rec := f.do(t, "POST", "/accounts/support/pairing/approve", `{"sender":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty sender = %d", rec.Code)
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/accounts/support/send", `{"to":"bob@example.com","subject":"Hello","text":"Hi Bob"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send = %d %s", rec.Code, rec.Body.String())
	}
	var res mailer.DeliveryResult
	decode(t, rec, &res)
	if !res.OK || res.MessageID == "" || f.transport.sent != 1 {
		t.Errorf("result = %+v, sent %d", res, f.transport.sent)
	}

	if rec := f.do(t, "POST", "/accounts/support/send", `{"to":"bob"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid address = %d", rec.Code)
	}
	if rec := f.do(t, "POST", "/accounts/support/send", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body = %d", rec.Code)
	}

	f.transport.err = errors.New("451 greylisted")
	rec = f.do(t, "POST", "/accounts/support/send", `{"to":"bob@example.com","text":"again"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed delivery = %d", rec.Code)
	}
	decode(t, rec, &res)
	if res.OK || !strings.Contains(res.Error, "451") {
		t.Errorf("failure result = %+v", res)
	}
}

func TestIndexRenders(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("index = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "support") || !strings.Contains(body, "never") {
		t.Errorf("index body missing account row:\n%s", body)
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	routes := []struct{ method, path, body string }{
		{"POST", "/accounts/support/send", `{"to":"bob@example.com","text":"hi"}`},
		{"POST", "/accounts/support/pairing/approve", `{"sender":"carol@example.com"}`},
		{"DELETE", "/accounts/support/pairing/carol@example.com", ""},
	}
	for _, rt := range routes {
		for _, auth := range []string{"", "Bearer wrong", testToken} {
			req := httptest.NewRequest(rt.method, rt.path, strings.NewReader(rt.body))
			req.RemoteAddr = "127.0.0.1:40000"
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("%s %s with %q = %d, want 401", rt.method, rt.path, auth, rec.Code)
			}
		}
	}
	if f.transport.sent != 0 {
		t.Errorf("unauthorized requests sent %d messages", f.transport.sent)
	}

	if rec := f.do(t, "GET", "/accounts/support/pairing", ""); rec.Code != http.StatusOK {
		t.Errorf("read-only route = %d", rec.Code)
	}
}

func TestMutatingRoutesLoopbackOnlyWithoutToken(t *testing.T) {
	t.Setenv("WEB_TEST_PASSWORD", "hunter2")
	database, err := db.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{Email: config.EmailSection{Accounts: map[string]config.AccountConfig{
		"support": {Provider: "fastmail", IMAPUser: "support@example.org", IMAPPassword: "env:WEB_TEST_PASSWORD"},
	}}}
	transport := &stubTransport{}
	svc := outbound.New(database, log.New(io.Discard))
	svc.NewTransport = func(config.SMTPSettings) mailer.Transport { return transport }

	srv, err := NewServer(Options{
		DB:       database,
		Status:   status.NewRegistry(),
		Outbound: svc,
		Config:   func() *config.Config { return cfg },
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := srv.Handler()

	send := func(remote string) int {
		req := httptest.NewRequest("POST", "/accounts/support/send", strings.NewReader(`{"to":"bob@example.com","text":"hi"}`))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("203.0.113.7:5555"); code != http.StatusUnauthorized {
		t.Errorf("remote client = %d, want 401", code)
	}
	if code := send("127.0.0.1:5555"); code != http.StatusOK {
		t.Errorf("loopback client = %d, want 200", code)
	}
	if code := send("[::1]:5555"); code != http.StatusOK {
		t.Errorf("ipv6 loopback client = %d, want 200", code)
	}
	if transport.sent != 2 {
		t.Errorf("sent = %d, want 2", transport.sent)
	}
}

func TestAddrDefaultsToLoopback(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{"", "127.0.0.1:8080"},
		{"0.0.0.0", "0.0.0.0:8080"},
		{"::1", "[::1]:8080"},
	}
	for _, tt := range tests {
		srv, err := NewServer(Options{Bind: tt.bind, Port: 8080, Logger: log.New(io.Discard)})
		if err != nil {
			t.Fatal(err)
		}
		if got := srv.Addr(); got != tt.want {
			t.Errorf("Addr() with bind %q = %q, want %q", tt.bind, got, tt.want)
		}
	}
}
