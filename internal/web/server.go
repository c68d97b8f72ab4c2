package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"inbox-responder/internal/config"
	"inbox-responder/internal/db"
	"inbox-responder/internal/mailer"
	"inbox-responder/internal/outbound"
	"inbox-responder/internal/status"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	logPageSize = 50

	// DefaultBind keeps the admin surface on the local machine unless configured otherwise.
	DefaultBind = "127.0.0.1"
)

type Server struct {
	db       *db.DB
	status   *status.Registry
	outbound *outbound.Service
	config   func() *config.Config
	bind     string
	port     int
	token    string
	grace    time.Duration
	version  string
	logger   *log.Logger
	tmpl     *template.Template
}

type Options struct {
	DB       *db.DB
	Status   *status.Registry
	Outbound *outbound.Service
	// Config returns the current configuration; it may change on reload.
	Config func() *config.Config
	Bind   string
	Port   int
	// Token, when set, must be presented as a bearer token on routes that
	// send mail or change approvals. Without it those routes only accept
	// loopback clients.
	Token string
	// ShutdownGrace bounds how long in-flight requests may run after ctx ends.
	ShutdownGrace time.Duration
	Version       string
	Logger        *log.Logger
}

func NewServer(opts Options) (*Server, error) {
	funcMap := template.FuncMap{
		"formatTime": func(t *time.Time) string {
			if t == nil {
				return "never"
			}
			return t.Local().Format("2006-01-02 15:04:05")
		},
		"actionClass": func(action string) string {
			switch action {
			case db.ActionReplied, db.ActionSent, db.ActionApproved:
				return "action-ok"
			case db.ActionReplyFailed, db.ActionParseFailed:
				return "action-failed"
			case db.ActionRejected, db.ActionRateLimited, db.ActionDuplicate:
				return "action-skipped"
			case db.ActionPairingRequested:
				return "action-pending"
			default:
				return ""
			}
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Server{
		db:       opts.DB,
		status:   opts.Status,
		outbound: opts.Outbound,
		config:   opts.Config,
		bind:     firstNonEmpty(opts.Bind, DefaultBind),
		port:     opts.Port,
		token:    opts.Token,
		grace:    grace,
		version:  opts.Version,
		logger:   logger.WithPrefix("web"),
		tmpl:     tmpl,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatusList).Methods("GET")
	r.HandleFunc("/status/{account}", s.handleStatus).Methods("GET")

	acct := r.PathPrefix("/accounts/{account}").Subrouter()
	acct.HandleFunc("/log", s.handleLog).Methods("GET")
	acct.HandleFunc("/pairing", s.handlePairing).Methods("GET")
	acct.Handle("/pairing/approve", s.requireAuth(s.handleApprove)).Methods("POST")
	acct.Handle("/pairing/{sender}", s.requireAuth(s.handleRevoke)).Methods("DELETE")
	acct.Handle("/send", s.requireAuth(s.handleSend)).Methods("POST")

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Addr is the listen address, host and port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.bind, strconv.Itoa(s.port))
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token != "" {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// account resolves the {account} path variable against the current config.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (config.Account, bool) {
	id := config.NormalizeAccountID(mux.Vars(r)["account"])
	cfg := s.config()
	for _, known := range cfg.ListAccountIDs() {
		if known == id {
			return cfg.ResolveAccount(id), true
		}
	}
	respondError(w, http.StatusNotFound, "unknown account "+id)
	return config.Account{}, false
}

// snapshots lists every configured account, with runtime state when known.
func (s *Server) snapshots() []status.Snapshot {
	cfg := s.config()
	var out []status.Snapshot
	for _, id := range cfg.ListAccountIDs() {
		snap, ok := s.status.Get(id)
		if !ok {
			snap = status.Snapshot{AccountID: id, Email: cfg.ResolveAccount(id).Email}
		}
		out = append(out, snap)
	}
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	type row struct {
		Status status.Snapshot
		Stats  *db.Stats
	}

	var rows []row
	for _, snap := range s.snapshots() {
		stats, err := s.db.GetStats(r.Context(), snap.AccountID)
		if err != nil {
			http.Error(w, "Failed to load stats", http.StatusInternalServerError)
			s.logger.Error("Failed to load stats", "account", snap.AccountID, "err", err)
			return
		}
		rows = append(rows, row{Status: snap, Stats: stats})
	}

	data := map[string]any{
		"Title":    "Inbox Responder",
		"Version":  s.version,
		"Accounts": rows,
	}
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("Failed to render template", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleStatusList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.snapshots())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}
	snap, found := s.status.Get(acct.ID)
	if !found {
		snap = status.Snapshot{AccountID: acct.ID, Email: acct.Email}
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}

	page := 1
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	offset := (page - 1) * logPageSize

	logs, err := s.db.GetActionLogs(r.Context(), acct.ID, logPageSize, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load action log")
		s.logger.Error("Failed to load action log", "account", acct.ID, "err", err)
		return
	}
	total, err := s.db.GetActionLogCount(r.Context(), acct.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count action log")
		return
	}

	totalPages := (total + logPageSize - 1) / logPageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if logs == nil {
		logs = []db.ActionLog{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"logs":        logs,
		"page":        page,
		"total_pages": totalPages,
		"total":       total,
	})
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}

	pending, err := s.db.GetPairingRequests(r.Context(), acct.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load pairing requests")
		s.logger.Error("Failed to load pairing requests", "account", acct.ID, "err", err)
		return
	}
	approved, err := s.db.GetApprovedSenders(r.Context(), acct.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load approved senders")
		s.logger.Error("Failed to load approved senders", "account", acct.ID, "err", err)
		return
	}
	if pending == nil {
		pending = []db.PairingRequest{}
	}
	if approved == nil {
		approved = []db.ApprovedSender{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"dm_policy": acct.DMPolicy,
		"pending":   pending,
		"approved":  approved,
	})
}

type approveRequest struct {
	Sender string `json:"sender"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Sender) == "" {
		respondError(w, http.StatusBadRequest, "sender is required")
		return
	}

	res, err := s.outbound.ApprovePairing(r.Context(), acct, req.Sender)
	if err != nil {
		if errors.Is(err, mailer.ErrInvalidAddress) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to approve sender")
		s.logger.Error("Failed to approve sender", "account", acct.ID, "err", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"approved": config.NormalizeAddress(req.Sender),
		"notice":   res,
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}

	sender := config.NormalizeAddress(mux.Vars(r)["sender"])
	if err := s.db.RemoveApprovedSender(r.Context(), acct.ID, sender); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "sender not approved")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to remove sender")
		s.logger.Error("Failed to remove approved sender", "account", acct.ID, "err", err)
		return
	}

	s.logger.Info("Revoked approved sender", "account", acct.ID, "sender", sender)
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.account(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.outbound.Send(r.Context(), acct, req.To, req.Subject, req.Text)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, mailer.ErrInvalidAddress):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, config.ErrNotConfigured):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, outbound.ErrDeliveryFailed):
		respondJSON(w, http.StatusBadGateway, res)
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
