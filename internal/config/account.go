package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultAccountID names the account described by the top-level email fields.
const DefaultAccountID = "default"

const (
	defaultIMAPPort        = 993
	defaultSMTPPort        = 587
	defaultSMTPTLSPort     = 465
	defaultPollInterval    = 60 * time.Second
	defaultFolder          = "INBOX"
	defaultMaxRepliesHour  = 5
	defaultReplyPrefix     = "Re: "
	defaultFilterMode      = "open"
	defaultDMPolicy        = "pairing"
	minPollIntervalSeconds = 10
)

// ErrNotConfigured is returned when an account lacks hosts or credentials.
var ErrNotConfigured = errors.New("email account not configured")

// AccountConfig is one account as written in the config file. Every field is
// optional so a partially filled entry can still be described and reported.
type AccountConfig struct {
	Enabled  *bool  `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Name     string `mapstructure:"name" yaml:"name,omitempty"`
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`

	IMAPHost     string `mapstructure:"imap_host" yaml:"imap_host,omitempty"`
	IMAPPort     int    `mapstructure:"imap_port" yaml:"imap_port,omitempty"`
	IMAPUser     string `mapstructure:"imap_user" yaml:"imap_user,omitempty"`
	IMAPPassword string `mapstructure:"imap_password" yaml:"imap_password,omitempty"`
	IMAPTLS      *bool  `mapstructure:"imap_tls" yaml:"imap_tls,omitempty"`

	SMTPHost     string `mapstructure:"smtp_host" yaml:"smtp_host,omitempty"`
	SMTPPort     int    `mapstructure:"smtp_port" yaml:"smtp_port,omitempty"`
	SMTPUser     string `mapstructure:"smtp_user" yaml:"smtp_user,omitempty"`
	SMTPPassword string `mapstructure:"smtp_password" yaml:"smtp_password,omitempty"`
	SMTPTLS      *bool  `mapstructure:"smtp_tls" yaml:"smtp_tls,omitempty"`
	SMTPStartTLS *bool  `mapstructure:"smtp_starttls" yaml:"smtp_starttls,omitempty"`

	PollIntervalSeconds        int      `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds,omitempty"`
	Folder                     string   `mapstructure:"folder" yaml:"folder,omitempty"`
	MaxRepliesPerSenderPerHour int      `mapstructure:"max_replies_per_sender_per_hour" yaml:"max_replies_per_sender_per_hour,omitempty"`
	ReplyPrefix                *string  `mapstructure:"reply_prefix" yaml:"reply_prefix,omitempty"`
	DMPolicy                   string   `mapstructure:"dm_policy" yaml:"dm_policy,omitempty"`
	FilterMode                 string   `mapstructure:"filter_mode" yaml:"filter_mode,omitempty"`
	AllowFrom                  []string `mapstructure:"allow_from" yaml:"allow_from,omitempty"`
	BlockFrom                  []string `mapstructure:"block_from" yaml:"block_from,omitempty"`
	Signature                  string   `mapstructure:"signature" yaml:"signature,omitempty"`
}

type IMAPSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

type SMTPSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	StartTLS bool   `yaml:"starttls"`
}

// Account is an account with presets and defaults applied. It is treated as
// immutable once a poller has started with it.
type Account struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name,omitempty"`
	Email      string `yaml:"email"`
	Enabled    bool   `yaml:"enabled"`
	Configured bool   `yaml:"configured"`

	IMAP IMAPSettings `yaml:"imap"`
	SMTP SMTPSettings `yaml:"smtp"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	Folder            string        `yaml:"folder"`
	MaxRepliesPerHour int           `yaml:"max_replies_per_sender_per_hour"`
	ReplyPrefix       string        `yaml:"reply_prefix"`
	DMPolicy          string        `yaml:"dm_policy"`
	FilterMode        string        `yaml:"filter_mode"`
	AllowFrom         []string      `yaml:"allow_from,omitempty"`
	BlockFrom         []string      `yaml:"block_from,omitempty"`
	Signature         string        `yaml:"signature,omitempty"`
}

// ListAccountIDs returns the configured account ids in a stable order.
func (c *Config) ListAccountIDs() []string {
	var ids []string
	for id := range c.Email.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	top := c.Email.AccountConfig
	if (top.IMAPHost != "" || top.Provider != "") && top.IMAPUser != "" {
		if _, ok := c.Email.Accounts[DefaultAccountID]; !ok {
			ids = append([]string{DefaultAccountID}, ids...)
		}
	}
	return ids
}

// DefaultAccount prefers an explicit "default" account, then the first one.
func (c *Config) DefaultAccount() string {
	ids := c.ListAccountIDs()
	for _, id := range ids {
		if id == DefaultAccountID {
			return id
		}
	}
	if len(ids) > 0 {
		return ids[0]
	}
	return DefaultAccountID
}

// ResolveAccount applies provider presets and defaults to the named account.
// Unknown ids resolve to a disabled, unconfigured account rather than an error.
func (c *Config) ResolveAccount(id string) Account {
	id = NormalizeAccountID(id)

	var (
		raw     AccountConfig
		enabled *bool
		found   bool
	)
	if ac, ok := c.Email.Accounts[id]; ok {
		raw, enabled, found = ac, ac.Enabled, true
	} else if id == DefaultAccountID && (c.Email.IMAPHost != "" || c.Email.Provider != "") {
		raw, enabled, found = c.Email.AccountConfig, c.Email.Enabled, true
	}
	if !found {
		return Account{ID: id}
	}

	acct := resolve(id, raw)
	acct.Enabled = acct.Configured &&
		(enabled == nil || *enabled) &&
		(c.Email.Enabled == nil || *c.Email.Enabled)
	return acct
}

// EnabledAccounts resolves every account and keeps the runnable ones.
func (c *Config) EnabledAccounts() []Account {
	var out []Account
	for _, id := range c.ListAccountIDs() {
		if acct := c.ResolveAccount(id); acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}

func resolve(id string, raw AccountConfig) Account {
	preset, _ := LookupProvider(raw.Provider)

	acct := Account{
		ID:    id,
		Name:  raw.Name,
		Email: strings.TrimSpace(raw.IMAPUser),
		IMAP: IMAPSettings{
			Host:     firstNonEmpty(raw.IMAPHost, preset.IMAPHost),
			Port:     firstPositive(raw.IMAPPort, preset.IMAPPort, defaultIMAPPort),
			User:     raw.IMAPUser,
			Password: raw.IMAPPassword,
			TLS:      boolOr(raw.IMAPTLS, true),
		},
		SMTP: SMTPSettings{
			Host:     firstNonEmpty(raw.SMTPHost, preset.SMTPHost),
			User:     firstNonEmpty(raw.SMTPUser, raw.IMAPUser),
			Password: firstNonEmpty(raw.SMTPPassword, raw.IMAPPassword),
			TLS:      boolOr(raw.SMTPTLS, false),
			StartTLS: boolOr(raw.SMTPStartTLS, true),
		},
		Folder:            firstNonEmpty(raw.Folder, defaultFolder),
		MaxRepliesPerHour: firstPositive(raw.MaxRepliesPerSenderPerHour, defaultMaxRepliesHour),
		ReplyPrefix:       defaultReplyPrefix,
		DMPolicy:          strings.ToLower(firstNonEmpty(raw.DMPolicy, defaultDMPolicy)),
		FilterMode:        strings.ToLower(firstNonEmpty(raw.FilterMode, defaultFilterMode)),
		AllowFrom:         NormalizeEntries(raw.AllowFrom),
		BlockFrom:         NormalizeEntries(raw.BlockFrom),
		Signature:         raw.Signature,
	}

	smtpDefaultPort := defaultSMTPPort
	if acct.SMTP.TLS {
		smtpDefaultPort = defaultSMTPTLSPort
		acct.SMTP.StartTLS = false
	}
	acct.SMTP.Port = firstPositive(raw.SMTPPort, preset.SMTPPort, smtpDefaultPort)

	if raw.ReplyPrefix != nil {
		acct.ReplyPrefix = *raw.ReplyPrefix
	}

	seconds := raw.PollIntervalSeconds
	if seconds <= 0 {
		acct.PollInterval = defaultPollInterval
	} else {
		if seconds < minPollIntervalSeconds {
			seconds = minPollIntervalSeconds
		}
		acct.PollInterval = time.Duration(seconds) * time.Second
	}

	acct.Configured = acct.IMAP.Host != "" &&
		acct.IMAP.User != "" &&
		acct.IMAP.Password != "" &&
		acct.SMTP.Host != ""

	return acct
}

// Issues explains why an account is not runnable.
func (a Account) Issues() []string {
	var issues []string
	if a.IMAP.Host == "" {
		issues = append(issues, "IMAP host not configured")
	}
	if a.SMTP.Host == "" {
		issues = append(issues, "SMTP host not configured")
	}
	if a.IMAP.User == "" || a.IMAP.Password == "" {
		issues = append(issues, "IMAP credentials not configured")
	}
	switch a.FilterMode {
	case "open", "allowlist", "blocklist":
	default:
		issues = append(issues, fmt.Sprintf("unknown filter_mode %q", a.FilterMode))
	}
	switch a.DMPolicy {
	case "open", "pairing", "allowlist":
	default:
		issues = append(issues, fmt.Sprintf("unknown dm_policy %q", a.DMPolicy))
	}
	if len(issues) == 0 && !a.Configured {
		issues = append(issues, ErrNotConfigured.Error())
	}
	return issues
}

// Validate returns ErrNotConfigured wrapped with the first issue found.
func (a Account) Validate() error {
	if issues := a.Issues(); len(issues) > 0 {
		return fmt.Errorf("%w: account %s: %s", ErrNotConfigured, a.ID, strings.Join(issues, "; "))
	}
	return nil
}

// Redacted returns a copy safe for printing.
func (a Account) Redacted() Account {
	if a.IMAP.Password != "" && !IsSecretReference(a.IMAP.Password) {
		a.IMAP.Password = "********"
	}
	if a.SMTP.Password != "" && !IsSecretReference(a.SMTP.Password) {
		a.SMTP.Password = "********"
	}
	return a
}

// NormalizeAddress lower-cases and trims an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeEntry strips the "email:" prefix allow/block entries may carry.
func NormalizeEntry(entry string) string {
	entry = strings.TrimSpace(entry)
	if len(entry) >= 6 && strings.EqualFold(entry[:6], "email:") {
		entry = entry[6:]
	}
	return NormalizeAddress(entry)
}

func NormalizeEntries(entries []string) []string {
	var out []string
	for _, e := range entries {
		if n := NormalizeEntry(e); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func NormalizeAccountID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return DefaultAccountID
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
