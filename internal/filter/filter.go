package filter

import (
	"path"
	"strings"

	"inbox-responder/internal/config"
)

// Decision is the outcome of running a message through the pipeline.
type Decision int

const (
	Reject Decision = iota
	Admit
	NeedsPairing
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case NeedsPairing:
		return "needs_pairing"
	default:
		return "reject"
	}
}

// Verdict carries the decision and a reason for logs and the action log.
type Verdict struct {
	Decision Decision
	Reason   string
}

// Message is the subset of a parsed message the pipeline looks at. Header
// names must be lower-case.
type Message struct {
	From    string
	Headers map[string]string
}

// Policy is the per-account sender policy.
type Policy struct {
	Mode      string // open, allowlist, blocklist
	DMPolicy  string // open, allowlist, pairing
	AllowFrom []string
	BlockFrom []string
	Self      string

	// Approved reports whether an operator approved the sender through
	// pairing. May be nil.
	Approved func(sender string) bool
}

// PolicyFor builds the policy for a resolved account.
func PolicyFor(acct config.Account) Policy {
	return Policy{
		Mode:      acct.FilterMode,
		DMPolicy:  acct.DMPolicy,
		AllowFrom: acct.AllowFrom,
		BlockFrom: acct.BlockFrom,
		Self:      acct.Email,
	}
}

// Headers that mark a message as generated by another autoresponder.
var autoReplyHeaders = []string{
	"x-auto-reply",
	"x-autoreply",
	"x-autorespond",
}

var bulkPrecedence = map[string]bool{
	"bulk": true,
	"list": true,
	"junk": true,
}

// Local parts of machine senders. Exact entries match the whole local part,
// prefixes match its start.
var (
	machineSenders = map[string]string{
		"noreply":       "noreply sender",
		"no-reply":      "no-reply sender",
		"mailer-daemon": "mailer daemon",
		"postmaster":    "postmaster",
	}
	machinePrefixes = map[string]string{
		"bounce":       "bounce sender",
		"notification": "notification sender",
	}
)

// Evaluate runs loop avoidance, sender policy and DM policy in that order.
func Evaluate(msg Message, p Policy) Verdict {
	sender := config.NormalizeAddress(msg.From)
	if sender == "" {
		return Verdict{Reject, "missing sender"}
	}

	if reason, ok := autoGenerated(msg.Headers); ok {
		return Verdict{Reject, reason}
	}
	if reason, ok := machineSender(sender); ok {
		return Verdict{Reject, reason}
	}
	if self := config.NormalizeAddress(p.Self); self != "" && sender == self {
		return Verdict{Reject, "own address"}
	}

	if MatchAny(sender, p.BlockFrom) {
		return Verdict{Reject, "sender blocked"}
	}

	switch strings.ToLower(p.Mode) {
	case "allowlist":
		if !MatchAny(sender, p.AllowFrom) {
			return Verdict{Reject, "sender not in allowlist"}
		}
	case "", "open", "blocklist":
	default:
		return Verdict{Reject, "unknown filter mode " + p.Mode}
	}

	switch strings.ToLower(p.DMPolicy) {
	case "allowlist":
		if !MatchAny(sender, p.AllowFrom) && !approved(p, sender) {
			return Verdict{Reject, "sender not allowed by dm policy"}
		}
	case "pairing":
		if !MatchAny(sender, p.AllowFrom) && !approved(p, sender) {
			return Verdict{NeedsPairing, "sender awaiting pairing approval"}
		}
	}

	return Verdict{Admit, "admitted"}
}

func approved(p Policy, sender string) bool {
	return p.Approved != nil && p.Approved(sender)
}

func autoGenerated(headers map[string]string) (string, bool) {
	for _, h := range autoReplyHeaders {
		if _, ok := headers[h]; ok {
			return "auto-reply header " + h, true
		}
	}
	if v, ok := headers["auto-submitted"]; ok {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "no" {
			return "auto-submitted: " + v, true
		}
	}
	if v := strings.ToLower(strings.TrimSpace(headers["precedence"])); bulkPrecedence[v] {
		return "precedence: " + v, true
	}
	return "", false
}

func machineSender(addr string) (string, bool) {
	local := addr
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		local = addr[:i]
	}
	if reason, ok := machineSenders[local]; ok {
		return reason, true
	}
	for prefix, reason := range machinePrefixes {
		if strings.HasPrefix(local, prefix) {
			return reason, true
		}
	}
	return "", false
}

// MatchAny reports whether addr matches one of the allow/block entries.
// Entries may be exact addresses, "*@domain", "@domain" or glob patterns.
func MatchAny(addr string, entries []string) bool {
	addr = config.NormalizeAddress(addr)
	for _, e := range entries {
		if Match(addr, e) {
			return true
		}
	}
	return false
}

func Match(addr, entry string) bool {
	addr = config.NormalizeAddress(addr)
	entry = config.NormalizeEntry(entry)
	if addr == "" || entry == "" {
		return false
	}

	if domain, ok := strings.CutPrefix(entry, "*@"); ok {
		return strings.HasSuffix(addr, "@"+domain)
	}
	if strings.HasPrefix(entry, "@") {
		return strings.HasSuffix(addr, entry)
	}
	if strings.ContainsAny(entry, "*?[") {
		ok, err := path.Match(entry, addr)
		return err == nil && ok
	}
	return addr == entry
}
