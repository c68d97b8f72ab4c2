package filter

import "testing"

func TestEvaluateLoopAvoidance(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		headers map[string]string
		want    Decision
	}{
		{"plain message", "alice@example.com", nil, Admit},
		{"auto-submitted auto-replied", "alice@example.com", map[string]string{"auto-submitted": "auto-replied"}, Reject},
		{"auto-submitted no", "alice@example.com", map[string]string{"auto-submitted": "No"}, Admit},
		{"x-autoreply any value", "alice@example.com", map[string]string{"x-autoreply": ""}, Reject},
		{"x-auto-reply", "alice@example.com", map[string]string{"x-auto-reply": "yes"}, Reject},
		{"x-autorespond", "alice@example.com", map[string]string{"x-autorespond": "1"}, Reject},
		{"precedence bulk", "alice@example.com", map[string]string{"precedence": "Bulk"}, Reject},
		{"precedence list", "alice@example.com", map[string]string{"precedence": "list"}, Reject},
		{"precedence first-class", "alice@example.com", map[string]string{"precedence": "first-class"}, Admit},
		{"noreply", "NoReply@shop.example", nil, Reject},
		{"no-reply", "no-reply@shop.example", nil, Reject},
		{"mailer daemon", "MAILER-DAEMON@mx.example", nil, Reject},
		{"postmaster", "postmaster@example.com", nil, Reject},
		{"bounce prefix", "bounces+123@lists.example", nil, Reject},
		{"notification prefix", "notifications@github.example", nil, Reject},
		{"noreply only as prefix", "noreplyfan@example.com", nil, Admit},
		{"missing sender", "", nil, Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(Message{From: tt.from, Headers: tt.headers}, Policy{Mode: "open"})
			if got.Decision != tt.want {
				t.Errorf("Evaluate() = %v (%s), want %v", got.Decision, got.Reason, tt.want)
			}
			if got.Reason == "" {
				t.Error("verdict must carry a reason")
			}
		})
	}
}

func TestAutoSubmittedRejectedInEveryMode(t *testing.T) {
	msg := Message{From: "a@x.com", Headers: map[string]string{"auto-submitted": "auto-replied"}}
	for _, mode := range []string{"open", "allowlist", "blocklist"} {
		p := Policy{Mode: mode, AllowFrom: []string{"a@x.com"}}
		if got := Evaluate(msg, p); got.Decision != Reject {
			t.Errorf("mode %s: got %v, want reject", mode, got.Decision)
		}
	}
}

func TestEvaluateAllowlist(t *testing.T) {
	p := Policy{Mode: "allowlist", AllowFrom: []string{"a@x.com"}}

	if got := Evaluate(Message{From: "A@X.com"}, p); got.Decision != Admit {
		t.Errorf("A@X.com: got %v, want admit", got.Decision)
	}
	if got := Evaluate(Message{From: "b@x.com"}, p); got.Decision != Reject {
		t.Errorf("b@x.com: got %v, want reject", got.Decision)
	}
}

func TestEvaluateBlocklist(t *testing.T) {
	p := Policy{Mode: "blocklist", BlockFrom: []string{"email:Spam@Bad.example", "*@worse.example"}}

	tests := map[string]Decision{
		"spam@bad.example":     Reject,
		"anyone@worse.example": Reject,
		"friend@bad.example":   Admit,
	}
	for from, want := range tests {
		if got := Evaluate(Message{From: from}, p); got.Decision != want {
			t.Errorf("%s: got %v, want %v", from, got.Decision, want)
		}
	}
}

func TestBlockFromHonoredInOpenMode(t *testing.T) {
	p := Policy{Mode: "open", BlockFrom: []string{"@spam.example"}}
	if got := Evaluate(Message{From: "x@spam.example"}, p); got.Decision != Reject {
		t.Errorf("got %v, want reject", got.Decision)
	}
}

func TestOwnAddressRejected(t *testing.T) {
	p := Policy{Mode: "open", Self: "Me@Example.com"}
	if got := Evaluate(Message{From: "me@example.com"}, p); got.Decision != Reject {
		t.Errorf("got %v, want reject", got.Decision)
	}
}

func TestEvaluatePairing(t *testing.T) {
	approved := map[string]bool{"carol@example.com": true}
	p := Policy{
		Mode:      "open",
		DMPolicy:  "pairing",
		AllowFrom: []string{"alice@example.com"},
		Approved:  func(s string) bool { return approved[s] },
	}

	tests := map[string]Decision{
		"alice@example.com": Admit,
		"carol@example.com": Admit,
		"bob@example.com":   NeedsPairing,
	}
	for from, want := range tests {
		if got := Evaluate(Message{From: from}, p); got.Decision != want {
			t.Errorf("%s: got %v, want %v", from, got.Decision, want)
		}
	}

	// Loop avoidance still wins over pairing.
	got := Evaluate(Message{From: "bob@example.com", Headers: map[string]string{"precedence": "junk"}}, p)
	if got.Decision != Reject {
		t.Errorf("junk from unknown sender: got %v, want reject", got.Decision)
	}
}

func TestDMPolicyAllowlist(t *testing.T) {
	p := Policy{Mode: "open", DMPolicy: "allowlist", AllowFrom: []string{"*@corp.example"}}
	if got := Evaluate(Message{From: "x@corp.example"}, p); got.Decision != Admit {
		t.Errorf("got %v, want admit", got.Decision)
	}
	if got := Evaluate(Message{From: "x@other.example"}, p); got.Decision != Reject {
		t.Errorf("got %v, want reject", got.Decision)
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		addr, entry string
		want        bool
	}{
		{"a@x.com", "a@x.com", true},
		{"a@x.com", "EMAIL:A@X.COM", true},
		{"a@x.com", "*@x.com", true},
		{"a@sub.x.com", "*@x.com", false},
		{"a@x.com", "@x.com", true},
		{"support-1@x.com", "support-*@x.com", true},
		{"a@x.com", "b@x.com", false},
		{"a@x.com", "", false},
		{"a@x.com", "[", false},
	}
	for _, tt := range tests {
		if got := Match(tt.addr, tt.entry); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.addr, tt.entry, got, tt.want)
		}
	}
}
