package status

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is the runtime state of one account.
type Snapshot struct {
	AccountID      string     `json:"accountId"`
	Email          string     `json:"email,omitempty"`
	Running        bool       `json:"running"`
	Connected      bool       `json:"connected"`
	LastStartAt    *time.Time `json:"lastStartAt"`
	LastStopAt     *time.Time `json:"lastStopAt"`
	LastError      string     `json:"lastError,omitempty"`
	LastPollAt     *time.Time `json:"lastPollAt"`
	LastInboundAt  *time.Time `json:"lastInboundAt"`
	LastOutboundAt *time.Time `json:"lastOutboundAt"`
}

// Patch is a partial update. Nil fields are left unchanged; a non-nil empty
// LastError clears the error.
type Patch struct {
	AccountID      string
	Email          *string
	Running        *bool
	Connected      *bool
	LastStartAt    *time.Time
	LastStopAt     *time.Time
	LastError      *string
	LastPollAt     *time.Time
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
}

// Sink receives status patches. Implementations must be safe for concurrent use.
type Sink interface {
	SetStatus(Patch)
}

// Registry keeps the latest snapshot per account.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Snapshot
}

func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*Snapshot)}
}

func (r *Registry) SetStatus(p Patch) {
	if p.AccountID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.accounts[p.AccountID]
	if !ok {
		s = &Snapshot{AccountID: p.AccountID}
		r.accounts[p.AccountID] = s
	}

	if p.Email != nil {
		s.Email = *p.Email
	}
	if p.Running != nil {
		s.Running = *p.Running
	}
	if p.Connected != nil {
		s.Connected = *p.Connected
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	setTime(&s.LastStartAt, p.LastStartAt)
	setTime(&s.LastStopAt, p.LastStopAt)
	setTime(&s.LastPollAt, p.LastPollAt)
	setTime(&s.LastInboundAt, p.LastInboundAt)
	setTime(&s.LastOutboundAt, p.LastOutboundAt)
}

func setTime(dst **time.Time, v *time.Time) {
	if v == nil {
		return
	}
	t := *v
	*dst = &t
}

// Get returns a copy of the account's snapshot.
func (r *Registry) Get(accountID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.accounts[accountID]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// All returns every snapshot ordered by account id.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.accounts))
	for _, s := range r.accounts {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Helpers for building patches.

func Bool(v bool) *bool { return &v }

func String(v string) *string { return &v }

func Time(v time.Time) *time.Time { return &v }

func Error(err error) *string {
	if err == nil {
		return String("")
	}
	return String(err.Error())
}
