package poller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"inbox-responder/internal/config"
)

type countingRunner struct {
	id     string
	events *eventLog
}

func (r countingRunner) Run(ctx context.Context) error {
	r.events.add("start " + r.id)
	<-ctx.Done()
	r.events.add("stop " + r.id)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *eventLog) count(s string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == s {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisorRestartsOnlyChangedAccounts(t *testing.T) {
	events := &eventLog{}
	sup := NewSupervisor(func(a config.Account) Runner {
		return countingRunner{id: a.ID, events: events}
	}, log.New(io.Discard))

	a := config.Account{ID: "a", Email: "a@example.com", PollInterval: time.Minute}
	b := config.Account{ID: "b", Email: "b@example.com", PollInterval: time.Minute}
	c := config.Account{ID: "c", Email: "c@example.com", PollInterval: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan []config.Account)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, []config.Account{a, b}, updates) }()

	waitFor(t, "initial start", func() bool {
		return events.count("start a") == 1 && events.count("start b") == 1
	})

	b2 := b
	b2.PollInterval = 2 * time.Minute
	updates <- []config.Account{a, b2, c}

	waitFor(t, "reload", func() bool {
		return events.count("start b") == 2 && events.count("start c") == 1
	})
	if events.count("stop a") != 0 || events.count("start a") != 1 {
		t.Error("unchanged account must keep running")
	}
	if events.count("stop b") != 1 {
		t.Error("changed account must be restarted")
	}

	updates <- []config.Account{a}
	waitFor(t, "removal", func() bool {
		return events.count("stop b") == 2 && events.count("stop c") == 1
	})
	if got := fmt.Sprint(sup.Accounts()); got != "[a]" {
		t.Errorf("Accounts() = %s", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if events.count("stop a") != 1 {
		t.Error("shutdown must stop remaining runners")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff()
	b.rand = func() float64 { return 0.5 } // no jitter

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second,
		80 * time.Second, 160 * time.Second, 5 * time.Minute, 5 * time.Minute,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != 5*time.Second {
		t.Errorf("after reset = %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	low := &Backoff{Base: 10 * time.Second, Max: time.Minute, rand: func() float64 { return 0 }}
	if got := low.Next(); got < 8*time.Second-time.Millisecond || got > 8*time.Second+time.Millisecond {
		t.Errorf("low jitter = %v, want 8s", got)
	}

	high := &Backoff{Base: 10 * time.Second, Max: time.Minute, rand: func() float64 { return 0.999999 }}
	if got := high.Next(); got < 11*time.Second || got > 12*time.Second {
		t.Errorf("high jitter = %v, want about 12s", got)
	}

	capped := &Backoff{Base: time.Minute, Max: time.Minute, rand: func() float64 { return 0.999999 }}
	if got := capped.Next(); got != time.Minute {
		t.Errorf("jitter must not exceed max, got %v", got)
	}
}
