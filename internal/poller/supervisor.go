package poller

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"inbox-responder/internal/config"
)

// Runner is anything that runs until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

type running struct {
	account config.Account
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor keeps one runner per enabled account and restarts only the
// accounts whose resolved settings changed on reload.
type Supervisor struct {
	newRunner func(config.Account) Runner
	logger    *log.Logger

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	running map[string]*running
}

func NewSupervisor(newRunner func(config.Account) Runner, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		newRunner: newRunner,
		logger:    logger,
		running:   make(map[string]*running),
	}
}

// Run starts the accounts and applies every config received on updates until
// ctx is cancelled, then waits for all runners to stop.
func (s *Supervisor) Run(ctx context.Context, accounts []config.Account, updates <-chan []config.Account) error {
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.group, s.ctx = g, gctx
	s.mu.Unlock()

	s.Apply(accounts)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				s.stopAll()
				return nil
			case next, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				s.Apply(next)
			}
		}
	})

	return g.Wait()
}

// Apply reconciles the running set with accounts.
func (s *Supervisor) Apply(accounts []config.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.group == nil {
		return
	}

	want := make(map[string]config.Account, len(accounts))
	for _, a := range accounts {
		want[a.ID] = a
	}

	for id, r := range s.running {
		next, keep := want[id]
		if keep && reflect.DeepEqual(next, r.account) {
			continue
		}
		if keep {
			s.logger.Info("Account settings changed, restarting", "account", id)
		} else {
			s.logger.Info("Account removed, stopping", "account", id)
		}
		r.cancel()
		<-r.done
		delete(s.running, id)
	}

	for id, acct := range want {
		if _, ok := s.running[id]; ok {
			continue
		}
		s.start(acct)
	}
}

func (s *Supervisor) start(acct config.Account) {
	ctx, cancel := context.WithCancel(s.ctx)
	r := &running{account: acct, cancel: cancel, done: make(chan struct{})}
	s.running[acct.ID] = r

	runner := s.newRunner(acct)
	s.group.Go(func() error {
		defer close(r.done)
		if err := runner.Run(ctx); err != nil {
			s.logger.Error("Account runner exited", "account", acct.ID, "err", err)
		}
		return nil
	})
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.running {
		r.cancel()
		<-r.done
		delete(s.running, id)
	}
}

// Accounts lists the ids with a live runner.
func (s *Supervisor) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
