package poller

import (
	"math/rand"
	"time"
)

const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
	backoffJitter      = 0.2
)

// Backoff yields exponentially growing reconnect delays with +/-20% jitter,
// never above Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
	rand    func() float64
}

func NewBackoff() *Backoff {
	return &Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax, rand: rand.Float64}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++

	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	jittered := d + time.Duration(float64(d)*(r()*2*backoffJitter-backoffJitter))
	if jittered <= 0 {
		jittered = d
	}
	if jittered > b.Max {
		jittered = b.Max
	}
	return jittered
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
