package provider

import (
	"sync"
	"time"
)

const (
	breakerWindow   = 10
	breakerCooldown = 30 * time.Second
)

// Breaker is a rolling-window circuit breaker. It opens when more than half
// of the last breakerWindow outcomes were failures, and after the cooldown
// lets exactly one probe through; the probe's outcome decides whether the
// circuit closes again.
type Breaker struct {
	mu       sync.Mutex
	outcomes [breakerWindow]bool // true = failure
	next     int
	filled   int
	open     bool
	openedAt time.Time
	probing  bool

	now func() time.Time
}

func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) < breakerCooldown {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// Record feeds one call outcome into the window.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		// Half-open probe outcome.
		b.probing = false
		if success {
			b.close()
		} else {
			b.openedAt = b.now()
		}
		return
	}

	b.outcomes[b.next] = !success
	b.next = (b.next + 1) % breakerWindow
	if b.filled < breakerWindow {
		b.filled++
	}

	if b.failures() > breakerWindow/2 {
		b.open = true
		b.openedAt = b.now()
		b.probing = false
	}
}

// Open reports whether the circuit is currently tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *Breaker) close() {
	b.open = false
	b.probing = false
	b.next = 0
	b.filled = 0
	b.outcomes = [breakerWindow]bool{}
}

func (b *Breaker) failures() int {
	var n int
	for i := 0; i < b.filled; i++ {
		if b.outcomes[i] {
			n++
		}
	}
	return n
}
