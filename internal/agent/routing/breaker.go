package routing

import (
	"sync"
	"time"
)

const defaultCircuitCooldown = 30 * time.Second

// breaker tracks consecutive failures per provider. A provider whose circuit
// is open is left out of a plan until the cooldown passes.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*circuitState
}

type circuitState struct {
	failures int
	openedAt time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if cooldown <= 0 {
		cooldown = defaultCircuitCooldown
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		states:    make(map[string]*circuitState),
	}
}

func (b *breaker) enabled() bool { return b != nil && b.threshold > 0 }

func (b *breaker) success(name string) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, name)
}

func (b *breaker) failure(name string) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[name]
	if !ok {
		state = &circuitState{}
		b.states[name] = state
	}
	state.failures++
	if state.failures >= b.threshold {
		state.openedAt = b.now()
	}
}

// open reports whether name's circuit is open. After the cooldown one call
// is let through; its outcome closes or reopens the circuit.
func (b *breaker) open(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[name]
	if !ok || state.failures < b.threshold {
		return false
	}
	return b.now().Sub(state.openedAt) < b.cooldown
}

// filter drops providers with open circuits. When every circuit is open the
// plan is returned unchanged.
func (b *breaker) filter(plan []step) []step {
	if !b.enabled() {
		return plan
	}
	kept := make([]step, 0, len(plan))
	for _, s := range plan {
		if !b.open(s.provider) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return plan
	}
	return kept
}
