// Package resilience provides a circuit breaker for calls to remote services.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the function while the breaker
// is open, or while a half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before a probe is allowed.
	OpenTimeout time.Duration
	// IsFailure decides which errors count against the circuit. Errors it
	// rejects are returned to the caller but treated as successes.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Breaker implements a consecutive-failure circuit breaker.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{name: name, settings: settings, now: time.Now}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving open to half-open once the open
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit admits it.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(true)
			panic(r)
		}
	}()
	err := fn()
	b.after(err != nil && b.settings.IsFailure(err))
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.OpenTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return nil
}

func (b *Breaker) after(failed bool) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		if failed {
			b.state = StateOpen
			b.openedAt = b.now()
		} else {
			b.state = StateClosed
			b.failures = 0
		}
	case StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
