// Package circuit wraps sony/gobreaker with the failure-filtering and
// observability semantics snowscope needs around Snowflake calls.
//
// One Breaker exists per logical backend (credential profile); all calls for
// that profile share its state. Only expected errors (per the injected
// predicate) count toward the failure threshold; unexpected errors propagate
// without moving the state machine.
package circuit

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"snowscope/internal/clock"
	"snowscope/internal/logging"
	"snowscope/internal/snowerr"
)

// State mirrors the three breaker states on the wire.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Status is the reportable breaker state.
type Status struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	NextProbeAt   time.Time `json:"next_probe_at,omitempty"`
}

// Settings configures a Breaker.
type Settings struct {
	// Name identifies the logical backend (usually the profile name).
	Name string

	// FailureThreshold trips the breaker after this many consecutive
	// expected failures.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// a probe.
	RecoveryTimeout time.Duration

	// IsExpected reports whether an error counts toward the threshold.
	// Nil means every error counts.
	IsExpected func(error) bool

	// OnTransition observes state changes. Optional.
	OnTransition func(name string, from, to State)

	// Clock is used for Status reporting. The underlying state machine
	// keeps its own monotonic timing.
	Clock clock.Clock
}

// Breaker guards a logical backend.
type Breaker struct {
	name       string
	cb         *gobreaker.CircuitBreaker
	clk        clock.Clock
	recovery   time.Duration
	isExpected func(error) bool

	mu            sync.Mutex
	lastFailureAt time.Time
	nextProbeAt   time.Time
}

// New creates a Breaker from settings.
func New(s Settings) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 30 * time.Second
	}
	if s.Clock == nil {
		s.Clock = clock.System
	}

	b := &Breaker{
		name:       s.Name,
		clk:        s.Clock,
		recovery:   s.RecoveryTimeout,
		isExpected: s.IsExpected,
	}

	threshold := uint32(s.FailureThreshold)
	onTransition := s.OnTransition
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: s.Name,
		// Exactly one probe is admitted in half-open; concurrent callers
		// fail fast with ErrTooManyRequests.
		MaxRequests: 1,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Unexpected errors do not move the state machine.
			if b.isExpected != nil && !b.isExpected(err) {
				return true
			}
			b.mu.Lock()
			b.lastFailureAt = b.clk.Now()
			b.mu.Unlock()
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromState, toState := toLocal(from), toLocal(to)
			logging.Circuit("breaker %s: %s -> %s", name, fromState, toState)
			logging.AuditCircuit(name, string(fromState), string(toState))
			if toState == StateOpen {
				b.mu.Lock()
				b.nextProbeAt = b.clk.Now().Add(b.recovery)
				b.mu.Unlock()
			}
			if onTransition != nil {
				onTransition(name, fromState, toState)
			}
		},
	})
	return b
}

// Name returns the logical backend name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn through the breaker. When the breaker is open (or a probe
// is already in flight during half-open) the call fails fast with a
// Connection error carrying circuit_state, without invoking fn.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		logging.CircuitWarn("breaker %s rejected call: %v", b.name, err)
		return nil, snowerr.New(snowerr.CategoryConnection,
			"backend %s unavailable: circuit breaker is open", b.name).
			WithData("circuit_state", string(StateOpen)).
			WithData("kind", "circuit_open").
			WithData("next_probe_at", b.Status().NextProbeAt).
			WithSuggestions("Wait for the recovery window, then retry")
	}
	return result, err
}

// Status reports the current breaker state.
func (b *Breaker) Status() Status {
	counts := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		State:         toLocal(b.cb.State()),
		FailureCount:  int(counts.ConsecutiveFailures),
		LastFailureAt: b.lastFailureAt,
	}
	if st.State == StateOpen {
		st.NextProbeAt = b.nextProbeAt
	}
	return st
}

func toLocal(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
