package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig tunes the per-host breaker.
//
// MaxRequests is the number of trial deliveries allowed while half-open.
// Interval clears the closed-state counts periodically; Timeout is how long
// the breaker stays open. The breaker trips once at least MinRequests were
// seen and the failure share reaches FailureRatio.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  3,
		Interval:     5 * time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.6,
		MinRequests:  10,
	}
}

// BreakerState is the breaker position for one host.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Float is the gauge encoding of the state: closed 0, half-open 1, open 2.
func (s BreakerState) Float() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerManager keeps one breaker per destination host. Many webhooks
// can share a host, so a dead host trips once instead of once per webhook.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(host string, from, to BreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker transitions. Register it
// before the first delivery; breakers capture it on creation.
func (m *CircuitBreakerManager) OnStateChange(fn func(host string, from, to BreakerState)) {
	m.onStateChange = fn
}

func (m *CircuitBreakerManager) breaker(host string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[host]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[host]; exists {
		return cb
	}

	cfg := m.config
	notify := m.onStateChange
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if notify != nil {
				notify(name, toBreakerState(from), toBreakerState(to))
			}
		},
	})
	m.breakers[host] = cb
	return cb
}

// Execute runs fn through the host's breaker. An open breaker returns
// gobreaker.ErrOpenState (or ErrTooManyRequests while half-open) without
// calling fn.
func (m *CircuitBreakerManager) Execute(host string, fn func() (any, error)) (any, error) {
	return m.breaker(host).Execute(fn)
}

func (m *CircuitBreakerManager) State(host string) BreakerState {
	return toBreakerState(m.breaker(host).State())
}

// Remove forgets the host's breaker.
func (m *CircuitBreakerManager) Remove(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, host)
}

func toBreakerState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
