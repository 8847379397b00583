// circuitbreaker.go - Circuit breaker guarding the object store mirror.
//
// After maxFailures consecutive failures calls fail fast until timeout has
// passed, then a single probe decides whether to close again.
package server

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when half-open circuit receives too many requests.
	ErrTooManyRequests = errors.New("too many requests while circuit is half-open")
)

type CircuitBreaker struct {
	mu  sync.Mutex
	log *logrus.Entry
	now func() time.Time

	maxFailures uint32
	timeout     time.Duration

	state           CircuitState
	failures        uint32
	lastFailureTime time.Time
	probing         bool

	totalRequests    uint64
	successRequests  uint64
	failedRequests   uint64
	rejectedRequests uint64
}

func NewCircuitBreaker(maxFailures uint32, timeout time.Duration, log *logrus.Entry) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CircuitBreaker{
		log:         log,
		now:         time.Now,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
	}
}

// Execute runs fn unless the circuit is open. fn runs without the lock
// held.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			cb.rejectedRequests++
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.log.WithField("timeout_elapsed", cb.timeout.String()).Info("circuit breaker half-open")
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			cb.rejectedRequests++
			return ErrTooManyRequests
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasProbe := cb.state == StateHalfOpen
	if wasProbe {
		cb.probing = false
	}

	if err == nil {
		cb.successRequests++
		cb.failures = 0
		if wasProbe {
			cb.state = StateClosed
			cb.log.Info("circuit breaker closed")
		}
		return
	}

	cb.failedRequests++
	cb.failures++
	cb.lastFailureTime = cb.now()
	if cb.state != StateOpen && (wasProbe || cb.failures >= cb.maxFailures) {
		cb.state = StateOpen
		cb.log.WithFields(logrus.Fields{
			"failures":     cb.failures,
			"max_failures": cb.maxFailures,
			"timeout":      cb.timeout.String(),
		}).Warn("circuit breaker opened")
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:            cb.state.String(),
		Failures:         cb.failures,
		TotalRequests:    cb.totalRequests,
		SuccessRequests:  cb.successRequests,
		FailedRequests:   cb.failedRequests,
		RejectedRequests: cb.rejectedRequests,
		LastFailureTime:  cb.lastFailureTime,
	}
}

type CircuitBreakerStats struct {
	State            string    `json:"state"`
	Failures         uint32    `json:"failures"`
	TotalRequests    uint64    `json:"total_requests"`
	SuccessRequests  uint64    `json:"success_requests"`
	FailedRequests   uint64    `json:"failed_requests"`
	RejectedRequests uint64    `json:"rejected_requests"`
	LastFailureTime  time.Time `json:"last_failure_time"`
}
