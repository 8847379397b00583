// Package workpool runs transfer work on a fixed set of goroutines fed by a
// bounded queue. When the queue is full the pool either runs the task on the
// submitting goroutine (CallerRuns) or refuses it (Reject).
package workpool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSaturated is returned under the Reject policy when every worker is
	// busy and the queue is full.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Policy decides what happens to a task submitted to a full queue.
type Policy int

const (
	CallerRuns Policy = iota
	Reject
)

func (p Policy) String() string {
	switch p {
	case CallerRuns:
		return "caller-runs"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "caller-runs" and "reject" (case-insensitive).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "caller-runs", "callerruns", "":
		return CallerRuns, nil
	case "reject":
		return Reject, nil
	default:
		return 0, fmt.Errorf("unknown pool policy %q (want caller-runs or reject)", s)
	}
}

const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 10
)

type Config struct {
	Workers    int
	QueueDepth int
	Policy     Policy
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers    int
	Active     int64
	Queued     int
	Completed  int64
	CallerRuns int64
	Rejected   int64
}

type task struct {
	fn   func()
	done chan any // nil for fire-and-forget; receives the panic value or nil
}

type Pool struct {
	cfg   Config
	tasks chan task
	log   *logrus.Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active     atomic.Int64
	completed  atomic.Int64
	callerRuns atomic.Int64
	rejected   atomic.Int64
}

// New starts cfg.Workers goroutines. Workers <= 0 selects DefaultWorkers and
// a negative QueueDepth selects DefaultQueueDepth; a zero QueueDepth is a
// hand-off queue that only accepts work when a worker is idle.
func New(cfg Config, log *logrus.Entry) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pool{
		cfg:   cfg,
		tasks: make(chan task, cfg.QueueDepth),
		log:   log.WithField("component", "workpool"),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		v := p.run(t.fn)
		if t.done != nil {
			t.done <- v
			continue
		}
		if v != nil {
			p.log.WithField("panic", v).Error("background task panicked")
		}
	}
}

func (p *Pool) run(fn func()) (recovered any) {
	p.active.Add(1)
	defer func() {
		recovered = recover()
		p.active.Add(-1)
		p.completed.Add(1)
	}()
	fn()
	return nil
}

// submit enqueues t. It reports inline=true when the caller must run the
// task itself.
func (p *Pool) submit(t task) (inline bool, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, ErrClosed
	}
	select {
	case p.tasks <- t:
		return false, nil
	default:
	}
	if p.cfg.Policy == Reject {
		p.rejected.Add(1)
		return false, ErrSaturated
	}
	p.callerRuns.Add(1)
	return true, nil
}

// Do runs fn on the pool and waits for it to finish. A panic in fn is
// re-raised on the calling goroutine.
func (p *Pool) Do(fn func()) error {
	t := task{fn: fn, done: make(chan any, 1)}
	inline, err := p.submit(t)
	if err != nil {
		return err
	}
	var v any
	if inline {
		v = p.run(fn)
	} else {
		v = <-t.done
	}
	if v != nil {
		panic(v)
	}
	return nil
}

// Go runs fn asynchronously. Under CallerRuns a full queue makes Go
// synchronous.
func (p *Pool) Go(fn func()) error {
	inline, err := p.submit(task{fn: fn})
	if err != nil {
		return err
	}
	if inline {
		if v := p.run(fn); v != nil {
			p.log.WithField("panic", v).Error("background task panicked")
		}
	}
	return nil
}

// Close stops accepting work, drains the queue and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Config() Config { return p.cfg }

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.cfg.Workers,
		Active:     p.active.Load(),
		Queued:     len(p.tasks),
		Completed:  p.completed.Load(),
		CallerRuns: p.callerRuns.Load(),
		Rejected:   p.rejected.Load(),
	}
}
