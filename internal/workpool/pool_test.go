package workpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill occupies the single worker of p and its one queue slot. The returned
// func releases both.
func fill(t *testing.T, p *Pool) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})

	require.NoError(t, p.Go(func() {
		close(started)
		<-gate
	}))
	<-started
	require.NoError(t, p.Go(func() { <-gate }))
	require.Equal(t, 1, p.Stats().Queued)

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func TestDoRunsTask(t *testing.T) {
	p := New(Config{Workers: 2, QueueDepth: 2}, nil)
	defer p.Close()

	ran := false
	require.NoError(t, p.Do(func() { ran = true }))
	assert.True(t, ran)
	assert.Equal(t, int64(1), p.Stats().Completed)
}

func TestWorkerBound(t *testing.T) {
	p := New(Config{Workers: 3, QueueDepth: 100, Policy: Reject}, nil)

	var cur, peak atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Go(func() {
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
		}))
	}
	p.Close()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(50), p.Stats().Completed)
}

func TestCallerRunsWhenSaturated(t *testing.T) {
	p := New(Config{Workers: 1, QueueDepth: 1, Policy: CallerRuns}, nil)
	release := fill(t, p)
	defer p.Close()
	defer release()

	ran := false
	require.NoError(t, p.Do(func() { ran = true }))
	assert.True(t, ran, "saturated pool runs the task on the caller")
	assert.Equal(t, int64(1), p.Stats().CallerRuns)
	assert.Zero(t, p.Stats().Rejected)
}

func TestRejectWhenSaturated(t *testing.T) {
	p := New(Config{Workers: 1, QueueDepth: 1, Policy: Reject}, nil)
	release := fill(t, p)
	defer p.Close()
	defer release()

	err := p.Do(func() { t.Error("rejected task must not run") })
	assert.ErrorIs(t, err, ErrSaturated)
	assert.ErrorIs(t, p.Go(func() {}), ErrSaturated)
	assert.Equal(t, int64(2), p.Stats().Rejected)

	release()
	assert.Eventually(t, func() bool { return p.Stats().Queued == 0 && p.Stats().Active == 0 },
		time.Second, 5*time.Millisecond)
	assert.NoError(t, p.Do(func() {}))
}

func TestCloseDrainsQueue(t *testing.T) {
	p := New(Config{Workers: 1, QueueDepth: 10}, nil)

	var n atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Go(func() { n.Add(1) }))
	}
	p.Close()
	assert.Equal(t, int64(10), n.Load())

	assert.ErrorIs(t, p.Do(func() {}), ErrClosed)
	assert.ErrorIs(t, p.Go(func() {}), ErrClosed)
	p.Close()
}

func TestDoPropagatesPanic(t *testing.T) {
	p := New(Config{Workers: 1, QueueDepth: 1}, nil)
	defer p.Close()

	assert.PanicsWithValue(t, "boom", func() {
		_ = p.Do(func() { panic("boom") })
	})
	assert.NoError(t, p.Do(func() {}), "worker survives a panicking task")
}

func TestNewDefaults(t *testing.T) {
	p := New(Config{QueueDepth: -1}, nil)
	defer p.Close()

	assert.Equal(t, DefaultWorkers, p.Config().Workers)
	assert.Equal(t, DefaultQueueDepth, p.Config().QueueDepth)
	assert.Equal(t, CallerRuns, p.Config().Policy)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "caller-runs", want: CallerRuns},
		{in: "", want: CallerRuns},
		{in: "REJECT", want: Reject},
		{in: "drop-oldest", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Policy {
	t.Helper()
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}
