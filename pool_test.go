package procpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/procpool/metrics"
)

func mkItem(t *testing.T, name, op string, params map[string]any) *Item {
	t.Helper()
	item, err := NewItem(name, op, params)
	require.NoError(t, err)
	return item
}

func runPool(t *testing.T, p *Pool) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	return done
}

func waitRunning(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, running, _, _ := p.Counts()
		if running >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never reached %d running tasks", n)
}

func TestPool_RunCompletesAll_WithinLimit(t *testing.T) {
	const limit, n = 2, 5

	p, err := New(limit, WithIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < n; i++ {
		require.NoError(t, p.Append(mkItem(t, fmt.Sprintf("t%d", i), "sleep", map[string]any{"ms": 100})))
	}

	// sample |running| while the pool drains
	var maxRunning int32
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, running, _, _ := p.Counts()
			if r := int32(running); r > atomic.LoadInt32(&maxRunning) {
				atomic.StoreInt32(&maxRunning, r)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	require.NoError(t, <-runPool(t, p))
	close(stop)

	require.Equal(t, n, p.Len())
	require.LessOrEqual(t, atomic.LoadInt32(&maxRunning), int32(limit))
	for _, task := range p.Completed() {
		require.Equal(t, Completed, task.State())
		require.Equal(t, ExitOK, task.ExitCode())
		require.NoError(t, task.Err())
		require.NotNil(t, task.Result())
		require.Greater(t, task.Duration(), time.Duration(0))
	}
}

func TestPool_FIFOAdmissionOrder(t *testing.T) {
	const n = 5

	p, err := New(2, WithIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	items := make([]*Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, mkItem(t, fmt.Sprintf("t%d", i), "sleep", map[string]any{"ms": 50}))
	}
	require.NoError(t, p.Extend(items))
	require.NoError(t, <-runPool(t, p))
	require.Equal(t, n, p.Len())

	byName := make(map[string]*Task, n)
	for _, task := range p.Completed() {
		byName[task.Name()] = task
	}
	for i := 1; i < n; i++ {
		prev := byName[fmt.Sprintf("t%d", i-1)]
		cur := byName[fmt.Sprintf("t%d", i)]
		require.False(t, cur.StartedAt().Before(prev.StartedAt()),
			"t%d started before t%d", i, i-1)
	}
}

func TestPool_InvokeErrorIsConfined(t *testing.T) {
	p, err := New(2, WithIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Append(mkItem(t, "bad", "fail", map[string]any{"msg": "boom"})))
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Append(mkItem(t, fmt.Sprintf("ok%d", i), "echo", nil)))
	}

	require.NoError(t, <-runPool(t, p))
	require.Equal(t, 5, p.Len())

	for _, task := range p.Completed() {
		if task.Name() == "bad" {
			require.Equal(t, ExitInvoke, task.ExitCode())
			require.NoError(t, task.Err()) // confined to the result, not a task failure
			require.Equal(t, "boom", task.Result()["error"])
			continue
		}
		require.Equal(t, ExitOK, task.ExitCode())
		require.NotContains(t, task.Result(), "error")
	}
}

func TestPool_TransmissionFailureIsReported(t *testing.T) {
	tests := []struct {
		name       string
		op         string
		expectExit int
	}{
		{name: "serialization failure in the child", op: "badresult", expectExit: ExitEncode},
		{name: "panic in the child", op: "panic", expectExit: ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(1, WithIdleTimeout(200*time.Millisecond))
			require.NoError(t, err)
			defer p.Close()

			require.NoError(t, p.Append(mkItem(t, "x", tt.op, nil)))
			require.NoError(t, <-runPool(t, p))
			require.Equal(t, 1, p.Len())

			task := p.At(0)
			require.Equal(t, tt.expectExit, task.ExitCode())
			require.ErrorIs(t, task.Err(), ErrNoResult)
			require.NotEmpty(t, task.Result()["error"])
		})
	}
}

func TestPool_TruncatedResultIsReported(t *testing.T) {
	p, err := New(1, WithIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Append(mkItem(t, "g", "garbled", nil)))
	require.NoError(t, <-runPool(t, p))
	require.Equal(t, 1, p.Len())

	task := p.At(0)
	require.Equal(t, ExitOK, task.ExitCode())
	require.ErrorIs(t, task.Err(), ErrBadResult)
	require.NotEmpty(t, task.Result()["error"])
}

func TestPool_ExtendRejectsWholeSlice(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	defer p.Close()

	items := []*Item{
		mkItem(t, "a", "echo", nil),
		nil,
		mkItem(t, "b", "echo", nil),
	}
	require.ErrorIs(t, p.Extend(items), ErrInvalidItem)

	pending, _, _, _ := p.Counts()
	require.Zero(t, pending, "a rejected slice must not enqueue anything")

	require.NoError(t, p.Extend([]*Item{items[0], items[2]}))
	pending, _, _, _ = p.Counts()
	require.Equal(t, 2, pending)
}

func TestPool_LargeResultArrivesOverMultipleReads(t *testing.T) {
	p, err := New(1, WithIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Append(mkItem(t, "big", "big", nil)))
	require.NoError(t, <-runPool(t, p))

	task := p.At(0)
	require.NoError(t, task.Err())
	blob, _ := task.Result()["blob"].(string)
	require.Len(t, blob, 256*1024)
}

func TestPool_TerminateIsIdempotent(t *testing.T) {
	p, err := New(2, WithIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Append(mkItem(t, fmt.Sprintf("t%d", i), "echo", nil)))
	}
	require.NoError(t, <-runPool(t, p))
	require.Equal(t, 3, p.Len())

	require.Zero(t, p.Terminate())
	require.Zero(t, p.Terminate())
	require.Equal(t, 3, p.Len())
}

func TestPool_TerminateBeforeRun(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	require.NoError(t, p.Append(mkItem(t, "never-a", "echo", nil)))
	require.NoError(t, p.Append(mkItem(t, "never-b", "echo", nil)))

	require.Zero(t, p.Terminate())

	require.Equal(t, 2, p.Len())
	for _, task := range p.Completed() {
		require.Equal(t, Completed, task.State())
		require.Zero(t, task.Pid())
		require.Nil(t, task.Result())
		require.Zero(t, task.Duration())
	}
}

func TestPool_TerminateEscalatesToKill(t *testing.T) {
	const n = 3

	p, err := New(n,
		WithIdleTimeout(100*time.Millisecond),
		WithTermGrace(300*time.Millisecond),
		WithKillGrace(3*time.Second),
	)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < n; i++ {
		require.NoError(t, p.Append(mkItem(t, fmt.Sprintf("s%d", i), "stubborn", nil)))
	}
	done := runPool(t, p)
	waitRunning(t, p, n)
	// give the children a beat to install their SIGTERM disposition
	time.Sleep(150 * time.Millisecond)

	begin := time.Now()
	stuck := p.Terminate()
	elapsed := time.Since(begin)

	require.Zero(t, stuck)
	require.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	require.Less(t, elapsed, 4*time.Second)

	require.NoError(t, <-done)
	require.Equal(t, n, p.Len())
	for _, task := range p.Completed() {
		require.Equal(t, syscall.SIGKILL, task.Signal())
	}
	require.Zero(t, p.Stuck())
}

func TestPool_ContextCancelTerminatesRun(t *testing.T) {
	p, err := New(2, WithIdleTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Append(mkItem(t, fmt.Sprintf("t%d", i), "sleep", map[string]any{"ms": 5000})))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	waitRunning(t, p, 2)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.Equal(t, 3, p.Len())
}

func TestPool_AppendAfterRun(t *testing.T) {
	p, err := New(1, WithIdleTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Append(mkItem(t, "t0", "echo", nil)))
	require.NoError(t, <-runPool(t, p))

	err = p.Append(mkItem(t, "late", "echo", nil))
	require.ErrorIs(t, err, ErrAlreadyRunning)

	err = p.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPool_Metrics(t *testing.T) {
	provider := metrics.NewBasicProvider()
	p, err := New(2, WithIdleTimeout(200*time.Millisecond), WithMetrics(provider))
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Append(mkItem(t, fmt.Sprintf("t%d", i), "echo", nil)))
	}
	require.NoError(t, <-runPool(t, p))

	require.EqualValues(t, 3, provider.CounterValue("procpool_tasks_started"))
	require.EqualValues(t, 3, provider.CounterValue("procpool_tasks_completed"))
	require.EqualValues(t, 0, provider.UpDownValue("procpool_tasks_running"))
	count, sum := provider.HistogramStats("procpool_task_duration_seconds")
	require.EqualValues(t, 3, count)
	require.Greater(t, sum, 0.0)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		opts  []Option
	}{
		{name: "zero limit", limit: 0},
		{name: "negative limit", limit: -1},
		{name: "zero idle timeout", limit: 1, opts: []Option{WithIdleTimeout(0)}},
		{name: "negative term grace", limit: 1, opts: []Option{WithTermGrace(-time.Second)}},
		{name: "negative kill grace", limit: 1, opts: []Option{WithKillGrace(-time.Second)}},
		{name: "negative reap grace", limit: 1, opts: []Option{WithReapGrace(-time.Second)}},
		{name: "nil metrics provider", limit: 1, opts: []Option{WithMetrics(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.limit, tt.opts...)
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Nil(t, p)
		})
	}
}

func TestNew_NilOptionIsSkipped(t *testing.T) {
	p, err := New(1, nil, WithIdleTimeout(time.Second))
	require.NoError(t, err)
	require.NotNil(t, p)
}
