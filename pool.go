package procpool

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge/procpool/metrics"
)

// Pool schedules work items onto a bounded set of worker processes. It owns
// four disjoint, insertion-ordered collections (pending, running, exiting,
// completed); every task is a member of exactly one at any time, and the total
// count is fixed once Run starts.
//
// The scheduling loop itself is a single goroutine; its only suspension point
// is the readiness wait. The mutex exists because Terminate may be called
// concurrently, e.g. from a signal handler.
type Pool struct {
	// noCopy prevents accidental copying of the pool.
	nc noCopy

	config *config
	log    zerolog.Logger

	mu        sync.Mutex
	pending   []*Task
	running   []*Task
	exiting   []*Task
	completed []*Task
	started   bool
	stuck     int

	// readiness notifications from task reader goroutines
	events chan readEvent
	// closed when Run returns; releases reader goroutines blocked on events
	done chan struct{}
	// nudges the scheduling loop out of its readiness wait after Terminate
	wake chan struct{}

	closeOnce sync.Once

	mStarted   metrics.Counter
	mCompleted metrics.Counter
	mRunning   metrics.UpDownCounter
	mDuration  metrics.Histogram
}

// noCopy is a vet-recognized marker to discourage copying types with this
// field embedded.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// New creates a Pool with the given concurrency limit using functional
// options.
func New(limit int, opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	cfg.Limit = limit
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	p := &Pool{
		config: &cfg,
		log:    cfg.Logger,
		events: make(chan readEvent, 64),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	p.mStarted = cfg.Metrics.Counter("procpool_tasks_started", metrics.WithUnit("1"))
	p.mCompleted = cfg.Metrics.Counter("procpool_tasks_completed", metrics.WithUnit("1"))
	p.mRunning = cfg.Metrics.UpDownCounter("procpool_tasks_running", metrics.WithUnit("1"))
	p.mDuration = cfg.Metrics.Histogram("procpool_task_duration_seconds", metrics.WithUnit("seconds"))
	return p, nil
}

// Append enqueues one item. Items can only be added before Run starts.
func (p *Pool) Append(item *Item) error {
	if item == nil {
		return errInvalidItem("nil item")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyRunning
	}
	p.pending = append(p.pending, newTask(item))
	return nil
}

// Extend enqueues items in order. The slice is validated as a whole before any
// item is enqueued, so a failed call leaves the queue untouched.
func (p *Pool) Extend(items []*Item) error {
	for _, item := range items {
		if item == nil {
			return errInvalidItem("nil item")
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyRunning
	}
	for _, item := range items {
		p.pending = append(p.pending, newTask(item))
	}
	return nil
}

// Run executes every appended item to completion and returns only when all
// tasks have completed. Isolated item failures never make Run return an error;
// only a spawn-level failure does, after terminating the rest of the run.
// Cancelling ctx terminates the pool as if Terminate had been called.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.started = true
	p.mu.Unlock()

	defer close(p.done)

	if ctx == nil {
		ctx = context.Background()
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.Terminate()
		case <-stop:
		}
	}()

	if err := p.loop(); err != nil {
		return err
	}
	p.finalReap()
	return nil
}

// depths is a snapshot of collection sizes, used for idle diagnostics.
type depths struct {
	pending, running, exiting, completed int
}

// loop is the cooperative scheduling cycle: admit, reap, wait for readiness,
// finalize. It returns when pending and running are both empty; stragglers in
// exiting are left for the final reap pass.
func (p *Pool) loop() error {
	var prev depths
	for {
		p.mu.Lock()

		// admit pending work FIFO up to the concurrency limit
		for len(p.pending) > 0 && len(p.running) < p.config.Limit {
			t := p.pending[0]
			p.pending = p.pending[1:]
			if err := t.start(p.events, p.done, p.log); err != nil {
				t.err = err
				t.state = Completed
				p.completed = append(p.completed, t)
				p.mCompleted.Add(1)
				p.mu.Unlock()
				p.log.Error().Err(err).Str("item", t.item.name).Msg("spawn failed, terminating run")
				p.Terminate()
				return err
			}
			t.state = Running
			p.running = append(p.running, t)
			p.mStarted.Add(1)
			p.mRunning.Add(1)
		}

		// retry reaping everything currently in exiting
		p.reapExitingLocked()

		d := depths{len(p.pending), len(p.running), len(p.exiting), len(p.completed)}
		p.mu.Unlock()

		if d.pending == 0 && d.running == 0 {
			return nil
		}

		select {
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-p.wake:
			// collections changed underneath us; recheck immediately
		case <-time.After(p.config.IdleTimeout):
			if d == prev {
				p.log.Debug().
					Int("pending", d.pending).Int("running", d.running).
					Int("exiting", d.exiting).Int("completed", d.completed).
					Msg("pool idle")
			}
		}
		prev = d
	}
}

// handleEvent applies one readiness notification. Events for tasks no longer
// in running (terminated concurrently) are dropped.
func (p *Pool) handleEvent(ev readEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := ev.task
	if t.state != Running {
		return
	}
	if t.finalize(ev, p.log) {
		p.removeRunningLocked(t)
		t.state = Exiting
		p.exiting = append(p.exiting, t)
		p.mRunning.Add(-1)
	}
}

func (p *Pool) removeRunningLocked(t *Task) {
	for i, rt := range p.running {
		if rt == t {
			p.running = append(p.running[:i], p.running[i+1:]...)
			return
		}
	}
}

// reapExitingLocked moves every reapable task from exiting to completed.
func (p *Pool) reapExitingLocked() {
	kept := p.exiting[:0]
	for _, t := range p.exiting {
		if t.reap() {
			t.state = Completed
			p.completed = append(p.completed, t)
			p.mCompleted.Add(1)
			p.mDuration.Record(t.duration.Seconds())
			p.log.Debug().Str("item", t.item.name).Int("pid", t.pid).
				Int("exit", t.exitCode).Dur("duration", t.duration).
				Msg("task completed")
		} else {
			kept = append(kept, t)
		}
	}
	p.exiting = kept
}

// finalReap collects children whose exit notification lagged the channel
// close, bounded by the reap grace period.
func (p *Pool) finalReap() {
	deadline := time.Now().Add(p.config.ReapGrace)
	for {
		p.mu.Lock()
		p.reapExitingLocked()
		n := len(p.exiting)
		p.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	p.mu.Lock()
	for _, t := range p.exiting {
		p.log.Warn().Str("item", t.item.name).Int("pid", t.pid).
			Msg("child did not report exit status in time")
	}
	p.mu.Unlock()
}

// Terminate forces the pool toward completion. It may be called at any time,
// including concurrently with Run from a signal handler, and is idempotent: a
// second call with nothing left outside completed is a no-op.
//
// Never-started tasks complete directly with no process and no result. Live
// children receive SIGTERM and are reaped within the term grace; survivors
// receive SIGKILL and a second bounded reap. Anything still alive after both
// stages is logged and left un-reaped rather than blocking forever. Terminate
// returns the count of such stuck tasks.
func (p *Pool) Terminate() int {
	p.mu.Lock()
	for _, t := range p.pending {
		t.state = Completed
		p.completed = append(p.completed, t)
		p.mCompleted.Add(1)
	}
	p.pending = nil

	for _, t := range p.exiting {
		t.signalProc(syscall.SIGTERM, p.log)
	}
	for _, t := range p.running {
		t.signalProc(syscall.SIGTERM, p.log)
		t.state = Exiting
		p.exiting = append(p.exiting, t)
		p.mRunning.Add(-1)
	}
	p.running = nil
	remaining := len(p.exiting)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	if remaining == 0 {
		return 0
	}

	if p.reapFor(p.config.TermGrace) == 0 {
		return 0
	}

	p.mu.Lock()
	for _, t := range p.exiting {
		p.log.Warn().Str("item", t.item.name).Int("pid", t.pid).
			Msg("child ignored termination, killing")
		t.signalProc(syscall.SIGKILL, p.log)
	}
	p.mu.Unlock()

	left := p.reapFor(p.config.KillGrace)
	if left > 0 {
		p.mu.Lock()
		for _, t := range p.exiting {
			p.log.Error().Str("item", t.item.name).Int("pid", t.pid).
				Msg("failed to terminate child")
		}
		p.stuck = left
		p.mu.Unlock()
	}
	return left
}

// reapFor repeatedly attempts to reap exiting tasks for at most d, returning
// the number still un-reaped.
func (p *Pool) reapFor(d time.Duration) int {
	deadline := time.Now().Add(d)
	for {
		p.mu.Lock()
		p.reapExitingLocked()
		n := len(p.exiting)
		p.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			return n
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Close terminates anything still unmanaged. It is safe in a defer, so an
// error propagating out of the owning scope never leaks worker processes.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { p.Terminate() })
}

// Completed returns the completed tasks in completion order. Meaningful after
// Run returns (or after Terminate).
func (p *Pool) Completed() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Task(nil), p.completed...)
}

// Len returns the number of completed tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed)
}

// At returns the i-th completed task in completion order.
func (p *Pool) At(i int) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed[i]
}

// Counts reports the current collection depths.
func (p *Pool) Counts() (pending, running, exiting, completed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending), len(p.running), len(p.exiting), len(p.completed)
}

// Stuck returns how many children resisted both termination stages.
func (p *Pool) Stuck() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stuck
}
