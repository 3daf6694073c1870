package procpool

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/ygrebnov/errorc"
)

// State identifies where a task is in its lifecycle. Transitions are strictly
// forward: Pending -> Running -> Exiting -> Completed. A task terminated
// before it ever ran moves from Pending to Completed directly, with no process
// identity and no result.
type State int

const (
	Pending State = iota
	Running
	Exiting
	Completed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// noSignal marks a task whose child was not killed by a signal.
const noSignal = syscall.Signal(-1)

// readEvent is one readiness notification from a task's reader goroutine.
// A zero-length read with eof set means the child closed its end.
type readEvent struct {
	task *Task
	data []byte
	eof  bool
}

// waitStatus carries a reaped child exit status.
type waitStatus struct {
	code   int
	signal syscall.Signal
}

// Task binds one Item to a spawned worker process and the read end of its
// result pipe. The pool owns all mutable fields; accessors are meaningful once
// the task has completed and are not safe for concurrent use while the pool is
// still running the task.
type Task struct {
	item *Item

	state State
	pid   int
	proc  *os.Process
	rd    *os.File
	buf   []byte

	started  time.Time
	duration time.Duration

	exitCode int
	signal   syscall.Signal
	reaped   bool
	waitCh   chan waitStatus

	result map[string]any
	err    error
}

func newTask(item *Item) *Task {
	return &Task{item: item, exitCode: -1, signal: noSignal}
}

// start spawns the worker child. The child keeps only the writable pipe end
// (fd 3) and stderr; stdin and stdout go to the null device. The parent keeps
// the process handle and the readable end, and launches the reader and wait
// goroutines that feed the pool's event loop.
func (t *Task) start(events chan<- readEvent, done <-chan struct{}, log zerolog.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return errorc.With(ErrSpawn, errorc.String("cause", err.Error()))
	}
	r, w, err := os.Pipe()
	if err != nil {
		return errorc.With(ErrSpawn, errorc.String("cause", err.Error()))
	}

	cmd := exec.Command(exe)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{w}
	cmd.Env = append(os.Environ(), childEnv+"="+string(t.item.payload))

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return errorc.With(ErrSpawn,
			errorc.String("item", t.item.name),
			errorc.String("cause", err.Error()))
	}
	_ = w.Close() // the child holds the write end now

	t.proc = cmd.Process
	t.pid = cmd.Process.Pid
	t.rd = r
	t.started = time.Now()
	t.waitCh = make(chan waitStatus, 1)

	log.Debug().Str("item", t.item.name).Int("pid", t.pid).Msg("worker started")

	go t.watch(cmd)
	go t.read(r, events, done)
	return nil
}

// watch performs the blocking wait on the pool's behalf; reap collects the
// status without blocking via the 1-buffered channel.
func (t *Task) watch(cmd *exec.Cmd) {
	err := cmd.Wait()
	st := waitStatus{code: 0, signal: noSignal}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		st.code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.signal = ws.Signal()
		}
	default:
		// wait itself failed; the child is gone, treat as already reaped
		st.code = -1
	}
	t.waitCh <- st
}

// read delivers pipe readiness to the pool's event loop. It exits on EOF, on a
// read error, or when the pool's done channel closes. It holds its own
// reference to the pipe because reap may close t.rd concurrently.
func (t *Task) read(rd *os.File, events chan<- readEvent, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		ev := readEvent{task: t}
		if n > 0 {
			ev.data = append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			ev.eof = true
		}
		select {
		case events <- ev:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// finalize consumes one readiness event, appending bytes to the buffer. It
// reports true when the child has closed its end: the pipe is closed on the
// parent side, the buffered document parsed, and the duration fixed. The
// additive buffer matters because a JSON document may arrive over several
// reads.
func (t *Task) finalize(ev readEvent, log zerolog.Logger) bool {
	if len(ev.data) > 0 {
		t.buf = append(t.buf, ev.data...)
	}
	if !ev.eof {
		return false
	}
	t.closeRead()
	t.duration = time.Since(t.started)
	t.parseResult(log)
	return true
}

// parseResult turns the accumulated bytes into the result mapping. An empty or
// unparseable buffer despite a clean close is an error outcome, never silent
// success.
func (t *Task) parseResult(log zerolog.Logger) {
	if len(t.buf) == 0 {
		t.err = ErrNoResult
		t.result = map[string]any{"error": ErrNoResult.Error()}
		log.Warn().Str("item", t.item.name).Int("pid", t.pid).Msg("no result bytes before channel close")
		return
	}
	var m map[string]any
	if err := json.Unmarshal(t.buf, &m); err != nil {
		t.err = errorc.With(ErrBadResult, errorc.String("item", t.item.name))
		t.result = map[string]any{"error": t.err.Error()}
		log.Warn().Str("item", t.item.name).Int("pid", t.pid).Err(err).Msg("result document unparseable")
		return
	}
	t.result = m
}

// reap attempts to collect the exit status without blocking. The pool retries
// it every scheduling cycle until it succeeds.
func (t *Task) reap() bool {
	if t.reaped {
		return true
	}
	if t.waitCh == nil {
		// never started; nothing to collect
		t.reaped = true
		return true
	}
	select {
	case st := <-t.waitCh:
		t.exitCode = st.code
		t.signal = st.signal
		t.reaped = true
		t.closeRead()
		if t.duration == 0 && !t.started.IsZero() {
			// killed before the transfer finished
			t.duration = time.Since(t.started)
		}
		return true
	default:
		return false
	}
}

// signalProc delivers sig to the child. A process that is already gone counts
// as delivered.
func (t *Task) signalProc(sig syscall.Signal, log zerolog.Logger) {
	if t.proc == nil || t.reaped {
		return
	}
	if err := t.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn().Str("item", t.item.name).Int("pid", t.pid).
			Str("signal", sig.String()).Err(err).Msg("signal delivery failed")
	}
}

func (t *Task) closeRead() {
	if t.rd != nil {
		_ = t.rd.Close()
		t.rd = nil
	}
}

// Name returns the owning item's display name.
func (t *Task) Name() string { return t.item.name }

// State returns the task's lifecycle state.
func (t *Task) State() State { return t.state }

// Pid returns the child process id, or 0 if the task never started.
func (t *Task) Pid() int { return t.pid }

// StartedAt returns when the child was spawned (zero if it never was).
func (t *Task) StartedAt() time.Time { return t.started }

// Duration returns the wall time from spawn to channel close (or to reap, for
// a child killed mid-transfer).
func (t *Task) Duration() time.Duration { return t.duration }

// ExitCode returns the child's exit code, or -1 if it was killed by a signal
// or never started.
func (t *Task) ExitCode() int { return t.exitCode }

// Signal returns the signal that killed the child, or a negative value if the
// child exited normally.
func (t *Task) Signal() syscall.Signal { return t.signal }

// Result returns the parsed result mapping, or the synthesized error mapping
// for a task whose transfer failed. It is nil for tasks that never ran.
func (t *Task) Result() map[string]any { return t.result }

// Err reports a task-level failure: a spawn error, a missing result, or an
// unparseable result document. An invocation error inside the child is not a
// task-level failure; it is recorded in the result's "error" field.
func (t *Task) Err() error { return t.err }
