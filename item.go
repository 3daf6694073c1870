package procpool

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/ygrebnov/errorc"
)

// InvokeFunc performs the actual work of an item. It runs inside a worker
// child process and must return a JSON-serializable mapping or an error.
type InvokeFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Precondition is a constructor-time check attached to an item. A failing
// precondition fails NewItem, not the eventual invocation, so an unusable item
// never occupies a pool slot.
type Precondition func() error

func errInvalidItem(msg string) error {
	return errorc.With(ErrInvalidItem, errorc.String("", msg))
}

// RequirePath returns a Precondition verifying that path exists.
func RequirePath(path string) Precondition {
	return func() error {
		if _, err := os.Stat(path); err != nil {
			return errorc.With(ErrPrecondition, errorc.String("path", path))
		}
		return nil
	}
}

// The operation registry maps names to invocation functions. A Go closure
// cannot cross the process boundary, so items reference work by registered
// name and the worker child looks the function up again on its side.
var registry = struct {
	mu  sync.RWMutex
	ops map[string]InvokeFunc
}{ops: make(map[string]InvokeFunc)}

// Register binds an operation name to its invocation function. It must run
// before ChildMain in both the parent and (by virtue of re-execution) the
// worker children. Registering the same name twice is an error.
func Register(op string, fn InvokeFunc) error {
	if op == "" || fn == nil {
		return errorc.With(ErrInvalidItem, errorc.String("", "Register requires a name and a function"))
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.ops[op]; ok {
		return errorc.With(ErrOpRegistered, errorc.String("op", op))
	}
	registry.ops[op] = fn
	return nil
}

func lookup(op string) (InvokeFunc, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	fn, ok := registry.ops[op]
	return fn, ok
}

// Item is one immutable unit of work: a display name, a registered operation,
// and a JSON-serializable parameter map. Ownership passes to exactly one Task
// when the item is appended to a Pool.
type Item struct {
	name    string
	op      string
	payload []byte
}

// NewItem validates and constructs a work item. Validation happens here, not
// at invocation time: the operation must be registered, params must survive a
// JSON round trip, and every precondition must pass.
func NewItem(name, op string, params map[string]any, checks ...Precondition) (*Item, error) {
	if name == "" {
		return nil, errorc.With(ErrInvalidItem, errorc.String("", "display name must not be empty"))
	}
	if op == "" {
		return nil, errorc.With(ErrInvalidItem, errorc.String("", "operation name must not be empty"))
	}
	if _, ok := lookup(op); !ok {
		return nil, errorc.With(ErrOpNotRegistered, errorc.String("op", op))
	}
	for _, check := range checks {
		if check == nil {
			continue
		}
		if err := check(); err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(childSpec{Name: name, Op: op, Params: params})
	if err != nil {
		return nil, errorc.With(ErrInvalidItem,
			errorc.String("op", op),
			errorc.String("cause", err.Error()))
	}
	return &Item{name: name, op: op, payload: payload}, nil
}

// Name returns the item's human-readable display name.
func (i *Item) Name() string { return i.name }

// Op returns the registered operation name the item invokes.
func (i *Item) Op() string { return i.op }
