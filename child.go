package procpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Worker child exit codes. The parent uses them to tell a failed invocation
// apart from a failed result transmission.
const (
	// ExitOK: the invocation succeeded and its result mapping was written.
	ExitOK = 0
	// ExitInvoke: the invocation returned an error; an {"error": ...} mapping
	// was written in place of a result.
	ExitInvoke = 3
	// ExitEncode: the result could not be serialized or written to the pipe.
	// The parent sees a clean channel close with no (or partial) bytes.
	ExitEncode = 4
	// ExitInternal: any other condition — bad payload, unregistered operation,
	// or a panic inside the invocation.
	ExitInternal = 5
)

// childEnv carries the encoded childSpec into the re-executed binary. Its
// presence is what distinguishes a worker child from the parent.
const childEnv = "PROCPOOL_CHILD"

// resultFd is where the writable pipe end lands in the child: the first
// ExtraFiles slot, after stdin/stdout/stderr.
const resultFd = 3

// childSpec is the wire form of an Item handed to a worker child.
type childSpec struct {
	Name   string         `json:"name"`
	Op     string         `json:"op"`
	Params map[string]any `json:"params,omitempty"`
}

// ChildMain must be called at the top of the host binary's main (and of
// TestMain in tests), after operations are registered. In the parent it is a
// no-op. In a worker child it runs the item, writes the result document to the
// pipe, and exits with one of the codes above.
func ChildMain() {
	payload := os.Getenv(childEnv)
	if payload == "" {
		return
	}
	os.Exit(runChild(payload, os.NewFile(resultFd, "result")))
}

// runChild executes one decoded item. Diagnostics go to stderr, which the
// parent leaves attached so child output is not lost.
func runChild(payload string, out *os.File) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "%s: worker panicked: %v\n", Namespace, r)
			code = ExitInternal
		}
	}()

	var spec childSpec
	if err := json.Unmarshal([]byte(payload), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "%s: bad worker payload: %v\n", Namespace, err)
		return ExitInternal
	}
	fn, ok := lookup(spec.Op)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: operation %q not registered in this binary\n", Namespace, spec.Op)
		return ExitInternal
	}
	if out == nil {
		fmt.Fprintf(os.Stderr, "%s: result descriptor missing\n", Namespace)
		return ExitInternal
	}
	defer out.Close()

	result, err := fn(context.Background(), spec.Params)
	code = ExitOK
	if err != nil {
		result = map[string]any{"error": err.Error()}
		code = ExitInvoke
	}

	data, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot serialize result of %q: %v\n", Namespace, spec.Name, err)
		return ExitEncode
	}
	if _, err := out.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot transmit result of %q: %v\n", Namespace, spec.Name, err)
		return ExitEncode
	}
	return code
}
