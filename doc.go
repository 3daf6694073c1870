// Package procpool executes caller-supplied work items in a bounded pool of
// worker processes.
//
// Each work item names a registered operation and carries a JSON-serializable
// parameter map. The pool spawns one child process per item (re-executing the
// host binary in worker mode), reads the item's JSON result document back over
// a one-way pipe, and collects the child's exit status. True parallelism comes
// from the OS scheduling the children; the pool itself is a single cooperative
// scheduling loop whose only suspension point is the readiness wait.
//
// Host binary setup
//
// Worker children are the host binary re-executed with a marker environment
// variable, so main (and TestMain in tests) must register operations and then
// call ChildMain before doing anything else:
//
//	func main() {
//		procpool.Register("convert", convertOp)
//		procpool.ChildMain() // no-op in the parent
//		...
//	}
//
// Lifecycle
//
// Items are appended before Run; Run drains them to completion honoring the
// concurrency limit. Terminate may be called at any time, including from a
// signal handler concurrently with Run: it completes never-started items
// directly, sends SIGTERM to live children, and escalates to SIGKILL after a
// bounded grace period. Close is safe in a defer and terminates anything still
// unmanaged, so an abnormal exit path never leaks worker processes.
//
// There is no per-item timeout: a hung child occupies its slot until Terminate
// is called. This is deliberate; callers own cancellation policy.
package procpool
