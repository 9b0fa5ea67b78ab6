// Package thread exposes the in-scope half of the kernel's thread
// bookkeeping — create/join/detach/exit — spec.md §4.3 specifies
// directly. The process-level mechanics it builds on (thread tables,
// reparenting, zombie marking) live in internal/kthread, since spec.md
// §1 scopes "process/thread bookkeeping" as an external collaborator of
// the join/detach core and this package is the thin syscall-shaped
// surface over it.
package thread

import "github.com/alexvogdanou/tinyos3/internal/kthread"

// ID identifies a thread within its process.
type ID = kthread.ThreadID

// NoThread is the sentinel ID distinct from any thread ever created.
const NoThread = kthread.NoThread

var (
	ErrInvalidThread = kthread.ErrInvalidThread
	ErrDetached      = kthread.ErrDetached
	ErrSelfJoin      = kthread.ErrSelfJoin
	ErrAlreadyExited = kthread.ErrAlreadyExited
)

// Thread is a handle to a running or exited kernel thread.
type Thread = kthread.Thread

// Process groups threads the way a kernel process does, and is the unit
// process-exit cleanup (reparenting, descriptor release) operates on.
type Process = kthread.Process

// NewProcess creates a process. init, if non-nil, inherits this
// process's children when it becomes a zombie.
func NewProcess(init *Process) *Process {
	return kthread.NewProcess(init)
}

// Create spawns a new thread running fn, registered with proc. If fn
// returns without calling t.Exit, the thread exits with code 0.
func Create(proc *Process, fn func(t *Thread)) *Thread {
	return proc.Spawn(fn)
}

// Join blocks the caller until tid exits, unless tid is detached first
// (ErrDetached) or does not belong to proc (ErrInvalidThread) or is the
// caller itself (ErrSelfJoin). caller may be nil if the calling context
// is not itself a tracked thread (e.g. a process's first goroutine).
func Join(proc *Process, caller *Thread, tid ID) (int, error) {
	return proc.Join(caller, tid)
}

// Detach marks tid as detached so no further Join can observe its exit
// value; any Join currently blocked on it wakes with ErrDetached.
func Detach(proc *Process, tid ID) error {
	return proc.Detach(tid)
}

// Exit records t's exit value, wakes blocked joiners, and — if t was the
// last live thread of its process — runs process-exit cleanup.
func Exit(t *Thread, v int) {
	t.Exit(v)
}
