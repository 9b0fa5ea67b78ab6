// Package stream is the syscall-shaped surface spec.md §6 describes:
// the three per-role operation tables (pipe reader, pipe writer, socket)
// installed on fdtable control blocks, and the syscall entry points
// (pipe, socket, listen, connect, accept, shutdown, read, write, close,
// plus the three thread calls) that dispatch through them. This is the
// only package allowed to collapse an internal error into the -1/NOFILE/
// NOTHREAD sentinel surface spec.md §7 mandates; pipe, socket, and
// thread keep returning idiomatic Go errors so they stay independently
// testable, the same split the teacher draws between smux/kcp-go
// (typed errors) and kcptun's handleClient/checkError (the place that
// turns an error into a log line and a process outcome).
package stream

import (
	"time"

	"github.com/alexvogdanou/tinyos3/internal/fdtable"
	"github.com/alexvogdanou/tinyos3/pipe"
	"github.com/alexvogdanou/tinyos3/socket"
	"github.com/alexvogdanou/tinyos3/thread"
)

// Descriptor renames fdtable.Descriptor at this layer since it is the
// type user-facing syscalls traffic in.
type Descriptor = fdtable.Descriptor

// NoFile is the sentinel descriptor value, distinct from any valid one.
const NoFile = fdtable.NoFile

// NoThread is the sentinel thread id value.
const NoThread = thread.NoThread

var pipeReaderOps = fdtable.Ops{
	Name: "pipe-reader",
	Read: func(obj any, buf []byte) (int, error) { return obj.(*pipe.Pipe).Read(buf) },
	Close: func(obj any) error {
		obj.(*pipe.Pipe).CloseReader()
		return nil
	},
}

var pipeWriterOps = fdtable.Ops{
	Name:  "pipe-writer",
	Write: func(obj any, buf []byte) (int, error) { return obj.(*pipe.Pipe).Write(buf) },
	Close: func(obj any) error {
		obj.(*pipe.Pipe).CloseWriter()
		return nil
	},
}

var socketOps = fdtable.Ops{
	Name:  "socket",
	Read:  func(obj any, buf []byte) (int, error) { return obj.(*socket.Socket).Read(buf) },
	Write: func(obj any, buf []byte) (int, error) { return obj.(*socket.Socket).Write(buf) },
	Close: func(obj any) error { return obj.(*socket.Socket).Close() },
}

// Kernel bundles the descriptor table and port namespace a set of
// syscalls operate against — the in-process stand-in for "the current
// process" spec.md's syscall table is implicitly scoped to.
type Kernel struct {
	Files *fdtable.Table
	Ports *socket.PortTable
}

// NewKernel returns a Kernel with a fresh descriptor table and port
// namespace.
func NewKernel() *Kernel {
	return &Kernel{
		Files: fdtable.NewTable(),
		Ports: socket.NewPortTable(),
	}
}

// PipePair is populated by Pipe on success, mirroring spec.md's
// "pointer to a pair-of-descriptors struct" pipe(out_pair) argument.
type PipePair struct {
	Read  Descriptor
	Write Descriptor
}

// Pipe implements the pipe() syscall: 0 on success (out populated),
// -1 if out is nil.
func (k *Kernel) Pipe(out *PipePair) int {
	if out == nil {
		return -1
	}
	p := pipe.New()
	readDescs, _ := k.Files.Reserve(1, pipeReaderOps, func() any { return p })
	writeDescs, _ := k.Files.Reserve(1, pipeWriterOps, func() any { return p })
	out.Read = readDescs[0]
	out.Write = writeDescs[0]
	return 0
}

// Socket implements the socket(port) syscall.
func (k *Kernel) Socket(port socket.Port) Descriptor {
	s, err := socket.New(k.Ports, port)
	if err != nil {
		return NoFile
	}
	descs, _ := k.Files.Reserve(1, socketOps, func() any { return s })
	return descs[0]
}

func (k *Kernel) resolveSocket(fd Descriptor) (*socket.Socket, bool) {
	ctrl, ok := k.Files.Get(fd)
	if !ok {
		return nil, false
	}
	s, ok := ctrl.Object.(*socket.Socket)
	return s, ok
}

// Listen implements the listen(fd) syscall.
func (k *Kernel) Listen(fd Descriptor) int {
	s, ok := k.resolveSocket(fd)
	if !ok {
		return -1
	}
	if err := s.Listen(); err != nil {
		return -1
	}
	return 0
}

// Connect implements the connect(fd, port, timeout) syscall.
func (k *Kernel) Connect(fd Descriptor, port socket.Port, timeout time.Duration) int {
	s, ok := k.resolveSocket(fd)
	if !ok {
		return -1
	}
	if err := s.Connect(port, timeout); err != nil {
		return -1
	}
	return 0
}

// Accept implements the accept(lfd) syscall, installing the freshly
// connected server-side socket under a new descriptor.
func (k *Kernel) Accept(lfd Descriptor) Descriptor {
	s, ok := k.resolveSocket(lfd)
	if !ok {
		return NoFile
	}
	peer, err := s.Accept()
	if err != nil {
		return NoFile
	}
	descs, _ := k.Files.Reserve(1, socketOps, func() any { return peer })
	return descs[0]
}

// Shutdown implements the shutdown(fd, how) syscall.
func (k *Kernel) Shutdown(fd Descriptor, how socket.ShutdownMode) int {
	s, ok := k.resolveSocket(fd)
	if !ok {
		return -1
	}
	if err := s.Shutdown(how); err != nil {
		return -1
	}
	return 0
}

// Read implements the read(fd, buf) dispatch: bytes read, 0 on EOF,
// negative on error.
func (k *Kernel) Read(fd Descriptor, buf []byte) int {
	ctrl, ok := k.Files.Get(fd)
	if !ok {
		return -1
	}
	n, err := ctrl.Read(buf)
	if err != nil {
		if n > 0 {
			return n
		}
		return -1
	}
	return n
}

// Write implements the write(fd, buf) dispatch: bytes written (possibly
// a short count), negative on error.
func (k *Kernel) Write(fd Descriptor, buf []byte) int {
	ctrl, ok := k.Files.Get(fd)
	if !ok {
		return -1
	}
	n, err := ctrl.Write(buf)
	if err != nil {
		return -1
	}
	return n
}

// Close implements the close(fd) dispatch: releases one reference and,
// on the last reference, runs the control block's Close operation.
func (k *Kernel) Close(fd Descriptor) int {
	if err := k.Files.Decref(fd); err != nil {
		return -1
	}
	return 0
}

// ThreadTable is the thread-syscall surface for a single process
// namespace. It is separate from Kernel, which holds only descriptors
// and ports.
type ThreadTable struct {
	Proc *thread.Process
}

// NewThreadTable returns a process with no init parent.
func NewThreadTable() *ThreadTable {
	return &ThreadTable{Proc: thread.NewProcess(nil)}
}

// CreateThread implements create_thread(task, ...): spawns task as a new
// kernel thread and returns its id, or NoThread if task is nil.
func (tt *ThreadTable) CreateThread(task func(t *thread.Thread)) thread.ID {
	if task == nil {
		return NoThread
	}
	return thread.Create(tt.Proc, task).ID()
}

// ThreadJoin implements thread_join(tid, &exitval): returns the exit
// value and 0 on success, or an unspecified value and -1 on failure.
func (tt *ThreadTable) ThreadJoin(caller *thread.Thread, tid thread.ID) (int, int) {
	v, err := thread.Join(tt.Proc, caller, tid)
	if err != nil {
		return 0, -1
	}
	return v, 0
}

// ThreadDetach implements thread_detach(tid): 0 on success, -1 on
// failure.
func (tt *ThreadTable) ThreadDetach(tid thread.ID) int {
	if err := thread.Detach(tt.Proc, tid); err != nil {
		return -1
	}
	return 0
}

// ThreadExit implements thread_exit(v); it never returns to the caller
// in the original kernel, but in this simulation it simply records the
// exit and returns so the driving goroutine can unwind normally.
func (tt *ThreadTable) ThreadExit(t *thread.Thread, v int) {
	thread.Exit(t, v)
}
