// Package fdtable implements the stream/file-descriptor table contract
// spec.md §6 assigns to an external collaborator: reserve, get, decref,
// each stream control block pairing an operations table with an opaque
// stream object. It is the one place in this module that owns descriptor
// numbering and reference counting; pipe.Pipe and socket.Socket never
// know their own descriptor.
//
// Storage is a map guarded by its own mutex, the same shape
// smux.Session uses for streams/streamLock — descriptors, like smux
// stream IDs, are just map keys with no custom allocator behind them.
package fdtable

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Descriptor is a small non-negative integer naming a stream in a
// process-like namespace.
type Descriptor int

// NoFile is the sentinel returned when a descriptor cannot be produced.
const NoFile Descriptor = -1

var (
	ErrExhausted   = errors.New("fdtable: descriptor space exhausted")
	ErrBadFile     = errors.New("fdtable: bad descriptor")
	ErrNotSupported = errors.New("fdtable: operation not supported on this stream")
)

// Ops is the per-stream operation table spec.md §6 describes: a small
// dispatch table installed by whichever core owns the stream object
// (pipe reader, pipe writer, or socket).
type Ops struct {
	Name  string
	Open  func(obj any) error
	Read  func(obj any, buf []byte) (int, error)
	Write func(obj any, buf []byte) (int, error)
	Close func(obj any) error
}

func failOpen(obj any) error                    { return ErrNotSupported }
func failRead(obj any, buf []byte) (int, error)  { return 0, ErrNotSupported }
func failWrite(obj any, buf []byte) (int, error) { return 0, ErrNotSupported }

// Control is a stream control block: an opaque stream object (a
// pipe.Pipe half or a socket.Socket) plus the operations table that
// dispatches read/write/close on it, plus a reference count so the last
// descriptor alias to close is the one that actually runs Ops.Close.
type Control struct {
	Ops    Ops
	Object any

	refs int32
}

// Read dispatches through the control block's operation table.
func (c *Control) Read(buf []byte) (int, error) {
	op := c.Ops.Read
	if op == nil {
		op = failRead
	}
	return op(c.Object, buf)
}

// Write dispatches through the control block's operation table.
func (c *Control) Write(buf []byte) (int, error) {
	op := c.Ops.Write
	if op == nil {
		op = failWrite
	}
	return op(c.Object, buf)
}

// Table is a process's descriptor table.
type Table struct {
	mu      sync.Mutex
	next    Descriptor
	entries map[Descriptor]*Control
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{entries: make(map[Descriptor]*Control)}
}

// Reserve atomically allocates n fresh descriptor/control pairs, each
// starting at one live reference. ops is applied to every allocated
// control block; newObject, if non-nil, is called once per block to
// supply that block's stream object.
func (t *Table) Reserve(n int, ops Ops, newObject func() any) ([]Descriptor, []*Control) {
	if ops.Open == nil {
		ops.Open = failOpen
	}
	if ops.Read == nil {
		ops.Read = failRead
	}
	if ops.Write == nil {
		ops.Write = failWrite
	}

	descs := make([]Descriptor, n)
	ctrls := make([]*Control, n)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		fd := t.next
		t.next++
		ctrl := &Control{Ops: ops, refs: 1}
		if newObject != nil {
			ctrl.Object = newObject()
		}
		t.entries[fd] = ctrl
		descs[i] = fd
		ctrls[i] = ctrl
	}
	return descs, ctrls
}

// Get resolves a descriptor to its control block.
func (t *Table) Get(fd Descriptor) (*Control, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[fd]
	return c, ok
}

// Dup adds an additional live reference to an already-installed control
// block under a fresh descriptor (descriptor aliasing, e.g. dup()).
func (t *Table) Dup(fd Descriptor) (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[fd]
	if !ok {
		return NoFile, ErrBadFile
	}
	atomic.AddInt32(&c.refs, 1)
	nfd := t.next
	t.next++
	t.entries[nfd] = c
	return nfd, nil
}

// Decref removes fd from the table and releases its reference to the
// control block. When that was the last reference (no Dup alias left),
// Ops.Close runs on the stream object — the descriptor-table half of
// spec.md's "last-closer frees it" discipline (the pipe/socket's own
// endpoint bookkeeping handles the other half).
func (t *Table) Decref(fd Descriptor) error {
	t.mu.Lock()
	c, ok := t.entries[fd]
	if !ok {
		t.mu.Unlock()
		return ErrBadFile
	}
	delete(t.entries, fd)
	t.mu.Unlock()

	if atomic.AddInt32(&c.refs, -1) == 0 {
		op := c.Ops.Close
		if op == nil {
			op = func(any) error { return nil }
		}
		return op(c.Object)
	}
	return nil
}

// CloseAll releases every descriptor currently in the table; used by
// process-exit cleanup (spec.md: "close all descriptors via the stream
// layer's decref").
func (t *Table) CloseAll() {
	t.mu.Lock()
	fds := make([]Descriptor, 0, len(t.entries))
	for fd := range t.entries {
		fds = append(fds, fd)
	}
	t.mu.Unlock()

	for _, fd := range fds {
		t.Decref(fd)
	}
}
