// Package pipe implements the bounded, single-reader/single-writer byte
// stream that backs both the standalone pipe() syscall and a connected
// socket pair's inbound/outbound channels.
//
// The ring buffer keeps one slot permanently unusable so that wPos==rPos
// unambiguously means empty and the next write stepping onto rPos
// unambiguously means full — the same reserved-slot discipline kcp-go's
// RingBuffer[T] uses for its head/tail indices, specialized here to a
// fixed-size byte array because a pipe never grows.
package pipe

import (
	"errors"
	"sync"
)

// BufferSize is the fixed capacity of a pipe's ring buffer. One byte of
// this capacity is reserved for full/empty disambiguation, so at most
// BufferSize-1 bytes are ever in flight at once.
const BufferSize = 4096

// ErrClosedPipe is returned when an operation can no longer make progress
// because the endpoint it depends on has been closed: a write after the
// reader left (EPIPE), or a read/write on a pipe with no live endpoint on
// the caller's own side.
var ErrClosedPipe = errors.New("pipe: closed")

// Pipe is a bounded SPSC byte ring with blocking Read/Write and
// endpoint-close semantics. The zero value is not usable; use New.
type Pipe struct {
	mu       sync.Mutex
	hasData  *sync.Cond
	hasSpace *sync.Cond

	buf  [BufferSize]byte
	rPos int
	wPos int

	readerOpen bool
	writerOpen bool
}

// New returns a pipe with both endpoints open and an empty buffer.
func New() *Pipe {
	p := &Pipe{readerOpen: true, writerOpen: true}
	p.hasData = sync.NewCond(&p.mu)
	p.hasSpace = sync.NewCond(&p.mu)
	return p
}

func (p *Pipe) occupied() int {
	if p.wPos >= p.rPos {
		return p.wPos - p.rPos
	}
	return BufferSize - p.rPos + p.wPos
}

func (p *Pipe) full() bool {
	return (p.wPos+1)%BufferSize == p.rPos
}

func (p *Pipe) empty() bool {
	return p.rPos == p.wPos
}

// Unread reports the number of bytes currently buffered and not yet read.
// Always in [0, BufferSize-1].
func (p *Pipe) Unread() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occupied()
}

// IsReaderOpen reports whether the reader endpoint is still live.
func (p *Pipe) IsReaderOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readerOpen
}

// IsWriterOpen reports whether the writer endpoint is still live.
func (p *Pipe) IsWriterOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writerOpen
}

// Read copies up to len(buf) bytes into buf, blocking while the pipe is
// empty and the writer is still open. It returns 0, nil on clean EOF
// (writer gone, buffer drained), and ErrClosedPipe if this side's reader
// endpoint has already been closed.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.readerOpen {
		return 0, ErrClosedPipe
	}

	n := 0
	for n < len(buf) {
		for p.empty() && p.writerOpen {
			p.hasSpace.Broadcast()
			p.hasData.Wait()
		}
		if p.empty() && !p.writerOpen {
			break
		}
		buf[n] = p.buf[p.rPos]
		p.rPos = (p.rPos + 1) % BufferSize
		n++
	}

	p.hasSpace.Broadcast()
	return n, nil
}

// Write copies len(buf) bytes into the pipe, blocking while it is full and
// the reader is still open. If the reader closes mid-transfer it returns
// the bytes written so far together with ErrClosedPipe (POSIX EPIPE at a
// byte boundary). If the writer itself closes mid-transfer (a concurrent
// close via an aliased descriptor) it returns the short count with a nil
// error, since that is not a user-visible failure.
func (p *Pipe) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.writerOpen || !p.readerOpen {
		return 0, ErrClosedPipe
	}

	n := 0
	for n < len(buf) {
		for p.full() && p.readerOpen {
			p.hasData.Broadcast()
			p.hasSpace.Wait()
		}
		if !p.readerOpen {
			return n, ErrClosedPipe
		}
		if !p.writerOpen {
			return n, nil
		}
		p.buf[p.wPos] = buf[n]
		p.wPos = (p.wPos + 1) % BufferSize
		n++
	}

	p.hasData.Broadcast()
	return n, nil
}

// CloseReader marks the reader endpoint absent. Safe to call once per
// pipe; subsequent calls are no-ops.
func (p *Pipe) CloseReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readerOpen {
		return
	}
	p.readerOpen = false
	p.hasSpace.Broadcast()
}

// CloseWriter marks the writer endpoint absent. Safe to call once per
// pipe; subsequent calls are no-ops.
func (p *Pipe) CloseWriter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writerOpen {
		return
	}
	p.writerOpen = false
	p.hasData.Broadcast()
}

// Closed reports whether both endpoints have been closed, i.e. whether
// the control block is eligible for release.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.readerOpen && !p.writerOpen
}
