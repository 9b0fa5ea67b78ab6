// Package socket implements the three-role (unbound/listener/peer) stream
// socket described by spec.md §4.2: socket(), listen(), connect(),
// accept(), shutdown(), close(), and peer Read/Write forwarding into a
// crosswired pair of pipe.Pipe rings.
//
// The listener/connect/accept rendezvous follows the same shape as
// smux.Session's accept path (a buffered/queued handoff woken by a
// condition rather than smux's channel, since Connect additionally needs
// a bounded timed wait) and the port table plays the role
// smux.Session.streams plays for stream IDs: a map guarded by its own
// mutex, mutated only at well-defined install/remove points.
package socket

import (
	"errors"
	"sync"
	"time"

	"github.com/alexvogdanou/tinyos3/internal/waitqueue"
	"github.com/alexvogdanou/tinyos3/pipe"
)

// Port identifies a listener within the flat integer port namespace.
type Port int

// NoPort is the reserved sentinel: sockets bound to it can never listen.
const NoPort Port = 0

// MaxPort bounds the legal port range; implementation-defined per
// spec.md §6.
const MaxPort Port = 1 << 16

// Role is the socket's current state-machine position.
type Role int

const (
	RoleUnbound Role = iota
	RoleListener
	RolePeer
)

// ShutdownMode selects which half of a peer connection to tear down.
type ShutdownMode int

const (
	ShutdownRead ShutdownMode = iota
	ShutdownWrite
	ShutdownBoth
)

var (
	ErrBadPort      = errors.New("socket: port out of range")
	ErrPortInUse    = errors.New("socket: port already has a listener")
	ErrNoListener   = errors.New("socket: no listener on that port")
	ErrWrongState   = errors.New("socket: wrong socket state for operation")
	ErrTimeout      = errors.New("socket: connect timed out")
	ErrListenerGone = errors.New("socket: listener closed")
	ErrNotPeer      = errors.New("socket: not a connected peer")
	ErrBadShutdown  = errors.New("socket: unknown shutdown mode")
)

// request is a rendezvous record a connecter leaves on a listener's
// queue, admitted and signalled by an accepter. Grounded on smux's
// writeRequest/writeResult pair, but woken via a condition variable (not
// a result channel) so Connect can compose a bounded timed_wait around
// the same wait spec.md requires.
//
// decided/admitted are the single atomic outcome of the race between an
// accepter claiming this request and a connect timeout giving up on it:
// whichever of Accept's claim or the timeout callback locks mu first and
// finds decided still false is the one that sets both fields, and that
// choice is final. Popping the request off the listener's queue is a
// separate, idempotent step (waitqueue.Node.Remove tolerates being
// called from both the timeout path and Accept) and never itself decides
// the outcome — the two were conflated before, which let a timed-out
// connecter still be admitted if Accept popped the node before the
// connecter reached the queue to remove it.
type request struct {
	mu        sync.Mutex
	decided   bool
	admitted  bool
	connected *sync.Cond
	client    *Socket
}

// PortTable is the process-wide map from port number to the listener
// installed on it. Only listeners ever occupy it; mutation points are
// Listen (install) and a listener's Close (remove), per spec.md §5.
type PortTable struct {
	mu    sync.Mutex
	byPrt map[Port]*Socket
}

// NewPortTable returns an empty port namespace.
func NewPortTable() *PortTable {
	return &PortTable{byPrt: make(map[Port]*Socket)}
}

// Default is the package-level port namespace used when callers do not
// need an isolated one (spec.md models exactly one flat global table).
var Default = NewPortTable()

func (t *PortTable) install(port Port, s *Socket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byPrt[port]; exists {
		return ErrPortInUse
	}
	t.byPrt[port] = s
	return nil
}

func (t *PortTable) remove(port Port) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPrt, port)
}

func (t *PortTable) lookup(port Port) (*Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byPrt[port]
	return s, ok
}

// Socket is a unbound/listener/peer stream endpoint. The zero value is
// not usable; construct one with New.
type Socket struct {
	mu    sync.Mutex
	table *PortTable
	role  Role
	port  Port

	refcount int

	// listener payload
	queue        waitqueue.Queue[*request]
	reqAvailable *sync.Cond
	closed       bool // true once this listener has been Close'd

	// peer payload
	peer     *Socket
	inbound  *pipe.Pipe // read side
	outbound *pipe.Pipe // write side
}

// New creates an unbound socket on the given port namespace. port may be
// NoPort; binding happens only in Listen.
func New(table *PortTable, port Port) (*Socket, error) {
	if port < NoPort || port > MaxPort {
		return nil, ErrBadPort
	}
	s := &Socket{table: table, role: RoleUnbound, port: port}
	s.reqAvailable = sync.NewCond(&s.mu)
	return s, nil
}

// Role reports the socket's current state-machine position.
func (s *Socket) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Port reports the socket's bound port (NoPort if never bound).
func (s *Socket) Port() Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Peer returns the other end of a connected pair, or nil.
func (s *Socket) Peer() *Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Refcount reports the number of in-progress blocking operations
// (accept/connect waiters) currently pinning this socket, per spec.md §3.
func (s *Socket) Refcount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refcount
}

// Listen installs the socket into its port table as a listener.
func (s *Socket) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == NoPort {
		return ErrBadPort
	}
	if s.role != RoleUnbound {
		return ErrWrongState
	}
	if err := s.table.install(s.port, s); err != nil {
		return err
	}

	s.role = RoleListener
	s.closed = false
	return nil
}

// Connect implements spec.md §4.2.3. It blocks until admitted, refused,
// or timeout elapses.
func (s *Socket) Connect(port Port, timeout time.Duration) error {
	if port <= NoPort || port > MaxPort {
		return ErrBadPort
	}

	listener, ok := s.table.lookup(port)
	if !ok {
		return ErrNoListener
	}

	s.mu.Lock()
	if s.role != RoleUnbound {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.mu.Unlock()

	req := &request{client: s}
	req.connected = sync.NewCond(&req.mu)

	listener.mu.Lock()
	if listener.role != RoleListener || listener.closed {
		listener.mu.Unlock()
		return ErrNoListener
	}
	s.mu.Lock()
	s.refcount++
	s.mu.Unlock()

	node := listener.queue.PushBack(req)
	listener.reqAvailable.Broadcast()
	listener.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		req.mu.Lock()
		if !req.decided {
			req.decided = true
			req.admitted = false
		}
		req.mu.Unlock()
		req.connected.Broadcast()
	})

	req.mu.Lock()
	for !req.decided {
		req.connected.Wait()
	}
	admitted := req.admitted
	req.mu.Unlock()

	timer.Stop()

	// Node.Remove is idempotent: this is queue hygiene for the timeout
	// case (drop the stale request promptly instead of waiting for some
	// future Accept to pop and discard it), never part of the decision
	// above, which was already made atomically under req.mu.
	listener.mu.Lock()
	node.Remove()
	listener.mu.Unlock()

	s.mu.Lock()
	s.refcount--
	s.mu.Unlock()

	if !admitted {
		return ErrTimeout
	}
	return nil
}

// Accept implements spec.md §4.2.4.
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	if s.role != RoleListener {
		s.mu.Unlock()
		return nil, ErrWrongState
	}
	s.refcount++

	// Pop requests until one is claimed: a request already decided by a
	// concurrent connect timeout is stale (its connecter has moved on)
	// and is discarded here rather than admitted, closing the race where
	// a timed-out Connect could still be handed a live peer.
	var req *request
	for {
		for s.queue.Empty() && !s.closed {
			s.reqAvailable.Wait()
		}

		if s.closed {
			s.refcount--
			s.mu.Unlock()
			return nil, ErrListenerGone
		}

		candidate, _ := s.queue.PopFront()
		candidate.mu.Lock()
		if candidate.decided {
			candidate.mu.Unlock()
			continue
		}
		candidate.decided = true
		candidate.admitted = true
		candidate.mu.Unlock()
		req = candidate
		break
	}
	s.mu.Unlock()

	// The peer socket is unbound, per kernel_socket.c's sys_Socket(NOPORT)
	// for the accepted side; it never occupies the listener's port.
	server, err := New(s.table, NoPort)
	if err != nil {
		req.mu.Lock()
		req.admitted = false
		req.mu.Unlock()
		req.connected.Broadcast()

		s.mu.Lock()
		s.refcount--
		s.mu.Unlock()
		return nil, err
	}

	p1 := pipe.New() // server writes, client reads
	p2 := pipe.New() // client writes, server reads

	server.mu.Lock()
	server.role = RolePeer
	server.outbound = p1
	server.inbound = p2
	server.peer = req.client
	server.mu.Unlock()

	req.client.mu.Lock()
	req.client.role = RolePeer
	req.client.outbound = p2
	req.client.inbound = p1
	req.client.peer = server
	req.client.mu.Unlock()

	req.connected.Broadcast()

	s.mu.Lock()
	s.refcount--
	s.mu.Unlock()

	return server, nil
}

// Read forwards into the inbound pipe; legal only on a connected peer.
func (s *Socket) Read(buf []byte) (int, error) {
	s.mu.Lock()
	if s.role != RolePeer {
		s.mu.Unlock()
		return 0, ErrNotPeer
	}
	in := s.inbound
	s.mu.Unlock()
	return in.Read(buf)
}

// Write forwards into the outbound pipe; legal only on a connected peer.
func (s *Socket) Write(buf []byte) (int, error) {
	s.mu.Lock()
	if s.role != RolePeer {
		s.mu.Unlock()
		return 0, ErrNotPeer
	}
	out := s.outbound
	s.mu.Unlock()
	return out.Write(buf)
}

// Shutdown implements spec.md §4.2.7, preserving the documented
// intentional asymmetry: a write after ShutdownWrite and a read after
// ShutdownRead both fail with ErrClosedPipe, not a clean EOF, because the
// socket's role stays RolePeer and only the underlying pipe endpoint is
// gone.
func (s *Socket) Shutdown(how ShutdownMode) error {
	s.mu.Lock()
	if s.role != RolePeer {
		s.mu.Unlock()
		return ErrNotPeer
	}

	switch how {
	case ShutdownRead:
		in := s.inbound
		s.mu.Unlock()
		in.CloseReader()
		return nil
	case ShutdownWrite:
		out := s.outbound
		s.mu.Unlock()
		out.CloseWriter()
		return nil
	case ShutdownBoth:
		s.mu.Unlock()
		return s.Close()
	default:
		s.mu.Unlock()
		return ErrBadShutdown
	}
}

// Close releases the socket, with role-dependent teardown per spec.md
// §4.2.6.
func (s *Socket) Close() error {
	s.mu.Lock()
	role := s.role
	switch role {
	case RoleUnbound:
		s.mu.Unlock()
		return nil

	case RoleListener:
		port := s.port
		s.closed = true
		s.mu.Unlock()

		s.table.remove(port)

		s.mu.Lock()
		for {
			req, ok := s.queue.PopFront()
			if !ok {
				break
			}
			req.mu.Lock()
			if !req.decided {
				req.decided = true
				req.admitted = false
			}
			req.mu.Unlock()
			req.connected.Broadcast()
		}
		s.reqAvailable.Broadcast()
		s.mu.Unlock()
		return nil

	case RolePeer:
		peer := s.peer
		in, out := s.inbound, s.outbound
		s.peer = nil
		s.mu.Unlock()

		if peer != nil {
			peer.mu.Lock()
			peer.peer = nil
			peer.mu.Unlock()
		}

		in.CloseReader()
		out.CloseWriter()
		return nil

	default:
		s.mu.Unlock()
		return ErrWrongState
	}
}
