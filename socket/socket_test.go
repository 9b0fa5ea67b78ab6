package socket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestListenerRendezvous is spec.md §8 scenario 3.
func TestListenerRendezvous(t *testing.T) {
	table := NewPortTable()

	s1, err := New(table, Port(7))
	if err != nil {
		t.Fatalf("New listener: %v", err)
	}
	if err := s1.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var peer *Socket
	var acceptErr error
	done := make(chan struct{})
	go func() {
		peer, acceptErr = s1.Accept()
		close(done)
	}()

	s2, err := New(table, NoPort)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	if err := s2.Connect(Port(7), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	<-done
	require.NoError(t, acceptErr)

	// Several invariants about one rendezvous outcome belong together —
	// require keeps the actual failing assertion visible instead of
	// burying it under the setup noise above.
	require.Same(t, s2, peer.Peer(), "listener's accepted socket must point back at the connecter")
	require.Same(t, peer, s2.Peer(), "connecter must point back at the accepted socket")
	require.Equal(t, NoPort, peer.Port(), "the accepted peer socket must be unbound, not claiming the listener's port")

	_, err = peer.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := s2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "ping", string(buf))

	_, err = s2.Write([]byte("pong"))
	require.NoError(t, err)
	n, err = peer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "pong", string(buf))
}

// TestConnectTimeout is spec.md §8 scenario 4.
func TestConnectTimeout(t *testing.T) {
	table := NewPortTable()
	s, err := New(table, NoPort)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err = s.Connect(Port(7), 50*time.Millisecond)
	elapsed := time.Since(start)

	if err != ErrNoListener {
		t.Fatalf("Connect without listener = %v, want ErrNoListener", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("Connect without listener took too long: %v", elapsed)
	}
}

// TestConnectTimeoutZero ensures a listener that exists but
// never accepts still makes Connect return -1 (ErrTimeout) within its
// deadline, per spec.md §8's "connect with timeout=0" boundary.
func TestConnectTimeoutZero(t *testing.T) {
	table := NewPortTable()
	lis, err := New(table, Port(9))
	if err != nil {
		t.Fatal(err)
	}
	if err := lis.Listen(); err != nil {
		t.Fatal(err)
	}

	s, err := New(table, NoPort)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(Port(9), 0); err != ErrTimeout {
		t.Fatalf("Connect with timeout=0 and no accepter = %v, want ErrTimeout", err)
	}
}

// TestListenerCloseWakesAccepterAndConnecter is spec.md §8 scenario 5.
func TestListenerCloseWakesAccepterAndConnecter(t *testing.T) {
	table := NewPortTable()
	lis, err := New(table, Port(11))
	if err != nil {
		t.Fatal(err)
	}
	if err := lis.Listen(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var acceptErr, connectErr error
	go func() {
		defer wg.Done()
		_, acceptErr = lis.Accept()
	}()

	go func() {
		defer wg.Done()
		client, err := New(table, NoPort)
		if err != nil {
			connectErr = err
			return
		}
		connectErr = client.Connect(Port(11), 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond) // let both goroutines block
	if err := lis.Close(); err != nil {
		t.Fatalf("Close listener: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accepter/connecter did not wake up after listener close")
	}

	if acceptErr != ErrListenerGone {
		t.Fatalf("Accept error = %v, want ErrListenerGone", acceptErr)
	}
	if connectErr != ErrTimeout {
		t.Fatalf("Connect error = %v, want ErrTimeout", connectErr)
	}
}

// TestAcceptDiscardsRequestAlreadyDecidedByTimeout exercises the
// admit-vs-timeout race directly: a request already marked decided
// (simulating a Connect that timed out just before Accept reached it)
// must be skipped, never admitted, even though it is still sitting in
// the listener's queue.
func TestAcceptDiscardsRequestAlreadyDecidedByTimeout(t *testing.T) {
	table := NewPortTable()
	lis, err := New(table, Port(52))
	require.NoError(t, err)
	require.NoError(t, lis.Listen())

	client, err := New(table, NoPort)
	require.NoError(t, err)

	req := &request{client: client}
	req.connected = sync.NewCond(&req.mu)
	req.decided = true
	req.admitted = false

	lis.mu.Lock()
	lis.queue.PushBack(req)
	lis.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := lis.Accept()
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Accept returned for a listener whose only queued request was already decided; it should have discarded it and kept waiting")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, RoleUnbound, client.Role(), "client must not be wired to a peer it was never admitted to")
	require.Nil(t, client.Peer())

	require.NoError(t, lis.Close())
	require.Equal(t, ErrListenerGone, <-done)
}

func TestShutdownBothThenReadWriteFails(t *testing.T) {
	table := NewPortTable()
	a, b := connectedPair(t, table, Port(21))

	if err := a.Shutdown(ShutdownBoth); err != nil {
		t.Fatalf("Shutdown(BOTH): %v", err)
	}

	if _, err := a.Read(make([]byte, 1)); err == nil {
		t.Fatal("Read after ShutdownBoth should fail")
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Fatal("Write after ShutdownBoth should fail")
	}
	_ = b
}

func TestShutdownWriteLeavesPeerRoleButFailsWrite(t *testing.T) {
	table := NewPortTable()
	a, _ := connectedPair(t, table, Port(22))

	if err := a.Shutdown(ShutdownWrite); err != nil {
		t.Fatalf("Shutdown(WRITE): %v", err)
	}
	if a.Role() != RolePeer {
		t.Fatalf("role after ShutdownWrite = %v, want RolePeer", a.Role())
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Fatal("Write after ShutdownWrite should fail, per the documented asymmetry")
	}
}

func TestShutdownReadLeavesPeerRoleButFailsRead(t *testing.T) {
	table := NewPortTable()
	a, _ := connectedPair(t, table, Port(23))

	if err := a.Shutdown(ShutdownRead); err != nil {
		t.Fatalf("Shutdown(READ): %v", err)
	}
	if a.Role() != RolePeer {
		t.Fatalf("role after ShutdownRead = %v, want RolePeer", a.Role())
	}
	if _, err := a.Read(make([]byte, 1)); err == nil {
		t.Fatal("Read after ShutdownRead should fail (not a clean EOF), per the documented asymmetry")
	}
}

func TestPortTableOnlyHoldsListeners(t *testing.T) {
	table := NewPortTable()
	s, err := New(table, Port(31))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := table.lookup(Port(31)); ok {
		t.Fatal("unbound socket must not occupy the port table")
	}
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	if got, ok := table.lookup(Port(31)); !ok || got != s {
		t.Fatal("listener must occupy its port in the table")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := table.lookup(Port(31)); ok {
		t.Fatal("closed listener must vacate its port")
	}
}

func TestListenErrors(t *testing.T) {
	table := NewPortTable()

	s, _ := New(table, NoPort)
	if err := s.Listen(); err != ErrBadPort {
		t.Fatalf("Listen with NoPort = %v, want ErrBadPort", err)
	}

	s1, _ := New(table, Port(41))
	if err := s1.Listen(); err != nil {
		t.Fatal(err)
	}
	s2, _ := New(table, Port(41))
	if err := s2.Listen(); err != ErrPortInUse {
		t.Fatalf("second Listen on same port = %v, want ErrPortInUse", err)
	}
}

func connectedPair(t *testing.T, table *PortTable, port Port) (*Socket, *Socket) {
	t.Helper()
	lis, err := New(table, port)
	if err != nil {
		t.Fatal(err)
	}
	if err := lis.Listen(); err != nil {
		t.Fatal(err)
	}

	var server *Socket
	var acceptErr error
	done := make(chan struct{})
	go func() {
		server, acceptErr = lis.Accept()
		close(done)
	}()

	client, err := New(table, NoPort)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(port, time.Second); err != nil {
		t.Fatal(err)
	}
	<-done
	if acceptErr != nil {
		t.Fatal(acceptErr)
	}
	return server, client
}
