package kthread

import (
	"testing"
	"time"
)

func TestJoinReceivesExitValue(t *testing.T) {
	p := NewProcess(nil)
	done := make(chan struct{})
	th := p.Spawn(func(t *Thread) {
		<-done
		t.Exit(42)
	})

	go func() { close(done) }()

	v, err := p.Join(nil, th.ID())
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if v != 42 {
		t.Fatalf("exit value = %d, want 42", v)
	}
}

func TestJoinFailsOnInvalidThread(t *testing.T) {
	p := NewProcess(nil)
	if _, err := p.Join(nil, ThreadID(999)); err != ErrInvalidThread {
		t.Fatalf("Join on invalid id = %v, want ErrInvalidThread", err)
	}
}

func TestJoinFailsOnSelf(t *testing.T) {
	p := NewProcess(nil)
	started := make(chan *Thread, 1)
	blocked := make(chan struct{})
	p.Spawn(func(t *Thread) {
		started <- t
		<-blocked
	})
	self := <-started
	if _, err := p.Join(self, self.ID()); err != ErrSelfJoin {
		t.Fatalf("Join(self) = %v, want ErrSelfJoin", err)
	}
	close(blocked)
}

// TestJoinDetachRace is spec.md §8 scenario 6.
func TestJoinDetachRace(t *testing.T) {
	p := NewProcess(nil)
	release := make(chan struct{})
	th := p.Spawn(func(t *Thread) {
		<-release
		t.Exit(7)
	})

	joinResult := make(chan error, 1)
	go func() {
		_, err := p.Join(nil, th.ID())
		joinResult <- err
	}()

	time.Sleep(20 * time.Millisecond) // ensure T1 is blocked in Join
	if err := p.Detach(th.ID()); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	select {
	case err := <-joinResult:
		if err != ErrDetached {
			t.Fatalf("Join result = %v, want ErrDetached", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Join did not wake up after concurrent Detach")
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	if !th.Exited() {
		t.Fatal("thread should still exit cleanly after being detached")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	p := NewProcess(nil)
	release := make(chan struct{})
	th := p.Spawn(func(t *Thread) { <-release })
	defer close(release)

	if err := p.Detach(th.ID()); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if err := p.Detach(th.ID()); err != ErrDetached {
		t.Fatalf("second Detach = %v, want ErrDetached", err)
	}
}

func TestDetachFailsAfterExit(t *testing.T) {
	p := NewProcess(nil)
	th := p.Spawn(func(t *Thread) {})
	if _, err := p.Join(nil, th.ID()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	// the thread block was freed by the join above if it had no other
	// joiners; detaching a gone thread reports ErrInvalidThread.
	if err := p.Detach(th.ID()); err != ErrInvalidThread && err != ErrAlreadyExited {
		t.Fatalf("Detach after exit = %v, want ErrInvalidThread or ErrAlreadyExited", err)
	}
}

func TestProcessExitCleanupRunsOnce(t *testing.T) {
	p := NewProcess(nil)
	released := make(chan struct{}, 2)
	p.ReleaseDescriptors = func() { released <- struct{}{} }

	done1 := make(chan struct{})
	done2 := make(chan struct{})
	t1 := p.Spawn(func(t *Thread) { <-done1 })
	t2 := p.Spawn(func(t *Thread) { <-done2 })

	close(done1)
	p.Join(nil, t1.ID())
	if p.Zombie() {
		t.Fatal("process should not be a zombie while a thread is still running")
	}

	close(done2)
	p.Join(nil, t2.ID())

	time.Sleep(10 * time.Millisecond)
	if !p.Zombie() {
		t.Fatal("process should be a zombie once its last thread exits")
	}
	if len(released) != 1 {
		t.Fatalf("ReleaseDescriptors called %d times, want exactly 1", len(released))
	}
}

func TestReparentOrphansToInit(t *testing.T) {
	init := NewProcess(nil)
	parent := NewProcess(init)
	child := NewProcess(init)
	parent.AddChild(child)

	done := make(chan struct{})
	parent.Spawn(func(t *Thread) { <-done })
	close(done)
	// give the spawned goroutine's implicit Exit(0) time to run.
	time.Sleep(20 * time.Millisecond)

	init.mu.Lock()
	_, isChildOfInit := init.children[child]
	init.mu.Unlock()
	if !isChildOfInit {
		t.Fatal("child should be reparented to init once its parent becomes a zombie")
	}
}
