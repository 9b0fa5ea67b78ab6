package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/alexvogdanou/tinyos3/socket"
	"github.com/alexvogdanou/tinyos3/stream"
	"github.com/alexvogdanou/tinyos3/thread"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "tinyosctl"
	myApp.Usage = "exercise the in-kernel IPC core (pipes, sockets, thread join/detach)"
	myApp.Version = VERSION
	myApp.Commands = []cli.Command{
		{
			Name:   "echo-pipe",
			Usage:  "write then read back a single message through one pipe",
			Action: runScenario(echoPipe),
		},
		{
			Name:   "backpressure",
			Usage:  "fill a pipe past its buffer and confirm the writer blocks until drained",
			Action: runScenario(backpressure),
		},
		{
			Name:   "rendezvous",
			Usage:  "listen/connect/accept a socket pair and exchange a message",
			Action: runScenario(rendezvous),
		},
		{
			Name:   "connect-timeout",
			Usage:  "connect to a listener that never accepts and confirm the bounded timeout fires",
			Action: runScenario(connectTimeout),
		},
		{
			Name:   "listener-close",
			Usage:  "close a listener while a connect is queued and confirm it is refused, not hung",
			Action: runScenario(listenerClose),
		},
		{
			Name:   "join-detach",
			Usage:  "race a join against a detach and confirm the joiner wakes with the detach error",
			Action: runScenario(joinDetachRace),
		},
		{
			Name:   "demo",
			Usage:  "run every scenario in sequence, reporting PASS/FAIL for each",
			Action: runDemo,
		},
	}
	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}

// scenario is one self-contained exercise of the IPC core; returning a
// non-nil error marks it FAILed.
type scenario func() error

func runScenario(s scenario) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := s(); err != nil {
			color.Red("FAIL: %+v", err)
			return err
		}
		color.Green("PASS")
		return nil
	}
}

var scenarios = []struct {
	name string
	run  scenario
}{
	{"echo-pipe", echoPipe},
	{"backpressure", backpressure},
	{"rendezvous", rendezvous},
	{"connect-timeout", connectTimeout},
	{"listener-close", listenerClose},
	{"join-detach", joinDetachRace},
}

func runDemo(c *cli.Context) error {
	failed := 0
	for _, s := range scenarios {
		fmt.Printf("%-20s", s.name)
		if err := s.run(); err != nil {
			color.Red("FAIL: %+v", err)
			failed++
			continue
		}
		color.Green("PASS")
	}
	if failed > 0 {
		return errors.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}
	return nil
}

func echoPipe() error {
	k := stream.NewKernel()
	var pair stream.PipePair
	if rc := k.Pipe(&pair); rc != 0 {
		return errors.New("pipe() failed")
	}
	defer k.Close(pair.Read)
	defer k.Close(pair.Write)

	msg := []byte("the quick brown fox")
	if n := k.Write(pair.Write, msg); n != len(msg) {
		return errors.Errorf("write() = %d, want %d", n, len(msg))
	}
	buf := make([]byte, len(msg))
	if n := k.Read(pair.Read, buf); n != len(msg) || string(buf) != string(msg) {
		return errors.Errorf("read() = %d %q, want %q", n, buf, msg)
	}
	return nil
}

func backpressure() error {
	k := stream.NewKernel()
	var pair stream.PipePair
	if rc := k.Pipe(&pair); rc != 0 {
		return errors.New("pipe() failed")
	}
	defer k.Close(pair.Read)
	defer k.Close(pair.Write)

	overflow := make([]byte, 8192)
	for i := range overflow {
		overflow[i] = byte(i)
	}

	writeDone := make(chan int, 1)
	go func() { writeDone <- k.Write(pair.Write, overflow) }()

	select {
	case n := <-writeDone:
		return errors.Errorf("write of %d bytes into an empty 4096-byte pipe returned early with %d, want it to block", len(overflow), n)
	case <-time.After(50 * time.Millisecond):
		// expected: the writer is still blocked, the buffer is full.
	}

	drained := 0
	buf := make([]byte, 1024)
	for drained < len(overflow) {
		n := k.Read(pair.Read, buf)
		if n <= 0 {
			return errors.Errorf("read() returned %d while draining", n)
		}
		drained += n
	}

	select {
	case n := <-writeDone:
		if n != len(overflow) {
			return errors.Errorf("write() = %d, want %d", n, len(overflow))
		}
	case <-time.After(time.Second):
		return errors.New("writer did not unblock after the reader drained the pipe")
	}
	return nil
}

func rendezvous() error {
	k := stream.NewKernel()
	const port socket.Port = 7

	lfd := k.Socket(port)
	if lfd == stream.NoFile {
		return errors.New("socket() failed for listener")
	}
	defer k.Close(lfd)
	if rc := k.Listen(lfd); rc != 0 {
		return errors.New("listen() failed")
	}

	cfd := k.Socket(socket.NoPort)
	if cfd == stream.NoFile {
		return errors.New("socket() failed for client")
	}
	defer k.Close(cfd)

	accepted := make(chan stream.Descriptor, 1)
	go func() { accepted <- k.Accept(lfd) }()

	if rc := k.Connect(cfd, port, time.Second); rc != 0 {
		return errors.New("connect() failed")
	}

	sfd := <-accepted
	if sfd == stream.NoFile {
		return errors.New("accept() failed")
	}
	defer k.Close(sfd)

	msg := []byte("rendezvous")
	if n := k.Write(cfd, msg); n != len(msg) {
		return errors.Errorf("client write() = %d, want %d", n, len(msg))
	}
	buf := make([]byte, len(msg))
	if n := k.Read(sfd, buf); n != len(msg) || string(buf) != string(msg) {
		return errors.Errorf("server read() = %d %q, want %q", n, buf, msg)
	}
	return nil
}

func connectTimeout() error {
	k := stream.NewKernel()
	const port socket.Port = 8

	lfd := k.Socket(port)
	if lfd == stream.NoFile {
		return errors.New("socket() failed for listener")
	}
	defer k.Close(lfd)
	if rc := k.Listen(lfd); rc != 0 {
		return errors.New("listen() failed")
	}
	// nobody ever calls accept() on lfd.

	cfd := k.Socket(socket.NoPort)
	defer k.Close(cfd)

	start := time.Now()
	rc := k.Connect(cfd, port, 100*time.Millisecond)
	elapsed := time.Since(start)

	if rc == 0 {
		return errors.New("connect() succeeded against a listener that never accepts")
	}
	if elapsed < 100*time.Millisecond {
		return errors.Errorf("connect() returned after %s, before its timeout elapsed", elapsed)
	}
	return nil
}

func listenerClose() error {
	k := stream.NewKernel()
	const port socket.Port = 9

	lfd := k.Socket(port)
	if lfd == stream.NoFile {
		return errors.New("socket() failed for listener")
	}
	if rc := k.Listen(lfd); rc != 0 {
		return errors.New("listen() failed")
	}

	cfd := k.Socket(socket.NoPort)
	defer k.Close(cfd)

	connectDone := make(chan int, 1)
	go func() { connectDone <- k.Connect(cfd, port, 5*time.Second) }()

	time.Sleep(20 * time.Millisecond) // let the connect enqueue before closing
	if rc := k.Close(lfd); rc != 0 {
		return errors.New("close() on listener failed")
	}

	select {
	case rc := <-connectDone:
		if rc == 0 {
			return errors.New("connect() succeeded against a listener that was closed mid-wait")
		}
	case <-time.After(time.Second):
		return errors.New("connect() did not wake up after its listener was closed")
	}
	return nil
}

func joinDetachRace() error {
	tt := stream.NewThreadTable()
	release := make(chan struct{})
	tid := tt.CreateThread(func(self *thread.Thread) {
		<-release
		tt.ThreadExit(self, 3)
	})
	if tid == stream.NoThread {
		return errors.New("create_thread() returned NOTHREAD")
	}

	joinDone := make(chan int, 1)
	go func() { _, rc := tt.ThreadJoin(nil, tid); joinDone <- rc }()

	time.Sleep(20 * time.Millisecond) // let the join block before detaching
	if rc := tt.ThreadDetach(tid); rc != 0 {
		return errors.New("thread_detach() failed")
	}

	select {
	case rc := <-joinDone:
		if rc == 0 {
			return errors.New("thread_join() succeeded on a thread detached out from under it")
		}
	case <-time.After(time.Second):
		return errors.New("thread_join() did not wake up after a concurrent detach")
	}
	close(release)
	return nil
}
