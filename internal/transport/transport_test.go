package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/consoled/internal/reactor"
	"github.com/danmuck/consoled/internal/testutil/testlog"
)

type stingyWriter struct {
	max int
	got bytes.Buffer
}

func (w *stingyWriter) WriteSome(p []byte) (int, error) {
	n := min(len(p), w.max)
	w.got.Write(p[:n])
	return n, nil
}

func TestWriteQueueKeepsRemainderOrdered(t *testing.T) {
	testlog.Start(t)

	var q WriteQueue
	q.Push([]byte("hello "))
	q.Push([]byte("world"))
	w := &stingyWriter{max: 4}

	for i := 0; i < 10 && !q.Empty(); i++ {
		if _, err := q.Flush(w); err != nil {
			t.Fatalf("flush: %v", err)
		}
		w.max = 3
	}
	if !q.Empty() || q.Len() != 0 {
		t.Fatalf("queue not drained: %d", q.Len())
	}
	if got := w.got.String(); got != "hello world" {
		t.Fatalf("order broken: %q", got)
	}
}

type failingWriter struct{}

func (failingWriter) WriteSome([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriteQueueSurfacesErrors(t *testing.T) {
	var q WriteQueue
	q.Push([]byte("x"))
	done, err := q.Flush(failingWriter{})
	if done || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected error, got done=%v err=%v", done, err)
	}
	if q.Len() != 1 {
		t.Fatalf("unwritten bytes must stay queued")
	}
}

func unixPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.DefaultConfig())
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// stepUntil runs the reactor until cond holds. cond may depend on other
// goroutines, so a ticking timer keeps each blocking poll short.
func stepUntil(t *testing.T, r *reactor.Reactor, cond func() bool) {
	t.Helper()
	tick := r.AddTimer(5*time.Millisecond, func() bool { return true })
	defer r.RemoveTimer(tick)
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		if err := r.Step(true); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
}

func TestFDBindingReadsAndDrainsLargeWrites(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	server, client := unixPair(t)

	fc, err := NewFDConn(server)
	if err != nil {
		t.Fatalf("fd conn: %v", err)
	}
	b := Bind(r, nil, fc, nil)
	var inbound bytes.Buffer
	var closeErr error
	closed := false
	b.OnData = func(p []byte) { inbound.Write(p) }
	b.OnClose = func(err error) { closed, closeErr = true, err }
	if err := b.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	stepUntil(t, r, func() bool { return inbound.Len() == 4 })

	payload := bytes.Repeat([]byte("0123456789abcdef"), 256*1024)
	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, _ = io.ReadFull(client, buf)
		received <- buf
	}()
	b.Send(payload)
	var got []byte
	stepUntil(t, r, func() bool {
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	})
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload corrupted")
	}
	if r.Registered(fc.Fd())&reactor.CondWrite != 0 {
		t.Fatalf("write interest must be dropped once drained")
	}

	client.Close()
	stepUntil(t, r, func() bool { return closed })
	if closeErr == nil {
		t.Fatalf("expected close reason")
	}
}

func TestPumpBindingOverPipe(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	mb := reactor.NewMailbox(r)
	server, client := net.Pipe()
	defer client.Close()

	pc := NewPumpConn(server, mb.Post, PumpOptions{})
	b := Bind(r, mb.Post, pc, nil)
	var inbound bytes.Buffer
	closed := false
	b.OnData = func(p []byte) { inbound.Write(p) }
	b.OnClose = func(error) { closed = true }
	if err := b.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() { _, _ = client.Write([]byte("hello")) }()
	stepUntil(t, r, func() bool { return inbound.Len() == 5 })

	echo := make(chan string, 1)
	go func() {
		buf := make([]byte, 3)
		_, _ = io.ReadFull(client, buf)
		echo <- string(buf)
	}()
	b.Send([]byte("ack"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case got := <-echo:
		if got != "ack" {
			t.Fatalf("unexpected echo %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("writer goroutine did not deliver")
	}

	client.Close()
	stepUntil(t, r, func() bool { return closed })
}
