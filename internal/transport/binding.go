package transport

import (
	"errors"
	"io"

	"github.com/danmuck/consoled/internal/reactor"
)

const readChunk = 64 * 1024

// Binding ties a Conn and its write queue to a reactor. Inbound bytes go to
// OnData; the first error or EOF closes the connection and calls OnClose
// once. All methods run on the reactor thread.
type Binding struct {
	r    *reactor.Reactor
	post Poster
	conn Conn
	out  *WriteQueue

	OnData  func([]byte)
	OnClose func(error)

	buf     []byte
	writing bool
	closed  bool
}

func Bind(r *reactor.Reactor, post Poster, conn Conn, out *WriteQueue) *Binding {
	if out == nil {
		out = &WriteQueue{}
	}
	return &Binding{r: r, post: post, conn: conn, out: out}
}

// Conn is the bound connection.
func (b *Binding) Conn() Conn {
	return b.conn
}

// Queue is the write queue drained by Flush.
func (b *Binding) Queue() *WriteQueue {
	return b.out
}

// Start registers read interest or launches the pump goroutines.
func (b *Binding) Start() error {
	if fd := b.conn.Fd(); fd >= 0 {
		b.buf = make([]byte, readChunk)
		if err := b.r.Register(fd, reactor.CondRead, b.readable); err != nil {
			return err
		}
		return b.r.Register(fd, reactor.CondExcept, b.exceptional)
	}
	p, ok := b.conn.(*PumpConn)
	if !ok {
		return reactor.ErrBadDescriptor
	}
	p.start(b.deliver, b.Close)
	return nil
}

// Send queues raw bytes and flushes.
func (b *Binding) Send(p []byte) {
	b.out.Push(p)
	b.Flush()
}

// Flush writes what the socket accepts; a remainder arms write readiness
// until the queue drains.
func (b *Binding) Flush() {
	if b.closed || b.writing {
		return
	}
	done, err := b.out.Flush(b.conn)
	if err != nil {
		b.Close(err)
		return
	}
	if done {
		return
	}
	if fd := b.conn.Fd(); fd >= 0 {
		b.writing = true
		if err := b.r.Register(fd, reactor.CondWrite, b.writable); err != nil {
			b.Close(err)
		}
	}
}

// Closed reports whether Close ran.
func (b *Binding) Closed() bool {
	return b.closed
}

// Close deregisters, closes the connection and reports err to OnClose.
func (b *Binding) Close(err error) {
	if b.closed {
		return
	}
	b.closed = true
	if fd := b.conn.Fd(); fd >= 0 {
		b.r.UnregisterAll(fd)
	}
	_ = b.conn.Close()
	b.out.Reset()
	if b.OnClose != nil {
		b.OnClose(err)
	}
}

func (b *Binding) deliver(p []byte) {
	if b.closed || b.OnData == nil {
		return
	}
	b.OnData(p)
}

func (b *Binding) readable(int, reactor.Condition) bool {
	for i := 0; i < 16; i++ {
		n, err := b.conn.ReadSome(b.buf)
		if n > 0 {
			b.deliver(b.buf[:n])
			if b.closed {
				return false
			}
		}
		if errors.Is(err, ErrWouldBlock) {
			return true
		}
		if err != nil {
			b.Close(err)
			return false
		}
		if n < len(b.buf) {
			return true
		}
	}
	return true
}

func (b *Binding) exceptional(int, reactor.Condition) bool {
	b.Close(io.ErrUnexpectedEOF)
	return false
}

func (b *Binding) writable(int, reactor.Condition) bool {
	if b.closed {
		return false
	}
	done, err := b.out.Flush(b.conn)
	if err != nil {
		b.writing = false
		b.Close(err)
		return false
	}
	if done {
		b.writing = false
		return false
	}
	return true
}
