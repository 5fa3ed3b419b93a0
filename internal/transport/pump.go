package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"
)

// Poster hands a closure to the reactor thread; reactor.Mailbox.Post fits.
type Poster func(func()) bool

// PumpConn runs blocking reads and writes on goroutines and reports back
// through a Poster. It is used for TLS, where record framing makes raw
// descriptor readiness meaningless.
type PumpConn struct {
	conn             net.Conn
	post             Poster
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	closed  bool
	once    sync.Once
}

type PumpOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func NewPumpConn(c net.Conn, post Poster, opts PumpOptions) *PumpConn {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	p := &PumpConn{
		conn:             c,
		post:             post,
		handshakeTimeout: opts.HandshakeTimeout,
		writeTimeout:     opts.WriteTimeout,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *PumpConn) Fd() int { return -1 }

func (p *PumpConn) RemoteAddr() string {
	if a := p.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// ConnectionState exposes the TLS state once the handshake finished.
func (p *PumpConn) ConnectionState() (tls.ConnectionState, bool) {
	tc, ok := p.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}

// ReadSome is unused for pump connections; data arrives via the reader
// goroutine.
func (p *PumpConn) ReadSome([]byte) (int, error) {
	return 0, ErrWouldBlock
}

// WriteSome queues a copy of b for the writer goroutine.
func (p *PumpConn) WriteSome(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	p.pending = append(p.pending, append([]byte(nil), b...))
	p.cond.Signal()
	return len(b), nil
}

func (p *PumpConn) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.pending = nil
		p.cond.Broadcast()
		p.mu.Unlock()
		err = p.conn.Close()
	})
	return err
}

func (p *PumpConn) start(onData func([]byte), onErr func(error)) {
	go p.readLoop(onData, onErr)
	go p.writeLoop(onErr)
}

func (p *PumpConn) readLoop(onData func([]byte), onErr func(error)) {
	if tc, ok := p.conn.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), p.handshakeTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			p.post(func() { onErr(err) })
			return
		}
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !p.post(func() { onData(data) }) {
				return
			}
		}
		if err != nil {
			p.post(func() { onErr(err) })
			return
		}
	}
}

func (p *PumpConn) writeLoop(onErr func(error)) {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		chunk := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		if _, err := p.conn.Write(chunk); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.post(func() { onErr(err) })
			}
			return
		}
	}
}
