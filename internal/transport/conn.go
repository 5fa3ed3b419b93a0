// Package transport adapts net.Conn values to the reactor: plain sockets
// are polled directly, TLS connections run blocking I/O on pump goroutines.
package transport

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/danmuck/consoled/internal/reactor"
	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock means the operation could not make progress right now.
	ErrWouldBlock = errors.New("transport: would block")
	ErrClosed     = errors.New("transport: closed")
)

// Conn is a nonblocking byte stream.
type Conn interface {
	// Fd is the pollable descriptor, or -1 for pump connections.
	Fd() int
	ReadSome(p []byte) (int, error)
	WriteSome(p []byte) (int, error)
	RemoteAddr() string
	Close() error
}

// FDConn does nonblocking reads and writes on a socket's descriptor through
// syscall.RawConn, never parking in the runtime poller.
type FDConn struct {
	conn net.Conn
	raw  syscall.RawConn
	fd   int
}

// NewFDConn wraps a TCP or unix connection.
func NewFDConn(c net.Conn) (*FDConn, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, reactor.ErrBadDescriptor
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd, err := reactor.Descriptor(sc)
	if err != nil {
		return nil, err
	}
	return &FDConn{conn: c, raw: raw, fd: fd}, nil
}

func (c *FDConn) Fd() int { return c.fd }

func (c *FDConn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		if s := a.String(); s != "" && s != "<nil>" {
			return s
		}
	}
	return c.conn.LocalAddr().Network()
}

func (c *FDConn) ReadSome(p []byte) (int, error) {
	var (
		n    int
		rerr error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	switch {
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EINTR):
		return 0, ErrWouldBlock
	case rerr != nil:
		return 0, rerr
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (c *FDConn) WriteSome(p []byte) (int, error) {
	var (
		n    int
		werr error
	)
	err := c.raw.Write(func(fd uintptr) bool {
		n, werr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	if errors.Is(werr, unix.EAGAIN) || errors.Is(werr, unix.EINTR) {
		return 0, nil
	}
	if werr != nil {
		return 0, werr
	}
	return max(n, 0), nil
}

func (c *FDConn) Close() error {
	return c.conn.Close()
}
