// Package securemem keeps credentials in memguard locked buffers so they stay
// out of swap and core dumps and are wiped when a session ends.
package securemem

import (
	"crypto/subtle"
	"sync"

	"github.com/awnumar/memguard"
)

const redacted = "[redacted]"

var setupOnce sync.Once

// Setup installs memguard's interrupt handler, which wipes every buffer on
// SIGINT/SIGTERM before exiting. Binaries call it once from main.
func Setup() {
	setupOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// Purge wipes all live buffers. Call on shutdown.
func Purge() {
	memguard.Purge()
}

// Secret is an immutable credential. Its String method never reveals the
// value, so a Secret is safe to pass to loggers by accident.
type Secret struct {
	mu  sync.Mutex
	buf *memguard.LockedBuffer
}

// New moves value into locked memory.
func New(value string) *Secret {
	return FromBytes([]byte(value))
}

// FromBytes moves b into locked memory and wipes b.
func FromBytes(b []byte) *Secret {
	s := &Secret{}
	if len(b) > 0 {
		s.buf = memguard.NewBufferFromBytes(b)
		s.buf.Freeze()
	}
	return s
}

func (s *Secret) String() string {
	return redacted
}

// Expose returns a plaintext copy for handing to the wire encoder.
func (s *Secret) Expose() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return ""
	}
	return string(s.buf.Bytes())
}

// Use runs fn with the plaintext without copying it out. fn must not retain
// the slice.
func (s *Secret) Use(fn func([]byte)) {
	if s == nil {
		fn(nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil || !s.buf.IsAlive() {
		fn(nil)
		return
	}
	fn(s.buf.Bytes())
}

// Equal compares against plaintext in constant time.
func (s *Secret) Equal(other string) bool {
	eq := false
	s.Use(func(b []byte) {
		eq = subtle.ConstantTimeCompare(b, []byte(other)) == 1
	})
	return eq
}

// Empty reports whether the secret holds no bytes or was destroyed.
func (s *Secret) Empty() bool {
	n := 0
	s.Use(func(b []byte) { n = len(b) })
	return n == 0
}

// Destroy wipes the value. Further reads return "".
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
}
