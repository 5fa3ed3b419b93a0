// Package session holds per-connection protocol state: the inbound decoder,
// pending requests, the write queue and the authenticated identity.
package session

import (
	"fmt"
	"time"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/securemem"
	"github.com/danmuck/consoled/internal/transport"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type State int

const (
	StateUnauthenticated State = iota
	StateIdle
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Remote string
	// AuthRate and AuthBurst bound AUTH attempts per session.
	AuthRate  rate.Limit
	AuthBurst int
}

// Session is owned by the reactor thread; it is not safe for concurrent use.
type Session struct {
	ID      string
	Remote  string
	Created time.Time

	decoder *protocol.Decoder
	out     transport.WriteQueue
	pending map[int64]*protocol.Message
	state   State

	username    string
	password    *securemem.Secret
	locale      string
	permissions *acl.ACL
	limiter     *rate.Limiter
}

func New(opts Options) *Session {
	if opts.AuthRate == 0 {
		opts.AuthRate = rate.Every(time.Second)
	}
	if opts.AuthBurst <= 0 {
		opts.AuthBurst = 3
	}
	return &Session{
		ID:      uuid.NewString(),
		Remote:  opts.Remote,
		Created: time.Now(),
		decoder: protocol.NewDecoder(),
		pending: make(map[int64]*protocol.Message),
		limiter: rate.NewLimiter(opts.AuthRate, opts.AuthBurst),
	}
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) Authenticated() bool {
	return s.state == StateIdle || s.state == StateProcessing
}

// Feed appends inbound bytes and returns the complete messages and any
// protocol errors. Incomplete trailing bytes stay buffered.
func (s *Session) Feed(p []byte) ([]*protocol.Message, []*protocol.ProtocolError) {
	if s.state == StateClosed {
		return nil, nil
	}
	s.decoder.Feed(p)
	return s.decoder.Drain()
}

// Buffered is the number of inbound bytes awaiting the rest of a frame.
func (s *Session) Buffered() int {
	return s.decoder.Buffered()
}

// Track marks req pending. It returns false when the id is already pending.
func (s *Session) Track(req *protocol.Message) bool {
	if _, dup := s.pending[req.ID]; dup {
		return false
	}
	s.pending[req.ID] = req
	s.updateState()
	return true
}

// Pending returns the pending request for id.
func (s *Session) Pending(id int64) (*protocol.Message, bool) {
	m, ok := s.pending[id]
	return m, ok
}

func (s *Session) PendingCount() int {
	return len(s.pending)
}

// PendingIDs lists every pending request id.
func (s *Session) PendingIDs() []int64 {
	ids := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// Enqueue serializes resp into the write queue. A final response completes
// its pending request.
func (s *Session) Enqueue(resp *protocol.Message) error {
	if s.state == StateClosed {
		return nil
	}
	b, err := protocol.Serialize(resp)
	if err != nil {
		return err
	}
	s.out.Push(b)
	if resp.Final {
		delete(s.pending, resp.ID)
		s.updateState()
	}
	return nil
}

// Queue exposes the write queue for the transport binding.
func (s *Session) Queue() *transport.WriteQueue {
	return &s.out
}

// WantsWrite reports whether bytes are waiting to be written.
func (s *Session) WantsWrite() bool {
	return !s.out.Empty()
}

// AllowAuth consumes one AUTH attempt from the session's budget.
func (s *Session) AllowAuth() bool {
	return s.limiter.Allow()
}

// Authenticate records the identity after a successful AUTH.
func (s *Session) Authenticate(username, password string, permissions *acl.ACL) {
	if s.password != nil {
		s.password.Destroy()
	}
	s.username = username
	s.password = securemem.New(password)
	s.permissions = permissions
	if s.state == StateUnauthenticated {
		s.state = StateIdle
	}
	s.updateState()
}

// Deauthenticate forgets the identity after a failed AUTH. Requests still
// pending keep their entries and complete normally.
func (s *Session) Deauthenticate() {
	if s.state == StateClosed {
		return
	}
	if s.password != nil {
		s.password.Destroy()
		s.password = nil
	}
	s.username = ""
	s.permissions = nil
	s.state = StateUnauthenticated
}

func (s *Session) Username() string {
	return s.username
}

// Password is the locked credential; nil before AUTH.
func (s *Session) Password() *securemem.Secret {
	return s.password
}

func (s *Session) Permissions() *acl.ACL {
	return s.permissions
}

func (s *Session) Locale() string {
	return s.locale
}

func (s *Session) SetLocale(locale string) {
	s.locale = locale
}

// Close drops pending requests without answering them and wipes the
// credentials.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	clear(s.pending)
	s.out.Reset()
	s.decoder.Reset()
	if s.password != nil {
		s.password.Destroy()
	}
}

func (s *Session) updateState() {
	switch s.state {
	case StateIdle, StateProcessing:
		if len(s.pending) > 0 {
			s.state = StateProcessing
		} else {
			s.state = StateIdle
		}
	}
}
