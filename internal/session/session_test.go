package session

import (
	"testing"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/testutil/testlog"
)

type sink struct{ b []byte }

func (s *sink) WriteSome(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

func TestFeedCarriesPartialFrames(t *testing.T) {
	testlog.Start(t)
	s := New(Options{Remote: "test"})
	b, err := protocol.Serialize(protocol.NewRequest(1, protocol.CmdAuth))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	msgs, errs := s.Feed(b[:10])
	if len(msgs) != 0 || len(errs) != 0 {
		t.Fatalf("no message expected from a partial frame")
	}
	if s.Buffered() != 10 {
		t.Fatalf("buffered=%d", s.Buffered())
	}
	msgs, _ = s.Feed(b[10:])
	if len(msgs) != 1 || msgs[0].Command != protocol.CmdAuth {
		t.Fatalf("expected AUTH message, got %v", msgs)
	}
}

func TestStateTransitions(t *testing.T) {
	testlog.Start(t)
	s := New(Options{})
	if s.State() != StateUnauthenticated || s.Authenticated() {
		t.Fatalf("new session must be unauthenticated")
	}
	s.Authenticate("alice", "pw", acl.New(acl.Rule{Command: "*/*"}))
	if s.State() != StateIdle {
		t.Fatalf("state=%s", s.State())
	}
	if s.Password().Expose() != "pw" || s.Username() != "alice" {
		t.Fatalf("credentials not stored")
	}

	req := protocol.NewRequest(5, protocol.CmdCommand, "echo/echo")
	if !s.Track(req) {
		t.Fatalf("track failed")
	}
	if s.Track(req) {
		t.Fatalf("duplicate id must be refused while pending")
	}
	if s.State() != StateProcessing {
		t.Fatalf("state=%s", s.State())
	}

	partial := protocol.NewResponse(req)
	partial.Status, partial.Final = protocol.StatusPartial, false
	if err := s.Enqueue(partial); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok := s.Pending(5); !ok {
		t.Fatalf("partial response must keep the request pending")
	}
	if err := s.Enqueue(protocol.NewResponse(req)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if s.PendingCount() != 0 || s.State() != StateIdle {
		t.Fatalf("final response must complete the request, state=%s", s.State())
	}

	w := &sink{}
	done, err := s.Queue().Flush(w)
	if err != nil || !done {
		t.Fatalf("flush done=%v err=%v", done, err)
	}
	d := protocol.NewDecoder()
	d.Feed(w.b)
	msgs, errs := d.Drain()
	if len(msgs) != 2 || len(errs) != 0 {
		t.Fatalf("expected 2 responses on the wire, got %d (%v)", len(msgs), errs)
	}
}

func TestCloseDropsPendingAndCredentials(t *testing.T) {
	testlog.Start(t)
	s := New(Options{})
	s.Authenticate("bob", "secret", nil)
	s.Track(protocol.NewRequest(1, protocol.CmdVersion))
	pw := s.Password()
	s.Close()
	s.Close()

	if s.State() != StateClosed || s.PendingCount() != 0 {
		t.Fatalf("close must drop pending requests")
	}
	if !pw.Empty() {
		t.Fatalf("credentials must be wiped")
	}
	if s.WantsWrite() {
		t.Fatalf("closed session must not write")
	}
}

func TestAuthLimiter(t *testing.T) {
	testlog.Start(t)
	s := New(Options{AuthRate: 0.0001, AuthBurst: 2})
	if !s.AllowAuth() || !s.AllowAuth() {
		t.Fatalf("burst attempts must pass")
	}
	if s.AllowAuth() {
		t.Fatalf("third attempt must be throttled")
	}
}

func TestDeauthenticateForgetsIdentity(t *testing.T) {
	testlog.Start(t)
	s := New(Options{})
	s.Authenticate("alice", "pw", acl.New(acl.Rule{Command: "echo/*"}))
	s.Track(protocol.NewRequest(3, protocol.CmdCommand, "echo/sleep"))
	pw := s.Password()

	s.Deauthenticate()
	if s.Authenticated() || s.State() != StateUnauthenticated {
		t.Fatalf("state=%s", s.State())
	}
	if s.Username() != "" || s.Password() != nil || s.Permissions() != nil || !pw.Empty() {
		t.Fatalf("identity must be forgotten")
	}
	if _, ok := s.Pending(3); !ok {
		t.Fatalf("pending requests must survive")
	}

	s.Authenticate("bob", "pw2", nil)
	if s.State() != StateProcessing {
		t.Fatalf("state after AUTH with a pending request: %s", s.State())
	}
}
