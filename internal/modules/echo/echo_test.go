package echo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/testutil/testlog"
)

type capture struct {
	progress [][]byte
	final    []byte
}

func (c *capture) Progress(b []byte) error {
	c.progress = append(c.progress, b)
	return nil
}
func (c *capture) Finish(b []byte) error {
	c.final = b
	return nil
}
func (c *capture) Fail(int, string) error { return nil }

func request(name string, opts map[string]string) *handler.Request {
	m := protocol.NewRequest(1, protocol.CmdCommand, name)
	m.Options = opts
	return &handler.Request{Message: m, Name: name, Username: "alice"}
}

func TestModuleValidates(t *testing.T) {
	testlog.Start(t)
	if err := New().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEchoAndPre(t *testing.T) {
	testlog.Start(t)
	h := New().Commands["echo/echo"]
	req := request("echo/echo", map[string]string{"deny": "1"})
	if d := h.Pre(context.Background(), req); !d.Abort || d.Status != protocol.StatusInvalidOptions {
		t.Fatalf("expected abort, got %+v", d)
	}

	req = request("echo/echo", map[string]string{"k": "v"})
	c := &capture{}
	if err := h.Execute(context.Background(), req, c); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var reply echoReply
	if err := json.Unmarshal(c.final, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Username != "alice" || reply.Options["k"] != "v" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestProgressEmitsPartials(t *testing.T) {
	testlog.Start(t)
	c := &capture{}
	err := New().Commands["echo/progress"].Execute(context.Background(), request("echo/progress", map[string]string{"steps": "4"}), c)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(c.progress) != 4 || c.final == nil {
		t.Fatalf("progress=%d final=%q", len(c.progress), c.final)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := New().Commands["echo/sleep"].Execute(ctx, request("echo/sleep", map[string]string{"duration": "5s"}), &capture{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	err = New().Commands["echo/sleep"].Execute(context.Background(), request("echo/sleep", map[string]string{"duration": "bogus"}), &capture{})
	if f, ok := handler.AsFailure(err); !ok || f.Status != protocol.StatusInvalidArguments {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestHostsSplit(t *testing.T) {
	testlog.Start(t)
	h := New().Commands["echo/hosts"]
	sp, ok := h.(handler.Splitter)
	if !ok {
		t.Fatalf("hosts handler must split")
	}
	subs, err := sp.Split(request("echo/hosts", map[string]string{"hosts": "a, b,,c"}))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(subs) != 3 || subs[1].Option("host") != "b" || subs[1].Option("hosts") != "" {
		t.Fatalf("unexpected subs %v", subs)
	}
	if _, err := sp.Split(request("echo/hosts", nil)); err == nil {
		t.Fatalf("expected error without hosts")
	}

	c := &capture{}
	if err := h.Execute(context.Background(), request("echo/hosts", map[string]string{"host": "a"}), c); err != nil {
		t.Fatalf("execute: %v", err)
	}
	err = h.Execute(context.Background(), request("echo/hosts", map[string]string{"host": "down1"}), c)
	if _, ok := handler.AsFailure(err); !ok {
		t.Fatalf("expected failure for unreachable host, got %v", err)
	}
}
