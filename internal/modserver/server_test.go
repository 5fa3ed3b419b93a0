package modserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/client"
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/modules/echo"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/testutil/testlog"
)

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "modsrv")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "m.sock")
}

func startServer(t *testing.T, mod *handler.Module, tweak func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Module:      mod,
		Socket:      socketPath(t),
		IdleTimeout: 10 * time.Second,
		Terminate:   func(int) { t.Errorf("unexpected terminate") },
	}
	if tweak != nil {
		tweak(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Serve(context.Background()) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case <-srv.Done():
		case <-time.After(3 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := client.Dial(ctx, "unix", srv.cfg.Socket, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func configure(t *testing.T, c *client.Client, rules ...acl.Rule) {
	t.Helper()
	resp, err := c.Set(ctxT(t), map[string]string{
		OptPermitted:   string(acl.New(rules...).JSON()),
		OptUsername:    "alice",
		OptCredentials: "pw",
		OptSessionID:   "sess-1",
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("set status=%d body=%s", resp.Status, resp.Body)
	}
}

func countingModule(calls *atomic.Int64) *handler.Module {
	return &handler.Module{
		Name: "count",
		Commands: map[string]handler.Handler{
			"count/hit": handler.Func(func(_ context.Context, _ *handler.Request, res handler.Responder) error {
				calls.Add(1)
				return res.Finish([]byte("hit"))
			}),
		},
	}
}

func TestForbiddenCommandNeverReachesHandler(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int64
	srv := startServer(t, countingModule(&calls), nil)
	c := dial(t, srv)
	configure(t, c, acl.Rule{Command: "count/other"})

	resp, err := c.Command(ctxT(t), "count/hit", nil, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusForbidden {
		t.Fatalf("expected 415, got %d", resp.Status)
	}
	if calls.Load() != 0 || srv.Handled() != 0 {
		t.Fatalf("handler invoked for a forbidden command: calls=%d handled=%d", calls.Load(), srv.Handled())
	}

	configure(t, c, acl.Rule{Command: "count/*"})
	resp, err = c.Command(ctxT(t), "count/hit", nil, nil, nil)
	if err != nil || resp.Status != protocol.StatusSuccess {
		t.Fatalf("expected 200 after granting, got %v %v", resp, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestRequestsBeforeSetAreForbidden(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, echo.New(), nil)
	c := dial(t, srv)
	resp, err := c.Command(ctxT(t), "echo/echo", nil, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusForbidden {
		t.Fatalf("expected 415 without permissions, got %d", resp.Status)
	}
}

func TestPanicBecomes500AndServerStaysUsable(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, echo.New(), nil)
	c := dial(t, srv)
	configure(t, c, acl.Rule{Command: "echo/*"})

	resp, err := c.Command(ctxT(t), "echo/panic", nil, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusHandlerException {
		t.Fatalf("expected 500, got %d", resp.Status)
	}
	var diag Diagnostic
	if err := json.Unmarshal(resp.Body, &diag); err != nil {
		t.Fatalf("diagnostic body: %v", err)
	}
	if diag.Command != "echo/panic" || !strings.Contains(diag.Traceback, "requested panic") {
		t.Fatalf("unexpected diagnostic %+v", diag)
	}

	resp, err = c.Command(ctxT(t), "echo/echo", map[string]string{"k": "v"}, nil, nil)
	if err != nil || resp.Status != protocol.StatusSuccess {
		t.Fatalf("server unusable after panic: %v %v", resp, err)
	}
	var reply struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(resp.Body, &reply); err != nil || reply.Username != "alice" {
		t.Fatalf("settings not applied: %s", resp.Body)
	}
}

func TestFailureAndPreAbortStatuses(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, echo.New(), nil)
	c := dial(t, srv)
	configure(t, c, acl.Rule{Command: "echo/*"})

	resp, err := c.Command(ctxT(t), "echo/fail", map[string]string{"message": "disk full"}, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusHandlerFailure || string(resp.Body) != "disk full" {
		t.Fatalf("expected 600 disk full, got %d %q", resp.Status, resp.Body)
	}

	resp, err = c.Command(ctxT(t), "echo/echo", map[string]string{"deny": "1"}, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusInvalidOptions {
		t.Fatalf("expected Pre abort status, got %d", resp.Status)
	}

	resp, err = c.Command(ctxT(t), "echo/missing", nil, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusUnknownCommand {
		t.Fatalf("expected 401, got %d", resp.Status)
	}
}

func TestProgressResponsesPrecedeFinal(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, echo.New(), nil)
	c := dial(t, srv)
	configure(t, c, acl.Rule{Command: "echo/*"})

	var partials []*protocol.Message
	resp, err := c.Command(ctxT(t), "echo/progress", map[string]string{"steps": "3"}, nil, func(m *protocol.Message) {
		partials = append(partials, m)
	})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusSuccess || !resp.Final {
		t.Fatalf("unexpected final %v", resp)
	}
	if len(partials) > 3 {
		t.Fatalf("too many partials: %d", len(partials))
	}
	for _, p := range partials {
		if p.Status != protocol.StatusPartial || p.Final {
			t.Fatalf("bad partial %v", p)
		}
	}
}

func TestFanOutAggregatesInOrder(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, echo.New(), func(c *Config) { c.Workers = 3 })
	c := dial(t, srv)
	configure(t, c, acl.Rule{Command: "echo/*"})

	resp, err := c.Command(ctxT(t), "echo/hosts", map[string]string{"hosts": "h1,h2,h3", "delay": "5ms"}, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status=%d body=%s", resp.Status, resp.Body)
	}
	var results []struct {
		Host string `json:"host"`
	}
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		t.Fatalf("aggregate body: %v (%s)", err, resp.Body)
	}
	if len(results) != 3 || results[0].Host != "h1" || results[1].Host != "h2" || results[2].Host != "h3" {
		t.Fatalf("unexpected aggregate %s", resp.Body)
	}

	resp, err = c.Command(ctxT(t), "echo/hosts", map[string]string{"hosts": "h1,down2"}, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusHandlerFailure {
		t.Fatalf("expected failing sub status, got %d", resp.Status)
	}
	var mixed []json.RawMessage
	if err := json.Unmarshal(resp.Body, &mixed); err != nil || len(mixed) != 2 {
		t.Fatalf("unexpected mixed aggregate %s", resp.Body)
	}
}

func TestSetLocale(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, echo.New(), nil)
	c := dial(t, srv)

	resp, err := c.Set(ctxT(t), map[string]string{OptLocale: "fr_FR.UTF-8"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if resp.Status != protocol.StatusUnavailableLocale {
		t.Fatalf("expected 601, got %d", resp.Status)
	}
	resp, err = c.Set(ctxT(t), map[string]string{OptLocale: "de_DE.UTF-8"})
	if err != nil || resp.Status != protocol.StatusSuccess {
		t.Fatalf("expected 200, got %v %v", resp, err)
	}
	resp, err = c.Set(ctxT(t), map[string]string{"color": "blue"})
	if err != nil || resp.Status != protocol.StatusInvalidOptions {
		t.Fatalf("expected 413, got %v %v", resp, err)
	}
}

func TestInitFailureAnswers592(t *testing.T) {
	testlog.Start(t)
	mod := echo.New()
	mod.Init = func(context.Context, handler.Settings) error { return os.ErrPermission }
	srv := startServer(t, mod, func(c *Config) { c.InitFailureDelay = 100 * time.Millisecond })
	c := dial(t, srv)

	resp, err := c.Set(ctxT(t), map[string]string{OptUsername: "alice"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if resp.Status != protocol.StatusModuleInitFailed {
		t.Fatalf("expected 592, got %d", resp.Status)
	}
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server must exit after init failure")
	}
}

func TestExitRespondsThenShutsDown(t *testing.T) {
	testlog.Start(t)
	destroyed := make(chan struct{})
	mod := echo.New()
	mod.Destroy = func() { close(destroyed) }
	srv := startServer(t, mod, func(c *Config) { c.ShutdownDelay = 50 * time.Millisecond })
	c := dial(t, srv)
	configure(t, c, acl.Rule{Command: "echo/*"})

	resp, err := c.Do(ctxT(t), protocol.NewRequest(0, protocol.CmdExit), nil)
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if resp.Status != protocol.StatusSuccess || string(resp.Body) != "module echo will shutdown in 50ms" {
		t.Fatalf("unexpected exit response %d %q", resp.Status, resp.Body)
	}
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not shut down after EXIT")
	}
	select {
	case <-destroyed:
	default:
		t.Fatalf("module Destroy hook not called")
	}
}

func TestIdleTimerWaitsForActiveRequests(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t, echo.New(), func(c *Config) { c.IdleTimeout = 250 * time.Millisecond })
	c := dial(t, srv)
	configure(t, c, acl.Rule{Command: "echo/*"})

	resp, err := c.Command(ctxT(t), "echo/sleep", map[string]string{"duration": "600ms"}, nil, nil)
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("long request must complete while busy, got %d", resp.Status)
	}
	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("idle timer did not fire after the request finished")
	}
}

func TestWatchdogTerminatesLongCommandDespiteTraffic(t *testing.T) {
	testlog.Start(t)
	terminated := make(chan int, 1)
	srv := startServer(t, echo.New(), func(c *Config) {
		c.Workers = 4
		c.IdleTimeout = 5 * time.Second
		c.WatchdogTimeout = 200 * time.Millisecond
		c.Terminate = func(code int) { terminated <- code }
	})
	long := dial(t, srv)
	configure(t, long, acl.Rule{Command: "echo/*"})
	busy := dial(t, srv)

	if err := long.Send(&protocol.Message{ID: 99, Kind: protocol.KindRequest, Command: protocol.CmdCommand, Arguments: []string{"echo/sleep"}, Options: map[string]string{"duration": "5s"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	go func() {
		for {
			select {
			case <-srv.Done():
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			_, _ = busy.Command(ctx, "echo/echo", nil, nil, nil)
			cancel()
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case code := <-terminated:
		if code != 1 {
			t.Fatalf("exit code=%d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watchdog did not terminate the module")
	}
}
