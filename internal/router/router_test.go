package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/auth"
	"github.com/danmuck/consoled/internal/client"
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/modserver"
	"github.com/danmuck/consoled/internal/modules"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type harness struct {
	rt       *Router
	launcher *modserver.LocalLauncher
	dir      string
}

func testPolicy() *acl.Policy {
	return &acl.Policy{Grants: []acl.Grant{
		{Users: []string{"alice"}, Rules: []acl.Rule{{Command: "echo/*"}, {Command: "disk/*"}}},
		{Users: []string{"bob"}, Rules: []acl.Rule{{Command: "echo/echo"}}},
	}}
}

// startRouter serves a router on loopback TCP and a unix socket, backed by
// in-process module servers.
func startRouter(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	testlog.Start(t)

	dir, err := os.MkdirTemp("", "rt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	launcher := &modserver.LocalLauncher{
		Modules: modules.Builtin(),
		Configure: func(c *modserver.Config) {
			c.ShutdownDelay = 50 * time.Millisecond
			c.Terminate = func(int) {}
		},
	}
	cfg := Config{
		Listen:     "127.0.0.1:0",
		UnixSocket: filepath.Join(dir, "console.sock"),
		Modules:    modules.Builtin(),
		Launcher:   launcher,
		SocketDir:  dir,
		Auth:       auth.StaticUsers{"alice": "secret", "bob": "hunter2"},
		Policy:     testPolicy(),
		AuthRate:   rate.Inf,
		AuthBurst:  1,
		Locales:    []string{"en-US", "de-DE"},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	rt, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := rt.Serve(ctx); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	select {
	case <-rt.Ready():
	case <-rt.Done():
		t.Fatalf("router stopped before becoming ready")
	case <-time.After(5 * time.Second):
		t.Fatalf("router not ready")
	}

	h := &harness{rt: rt, launcher: launcher, dir: dir}
	t.Cleanup(func() {
		rt.Shutdown()
		select {
		case <-rt.Done():
		case <-time.After(5 * time.Second):
			t.Errorf("router did not stop")
		}
		cancel()
		for _, srv := range launcher.Servers() {
			select {
			case <-srv.Done():
			case <-time.After(5 * time.Second):
				t.Errorf("module server did not stop")
			}
		}
	})
	return h
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(ctxT(t), "tcp", h.rt.Addr(kindTCP).String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) login(t *testing.T, user, password string) *client.Client {
	t.Helper()
	c := h.dial(t)
	require.NoError(t, c.Auth(ctxT(t), user, password))
	return c
}

func waitDone(t *testing.T, srv *modserver.Server, within time.Duration) {
	t.Helper()
	select {
	case <-srv.Done():
	case <-time.After(within):
		t.Fatalf("module server still running after %s", within)
	}
}

func statusOf(err error) int {
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func TestRequestsBeforeAuthAreRejected(t *testing.T) {
	h := startRouter(t, nil)
	c := h.dial(t)
	ctx := ctxT(t)

	resp, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusUnauthenticated, resp.Status)

	resp, err = c.Command(ctx, "echo/echo", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusUnauthenticated, resp.Status)
	require.Empty(t, h.launcher.Servers())

	err = c.Auth(ctx, "alice", "wrong")
	require.Equal(t, protocol.StatusAuthFailed, statusOf(err))

	err = c.Auth(ctx, "alice", "")
	require.Equal(t, protocol.StatusAuthFailed, statusOf(err))

	require.NoError(t, c.Auth(ctx, "alice", "secret"))

	resp, err = c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	var v struct {
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &v))
	require.Equal(t, Version, v.Version)
}

func TestCommandRunsInModuleWithSessionIdentity(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")

	resp, err := c.Command(ctxT(t), "echo/echo", map[string]string{"x": "1"}, []byte("hi"), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status, string(resp.Body))

	var out struct {
		Command  string            `json:"command"`
		Options  map[string]string `json:"options"`
		Body     string            `json:"body"`
		Username string            `json:"username"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Equal(t, "echo/echo", out.Command)
	require.Equal(t, "alice", out.Username)
	require.Equal(t, "hi", out.Body)
	require.Equal(t, "1", out.Options["x"])
	require.Len(t, h.launcher.Servers(), 1)

	// A second command reuses the running module process.
	resp, err = c.Command(ctxT(t), "echo/progress", map[string]string{"steps": "2"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.Len(t, h.launcher.Servers(), 1)
}

func TestForbiddenCommandDoesNotStartModule(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "bob", "hunter2")

	resp, err := c.Command(ctxT(t), "echo/sleep", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusForbidden, resp.Status)
	require.Empty(t, h.launcher.Servers())

	resp, err = c.Command(ctxT(t), "echo/echo", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	servers := h.launcher.Servers()
	require.Len(t, servers, 1)
	require.EqualValues(t, 1, servers[0].Handled())
}

func TestUnknownCommandAndMissingName(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")

	resp, err := c.Command(ctxT(t), "disk/usage", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusUnknownCommand, resp.Status)

	resp, err = c.Do(ctxT(t), protocol.NewRequest(0, protocol.CmdCommand), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidArguments, resp.Status)
	require.Empty(t, h.launcher.Servers())
}

func TestHandlerPanicKeepsSessionUsable(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")

	resp, err := c.Command(ctxT(t), "echo/panic", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusHandlerException, resp.Status)
	var diag modserver.Diagnostic
	require.NoError(t, json.Unmarshal(resp.Body, &diag))
	require.Equal(t, "echo/panic", diag.Command)
	require.Contains(t, diag.Traceback, "requested panic")

	resp, err = c.Command(ctxT(t), "echo/echo", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
}

func TestFanOutIsAggregated(t *testing.T) {
	h := startRouter(t, func(c *Config) {
		l := c.Launcher.(*modserver.LocalLauncher)
		prev := l.Configure
		l.Configure = func(mc *modserver.Config) {
			prev(mc)
			mc.Workers = 3
		}
	})
	c := h.login(t, "alice", "secret")

	resp, err := c.Command(ctxT(t), "echo/hosts", map[string]string{"hosts": "h1,h2,h3", "delay": "5ms"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status, string(resp.Body))
	var parts []struct {
		Host string `json:"host"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &parts))
	require.Len(t, parts, 3)
	for i, want := range []string{"h1", "h2", "h3"} {
		require.Equal(t, want, parts[i].Host)
	}
}

func TestProgressIsRelayed(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")

	var partials int
	resp, err := c.Command(ctxT(t), "echo/progress", map[string]string{"steps": "3"}, nil, func(p *protocol.Message) {
		require.Equal(t, protocol.StatusPartial, p.Status)
		require.False(t, p.Final)
		partials++
	})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.LessOrEqual(t, partials, 3)
}

func TestMalformedFrameAnsweredWithProtocolError(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")

	b, err := protocol.Serialize(protocol.NewRequest(42, protocol.CmdVersion))
	require.NoError(t, err)
	b[0] ^= 0xFF
	require.NoError(t, c.SendRaw(b))

	resp, err := c.Receive(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, protocol.ProtocolErrorID, resp.ID)
	require.Equal(t, protocol.StatusBadRequest, resp.Status)

	resp, err = c.Version(ctxT(t))
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
}

func TestReservedAndDuplicateIDsAreRejected(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")
	ctx := ctxT(t)

	resp, err := c.Do(ctx, protocol.NewRequest(protocol.ReservedIDBase, protocol.CmdVersion), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ProtocolErrorID, resp.ID)
	require.Equal(t, protocol.StatusBadRequest, resp.Status)

	slow := protocol.NewRequest(500, protocol.CmdCommand, "echo/sleep")
	slow.SetOption("duration", "300ms")
	require.NoError(t, c.Send(slow))
	require.NoError(t, c.Send(protocol.NewRequest(500, protocol.CmdVersion)))

	resp, err = c.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.ProtocolErrorID, resp.ID)
	require.Equal(t, protocol.StatusBadRequest, resp.Status)

	resp, err = c.Receive(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 500, resp.ID)
	require.True(t, resp.Final)
	require.Equal(t, protocol.StatusSuccess, resp.Status, string(resp.Body))
}

func TestSetLocale(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")
	ctx := ctxT(t)

	resp, err := c.Set(ctx, map[string]string{"locale": "fr_FR.UTF-8"})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusUnavailableLocale, resp.Status)

	resp, err = c.Set(ctx, map[string]string{"color": "blue"})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidOptions, resp.Status)

	resp, err = c.Set(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidOptions, resp.Status)

	resp, err = c.Set(ctx, map[string]string{"locale": "de_DE.UTF-8"})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)

	resp, err = c.Command(ctx, "echo/echo", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	var out struct {
		Locale string `json:"locale"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.Equal(t, "de-DE", out.Locale)
}

func TestModulesListFollowsPermissions(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "bob", "hunter2")

	resp, err := c.Get(ctxT(t), "modules/list")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	var list struct {
		Modules []struct {
			ID       string   `json:"id"`
			Commands []string `json:"commands"`
		} `json:"modules"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &list))
	require.Len(t, list.Modules, 1)
	require.Equal(t, "echo", list.Modules[0].ID)
	require.Equal(t, []string{"echo/echo"}, list.Modules[0].Commands)

	resp, err = c.Get(ctxT(t), "users/list")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidArguments, resp.Status)
}

func TestAuthAttemptsAreRateLimited(t *testing.T) {
	h := startRouter(t, func(c *Config) {
		c.AuthRate = rate.Every(time.Hour)
		c.AuthBurst = 2
	})
	c := h.dial(t)
	ctx := ctxT(t)

	require.Equal(t, protocol.StatusAuthFailed, statusOf(c.Auth(ctx, "alice", "nope")))
	require.Equal(t, protocol.StatusAuthFailed, statusOf(c.Auth(ctx, "alice", "nope")))
	require.Equal(t, protocol.StatusTooManyAttempts, statusOf(c.Auth(ctx, "alice", "secret")))
}

func TestSessionsSnapshot(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")
	_, err := c.Command(ctxT(t), "echo/echo", nil, nil, nil)
	require.NoError(t, err)
	h.dial(t)

	var sessions []SessionInfo
	require.Eventually(t, func() bool {
		sessions = h.rt.Sessions()
		return len(sessions) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "alice", sessions[0].Username)
	require.Equal(t, kindTCP, sessions[0].Transport)
	require.Equal(t, []string{"echo"}, sessions[0].Modules)
	require.Empty(t, sessions[1].Username)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	testlog.Start(t)
	_, err := New(Config{Listen: ":0"})
	require.ErrorIs(t, err, ErrNoModules)

	_, err = New(Config{Listen: ":0", Modules: modules.Builtin()})
	require.ErrorIs(t, err, ErrNoAuthenticator)

	_, err = New(Config{Listen: ":0", Modules: modules.Builtin(), Auth: auth.StaticUsers{}})
	require.ErrorIs(t, err, ErrNoLauncher)

	_, err = New(Config{Modules: modules.Builtin(), Auth: auth.StaticUsers{}, Launcher: &modserver.LocalLauncher{}})
	require.ErrorIs(t, err, ErrNoListeners)
}

func TestReauthRestartsModulesWithNewIdentity(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "alice", "secret")
	ctx := ctxT(t)

	whoami := func() string {
		t.Helper()
		resp, err := c.Command(ctx, "echo/echo", nil, nil, nil)
		require.NoError(t, err)
		require.Equal(t, protocol.StatusSuccess, resp.Status, string(resp.Body))
		var out struct {
			Username string `json:"username"`
		}
		require.NoError(t, json.Unmarshal(resp.Body, &out))
		return out.Username
	}

	require.Equal(t, "alice", whoami())
	require.NoError(t, c.Auth(ctx, "bob", "hunter2"))
	require.Equal(t, "bob", whoami())
	servers := h.launcher.Servers()
	require.Len(t, servers, 2)
	waitDone(t, servers[0], 3*time.Second)

	// A failed AUTH leaves the session unauthenticated.
	require.Equal(t, protocol.StatusAuthFailed, statusOf(c.Auth(ctx, "bob", "wrong")))
	resp, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusUnauthenticated, resp.Status)
	waitDone(t, servers[1], 3*time.Second)
	require.Eventually(t, func() bool {
		s := h.rt.Sessions()
		return len(s) == 1 && s[0].Username == "" && len(s[0].Modules) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCategoriesAreListed(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "bob", "hunter2")

	resp, err := c.Get(ctxT(t), "categories/list")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	var cats struct {
		Categories []handler.Category `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &cats))
	require.Equal(t, []handler.Category{{ID: "all", Name: "All modules"}, {ID: "system", Name: "System"}}, cats.Categories)

	resp, err = c.Get(ctxT(t), "modules/list")
	require.NoError(t, err)
	var list struct {
		Modules []struct {
			ID         string   `json:"id"`
			Categories []string `json:"categories"`
		} `json:"modules"`
		Categories []handler.Category `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &list))
	require.Len(t, list.Modules, 1)
	require.Equal(t, []string{"all", "system"}, list.Modules[0].Categories)
	require.Len(t, list.Categories, 2)
}

func TestSyntaxVerification(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "bob", "hunter2")
	ctx := ctxT(t)

	var out struct {
		Result  bool   `json:"result"`
		Message string `json:"message"`
	}
	resp, err := c.VerifySyntax(ctx, "ipv4address", "10.1.2.3")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.True(t, out.Result)

	resp, err = c.VerifySyntax(ctx, "echo/duration", "soon")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusSuccess, resp.Status)
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	require.False(t, out.Result)
	require.Contains(t, out.Message, "not a duration")

	req := protocol.NewRequest(0, protocol.CmdGet, "syntax/verification")
	req.SetOption("syntax", "integer")
	resp, err = c.Do(ctx, req, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInvalidOptions, resp.Status)
}

func TestUploadReadsFilesFromUploadDir(t *testing.T) {
	var uploads string
	h := startRouter(t, func(c *Config) {
		uploads = filepath.Join(c.SocketDir, "uploads")
		c.UploadDir = uploads
		c.UploadMax = 16
	})
	require.NoError(t, os.Mkdir(uploads, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "small"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "big"), make([]byte, 17), 0o600))
	outside := filepath.Join(h.dir, "outside")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(uploads, "link")))

	c := h.login(t, "bob", "hunter2")
	ctx := ctxT(t)

	got, err := c.Upload(ctx, []protocol.UploadFile{
		{Filename: "a.txt", Name: "cert", TmpFile: filepath.Join(uploads, "small")},
		{Filename: "b.txt", Name: "key", TmpFile: "small"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a.txt", got[0].Filename)
	require.Equal(t, "cert", got[0].Name)
	require.Equal(t, []byte("hello"), got[0].Content)
	require.Equal(t, []byte("hello"), got[1].Content)

	for _, tmp := range []string{"big", "missing", outside, "../outside", "link", uploads} {
		_, err := c.Upload(ctx, []protocol.UploadFile{{Filename: "x", TmpFile: tmp}})
		require.Equal(t, protocol.StatusBadRequest, statusOf(err), tmp)
	}

	req := protocol.NewRequest(0, protocol.CmdUpload)
	req.Body = []byte(`{"tmpfile":"small"}`)
	resp, err := c.Do(ctx, req, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusBadRequest, resp.Status)
}

func TestUploadDisabledWithoutUploadDir(t *testing.T) {
	h := startRouter(t, nil)
	c := h.login(t, "bob", "hunter2")
	_, err := c.Upload(ctxT(t), []protocol.UploadFile{{TmpFile: "/etc/hostname"}})
	require.Equal(t, protocol.StatusBadRequest, statusOf(err))
}
