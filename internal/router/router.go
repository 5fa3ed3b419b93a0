// Package router accepts console clients, authenticates them and forwards
// module commands to per-session module processes.
package router

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/auth"
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/logging"
	"github.com/danmuck/consoled/internal/modserver"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/reactor"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrNoModules       = errors.New("router: no module registry")
	ErrNoAuthenticator = errors.New("router: no authenticator")
	ErrNoLauncher      = errors.New("router: no module launcher")
	ErrNoListeners     = errors.New("router: no listeners configured")
	ErrAlreadyServed   = errors.New("router: already served")
)

const Version = "1.0.0"

type Config struct {
	// Listen is a plain TCP address; UnixSocket a socket path created with
	// mode 0600; TLSListen is used when TLS is set.
	Listen     string
	UnixSocket string
	TLSListen  string
	TLS        *tls.Config
	// HandshakeTimeout bounds TLS handshakes on the pump goroutine.
	HandshakeTimeout time.Duration

	Modules  *handler.Registry
	Launcher modserver.Launcher
	// SocketDir holds the per-process module sockets.
	SocketDir string
	Auth      auth.Authenticator
	Policy    *acl.Policy
	AuthRate  rate.Limit
	AuthBurst int
	// AuthTimeout bounds one authenticator call.
	AuthTimeout time.Duration
	// Locales lists the locales SET accepts; empty accepts any.
	Locales []string
	Version string
	// UploadDir is the only directory UPLOAD reads temp files from; empty
	// disables UPLOAD. UploadMax caps each file.
	UploadDir string
	UploadMax int64

	// ModuleInactivity without forwarded requests makes the router send
	// EXIT; ModuleTick is the inactivity check interval.
	ModuleInactivity time.Duration
	ModuleTick       time.Duration
	// ModuleKillDelay is how long a module may take to exit after EXIT.
	ModuleKillDelay time.Duration
	ConnectInterval time.Duration
	ConnectRetries  int

	Reactor reactor.Config
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SocketDir == "" {
		c.SocketDir = "/run/consoled"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.Version == "" {
		c.Version = Version
	}
	if c.UploadMax <= 0 {
		c.UploadMax = 64 << 10
	}
	if c.ModuleInactivity <= 0 {
		c.ModuleInactivity = 5 * time.Minute
	}
	if c.ModuleTick <= 0 {
		c.ModuleTick = time.Second
	}
	if c.ModuleKillDelay <= 0 {
		c.ModuleKillDelay = 3 * time.Second
	}
	if c.ConnectInterval <= 0 {
		c.ConnectInterval = 50 * time.Millisecond
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 200
	}
	if c.Reactor.Clock == nil {
		c.Reactor = reactor.DefaultConfig()
	}
}

// Router owns the reactor thread; connections, sessions and module
// processes are only touched from it.
type Router struct {
	cfg Config
	log zerolog.Logger

	r       *reactor.Reactor
	mailbox *reactor.Mailbox

	listeners map[string]net.Listener
	conns     map[string]*conn
	procs     map[*moduleProcess]struct{}
	internal  int64
	spawned   int

	served atomic.Bool
	ready  chan struct{}
	done   chan struct{}
}

func New(cfg Config) (*Router, error) {
	if cfg.Modules == nil {
		return nil, ErrNoModules
	}
	if cfg.Auth == nil {
		return nil, ErrNoAuthenticator
	}
	if cfg.Launcher == nil {
		return nil, ErrNoLauncher
	}
	if cfg.Listen == "" && cfg.UnixSocket == "" && (cfg.TLS == nil || cfg.TLSListen == "") {
		return nil, ErrNoListeners
	}
	cfg.applyDefaults()
	return &Router{
		cfg:       cfg,
		log:       logging.For("router"),
		listeners: make(map[string]net.Listener),
		conns:     make(map[string]*conn),
		procs:     make(map[*moduleProcess]struct{}),
		internal:  protocol.ReservedIDBase << 8,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Ready is closed once every listener accepts connections.
func (rt *Router) Ready() <-chan struct{} { return rt.ready }

// Done is closed after Serve returned.
func (rt *Router) Done() <-chan struct{} { return rt.done }

// Addr returns the bound address of a listener kind ("tcp", "tls", "unix").
func (rt *Router) Addr(kind string) net.Addr {
	select {
	case <-rt.ready:
	default:
		return nil
	}
	if ln, ok := rt.listeners[kind]; ok {
		return ln.Addr()
	}
	return nil
}

// Shutdown stops the loop. Safe from any goroutine.
func (rt *Router) Shutdown() {
	select {
	case <-rt.ready:
		rt.mailbox.Post(rt.r.Stop)
	default:
	}
}

func (rt *Router) Serve(ctx context.Context) error {
	if rt.served.Swap(true) {
		return ErrAlreadyServed
	}
	defer close(rt.done)

	r, err := reactor.New(rt.cfg.Reactor)
	if err != nil {
		return err
	}
	rt.r = r
	rt.mailbox = reactor.NewMailbox(r)

	if err := rt.listen(); err != nil {
		rt.closeListeners()
		rt.mailbox.Close()
		_ = r.Close()
		return err
	}
	for kind, ln := range rt.listeners {
		go rt.acceptLoop(kind, ln)
	}
	close(rt.ready)

	err = r.Loop(ctx)
	rt.cleanup()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (rt *Router) cleanup() {
	rt.closeListeners()
	for _, c := range rt.conns {
		c.binding.Close(reactor.ErrStopped)
	}
	for mp := range rt.procs {
		mp.kill()
	}
	rt.mailbox.Close()
	_ = rt.r.Close()
	rt.log.Info().Msg("router stopped")
}

func (rt *Router) nextInternalID() int64 {
	rt.internal++
	return rt.internal
}

// SessionInfo is the admin view of one connection.
type SessionInfo struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	Transport string    `json:"transport"`
	Username  string    `json:"username,omitempty"`
	State     string    `json:"state"`
	Locale    string    `json:"locale,omitempty"`
	Created   time.Time `json:"created"`
	Pending   int       `json:"pending"`
	Modules   []string  `json:"modules,omitempty"`
}

// Sessions snapshots the connected sessions. It must not be called from the
// reactor thread.
func (rt *Router) Sessions() []SessionInfo {
	var out []SessionInfo
	select {
	case <-rt.ready:
	default:
		return nil
	}
	rt.mailbox.Call(func() {
		out = make([]SessionInfo, 0, len(rt.conns))
		for _, c := range rt.conns {
			out = append(out, c.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
