// Package modserver runs one module behind a unix socket: it receives
// requests from the router, checks them against the session ACL, runs the
// handlers on worker goroutines and streams the responses back.
package modserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/logging"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/queue"
	"github.com/danmuck/consoled/internal/reactor"
	"github.com/danmuck/consoled/internal/securemem"
	"github.com/danmuck/consoled/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrNoModule     = errors.New("modserver: no module configured")
	ErrNoSocket     = errors.New("modserver: no socket path configured")
	ErrAlreadyUsed  = errors.New("modserver: server already served")
	ErrWatchdogKill = errors.New("modserver: watchdog expired")
)

type State int

const (
	StateIdle State = iota
	StateConfigured
	StateBusy
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateBusy:
		return "busy"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	Module *handler.Module
	Socket string
	// Locale is applied before the first SET; an unknown locale is ignored.
	Locale string
	// IdleTimeout shuts the server down after this long without active
	// requests.
	IdleTimeout time.Duration
	// WatchdogTimeout forcibly terminates the process when a busy period
	// lasts longer than this.
	WatchdogTimeout time.Duration
	// ShutdownDelay is the grace period after EXIT.
	ShutdownDelay time.Duration
	// InitFailureDelay is how long a server whose module failed to
	// initialize keeps answering 592 before it exits.
	InitFailureDelay time.Duration
	Workers          int
	// Terminate ends the process on watchdog expiry. Defaults to os.Exit.
	Terminate func(code int)
	Reactor   reactor.Config
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = time.Hour
	}
	if c.ShutdownDelay <= 0 {
		c.ShutdownDelay = time.Second
	}
	if c.InitFailureDelay <= 0 {
		c.InitFailureDelay = 3 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Terminate == nil {
		c.Terminate = os.Exit
	}
	if c.Reactor.Clock == nil {
		c.Reactor = reactor.DefaultConfig()
	}
}

type link struct {
	id      int
	binding *transport.Binding
	decoder *protocol.Decoder
}

type active struct {
	req     *protocol.Message
	link    *link
	name    string
	group   queue.GroupID
	started time.Time
}

// Server hosts one module. Everything except handler execution runs on the
// reactor goroutine inside Serve.
type Server struct {
	cfg    Config
	module *handler.Module
	log    zerolog.Logger

	r       *reactor.Reactor
	mailbox *reactor.Mailbox
	q       *queue.Queue
	ln      net.Listener

	links     map[int]*link
	nextLink  int
	active    map[int64]*active
	nextSubID int64

	state     State
	acl       *acl.ACL
	password  *securemem.Secret
	settings  atomic.Pointer[handler.Settings]
	inited    bool
	initErr   error
	exiting   bool
	idleTimer reactor.TimerID
	watchdog  reactor.TimerID

	served     atomic.Bool
	handled    atomic.Int64
	workCtx    context.Context
	workCancel context.CancelFunc
	workers    sync.WaitGroup
	ready      chan struct{}
	done       chan struct{}
	killOnce   sync.Once
	kill       chan struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Module == nil {
		return nil, ErrNoModule
	}
	if err := cfg.Module.Validate(); err != nil {
		return nil, err
	}
	if cfg.Socket == "" {
		return nil, ErrNoSocket
	}
	cfg.applyDefaults()
	s := &Server{
		cfg:       cfg,
		module:    cfg.Module,
		log:       logging.Named("modserver", cfg.Module.Name),
		q:         queue.New(),
		links:     make(map[int]*link),
		active:    make(map[int64]*active),
		nextSubID: protocol.ReservedIDBase,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		kill:      make(chan struct{}),
	}
	initial := &handler.Settings{}
	if cfg.Locale != "" {
		if locale, err := cfg.Module.ResolveLocale(cfg.Locale); err == nil {
			initial.Locale = locale
		} else {
			s.log.Warn().Str("locale", cfg.Locale).Msg("ignoring unavailable start locale")
		}
	}
	s.settings.Store(initial)
	return s, nil
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Done is closed after Serve returned.
func (s *Server) Done() <-chan struct{} { return s.done }

// Handled counts handler executions; requests rejected before execution
// are not included.
func (s *Server) Handled() int64 { return s.handled.Load() }

// Kill stops the server without the graceful path. Safe from any goroutine.
func (s *Server) Kill() {
	s.killOnce.Do(func() { close(s.kill) })
}

// Shutdown asks the server to stop gracefully. Safe from any goroutine.
func (s *Server) Shutdown() {
	select {
	case <-s.ready:
		s.mailbox.Post(s.shutdown)
	default:
	}
}

// Serve listens on the socket and runs the reactor until shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.served.Swap(true) {
		return ErrAlreadyUsed
	}
	defer close(s.done)

	r, err := reactor.New(s.cfg.Reactor)
	if err != nil {
		return err
	}
	s.r = r
	s.mailbox = reactor.NewMailbox(r)

	ln, err := listenUnix(s.cfg.Socket)
	if err != nil {
		_ = r.Close()
		return err
	}
	s.ln = ln
	s.log.Info().Str("socket", s.cfg.Socket).Msg("module server listening")

	s.workCtx, s.workCancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	go s.acceptLoop()
	go func() {
		select {
		case <-s.kill:
			s.r.Stop()
		case <-s.done:
		}
	}()

	s.armIdle(s.cfg.IdleTimeout)
	close(s.ready)

	err = r.Loop(ctx)
	s.cleanup()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("modserver: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("modserver: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("modserver: chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		if !s.mailbox.Post(func() { s.attach(conn) }) {
			conn.Close()
			return
		}
	}
}

func (s *Server) attach(conn net.Conn) {
	if s.state >= StateTerminating {
		conn.Close()
		return
	}
	fc, err := transport.NewFDConn(conn)
	if err != nil {
		s.log.Warn().Err(err).Msg("cannot poll connection")
		conn.Close()
		return
	}
	s.nextLink++
	l := &link{id: s.nextLink, decoder: protocol.NewDecoder()}
	l.binding = transport.Bind(s.r, s.mailbox.Post, fc, nil)
	l.binding.OnData = func(p []byte) { s.receive(l, p) }
	l.binding.OnClose = func(err error) { s.detach(l, err) }
	if err := l.binding.Start(); err != nil {
		s.log.Warn().Err(err).Msg("cannot register connection")
		conn.Close()
		return
	}
	s.links[l.id] = l
	s.log.Debug().Int("link", l.id).Msg("router connected")
}

func (s *Server) detach(l *link, err error) {
	delete(s.links, l.id)
	for id, a := range s.active {
		if a.link != l {
			continue
		}
		if a.group != 0 {
			s.q.CancelGroup(a.group)
		} else {
			s.q.Cancel(id)
		}
		s.finish(id)
	}
	s.log.Debug().Int("link", l.id).AnErr("reason", err).Msg("router disconnected")
}

func (s *Server) receive(l *link, p []byte) {
	l.decoder.Feed(p)
	msgs, perrs := l.decoder.Drain()
	for _, perr := range perrs {
		s.log.Warn().Err(perr).Msg("protocol error from router")
		s.send(l, protocol.NewProtocolErrorResponse(perr.Status(), perr.Err.Error()))
	}
	for _, msg := range msgs {
		if l.binding.Closed() {
			return
		}
		s.handle(l, msg)
	}
}

func (s *Server) send(l *link, resp *protocol.Message) {
	if l == nil || l.binding.Closed() {
		return
	}
	b, err := protocol.Serialize(resp)
	if err != nil {
		s.log.Error().Err(err).Int64("id", resp.ID).Msg("cannot serialize response")
		return
	}
	l.binding.Send(b)
}

func (s *Server) reply(l *link, req *protocol.Message, status int, message string) {
	s.send(l, protocol.NewStatusResponse(req, status, message))
}

func (s *Server) handle(l *link, msg *protocol.Message) {
	if !msg.IsRequest() {
		s.send(l, protocol.NewProtocolErrorResponse(protocol.StatusBadRequest, "expected a request"))
		return
	}
	if s.state >= StateTerminating && msg.Command != protocol.CmdExit {
		s.reply(l, msg, protocol.StatusShuttingDown, fmt.Sprintf("module %s is shutting down", s.module.Name))
		return
	}
	switch msg.Command {
	case protocol.CmdSet:
		s.handleSet(l, msg)
	case protocol.CmdExit:
		s.handleExit(l, msg)
	default:
		name := msg.CommandName()
		if name == "" {
			s.reply(l, msg, protocol.StatusUnknownCommand, fmt.Sprintf("command %s is not handled by modules", msg.Command))
			return
		}
		s.handleCommand(l, msg, name)
	}
}

func (s *Server) handleExit(l *link, msg *protocol.Message) {
	text := fmt.Sprintf("module %s will shutdown in %s", s.module.Name, s.cfg.ShutdownDelay)
	s.reply(l, msg, protocol.StatusSuccess, text)
	s.log.Info().Msg(text)
	s.exiting = true
	s.state = StateTerminating
	s.armIdle(s.cfg.ShutdownDelay)
}

// armIdle replaces the idle timer with one firing after d.
func (s *Server) armIdle(d time.Duration) {
	s.r.RemoveTimer(s.idleTimer)
	s.idleTimer = s.r.AddTimer(d, s.onIdle)
}

func (s *Server) onIdle() bool {
	if len(s.active) > 0 {
		// EXIT with requests still running: check again after the delay.
		return true
	}
	s.log.Info().Bool("exit", s.exiting).Msg("idle timeout, shutting down")
	s.shutdown()
	return false
}

func (s *Server) armWatchdog() {
	s.r.RemoveTimer(s.watchdog)
	s.watchdog = s.r.AddTimer(s.cfg.WatchdogTimeout, s.onWatchdog)
}

func (s *Server) onWatchdog() bool {
	s.log.Error().Dur("timeout", s.cfg.WatchdogTimeout).Int("active", len(s.active)).Msg("watchdog expired, terminating")
	s.cfg.Terminate(1)
	// Only reached when Terminate returns (tests, embedded use).
	s.state = StateTerminating
	s.r.Stop()
	return false
}

func (s *Server) shutdown() {
	if s.state == StateClosed {
		return
	}
	s.state = StateTerminating
	s.r.Stop()
}

func (s *Server) cleanup() {
	s.state = StateClosed
	if s.ln != nil {
		s.ln.Close()
	}
	for _, l := range s.links {
		l.binding.Close(reactor.ErrStopped)
	}
	s.mailbox.Close()
	s.workCancel()
	s.workers.Wait()
	if s.inited && s.module.Destroy != nil {
		s.module.Destroy()
	}
	if s.password != nil {
		s.password.Destroy()
	}
	_ = os.Remove(s.cfg.Socket)
	_ = s.r.Close()
	s.log.Info().Int64("handled", s.Handled()).Msg("module server stopped")
}
