package router

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/consoled/internal/modserver"
	"github.com/danmuck/consoled/internal/observability"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/reactor"
	"github.com/danmuck/consoled/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrModuleExited      = errors.New("router: module process exited")
	ErrModuleUnreachable = errors.New("router: module process unreachable")
	ErrModuleRetired     = errors.New("router: session identity changed")
)

// moduleProcess is the router side of one module server started for a
// session. Requests arriving before the socket connects are queued.
type moduleProcess struct {
	rt     *Router
	client *conn
	name   string
	socket string
	proc   modserver.Process
	log    zerolog.Logger

	binding *transport.Binding
	decoder *protocol.Decoder
	running bool
	exiting bool
	dead    bool

	queued    []*protocol.Message
	forwarded map[int64]*protocol.Message
	// internal maps ids of router generated requests to their command.
	internal map[int64]string

	retries      int
	connectTimer reactor.TimerID
	tickTimer    reactor.TimerID
	killTimer    reactor.TimerID
	idleLeft     time.Duration
}

func (rt *Router) startModule(c *conn, name string) (*moduleProcess, error) {
	rt.spawned++
	socket := filepath.Join(rt.cfg.SocketDir, fmt.Sprintf("%d-%d-%s.sock", os.Getpid(), rt.spawned, name))
	proc, err := rt.cfg.Launcher.Launch(modserver.LaunchSpec{Module: name, Socket: socket, Locale: c.sess.Locale()})
	if err != nil {
		return nil, err
	}
	mp := &moduleProcess{
		rt:        rt,
		client:    c,
		name:      name,
		socket:    socket,
		proc:      proc,
		log:       c.log.With().Str("module", name).Logger(),
		decoder:   protocol.NewDecoder(),
		forwarded: make(map[int64]*protocol.Message),
		internal:  make(map[int64]string),
	}
	rt.procs[mp] = struct{}{}
	observability.ModuleProcessStarted(name)
	mp.log.Info().Int("pid", proc.Pid()).Str("socket", socket).Msg("module process started")

	go func() {
		<-proc.Done()
		rt.mailbox.Post(func() { mp.died(ErrModuleExited) })
	}()
	mp.connectTimer = rt.r.AddTimer(rt.cfg.ConnectInterval, mp.tryConnect)
	return mp, nil
}

func (mp *moduleProcess) tryConnect() bool {
	if mp.dead {
		return false
	}
	if mp.client == nil {
		mp.kill()
		return false
	}
	nc, err := net.DialTimeout("unix", mp.socket, mp.rt.cfg.ConnectInterval)
	if err != nil {
		mp.retries++
		if mp.retries >= mp.rt.cfg.ConnectRetries {
			mp.log.Error().Err(err).Int("tries", mp.retries).Msg("connection to module process failed")
			mp.connectTimer = 0
			mp.died(fmt.Errorf("%w: %v", ErrModuleUnreachable, err))
			mp.kill()
			return false
		}
		if mp.retries%50 == 0 {
			mp.log.Debug().Int("tries", mp.retries).Msg("no connection to module process yet")
		}
		return true
	}
	mp.connectTimer = 0

	fc, err := transport.NewFDConn(nc)
	if err != nil {
		nc.Close()
		mp.died(fmt.Errorf("%w: %v", ErrModuleUnreachable, err))
		mp.kill()
		return false
	}
	mp.binding = transport.Bind(mp.rt.r, mp.rt.mailbox.Post, fc, nil)
	mp.binding.OnData = mp.receive
	mp.binding.OnClose = mp.severed
	if err := mp.binding.Start(); err != nil {
		fc.Close()
		mp.died(fmt.Errorf("%w: %v", ErrModuleUnreachable, err))
		mp.kill()
		return false
	}
	mp.running = true
	mp.log.Debug().Int("tries", mp.retries+1).Msg("connected to module process")

	mp.configure()
	queued := mp.queued
	mp.queued = nil
	for _, req := range queued {
		mp.send(req)
	}
	mp.resetInactivity()
	return false
}

// configure sends the session context. The locale goes in its own SET so
// that a module lacking it still receives credentials and permissions.
func (mp *moduleProcess) configure() {
	c := mp.client
	var commands []string
	if m, ok := mp.rt.cfg.Modules.Module(mp.name); ok {
		commands = m.CommandNames()
	}
	set := protocol.NewRequest(mp.rt.nextInternalID(), protocol.CmdSet)
	set.SetOption(modserver.OptPermitted, string(permittedFor(c.sess.Permissions(), commands).JSON()))
	set.SetOption(modserver.OptUsername, c.sess.Username())
	set.SetOption(modserver.OptSessionID, c.sess.ID)
	if pw := c.sess.Password(); pw != nil {
		set.SetOption(modserver.OptCredentials, pw.Expose())
	}
	mp.internal[set.ID] = protocol.CmdSet
	mp.send(set)

	if locale := c.sess.Locale(); locale != "" {
		loc := protocol.NewRequest(mp.rt.nextInternalID(), protocol.CmdSet)
		loc.SetOption(modserver.OptLocale, locale)
		mp.internal[loc.ID] = protocol.CmdSet
		mp.send(loc)
	}
}

func (mp *moduleProcess) send(req *protocol.Message) {
	if mp.binding == nil || mp.binding.Closed() {
		return
	}
	b, err := protocol.Serialize(req)
	if err != nil {
		mp.log.Error().Err(err).Int64("id", req.ID).Msg("cannot serialize request")
		return
	}
	mp.binding.Send(b)
}

// forward passes a client request to the module, or queues it while the
// process is starting.
func (mp *moduleProcess) forward(req *protocol.Message) {
	mp.forwarded[req.ID] = req
	if !mp.running {
		mp.log.Debug().Int64("id", req.ID).Msg("queuing request for starting module")
		mp.queued = append(mp.queued, req)
		return
	}
	mp.send(req)
	mp.resetInactivity()
}

func (mp *moduleProcess) receive(p []byte) {
	mp.decoder.Feed(p)
	msgs, perrs := mp.decoder.Drain()
	for _, perr := range perrs {
		mp.log.Warn().Err(perr).Msg("protocol error from module")
	}
	for _, resp := range msgs {
		if cmd, ok := mp.internal[resp.ID]; ok {
			if resp.Final {
				delete(mp.internal, resp.ID)
			}
			if !protocol.IsSuccess(resp.Status) {
				mp.log.Warn().Str("command", cmd).Int("status", resp.Status).Str("message", string(resp.Body)).Msg("module rejected control request")
			}
			continue
		}
		if _, ok := mp.forwarded[resp.ID]; !ok {
			mp.log.Debug().Int64("id", resp.ID).Int("status", resp.Status).Msg("dropping response for unknown request")
			continue
		}
		if resp.Final {
			delete(mp.forwarded, resp.ID)
		}
		if mp.client != nil {
			mp.client.respond(resp)
		}
	}
}

func (mp *moduleProcess) resetInactivity() {
	mp.idleLeft = mp.rt.cfg.ModuleInactivity
	if mp.tickTimer == 0 && !mp.exiting {
		mp.tickTimer = mp.rt.r.AddTimer(mp.rt.cfg.ModuleTick, mp.tick)
	}
}

func (mp *moduleProcess) tick() bool {
	if mp.dead || mp.exiting {
		mp.tickTimer = 0
		return false
	}
	mp.idleLeft -= mp.rt.cfg.ModuleTick
	if mp.idleLeft > 0 {
		return true
	}
	if len(mp.forwarded) > 0 {
		mp.log.Debug().Int("open", len(mp.forwarded)).Msg("module inactive with open requests, waiting")
		mp.idleLeft = mp.rt.cfg.ModuleInactivity
		return true
	}
	mp.log.Info().Msg("module inactive for too long, sending EXIT")
	mp.tickTimer = 0
	mp.exit(nil)
	return false
}

// exit asks the module to shut down and arms the kill timer. A nil req
// sends an internal EXIT whose response is not forwarded.
func (mp *moduleProcess) exit(req *protocol.Message) {
	if req == nil {
		req = protocol.NewRequest(mp.rt.nextInternalID(), protocol.CmdExit, mp.name, exitInternal)
		mp.internal[req.ID] = protocol.CmdExit
	} else {
		mp.forwarded[req.ID] = req
	}
	mp.exiting = true
	mp.rt.r.RemoveTimer(mp.tickTimer)
	mp.tickTimer = 0
	if mp.running {
		mp.send(req)
	} else {
		mp.queued = append(mp.queued, req)
	}
	if mp.killTimer == 0 {
		mp.killTimer = mp.rt.r.AddTimer(mp.rt.cfg.ModuleKillDelay, func() bool {
			mp.killTimer = 0
			mp.log.Warn().Dur("after", mp.rt.cfg.ModuleKillDelay).Msg("module did not exit, killing")
			mp.kill()
			return false
		})
	}
}

// retire ends a module that no longer serves the session's identity. A
// process that never connected is killed and its queued requests fail.
func (mp *moduleProcess) retire() {
	if mp.dead || mp.exiting {
		return
	}
	if !mp.running {
		mp.died(ErrModuleRetired)
		mp.kill()
		return
	}
	mp.exit(nil)
}

// detachClient runs when the owning session closed: outstanding requests
// are forgotten and the module is asked to exit.
func (mp *moduleProcess) detachClient() {
	mp.client = nil
	clear(mp.forwarded)
	mp.queued = nil
	if mp.dead {
		return
	}
	if !mp.running {
		mp.kill()
		return
	}
	mp.exit(nil)
}

func (mp *moduleProcess) severed(err error) {
	if mp.dead {
		return
	}
	mp.log.Warn().AnErr("reason", err).Msg("module link severed")
	mp.died(err)
	mp.kill()
}

// died fails every request still waiting on the module: 510 once the link
// was up, 511 when it never connected.
func (mp *moduleProcess) died(reason error) {
	if mp.dead {
		return
	}
	mp.dead = true
	r := mp.rt.r
	r.RemoveTimer(mp.connectTimer)
	r.RemoveTimer(mp.tickTimer)
	r.RemoveTimer(mp.killTimer)
	mp.connectTimer, mp.tickTimer, mp.killTimer = 0, 0, 0
	if mp.binding != nil {
		mp.binding.Close(reason)
	}

	status, text := protocol.StatusModuleDied, fmt.Sprintf("module process %s died unexpectedly", mp.name)
	if !mp.running {
		status, text = protocol.StatusModuleUnreached, fmt.Sprintf("could not connect to module process %s", mp.name)
	}
	failed := 0
	if c := mp.client; c != nil {
		for id, req := range mp.forwarded {
			delete(mp.forwarded, id)
			c.reply(req, status, text)
			failed++
		}
		if c.modules[mp.name] == mp {
			delete(c.modules, mp.name)
		}
	}
	mp.queued = nil
	delete(mp.rt.procs, mp)
	observability.ModuleProcessStopped(mp.name)
	_ = os.Remove(mp.socket)

	ev := mp.log.Info()
	if failed > 0 {
		ev = mp.log.Warn()
	}
	ev.AnErr("reason", reason).Int("failed", failed).Msg("module process gone")
}

func (mp *moduleProcess) kill() {
	if mp.proc == nil {
		return
	}
	if err := mp.proc.Kill(); err != nil {
		mp.log.Debug().Err(err).Msg("kill module process")
	}
}
