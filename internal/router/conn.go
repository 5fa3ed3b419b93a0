package router

import (
	"crypto/tls"
	"net"
	"sort"

	"github.com/danmuck/consoled/internal/observability"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/session"
	"github.com/danmuck/consoled/internal/transport"
	"github.com/rs/zerolog"
)

// conn is one client connection: its session, its transport binding and
// the module processes started on its behalf.
type conn struct {
	rt      *Router
	kind    string
	sess    *session.Session
	binding *transport.Binding
	log     zerolog.Logger
	modules map[string]*moduleProcess
}

func (rt *Router) attach(kind string, nc net.Conn) {
	var tc transport.Conn
	if tlsConn, ok := nc.(*tls.Conn); ok {
		tc = transport.NewPumpConn(tlsConn, rt.mailbox.Post, transport.PumpOptions{HandshakeTimeout: rt.cfg.HandshakeTimeout})
	} else {
		fc, err := transport.NewFDConn(nc)
		if err != nil {
			rt.log.Warn().Err(err).Str("kind", kind).Msg("cannot poll connection")
			nc.Close()
			return
		}
		tc = fc
	}

	sess := session.New(session.Options{
		Remote:    tc.RemoteAddr(),
		AuthRate:  rt.cfg.AuthRate,
		AuthBurst: rt.cfg.AuthBurst,
	})
	c := &conn{
		rt:      rt,
		kind:    kind,
		sess:    sess,
		log:     rt.log.With().Str("session", sess.ID).Logger(),
		modules: make(map[string]*moduleProcess),
	}
	c.binding = transport.Bind(rt.r, rt.mailbox.Post, tc, sess.Queue())
	c.binding.OnData = c.receive
	c.binding.OnClose = c.closed
	if err := c.binding.Start(); err != nil {
		c.log.Warn().Err(err).Msg("cannot register connection")
		tc.Close()
		return
	}
	rt.conns[sess.ID] = c
	observability.SessionOpened()
	c.log.Info().Str("kind", kind).Str("remote", sess.Remote).Msg("session opened")
}

// closed runs once when the connection ends. Pending requests are dropped
// without responses; module processes are asked to exit.
func (c *conn) closed(err error) {
	delete(c.rt.conns, c.sess.ID)
	observability.SessionClosed()
	pending := c.sess.PendingCount()
	c.sess.Close()
	for _, mp := range c.modules {
		mp.detachClient()
	}
	c.log.Info().AnErr("reason", err).Int("dropped", pending).Msg("session closed")
}

// retireModules detaches every module process from the session and asks it
// to exit. Requests already forwarded still get their responses.
func (c *conn) retireModules() {
	for name, mp := range c.modules {
		delete(c.modules, name)
		mp.retire()
	}
}

func (c *conn) receive(p []byte) {
	msgs, perrs := c.sess.Feed(p)
	for _, perr := range perrs {
		observability.RecordProtocolError()
		c.log.Warn().Err(perr).Int64("id", perr.ID).Msg("protocol error")
		c.respond(protocol.NewProtocolErrorResponse(perr.Status(), perr.Err.Error()))
	}
	for _, msg := range msgs {
		if c.binding.Closed() {
			return
		}
		c.dispatch(msg)
	}
}

// respond queues resp for the client and flushes what the socket takes.
func (c *conn) respond(resp *protocol.Message) {
	if c.binding.Closed() {
		return
	}
	if err := c.sess.Enqueue(resp); err != nil {
		c.log.Error().Err(err).Int64("id", resp.ID).Msg("cannot serialize response")
		return
	}
	c.binding.Flush()
	if resp.Final {
		observability.RecordRouterResponse(resp.Command, resp.Status)
	}
}

func (c *conn) reply(req *protocol.Message, status int, message string) {
	c.respond(protocol.NewStatusResponse(req, status, message))
}

func (c *conn) info() SessionInfo {
	mods := make([]string, 0, len(c.modules))
	for name := range c.modules {
		mods = append(mods, name)
	}
	sort.Strings(mods)
	return SessionInfo{
		ID:        c.sess.ID,
		Remote:    c.sess.Remote,
		Transport: c.kind,
		Username:  c.sess.Username(),
		State:     c.sess.State().String(),
		Locale:    c.sess.Locale(),
		Created:   c.sess.Created,
		Pending:   c.sess.PendingCount(),
		Modules:   mods,
	}
}
