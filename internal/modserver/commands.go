package modserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/consoled/internal/acl"
	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/observability"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/queue"
	"github.com/danmuck/consoled/internal/securemem"
)

// SET option keys understood by the module server.
const (
	OptPermitted   = "commands/permitted"
	OptUsername    = "username"
	OptCredentials = "credentials"
	OptSessionID   = "sessionid"
	OptLocale      = "locale"
)

func (s *Server) handleSet(l *link, msg *protocol.Message) {
	if len(msg.Options) == 0 {
		s.reply(l, msg, protocol.StatusInvalidOptions, "SET requires options")
		return
	}
	next := *s.settings.Load()
	var (
		permissions *acl.ACL
		password    *securemem.Secret
	)
	for key, value := range msg.Options {
		switch key {
		case OptPermitted:
			p, err := acl.Parse([]byte(value))
			if err != nil {
				s.reply(l, msg, protocol.StatusInvalidOptions, err.Error())
				return
			}
			permissions = p
		case OptUsername:
			next.Username = value
		case OptCredentials:
			password = securemem.New(value)
		case OptSessionID:
			next.SessionID = value
		case OptLocale:
			locale, err := s.module.ResolveLocale(value)
			if err != nil {
				s.log.Warn().Str("locale", value).Msg("locale not available")
				s.reply(l, msg, protocol.StatusUnavailableLocale, fmt.Sprintf("specified locale is not available: %s", value))
				return
			}
			next.Locale = locale
		default:
			s.reply(l, msg, protocol.StatusInvalidOptions, fmt.Sprintf("unknown option %q", key))
			return
		}
	}

	if permissions != nil {
		s.acl = permissions
	}
	if password != nil {
		if s.password != nil {
			s.password.Destroy()
		}
		s.password = password
	}
	s.settings.Store(&next)
	if s.state == StateIdle {
		s.state = StateConfigured
	}

	if !s.inited {
		s.inited = true
		if s.module.Init != nil {
			if err := s.module.Init(context.Background(), next); err != nil {
				s.initErr = err
				s.log.Error().Err(err).Msg("module initialization failed")
				s.reply(l, msg, protocol.StatusModuleInitFailed, fmt.Sprintf("module %s could not be initialized: %v", s.module.Name, err))
				s.exiting = true
				s.armIdle(s.cfg.InitFailureDelay)
				return
			}
		}
	}
	s.reply(l, msg, protocol.StatusSuccess, "")
}

func (s *Server) handleCommand(l *link, msg *protocol.Message, name string) {
	if s.initErr != nil {
		s.reply(l, msg, protocol.StatusModuleInitFailed, s.initErr.Error())
		return
	}
	if !s.acl.Allowed(name, msg.Options) {
		s.log.Warn().Str("command", name).Str("user", s.settings.Load().Username).Msg("command not permitted")
		observability.RecordModuleRequest(s.module.Name, name, protocol.StatusForbidden, 0)
		s.reply(l, msg, protocol.StatusForbidden, fmt.Sprintf("command %s is not permitted", name))
		return
	}
	h, ok := s.module.Handler(name)
	if !ok {
		s.reply(l, msg, protocol.StatusUnknownCommand, fmt.Sprintf("module %s has no command %s", s.module.Name, name))
		return
	}
	if _, dup := s.active[msg.ID]; dup {
		s.reply(l, msg, protocol.StatusBadRequest, fmt.Sprintf("request %d is already running", msg.ID))
		return
	}

	a := &active{req: msg, link: l, name: name, started: time.Now()}
	if sp, ok := h.(handler.Splitter); ok {
		subs, err := sp.Split(s.request(msg, name))
		if err != nil {
			status, text := failureStatus(err)
			s.reply(l, msg, status, text)
			return
		}
		if len(subs) > 1 {
			for _, sub := range subs {
				s.nextSubID++
				sub.ID = s.nextSubID
				sub.Kind = protocol.KindRequest
			}
			s.track(a)
			id := msg.ID
			gid, err := s.q.NewRequestGroup(subs, queue.MailboxWaiter(s.mailbox.Post, func() { s.drainGroup(id) }))
			if err != nil {
				s.finish(id)
				s.reply(l, msg, protocol.StatusHandlerException, err.Error())
				return
			}
			a.group = gid
			return
		}
		if len(subs) == 1 {
			sub := subs[0]
			sub.ID = msg.ID
			a.req = sub
			msg = sub
		}
	}

	s.track(a)
	id := msg.ID
	if !s.q.NewRequest(msg, queue.MailboxWaiter(s.mailbox.Post, func() { s.drain(id) })) {
		s.finish(id)
		s.reply(l, msg, protocol.StatusBadRequest, fmt.Sprintf("request %d is already queued", id))
	}
}

// track records an active request. The 0→1 transition starts a busy period:
// it suspends the idle timer and re-arms the watchdog.
func (s *Server) track(a *active) {
	if len(s.active) == 0 {
		if !s.exiting {
			s.r.RemoveTimer(s.idleTimer)
		}
		s.armWatchdog()
		if s.state < StateTerminating {
			s.state = StateBusy
		}
	}
	s.active[a.req.ID] = a
}

// finish drops an active request; the 1→0 transition re-arms the idle timer.
func (s *Server) finish(id int64) {
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	if len(s.active) > 0 || s.exiting || s.state >= StateTerminating {
		return
	}
	s.state = StateConfigured
	s.armIdle(s.cfg.IdleTimeout)
}

func (s *Server) drain(id int64) {
	resp := s.q.GetLastResponse(id)
	if resp == nil {
		return
	}
	a, ok := s.active[id]
	if !ok {
		return
	}
	s.send(a.link, resp)
	if resp.Final {
		observability.RecordModuleRequest(s.module.Name, a.name, resp.Status, time.Since(a.started))
		s.finish(id)
	}
}

func (s *Server) drainGroup(id int64) {
	a, ok := s.active[id]
	if !ok {
		return
	}
	gr, ok := s.q.GetGroupResponse(a.group)
	if !ok {
		return
	}
	if gr.Partial != nil {
		p := protocol.NewResponse(a.req)
		p.Status, p.Final, p.Body = protocol.StatusPartial, false, gr.Partial.Body
		s.send(a.link, p)
	}
	if !gr.Complete {
		return
	}
	resp := aggregate(a.req, gr.Finals)
	s.send(a.link, resp)
	observability.RecordModuleRequest(s.module.Name, a.name, resp.Status, time.Since(a.started))
	s.finish(id)
}

// aggregate folds the sub-responses of a group into one final response whose
// body is a JSON array of the sub bodies. The status is the first non-2xx
// sub status, or 200.
func aggregate(req *protocol.Message, finals []*protocol.Message) *protocol.Message {
	resp := protocol.NewResponse(req)
	parts := make([]json.RawMessage, 0, len(finals))
	for _, f := range finals {
		if resp.Status == protocol.StatusSuccess && !protocol.IsSuccess(f.Status) {
			resp.Status = f.Status
		}
		switch {
		case len(f.Body) == 0:
			parts = append(parts, json.RawMessage("null"))
		case json.Valid(f.Body):
			parts = append(parts, json.RawMessage(f.Body))
		default:
			b, _ := json.Marshal(string(f.Body))
			parts = append(parts, b)
		}
	}
	resp.Body, _ = json.Marshal(parts)
	return resp
}

func (s *Server) request(msg *protocol.Message, name string) *handler.Request {
	st := s.settings.Load()
	return &handler.Request{
		Message:   msg,
		Name:      name,
		Username:  st.Username,
		SessionID: st.SessionID,
		Locale:    st.Locale,
	}
}

func failureStatus(err error) (int, string) {
	if f, ok := handler.AsFailure(err); ok {
		return f.Status, f.Message
	}
	return protocol.StatusHandlerException, err.Error()
}
