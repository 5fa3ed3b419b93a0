package modserver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/protocol"
	"github.com/danmuck/consoled/internal/queue"
)

var ErrAlreadyFinished = errors.New("modserver: response already finished")

func (s *Server) worker() {
	defer s.workers.Done()
	for {
		select {
		case <-s.workCtx.Done():
			return
		case <-s.q.Notify():
		}
		for {
			msg := s.q.GetUnseenRequest()
			if msg == nil {
				break
			}
			s.execute(s.workCtx, msg)
		}
	}
}

// execute runs Pre, Execute and Post for msg. Panics and unexpected errors
// become 500 responses carrying a diagnostic; Failures keep their status.
func (s *Server) execute(ctx context.Context, msg *protocol.Message) {
	s.handled.Add(1)
	name := msg.CommandName()
	res := &responder{q: s.q, req: msg}
	h, ok := s.module.Handler(name)
	if !ok {
		_ = res.Fail(protocol.StatusUnknownCommand, fmt.Sprintf("module %s has no command %s", s.module.Name, name))
		return
	}
	req := s.request(msg, name)
	res.post = func(resp *protocol.Message) *protocol.Message {
		if out := h.Post(ctx, req, resp); out != nil {
			return out
		}
		return resp
	}

	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Str("command", name).Interface("panic", p).Msg("handler panicked")
			res.exception(name, fmt.Sprintf("%v\n%s", p, debug.Stack()))
		}
	}()

	if d := h.Pre(ctx, req); d.Abort {
		status := d.Status
		if status == 0 {
			status = protocol.StatusHandlerFailure
		}
		_ = res.Fail(status, d.Message)
		return
	}

	err := h.Execute(ctx, req, res)
	switch {
	case err == nil:
		if !res.finished() {
			_ = res.Finish(nil)
		}
	case errors.Is(err, ErrAlreadyFinished):
		s.log.Warn().Str("command", name).Msg("handler responded twice")
	default:
		if res.finished() {
			s.log.Warn().Err(err).Str("command", name).Msg("handler error after response")
			return
		}
		if f, ok := handler.AsFailure(err); ok {
			_ = res.Fail(f.Status, f.Message)
			return
		}
		if ctx.Err() != nil {
			_ = res.Fail(protocol.StatusShuttingDown, fmt.Sprintf("command %s interrupted: %v", name, err))
			return
		}
		s.log.Error().Err(err).Str("command", name).Msg("handler failed")
		res.exception(name, err.Error())
	}
}

// Diagnostic is the body of a 500 response.
type Diagnostic struct {
	Command   string `json:"command"`
	Traceback string `json:"traceback"`
}

type responder struct {
	q    *queue.Queue
	req  *protocol.Message
	post func(*protocol.Message) *protocol.Message

	mu   sync.Mutex
	done bool
}

func (r *responder) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *responder) Progress(body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrAlreadyFinished
	}
	resp := protocol.NewResponse(r.req)
	resp.Status, resp.Final, resp.Body = protocol.StatusPartial, false, body
	r.q.AppendResponse(resp)
	return nil
}

func (r *responder) Finish(body []byte) error {
	resp := protocol.NewResponse(r.req)
	resp.Body = body
	return r.final(resp)
}

func (r *responder) Fail(status int, message string) error {
	return r.final(protocol.NewStatusResponse(r.req, status, message))
}

func (r *responder) exception(command, traceback string) {
	resp := protocol.NewResponse(r.req)
	resp.Status = protocol.StatusHandlerException
	resp.Body = handler.JSON(Diagnostic{Command: command, Traceback: traceback})
	r.mu.Lock()
	already := r.done
	r.mu.Unlock()
	if already {
		return
	}
	_ = r.final(resp)
}

func (r *responder) final(resp *protocol.Message) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return ErrAlreadyFinished
	}
	r.done = true
	r.mu.Unlock()
	if r.post != nil {
		resp = r.safePost(resp)
	}
	resp.Final = true
	r.q.AppendResponse(resp)
	return nil
}

// safePost runs the Post hook; a panicking hook leaves the response as is.
func (r *responder) safePost(resp *protocol.Message) (out *protocol.Message) {
	out = resp
	defer func() {
		if recover() != nil {
			out = resp
		}
	}()
	return r.post(resp)
}
