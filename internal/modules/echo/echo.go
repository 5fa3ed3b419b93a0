// Package echo is a small demonstration module exercising every part of the
// handler contract: plain results, progress, failures, panics, cancellation
// and fan-out.
package echo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/consoled/internal/handler"
	"github.com/danmuck/consoled/internal/protocol"
)

const Name = "echo"

// New returns the module definition.
func New() *handler.Module {
	return &handler.Module{
		Name:        Name,
		Description: "Echo and diagnostics commands",
		Locales:     []string{"en-US", "de-DE"},
		Categories:  []string{"all", "system"},
		Syntaxes:    map[string]handler.Syntax{"echo/duration": checkDuration},
		Commands: map[string]handler.Handler{
			"echo/echo":     echoHandler{},
			"echo/sleep":    handler.Func(sleep),
			"echo/progress": handler.Func(progress),
			"echo/fail":     handler.Func(fail),
			"echo/panic":    handler.Func(panicking),
			"echo/hosts":    hostsHandler{},
		},
	}
}

// checkDuration accepts what echo/sleep takes as its duration option.
func checkDuration(v string) error {
	if d, err := time.ParseDuration(v); err != nil || d < 0 {
		return fmt.Errorf("not a duration: %q", v)
	}
	return nil
}

type echoReply struct {
	Command   string            `json:"command"`
	Arguments []string          `json:"arguments"`
	Options   map[string]string `json:"options,omitempty"`
	Body      string            `json:"body,omitempty"`
	Username  string            `json:"username,omitempty"`
	Locale    string            `json:"locale,omitempty"`
}

type echoHandler struct {
	handler.Base
}

// Pre refuses requests that carry deny=1, to exercise the abort path.
func (echoHandler) Pre(_ context.Context, req *handler.Request) handler.Decision {
	if req.Option("deny") == "1" {
		return handler.Abort(protocol.StatusInvalidOptions, "request denied by option")
	}
	return handler.Continue
}

func (echoHandler) Execute(_ context.Context, req *handler.Request, res handler.Responder) error {
	args := []string{}
	if len(req.Arguments) > 1 {
		args = req.Arguments[1:]
	}
	return res.Finish(handler.JSON(echoReply{
		Command:   req.Name,
		Arguments: args,
		Options:   req.Options,
		Body:      string(req.Body),
		Username:  req.Username,
		Locale:    req.Locale,
	}))
}

func sleep(ctx context.Context, req *handler.Request, res handler.Responder) error {
	d := 100 * time.Millisecond
	if raw := req.Option("duration"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return handler.InvalidArgument("bad duration %q", raw)
		}
		d = parsed
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return res.Finish(handler.JSON(map[string]string{"slept": d.String()}))
}

func progress(ctx context.Context, req *handler.Request, res handler.Responder) error {
	steps := 3
	if raw := req.Option("steps"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 1000 {
			return handler.InvalidArgument("bad steps %q", raw)
		}
		steps = n
	}
	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := res.Progress(handler.JSON(map[string]int{"step": i, "of": steps})); err != nil {
			return err
		}
	}
	return res.Finish(handler.JSON(map[string]int{"steps": steps}))
}

func fail(_ context.Context, req *handler.Request, _ handler.Responder) error {
	msg := req.Option("message")
	if msg == "" {
		msg = "requested failure"
	}
	return handler.Fail("%s", msg)
}

func panicking(context.Context, *handler.Request, handler.Responder) error {
	panic("echo: requested panic")
}

// hostsHandler fans out over the comma separated "hosts" option, running
// one sub-request per host.
type hostsHandler struct {
	handler.Base
}

func (hostsHandler) Split(req *handler.Request) ([]*protocol.Message, error) {
	hosts := splitHosts(req.Option("hosts"))
	if len(hosts) == 0 {
		return nil, handler.InvalidArgument("option hosts is required")
	}
	subs := make([]*protocol.Message, 0, len(hosts))
	for _, h := range hosts {
		sub := req.Message.Clone()
		delete(sub.Options, "hosts")
		sub.SetOption("host", h)
		subs = append(subs, sub)
	}
	return subs, nil
}

func (hostsHandler) Execute(ctx context.Context, req *handler.Request, res handler.Responder) error {
	host := req.Option("host")
	if host == "" {
		hosts := splitHosts(req.Option("hosts"))
		if len(hosts) != 1 {
			return handler.InvalidArgument("option host is required")
		}
		host = hosts[0]
	}
	if raw := req.Option("delay"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}
	if strings.HasPrefix(host, "down") {
		return handler.Fail("host %s unreachable", host)
	}
	return res.Finish(handler.JSON(map[string]any{
		"host":      host,
		"reachable": true,
		"checked":   fmt.Sprintf("%s@%s", req.Name, host),
	}))
}

func splitHosts(raw string) []string {
	var out []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}
