// Package handler defines the contract between the module server and command
// implementations.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danmuck/consoled/internal/protocol"
)

// Request is what a handler sees: the wire message plus the session
// identity the module server was configured with.
type Request struct {
	*protocol.Message
	// Name is the resolved command name, e.g. "echo/echo".
	Name      string
	Username  string
	SessionID string
	Locale    string
}

// Decision is returned by Pre. A zero Decision lets execution continue.
type Decision struct {
	Abort   bool
	Status  int
	Message string
}

// Continue lets the request proceed.
var Continue = Decision{}

// Abort stops the request with the given status.
func Abort(status int, message string) Decision {
	return Decision{Abort: true, Status: status, Message: message}
}

// Responder delivers results for one request. Progress may be called any
// number of times before exactly one of Finish or Fail.
type Responder interface {
	Progress(body []byte) error
	Finish(body []byte) error
	Fail(status int, message string) error
}

// Handler executes one command. Pre and Post run on the same worker as
// Execute.
type Handler interface {
	Pre(ctx context.Context, req *Request) Decision
	Execute(ctx context.Context, req *Request, res Responder) error
	Post(ctx context.Context, req *Request, resp *protocol.Message) *protocol.Message
}

// Base supplies no-op Pre and Post hooks for embedding.
type Base struct{}

func (Base) Pre(context.Context, *Request) Decision { return Continue }

func (Base) Post(_ context.Context, _ *Request, resp *protocol.Message) *protocol.Message {
	return resp
}

// Func adapts a plain function into a Handler.
type Func func(ctx context.Context, req *Request, res Responder) error

func (Func) Pre(context.Context, *Request) Decision { return Continue }

func (f Func) Execute(ctx context.Context, req *Request, res Responder) error {
	return f(ctx, req, res)
}

func (Func) Post(_ context.Context, _ *Request, resp *protocol.Message) *protocol.Message {
	return resp
}

// Splitter is implemented by handlers that fan one request out into
// sub-requests executed strictly one after another. Returning fewer than
// two sub-requests runs the request unsplit.
type Splitter interface {
	Split(req *Request) ([]*protocol.Message, error)
}

// Failure is an expected, user-facing error; it is answered with status
// 600 (or Status when set) rather than 500.
type Failure struct {
	Status  int
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

// Fail builds a Failure with the default status.
func Fail(format string, args ...any) error {
	return &Failure{Status: protocol.StatusHandlerFailure, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument builds a 412 Failure.
func InvalidArgument(format string, args ...any) error {
	return &Failure{Status: protocol.StatusInvalidArguments, Message: fmt.Sprintf(format, args...)}
}

// AsFailure extracts a Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		if f.Status == 0 {
			f.Status = protocol.StatusHandlerFailure
		}
		return f, true
	}
	return nil, false
}

// JSON marshals v for a response body, panicking on unsupported values the
// way a handler bug should surface.
func JSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("handler: json body: %v", err))
	}
	return b
}
