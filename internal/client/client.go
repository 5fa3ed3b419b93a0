// Package client is a blocking console protocol client.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/consoled/internal/protocol"
)

var ErrUnexpectedResponse = errors.New("client: unexpected response")

// StatusError is returned for final responses outside the 2xx range.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d: %s", e.Status, protocol.StatusText(e.Status))
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Client is safe for one request at a time; Send may be used concurrently
// with Receive.
type Client struct {
	conn    net.Conn
	wmu     sync.Mutex
	rmu     sync.Mutex
	decoder *protocol.Decoder
	buf     []byte
	nextID  atomic.Int64
}

// Dial connects over network ("tcp" or "unix"); a non-nil tlsConfig wraps
// the connection in TLS.
func Dial(ctx context.Context, network, addr string, tlsConfig *tls.Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tc
	}
	return New(conn), nil
}

func New(conn net.Conn) *Client {
	return &Client{conn: conn, decoder: protocol.NewDecoder(), buf: make([]byte, 32*1024)}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// NextID allocates a request id.
func (c *Client) NextID() int64 {
	return c.nextID.Add(1)
}

// Send writes one message.
func (c *Client) Send(msg *protocol.Message) error {
	b, err := protocol.Serialize(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

// SendRaw writes pre-encoded bytes; used to inject malformed frames.
func (c *Client) SendRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Receive reads the next message, honouring ctx's deadline.
func (c *Client) Receive(ctx context.Context) (*protocol.Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	for {
		msg, err := c.decoder.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrIncomplete) {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.decoder.Feed(c.buf[:n])
		}
		if err != nil && n == 0 {
			return nil, err
		}
	}
}

// Do sends req and waits for its final response, passing partial responses
// to onPartial. Responses to other ids, except protocol errors, are skipped.
func (c *Client) Do(ctx context.Context, req *protocol.Message, onPartial func(*protocol.Message)) (*protocol.Message, error) {
	if req.ID == 0 {
		req.ID = c.NextID()
	}
	if err := c.Send(req); err != nil {
		return nil, err
	}
	for {
		resp, err := c.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if resp.ID == protocol.ProtocolErrorID {
			return resp, nil
		}
		if resp.ID != req.ID {
			continue
		}
		if !resp.Final {
			if onPartial != nil {
				onPartial(resp)
			}
			continue
		}
		return resp, nil
	}
}

// Check converts a non-2xx final response into a StatusError.
func Check(resp *protocol.Message, err error) (*protocol.Message, error) {
	if err != nil {
		return resp, err
	}
	if !protocol.IsSuccess(resp.Status) {
		return resp, &StatusError{Status: resp.Status, Message: string(resp.Body)}
	}
	return resp, nil
}

// Auth authenticates the connection.
func (c *Client) Auth(ctx context.Context, username, password string) error {
	req := protocol.NewRequest(0, protocol.CmdAuth)
	req.SetOption("username", username)
	req.SetOption("password", password)
	_, err := Check(c.Do(ctx, req, nil))
	return err
}

// Command runs a module command and returns its final response.
func (c *Client) Command(ctx context.Context, name string, options map[string]string, body []byte, onPartial func(*protocol.Message)) (*protocol.Message, error) {
	req := protocol.NewRequest(0, protocol.CmdCommand, name)
	req.Options = options
	req.Body = body
	return c.Do(ctx, req, onPartial)
}

// Set sends SET with the given options.
func (c *Client) Set(ctx context.Context, options map[string]string) (*protocol.Message, error) {
	req := protocol.NewRequest(0, protocol.CmdSet)
	req.Options = options
	return c.Do(ctx, req, nil)
}

// Get runs a GET query such as "modules/list".
func (c *Client) Get(ctx context.Context, what string) (*protocol.Message, error) {
	return c.Do(ctx, protocol.NewRequest(0, protocol.CmdGet, what), nil)
}

// VerifySyntax asks whether value matches the named syntax. The response
// body holds {"result": bool, "message": string}.
func (c *Client) VerifySyntax(ctx context.Context, syntax, value string) (*protocol.Message, error) {
	req := protocol.NewRequest(0, protocol.CmdGet, "syntax/verification")
	req.SetOption("syntax", syntax)
	req.SetOption("value", value)
	return c.Do(ctx, req, nil)
}

// Upload has the server read temp files from its upload directory and
// return their contents.
func (c *Client) Upload(ctx context.Context, files []protocol.UploadFile) ([]protocol.UploadResult, error) {
	req := protocol.NewRequest(0, protocol.CmdUpload)
	if err := req.SetJSONBody(files); err != nil {
		return nil, err
	}
	resp, err := Check(c.Do(ctx, req, nil))
	if err != nil {
		return nil, err
	}
	var out []protocol.UploadResult
	if err := resp.DecodeJSONBody(&out); err != nil {
		return nil, fmt.Errorf("client: upload response: %w", err)
	}
	return out, nil
}

// Version asks for the server version.
func (c *Client) Version(ctx context.Context) (*protocol.Message, error) {
	return c.Do(ctx, protocol.NewRequest(0, protocol.CmdVersion), nil)
}

// Exit asks the router to stop a module process.
func (c *Client) Exit(ctx context.Context, module string) (*protocol.Message, error) {
	return c.Do(ctx, protocol.NewRequest(0, protocol.CmdExit, module), nil)
}
