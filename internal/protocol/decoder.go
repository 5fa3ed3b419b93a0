package protocol

import (
	"errors"

	"github.com/danmuck/consoled/internal/protocol/frame"
)

// Decoder reassembles messages from a byte stream. Trailing partial frames
// are kept until more bytes arrive. The zero value uses the default limits.
// Not safe for concurrent use.
type Decoder struct {
	buf    []byte
	limits frame.Limits
	// skip counts payload bytes of an oversized frame not yet received.
	skip uint64
}

func NewDecoder() *Decoder {
	return &Decoder{limits: frame.DefaultLimits()}
}

// NewDecoderWithLimits is NewDecoder with explicit frame limits.
func NewDecoderWithLimits(limits frame.Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends p to the internal buffer. p may be reused by the caller.
func (d *Decoder) Feed(p []byte) {
	if d.skip > 0 {
		n := min(d.skip, uint64(len(p)))
		d.skip -= n
		p = p[n:]
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message. It returns ErrIncomplete when the
// buffer holds no complete frame, and a *ProtocolError after dropping a bad
// frame; callers keep calling Next after a *ProtocolError.
func (d *Decoder) Next() (*Message, error) {
	if d.limits.MaxPayloadBytes == 0 {
		d.limits = frame.DefaultLimits()
	}
	msg, n, skip, err := parse(d.buf, d.limits)
	if n > 0 {
		d.consume(n)
	}
	d.skip += skip
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Drain returns every complete message currently buffered along with the
// protocol errors encountered on the way.
func (d *Decoder) Drain() ([]*Message, []*ProtocolError) {
	var (
		msgs []*Message
		errs []*ProtocolError
	)
	for {
		msg, err := d.Next()
		if err == nil {
			msgs = append(msgs, msg)
			continue
		}
		var perr *ProtocolError
		if errors.As(err, &perr) {
			errs = append(errs, perr)
			continue
		}
		return msgs, errs
	}
}

// Buffered is the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skip = 0
}

func (d *Decoder) consume(n int) {
	rest := len(d.buf) - n
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
