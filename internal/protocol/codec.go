package protocol

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/danmuck/consoled/internal/protocol/frame"
	"github.com/danmuck/consoled/internal/protocol/tlv"
)

// Payload field ids. Fields must appear in this order; arguments repeat,
// option keys and values alternate with strictly ascending keys, and the
// body appears at most once.
const (
	FieldCommand     uint16 = 1
	FieldArgument    uint16 = 2
	FieldOptionKey   uint16 = 3
	FieldOptionValue uint16 = 4
	FieldBody        uint16 = 5
)

// Serialize encodes m in canonical form.
func Serialize(m *Message) ([]byte, error) {
	return AppendMessage(nil, m, frame.DefaultLimits())
}

// AppendMessage appends the canonical encoding of m to dst.
func AppendMessage(dst []byte, m *Message, limits frame.Limits) ([]byte, error) {
	if m == nil {
		return dst, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if !ValidCommand(m.Command) {
		return dst, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Command)
	}
	if m.Kind != KindRequest && m.Kind != KindResponse {
		return dst, fmt.Errorf("%w: kind %d", ErrInvalidMessage, m.Kind)
	}
	if m.Status < 0 || m.Status > 1<<31-1 {
		return dst, fmt.Errorf("%w: status %d", ErrInvalidMessage, m.Status)
	}

	size := tlv.HeaderLen + len(m.Command)
	for _, a := range m.Arguments {
		size += tlv.HeaderLen + len(a)
	}
	for k, v := range m.Options {
		size += 2*tlv.HeaderLen + len(k) + len(v)
	}
	if m.Body != nil {
		size += tlv.HeaderLen + len(m.Body)
	}

	payload := make([]byte, 0, size)
	payload = tlv.AppendString(payload, FieldCommand, m.Command)
	for _, a := range m.Arguments {
		payload = tlv.AppendString(payload, FieldArgument, a)
	}
	keys := make([]string, 0, len(m.Options))
	for k := range m.Options {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		payload = tlv.AppendString(payload, FieldOptionKey, k)
		payload = tlv.AppendString(payload, FieldOptionValue, m.Options[k])
	}
	if m.Body != nil {
		payload = tlv.AppendBytes(payload, FieldBody, m.Body)
	}

	h := frame.Header{MessageID: m.ID, Kind: uint8(m.Kind), Status: int32(m.Status)}
	if m.Final {
		h.Flags |= frame.FlagFinal
	}
	if m.Status != 0 {
		h.Flags |= frame.FlagHasStatus
	}
	out, err := frame.AppendFrame(dst, frame.Frame{Header: h, Payload: payload}, limits)
	if err != nil {
		return dst, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return out, nil
}

// Parse decodes one message from the start of b.
//
// On success it returns the message and the number of bytes consumed. For any
// proper prefix of a valid message it returns ErrIncomplete and consumes
// nothing. For a malformed frame it returns an error wrapping ErrMalformed or
// ErrUnknownCommand; the count is then the number of bytes the caller should
// drop (the whole frame when its header is readable, otherwise all of b).
// An oversized frame is dropped up to the end of b; the rest of its payload
// is still to come on the stream.
func Parse(b []byte) (*Message, int, error) {
	msg, n, _, err := parse(b, frame.DefaultLimits())
	return msg, n, err
}

// parse also reports how many bytes of an oversized frame lie beyond b.
func parse(b []byte, limits frame.Limits) (*Message, int, uint64, error) {
	if len(b) < int(frame.FixedHeaderLen) {
		return nil, 0, 0, ErrIncomplete
	}
	h, err := frame.DecodeHeader(b)
	if err != nil {
		return nil, 0, 0, ErrIncomplete
	}
	if err := h.Validate(limits); err != nil {
		perr := &ProtocolError{ID: ProtocolErrorID, Err: fmt.Errorf("%w: %w", ErrMalformed, err)}
		if errors.Is(err, frame.ErrPayloadTooLarge) && h.PayloadLen <= math.MaxUint64-uint64(h.HeaderLen) {
			// The header is sound, so the frame boundary is known.
			perr.ID = h.MessageID
			total := h.Len()
			if uint64(len(b)) >= total {
				return nil, int(total), 0, perr
			}
			return nil, len(b), total - uint64(len(b)), perr
		}
		// Framing cannot be trusted; discard what is buffered.
		return nil, len(b), 0, perr
	}
	total := h.Len()
	if uint64(len(b)) < total {
		return nil, 0, 0, ErrIncomplete
	}
	n := int(total)
	msg, err := decodeBody(h, b[frame.FixedHeaderLen:n])
	if err != nil {
		return nil, n, 0, &ProtocolError{ID: h.MessageID, Err: err}
	}
	return msg, n, 0, nil
}

func decodeBody(h frame.Header, payload []byte) (*Message, error) {
	if err := h.ValidateSemantics(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hasStatus := h.Flags&frame.FlagHasStatus != 0
	if hasStatus != (h.Status != 0) || h.Status < 0 {
		return nil, fmt.Errorf("%w: status %d inconsistent with flags", ErrMalformed, h.Status)
	}

	m := &Message{
		ID:     h.MessageID,
		Kind:   Kind(h.Kind),
		Status: int(h.Status),
		Final:  h.Flags&frame.FlagFinal != 0,
	}
	var (
		stage   uint16
		seenCmd bool
		lastKey string
		haveKey bool
		key     string
	)
	err := tlv.Walk(payload, func(f tlv.Field) error {
		if f.ID < stage || f.ID < FieldCommand || f.ID > FieldBody {
			return fmt.Errorf("field %d out of order", f.ID)
		}
		if !seenCmd && f.ID != FieldCommand {
			return fmt.Errorf("field %d before command", f.ID)
		}
		want := tlv.TypeString
		if f.ID == FieldBody {
			want = tlv.TypeBytes
		}
		if err := tlv.MustType(f, want); err != nil {
			return err
		}
		switch f.ID {
		case FieldCommand:
			if seenCmd {
				return errors.New("duplicate command field")
			}
			seenCmd = true
			m.Command = string(f.Value)
			stage = FieldArgument
		case FieldArgument:
			m.Arguments = append(m.Arguments, string(f.Value))
		case FieldOptionKey:
			if haveKey {
				return errors.New("option key without value")
			}
			k := string(f.Value)
			if m.Options != nil && k <= lastKey {
				return fmt.Errorf("option %q not in ascending order", k)
			}
			key, haveKey = k, true
			stage = FieldOptionKey
		case FieldOptionValue:
			if !haveKey {
				return errors.New("option value without key")
			}
			if m.Options == nil {
				m.Options = make(map[string]string)
			}
			m.Options[key] = string(f.Value)
			lastKey, haveKey = key, false
			stage = FieldOptionKey
		case FieldBody:
			if haveKey {
				return errors.New("option key without value")
			}
			m.Body = append([]byte{}, f.Value...)
			stage = FieldBody + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if haveKey {
		return nil, fmt.Errorf("%w: option key without value", ErrMalformed)
	}
	if !seenCmd {
		return nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	if !ValidCommand(m.Command) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Command)
	}
	return m, nil
}
