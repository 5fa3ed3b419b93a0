package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic          uint32 = 0x554D4350 // "UMCP"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32

	KindRequest  uint8 = 1
	KindResponse uint8 = 2

	FlagFinal     uint8 = 0x01
	FlagHasStatus uint8 = 0x02
	knownFlags          = FlagFinal | FlagHasStatus
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadVersion      = errors.New("frame: unsupported version")
	ErrBadHeaderLen    = errors.New("frame: header_len mismatch")
	ErrBadKind         = errors.New("frame: unknown message kind")
	ErrBadFlags        = errors.New("frame: unknown flag bits")
	ErrReservedNonZero = errors.New("frame: reserved bits set")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
//
//	0  magic       u32
//	4  version     u16
//	6  header_len  u16
//	8  message_id  i64
//	16 kind        u8
//	17 flags       u8
//	18 reserved    u16
//	20 status      i32
//	24 payload_len u64
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	MessageID  int64
	Kind       uint8
	Flags      uint8
	Reserved   uint16
	Status     int32
	PayloadLen uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// Len is the total encoded size described by h.
func (h Header) Len() uint64 {
	return uint64(h.HeaderLen) + h.PayloadLen
}

// Validate reports the first structural problem in h. A header that passes
// Validate describes exactly how many bytes its frame occupies.
func (h Header) Validate(limits Limits) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.HeaderLen != FixedHeaderLen {
		return fmt.Errorf("%w: %d", ErrBadHeaderLen, h.HeaderLen)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	return nil
}

// ValidateSemantics checks the fields that do not affect framing. A frame
// failing these can be skipped without losing stream sync.
func (h Header) ValidateSemantics() error {
	if h.Kind != KindRequest && h.Kind != KindResponse {
		return fmt.Errorf("%w: %d", ErrBadKind, h.Kind)
	}
	if h.Flags&^knownFlags != 0 {
		return fmt.Errorf("%w: 0x%02x", ErrBadFlags, h.Flags)
	}
	if h.Reserved != 0 {
		return ErrReservedNonZero
	}
	return nil
}

// AppendFrame appends the encoding of f to dst, fixing up magic, version and
// lengths.
func AppendFrame(dst []byte, f Frame, limits Limits) ([]byte, error) {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return dst, ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	dst = append(dst, EncodeHeader(h)...)
	return append(dst, f.Payload...), nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.MessageID))
	buf[16] = h.Kind
	buf[17] = h.Flags
	binary.BigEndian.PutUint16(buf[18:20], h.Reserved)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.Status))
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < int(FixedHeaderLen) {
		return Header{}, ErrShortHeader
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(b[6:8]),
		MessageID:  int64(binary.BigEndian.Uint64(b[8:16])),
		Kind:       b[16],
		Flags:      b[17],
		Reserved:   binary.BigEndian.Uint16(b[18:20]),
		Status:     int32(binary.BigEndian.Uint32(b[20:24])),
		PayloadLen: binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
