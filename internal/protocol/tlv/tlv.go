package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
)

// Type IDs carried in the field header.
const (
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field. Value aliases the decoded buffer.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// Len is the encoded size of f.
func (f Field) Len() int {
	return HeaderLen + len(f.Value)
}

// AppendField appends the encoding of f to dst.
func AppendField(dst []byte, f Field) []byte {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], f.ID)
	hdr[2] = f.Type
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Value...)
}

func AppendString(dst []byte, id uint16, s string) []byte {
	return AppendField(dst, Field{ID: id, Type: TypeString, Value: []byte(s)})
}

func AppendBytes(dst []byte, id uint16, b []byte) []byte {
	return AppendField(dst, Field{ID: id, Type: TypeBytes, Value: b})
}

// DecodeField decodes the field at the start of b and returns it together
// with the number of bytes it occupies.
func DecodeField(b []byte) (Field, int, error) {
	if len(b) < HeaderLen {
		return Field{}, 0, ErrShortFieldHeader
	}
	id := binary.BigEndian.Uint16(b[0:2])
	typeID := b[2]
	l := binary.BigEndian.Uint32(b[3:7])
	if uint64(len(b)-HeaderLen) < uint64(l) {
		return Field{}, 0, ErrShortFieldValue
	}
	end := HeaderLen + int(l)
	return Field{ID: id, Type: typeID, Value: b[HeaderLen:end:end]}, end, nil
}

// Walk calls fn for every field in payload, in order.
func Walk(payload []byte, fn func(Field) error) error {
	for i := 0; i < len(payload); {
		f, n, err := DecodeField(payload[i:])
		if err != nil {
			return fmt.Errorf("%w at offset %d", err, i)
		}
		if err := fn(f); err != nil {
			return err
		}
		i += n
	}
	return nil
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}
