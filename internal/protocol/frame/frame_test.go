package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/consoled/internal/protocol/tlv"
)

func TestAppendFrameDecodesBack(t *testing.T) {
	payload := tlv.AppendString(nil, 1, "VERSION")
	in := Frame{
		Header:  Header{MessageID: -1, Kind: KindResponse, Flags: FlagFinal | FlagHasStatus, Status: 400},
		Payload: payload,
	}
	b, err := AppendFrame(nil, in, DefaultLimits())
	if err != nil {
		t.Fatalf("append frame: %v", err)
	}
	if len(b) != int(FixedHeaderLen)+len(payload) {
		t.Fatalf("unexpected encoded length %d", len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if err := h.Validate(DefaultLimits()); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if h.Magic != Magic || h.MessageID != -1 || h.Kind != KindResponse || h.Status != 400 {
		t.Fatalf("header mismatch: %+v", h)
	}
	if h.Flags != FlagFinal|FlagHasStatus {
		t.Fatalf("flags mismatch: %x", h.Flags)
	}
	if h.Len() != uint64(len(b)) || !bytes.Equal(b[FixedHeaderLen:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestValidateRejectsBadMagic(t *testing.T) {
	h := Header{Magic: 0xEDCE1001, Version: Version, HeaderLen: FixedHeaderLen}
	decoded, err := DecodeHeader(EncodeHeader(h))
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if err := decoded.Validate(DefaultLimits()); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestValidateRejectsOversizedPayload(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, PayloadLen: 1 << 40}
	if err := h.Validate(DefaultLimits()); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := AppendFrame(nil, Frame{Payload: make([]byte, 16)}, Limits{MaxPayloadBytes: 8}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on append, got %v", err)
	}
}

func TestValidateSemantics(t *testing.T) {
	if err := (Header{Kind: 9}).ValidateSemantics(); !errors.Is(err, ErrBadKind) {
		t.Fatalf("expected ErrBadKind, got %v", err)
	}
	if err := (Header{Kind: KindRequest, Flags: 0x80}).ValidateSemantics(); !errors.Is(err, ErrBadFlags) {
		t.Fatalf("expected ErrBadFlags, got %v", err)
	}
	if err := (Header{Kind: KindRequest, Reserved: 1}).ValidateSemantics(); !errors.Is(err, ErrReservedNonZero) {
		t.Fatalf("expected ErrReservedNonZero, got %v", err)
	}
	if err := (Header{Kind: KindResponse, Flags: FlagFinal}).ValidateSemantics(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
