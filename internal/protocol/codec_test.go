package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/consoled/internal/protocol/frame"
	"github.com/danmuck/consoled/internal/protocol/tlv"
	"github.com/danmuck/consoled/internal/testutil/testlog"
)

func sampleRequest() *Message {
	m := NewRequest(7, CmdCommand, "echo/echo", "extra")
	m.SetOption("zeta", "last")
	m.SetOption("alpha", "first")
	m.SetOption("hosts", "a,b")
	m.Body = []byte(`{"k":1}`)
	return m
}

func TestSerializeParseRoundTrip(t *testing.T) {
	testlog.Start(t)

	cases := []*Message{
		sampleRequest(),
		NewRequest(1, CmdVersion),
		NewStatusResponse(NewRequest(3, CmdAuth), StatusAuthFailed, "denied"),
		NewProtocolErrorResponse(StatusBadRequest, "bad frame"),
		{ID: 9, Kind: KindResponse, Command: "echo/progress", Status: StatusPartial, Body: []byte{}},
	}
	for _, in := range cases {
		b, err := Serialize(in)
		if err != nil {
			t.Fatalf("serialize %s: %v", in, err)
		}
		out, n, err := Parse(b)
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if n != len(b) {
			t.Fatalf("consumed %d of %d", n, len(b))
		}
		again, err := Serialize(out)
		if err != nil {
			t.Fatalf("reserialize: %v", err)
		}
		if !bytes.Equal(b, again) {
			t.Fatalf("round trip not byte-identical for %s", in)
		}
		if out.ID != in.ID || out.Command != in.Command || out.Status != in.Status || out.Final != in.Final {
			t.Fatalf("message mismatch: got=%s want=%s", out, in)
		}
	}
}

func TestParseEveryProperPrefixIsIncomplete(t *testing.T) {
	testlog.Start(t)

	b, err := Serialize(sampleRequest())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	for i := 0; i < len(b); i++ {
		_, n, err := Parse(b[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("prefix %d: expected ErrIncomplete, got %v", i, err)
		}
		if n != 0 {
			t.Fatalf("prefix %d consumed %d bytes", i, n)
		}
	}
}

func TestParseRejectsUnsortedOptions(t *testing.T) {
	testlog.Start(t)

	var payload []byte
	payload = tlv.AppendString(payload, FieldCommand, CmdSet)
	payload = tlv.AppendString(payload, FieldOptionKey, "locale")
	payload = tlv.AppendString(payload, FieldOptionValue, "de_DE")
	payload = tlv.AppendString(payload, FieldOptionKey, "GET")
	payload = tlv.AppendString(payload, FieldOptionValue, "x")
	b := rawFrame(t, 4, payload)

	_, n, err := Parse(b)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if n != len(b) {
		t.Fatalf("malformed frame should be skipped whole, consumed %d of %d", n, len(b))
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.ID != 4 || perr.Status() != StatusBadRequest {
		t.Fatalf("expected protocol error for id 4, got %#v", err)
	}
}

func TestParseRejectsFieldsBeforeCommand(t *testing.T) {
	testlog.Start(t)

	var payload []byte
	payload = tlv.AppendString(payload, FieldArgument, "x")
	payload = tlv.AppendString(payload, FieldCommand, CmdGet)
	_, _, err := Parse(rawFrame(t, 1, payload))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseUnknownCommand(t *testing.T) {
	testlog.Start(t)

	payload := tlv.AppendString(nil, FieldCommand, "FROBNICATE")
	_, _, err := Parse(rawFrame(t, 2, payload))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Status() != StatusUnknownCommand {
		t.Fatalf("expected 401 protocol error, got %v", err)
	}
	if _, err := Serialize(NewRequest(1, "FROBNICATE")); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("serialize must refuse unknown command, got %v", err)
	}
}

func TestParseBadMagicDropsBuffer(t *testing.T) {
	testlog.Start(t)

	b, _ := Serialize(NewRequest(1, CmdVersion))
	b[0] = 'X'
	_, n, err := Parse(b)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if n != len(b) {
		t.Fatalf("expected whole buffer dropped, got %d", n)
	}
}

func TestParseStatusFlagMismatch(t *testing.T) {
	testlog.Start(t)

	h := frame.Header{MessageID: 1, Kind: frame.KindResponse, Flags: frame.FlagHasStatus}
	payload := tlv.AppendString(nil, FieldCommand, CmdVersion)
	b, err := frame.AppendFrame(nil, frame.Frame{Header: h, Payload: payload}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("append frame: %v", err)
	}
	if _, _, err := Parse(b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestCommandName(t *testing.T) {
	if got := NewRequest(1, CmdCommand, "echo/echo").CommandName(); got != "echo/echo" {
		t.Fatalf("COMMAND name = %q", got)
	}
	if got := NewRequest(1, "echo/echo").CommandName(); got != "echo/echo" {
		t.Fatalf("path name = %q", got)
	}
	if got := NewRequest(1, CmdAuth).CommandName(); got != "" {
		t.Fatalf("AUTH name = %q", got)
	}
}

func rawFrame(t *testing.T, id int64, payload []byte) []byte {
	t.Helper()
	h := frame.Header{MessageID: id, Kind: frame.KindRequest}
	b, err := frame.AppendFrame(nil, frame.Frame{Header: h, Payload: payload}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("append frame: %v", err)
	}
	return b
}
