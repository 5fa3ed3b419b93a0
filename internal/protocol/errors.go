package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means more bytes are needed; nothing was consumed.
	ErrIncomplete     = errors.New("protocol: incomplete message")
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// ProtocolError describes a frame the Decoder dropped. ID is the id from the
// frame header when it could be read, otherwise -1.
type ProtocolError struct {
	ID  int64
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (id=%d): %v", e.ID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Status maps the error onto the response status sent back to the peer.
func (e *ProtocolError) Status() int {
	if errors.Is(e.Err, ErrUnknownCommand) {
		return StatusUnknownCommand
	}
	return StatusBadRequest
}
