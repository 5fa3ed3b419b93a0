package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
)

type Kind uint8

const (
	KindRequest  Kind = 1
	KindResponse Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Protocol-level command keywords.
const (
	CmdAuth    = "AUTH"
	CmdSet     = "SET"
	CmdExit    = "EXIT"
	CmdGet     = "GET"
	CmdVersion = "VERSION"
	CmdCommand = "COMMAND"
	CmdUpload  = "UPLOAD"
)

// ProtocolErrorID is the id carried by responses to frames that could not be
// attributed to a request.
const ProtocolErrorID int64 = -1

// ReservedIDBase starts the id range kept for ids generated inside consoled
// (router control requests, module sub-requests). Client ids must be
// non-negative and below it.
const ReservedIDBase int64 = 1 << 48

// ValidClientID reports whether id may be used by a client request.
func ValidClientID(id int64) bool {
	return id >= 0 && id < ReservedIDBase
}

var (
	keywords    = map[string]bool{CmdAuth: true, CmdSet: true, CmdExit: true, CmdGet: true, CmdVersion: true, CmdCommand: true, CmdUpload: true}
	commandPath = regexp.MustCompile(`^[a-z0-9][a-z0-9_./-]*$`)
)

// ValidCommand reports whether tok is a keyword or a command path.
func ValidCommand(tok string) bool {
	return keywords[tok] || commandPath.MatchString(tok)
}

// ValidCommandName reports whether name can name a module command.
func ValidCommandName(name string) bool {
	return commandPath.MatchString(name)
}

// Message is one request or response. A Message is treated as immutable
// once it has been serialized; use Clone before changing a shared one.
type Message struct {
	ID        int64
	Kind      Kind
	Command   string
	Arguments []string
	Options   map[string]string
	Body      []byte
	// Status is 0 when absent. Requests usually carry none.
	Status int
	// Final marks the last response for a request id.
	Final bool
}

// NewRequest builds a request with the given id and command token.
func NewRequest(id int64, command string, args ...string) *Message {
	return &Message{ID: id, Kind: KindRequest, Command: command, Arguments: args}
}

// NewResponse builds a final 200 response echoing req's id and command.
func NewResponse(req *Message) *Message {
	return &Message{ID: req.ID, Kind: KindResponse, Command: req.Command, Status: StatusSuccess, Final: true}
}

// NewStatusResponse builds a final response with status and a text body.
func NewStatusResponse(req *Message, status int, message string) *Message {
	resp := NewResponse(req)
	resp.Status = status
	if message != "" {
		resp.Body = []byte(message)
	}
	return resp
}

// NewProtocolErrorResponse answers a frame that failed to decode.
func NewProtocolErrorResponse(status int, message string) *Message {
	return &Message{
		ID:      ProtocolErrorID,
		Kind:    KindResponse,
		Command: CmdCommand,
		Status:  status,
		Final:   true,
		Body:    []byte(message),
	}
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool {
	return m.Kind == KindRequest
}

// CommandName resolves the module command a request addresses: the first
// argument of COMMAND, or the command token itself when it is a path.
func (m *Message) CommandName() string {
	if m.Command == CmdCommand {
		if len(m.Arguments) > 0 {
			return m.Arguments[0]
		}
		return ""
	}
	if commandPath.MatchString(m.Command) {
		return m.Command
	}
	return ""
}

// Option returns the named option or "".
func (m *Message) Option(key string) string {
	return m.Options[key]
}

// SetOption sets an option, allocating the map on first use.
func (m *Message) SetOption(key, value string) {
	if m.Options == nil {
		m.Options = make(map[string]string)
	}
	m.Options[key] = value
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	out := *m
	out.Arguments = slices.Clone(m.Arguments)
	out.Options = maps.Clone(m.Options)
	out.Body = slices.Clone(m.Body)
	return &out
}

// SetJSONBody marshals v into the body.
func (m *Message) SetJSONBody(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: json body: %v", ErrInvalidMessage, err)
	}
	m.Body = b
	return nil
}

// DecodeJSONBody unmarshals the body into v.
func (m *Message) DecodeJSONBody(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	return json.Unmarshal(m.Body, v)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s id=%d cmd=%s args=%d opts=%d body=%dB status=%d final=%t",
		m.Kind, m.ID, m.Command, len(m.Arguments), len(m.Options), len(m.Body), m.Status, m.Final)
}
