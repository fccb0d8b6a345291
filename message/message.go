package message

// Kind is the one-byte wire tag identifying which of the four message
// variants a frame carries (spec.md §4.1).
type Kind byte

const (
	KindOpenMsg    Kind = 0x2A // '*'
	KindBlockMsg   Kind = 0x23 // '#'
	KindCloseMsg   Kind = 0x2D // '-'
	KindControlMsg Kind = 0x51 // 'Q'
)

func (k Kind) String() string {
	switch k {
	case KindOpenMsg:
		return "Open"
	case KindBlockMsg:
		return "Block"
	case KindCloseMsg:
		return "Close"
	case KindControlMsg:
		return "Control"
	default:
		return "Unknown"
	}
}

// PipeID identifies one logical pipe. The most-significant bit distinguishes
// the originator: the accepting ("primary") side allocates ids with MSB=1,
// the connecting ("secondary") side allocates ids with MSB=0 (spec.md §3).
type PipeID uint16

const pipeIDPrimaryBit PipeID = 1 << 15

// IsPrimary reports whether id was allocated by the accepting side.
func (id PipeID) IsPrimary() bool { return id&pipeIDPrimaryBit != 0 }

// ControlKind identifies the payload carried by a Control message. Control
// messages are not associated with any pipe (spec.md §3).
type ControlKind byte

const (
	ControlSyncSession ControlKind = 0x51 // 'Q'
	ControlClose       ControlKind = 0x01
)

// CloseCode is the 8-bit status code terminating a pipe (spec.md §3, §7).
type CloseCode byte

const (
	CloseSuccess         CloseCode = 0
	CloseServiceNotFound CloseCode = 1
	CloseFunctionNotFound CloseCode = 2
	CloseCancelled       CloseCode = 3
	CloseTimeout         CloseCode = 4
	CloseSessionClosed   CloseCode = 5
	CloseUnexpectedError CloseCode = 6
)

func (c CloseCode) Success() bool { return c == CloseSuccess }

// Message is the closed tagged union of the four wire variants. Only the
// fields relevant to Kind are meaningful; constructors below populate them
// consistently so callers never need to set fields directly (spec.md §9:
// represented as a closed tagged union, not a class hierarchy).
type Message struct {
	Kind Kind

	PipeID PipeID // Open, Block, Close only

	// Open
	Priority   int8
	FunctionID uint16
	Params     Value

	// Block
	Loss    uint8
	Payload []byte
	EOF     bool

	// Close
	Code   CloseCode
	Result Value

	// Control
	ControlKind ControlKind
	ControlBody []byte
}

// MaxBlockPayload is the largest payload a single Block may carry (spec.md
// §4.7): the 16-bit payload-length budget with Block's own header overhead
// subtracted.
const MaxBlockPayload = 65528

// NewOpen builds an Open message.
func NewOpen(pipeID PipeID, priority int8, functionID uint16, params Value) Message {
	return Message{Kind: KindOpenMsg, PipeID: pipeID, Priority: priority, FunctionID: functionID, Params: params}
}

// NewBlock builds a Block message carrying payload. If eof is true, payload
// must be empty (spec.md §4.1).
func NewBlock(pipeID PipeID, loss uint8, payload []byte, eof bool) Message {
	return Message{Kind: KindBlockMsg, PipeID: pipeID, Loss: loss & 0x7F, Payload: payload, EOF: eof}
}

// NewClose builds a Close message.
func NewClose(pipeID PipeID, code CloseCode, result Value) Message {
	return Message{Kind: KindCloseMsg, PipeID: pipeID, Code: code, Result: result}
}

// NewControlClose builds the session-level Control(Close) message.
func NewControlClose() Message {
	return Message{Kind: KindControlMsg, ControlKind: ControlClose}
}

// NewControlSyncSession builds a Control(SyncSession) message from an
// already-encoded SyncSession payload (see SyncSession.Encode).
func NewControlSyncSession(body []byte) Message {
	return Message{Kind: KindControlMsg, ControlKind: ControlSyncSession, ControlBody: body}
}

// ErrorTuple builds the (code, message, description) error body attached to
// a failing Close (spec.md §4.7).
func ErrorTuple(code int32, msg, description string) Value {
	return List([]Value{Int32(code), String(msg), String(description)})
}
