package protocol

import "strings"

// Inbound message type tags.
const (
	TypeConnect    = "connect"
	TypeInput      = "input"
	TypeResize     = "resize"
	TypeDisconnect = "disconnect"
)

// Outbound message type tags.
const (
	TypeStatus = "status"
	TypeOutput = "output"
)

// Connect defaults applied when the client omits the field.
const (
	DefaultPort = 22
	DefaultCols = 80
	DefaultRows = 24
)

// MaxTermSize bounds cols and rows accepted from the client.
const MaxTermSize = 1000

// Size is a terminal window size in character cells.
type Size struct {
	Cols int
	Rows int
}

// Message is an inbound control message. The set of implementations is closed.
type Message interface {
	messageType() string
}

// Connect asks the relay to open an SSH shell on Host.
type Connect struct {
	Host     string
	Port     int
	Username string
	Password string
	Cols     int
	Rows     int
}

// Validate reports whether the connect request carries everything needed to
// dial. It does not touch the network.
func (c Connect) Validate() error {
	if strings.TrimSpace(c.Host) == "" || c.Username == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	return nil
}

// Size returns the requested initial terminal size.
func (c Connect) Size() Size { return Size{Cols: c.Cols, Rows: c.Rows} }

// Input carries keystrokes destined for the remote shell.
type Input struct {
	Data string
}

// Resize reports a new client terminal size.
type Resize struct {
	Cols int
	Rows int
}

// Size returns the requested terminal size.
func (r Resize) Size() Size { return Size{Cols: r.Cols, Rows: r.Rows} }

// Disconnect asks the relay to tear down the remote connection.
type Disconnect struct{}

func (Connect) messageType() string    { return TypeConnect }
func (Input) messageType() string      { return TypeInput }
func (Resize) messageType() string     { return TypeResize }
func (Disconnect) messageType() string { return TypeDisconnect }

// Phase is the value of the "status" field of a status frame.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseError        Phase = "error"
)

// Outbound is a message sent to the client. The set of implementations is closed.
type Outbound interface {
	outbound()
}

// Status reports a lifecycle change or an error to the client.
type Status struct {
	Type    string `json:"type"`
	Status  Phase  `json:"status"`
	Message string `json:"message,omitempty"`
}

// Output carries remote shell output.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (Status) outbound() {}
func (Output) outbound() {}

// NewStatus builds a status frame. An empty message is omitted on the wire.
func NewStatus(phase Phase, message string) Status {
	return Status{Type: TypeStatus, Status: phase, Message: message}
}

// NewOutput builds an output frame.
func NewOutput(data string) Output {
	return Output{Type: TypeOutput, Data: data}
}
