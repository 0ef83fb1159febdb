package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireMessage is the union of every inbound field. Pointers distinguish an
// omitted field from a zero value.
type wireMessage struct {
	Type     string  `json:"type"`
	Host     string  `json:"host"`
	Port     *int    `json:"port"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Cols     *int    `json:"cols"`
	Rows     *int    `json:"rows"`
	Data     *string `json:"data"`
}

// Decode parses one inbound frame. Every failure wraps ErrInvalidMessage.
func Decode(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch w.Type {
	case TypeConnect:
		c := Connect{
			Host:     w.Host,
			Port:     intOr(w.Port, DefaultPort),
			Username: w.Username,
			Password: w.Password,
			Cols:     intOr(w.Cols, DefaultCols),
			Rows:     intOr(w.Rows, DefaultRows),
		}
		if !validSize(c.Cols, c.Rows) {
			return nil, fmt.Errorf("%w: terminal size %dx%d out of range", ErrInvalidMessage, c.Cols, c.Rows)
		}
		return c, nil

	case TypeInput:
		if w.Data == nil {
			return nil, fmt.Errorf("%w: input without data", ErrInvalidMessage)
		}
		return Input{Data: *w.Data}, nil

	case TypeResize:
		if w.Cols == nil || w.Rows == nil {
			return nil, fmt.Errorf("%w: resize without cols/rows", ErrInvalidMessage)
		}
		if !validSize(*w.Cols, *w.Rows) {
			return nil, fmt.Errorf("%w: terminal size %dx%d out of range", ErrInvalidMessage, *w.Cols, *w.Rows)
		}
		return Resize{Cols: *w.Cols, Rows: *w.Rows}, nil

	case TypeDisconnect:
		return Disconnect{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, w.Type)
	}
}

// Encode serialises an outbound message into a single text frame. HTML
// characters are not escaped so output data stays byte-for-byte readable.
func Encode(msg Outbound) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func validSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= MaxTermSize && rows <= MaxTermSize
}
