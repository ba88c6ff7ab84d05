package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// FrameType enumerates bridge frame types.
type FrameType string

const (
	TypeAuth   FrameType = "auth"
	TypeAuthOK FrameType = "auth_ok"
	TypeCall   FrameType = "call"
	TypeResult FrameType = "result"
)

// Reserved methods for chunked binary transfer.
const (
	MethodChunk    = "uploadChunk"
	MethodComplete = "uploadComplete"
)

// ErrInvalidFrame is returned when a message cannot be decoded into a Frame.
var ErrInvalidFrame = errors.New("invalid frame")

// CallID correlates a call frame with its result. Peers may echo it back as a
// JSON string or number.
type CallID string

// UnmarshalJSON accepts both string and numeric ids.
func (id *CallID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = CallID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = CallID(n.String())
	return nil
}

// FormatID renders a sequence number as a CallID.
func FormatID(n uint64) CallID { return CallID(strconv.FormatUint(n, 10)) }

// Frame is one message exchanged over the bridge socket.
type Frame struct {
	Type   FrameType       `json:"type,omitempty"`
	Token  string          `json:"token,omitempty"`
	Peer   string          `json:"peer,omitempty"`
	ID     CallID          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Kind reports the frame type, inferring it from the populated fields when the
// peer omitted the type discriminator.
func (f Frame) Kind() FrameType {
	if f.Type != "" {
		return f.Type
	}
	switch {
	case f.OK != nil:
		return TypeResult
	case f.Method != "":
		return TypeCall
	case f.Token != "":
		return TypeAuth
	}
	return ""
}

// Call builds a call frame.
func Call(id CallID, method string, params json.RawMessage) Frame {
	return Frame{Type: TypeCall, ID: id, Method: method, Params: params}
}

// Success builds a successful result frame.
func Success(id CallID, result json.RawMessage) Frame {
	ok := true
	return Frame{Type: TypeResult, ID: id, OK: &ok, Result: result}
}

// Failure builds a failed result frame.
func Failure(id CallID, msg string) Frame {
	ok := false
	return Frame{Type: TypeResult, ID: id, OK: &ok, Error: msg}
}

// Auth builds a handshake frame.
func Auth(token, peer string) Frame {
	return Frame{Type: TypeAuth, Token: token, Peer: peer}
}

// Encode serializes a frame for a text WebSocket message.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame and rejects messages that are not any known kind.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Join(ErrInvalidFrame, err)
	}
	switch f.Kind() {
	case TypeAuth, TypeAuthOK, TypeCall, TypeResult:
		return f, nil
	}
	return Frame{}, ErrInvalidFrame
}
