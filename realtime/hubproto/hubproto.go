// Package hubproto implements the JSON hub protocol (version 1) spoken on the
// realtime connection: records are JSON objects terminated by 0x1e, preceded
// by a one-off handshake.
package hubproto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSeparator terminates every record on the wire.
const RecordSeparator byte = 0x1e

// AccessTokenParam carries the bearer token on the connect URL; browsers
// cannot set headers on a websocket upgrade so the hub accepts it here.
const AccessTokenParam = "access_token"

type MessageType int

const (
	TypeInvocation MessageType = 1
	TypeCompletion MessageType = 3
	TypePing       MessageType = 6
	TypeClose      MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeInvocation:
		return "invocation"
	case TypeCompletion:
		return "completion"
	case TypePing:
		return "ping"
	case TypeClose:
		return "close"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// Handshake is the only handshake this package speaks.
var Handshake = HandshakeRequest{Protocol: "json", Version: 1}

type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// Message is any non-handshake record. Fields not used by a type are omitted.
type Message struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// NewInvocation builds an invocation record. An empty id makes it
// fire-and-forget (no completion is sent).
func NewInvocation(id, target string, args ...any) (Message, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return Message{}, fmt.Errorf("[hubproto NewInvocation] argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}
	return Message{Type: TypeInvocation, InvocationID: id, Target: target, Arguments: raw}, nil
}

// NewCompletion answers an invocation. A non-empty errMsg marks it failed.
func NewCompletion(id string, result any, errMsg string) (Message, error) {
	m := Message{Type: TypeCompletion, InvocationID: id, Error: errMsg}
	if errMsg == "" && result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return Message{}, fmt.Errorf("[hubproto NewCompletion] %w", err)
		}
		m.Result = b
	}
	return m, nil
}

// Encode serialises v and appends the record separator.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("[hubproto Encode] %w", err)
	}
	return append(b, RecordSeparator), nil
}

// Split cuts a frame into records. Empty records are skipped; a trailing
// record without separator is returned as is.
func Split(frame []byte) [][]byte {
	var records [][]byte
	for _, rec := range bytes.Split(frame, []byte{RecordSeparator}) {
		if len(bytes.TrimSpace(rec)) > 0 {
			records = append(records, rec)
		}
	}
	return records
}

// Decode parses one record.
func Decode(record []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(record, &m); err != nil {
		return Message{}, fmt.Errorf("[hubproto Decode] %w", err)
	}
	if m.Type == 0 {
		return Message{}, fmt.Errorf("[hubproto Decode] record without type")
	}
	return m, nil
}

// DecodeHandshake parses the handshake answer and turns its error field into
// an error.
func DecodeHandshake(record []byte) error {
	var resp HandshakeResponse
	if err := json.Unmarshal(record, &resp); err != nil {
		return fmt.Errorf("[hubproto DecodeHandshake] %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("[hubproto DecodeHandshake] rejected: %s", resp.Error)
	}
	return nil
}

// DecodeArgument unmarshals argument i of an invocation into v.
func (m Message) DecodeArgument(i int, v any) error {
	if i < 0 || i >= len(m.Arguments) {
		return fmt.Errorf("[hubproto DecodeArgument] %s has %d arguments, want index %d", m.Target, len(m.Arguments), i)
	}
	return json.Unmarshal(m.Arguments[i], v)
}
