package realtime

import (
	"encoding/json"
	"fmt"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

type StateChange struct {
	From State
	To   State
}

// Event is a server push: the hub method name and its raw arguments.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Decode unmarshals argument i into v.
func (e Event) Decode(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("[Event Decode] %s has %d arguments, want index %d", e.Name, len(e.Args), i)
	}
	return json.Unmarshal(e.Args[i], v)
}
