package transport

import (
	"errors"
	"fmt"
)

// Kind is the phase of the transport state machine.
type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	Failed
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind as its name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// State is the observable transport state. Port is set while Connected,
// Reason while Failed.
type State struct {
	Kind   Kind   `json:"kind"`
	Port   string `json:"port,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s State) String() string {
	switch s.Kind {
	case Connected:
		return fmt.Sprintf("connected(%s)", s.Port)
	case Failed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.Kind.String()
}

// IsConnected reports whether telemetry is flowing.
func (s State) IsConnected() bool { return s.Kind == Connected }

// ConnectedInfo describes a successful connect.
type ConnectedInfo struct {
	Port        string `json:"port"`
	Description string `json:"description,omitempty"`
	Detected    bool   `json:"detected"` // Port was found by auto-detect
}

var (
	// ErrAlreadyConnected is returned when Connect is called while a session is open or opening.
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrNoDevice is returned when auto-detect finds no port producing valid telemetry.
	ErrNoDevice = errors.New("no mixer device found")

	// ErrAborted is returned by Connect when Disconnect is called while it is in progress.
	ErrAborted = errors.New("connect aborted")
)

// Error is a transport failure. It is recoverable by an explicit reconnect.
type Error struct {
	Op   string
	Port string
	Err  error
}

func (e *Error) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
