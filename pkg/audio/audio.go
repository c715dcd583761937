// Package audio defines the boundary to the host audio subsystem.
//
// Platform backends enumerate sessions and apply volumes; the mixer only
// depends on the Backend interface. Stub is an in-process backend used for
// development and tests.
package audio

import (
	"context"
	"errors"
)

// MasterProcessID is the pseudo process id reserved for the master output.
const MasterProcessID uint32 = 0

// ErrSessionNotFound is returned when a volume is applied to a session that no longer exists.
var ErrSessionNotFound = errors.New("audio session not found")

// Session is an audio-producing process as reported by the audio subsystem.
type Session struct {
	ProcessID   uint32  `json:"process_id"`
	ProcessName string  `json:"process_name"`
	DisplayName string  `json:"display_name"`
	Volume      float32 `json:"volume"` // 0-100
	Muted       bool    `json:"is_muted"`
}

// Lister enumerates the current audio sessions.
type Lister interface {
	ListSessions(ctx context.Context) ([]Session, error)
}

// Setter applies volumes.
type Setter interface {
	SetSessionVolume(ctx context.Context, pid uint32, percent float32) error
	SetMasterVolume(ctx context.Context, percent float32) error
}

// Backend is the complete audio capability consumed by the mixer.
type Backend interface {
	Lister
	Setter
	MasterVolume(ctx context.Context) (float32, error)
}
