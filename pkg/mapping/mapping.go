package mapping

import (
	"errors"
	"fmt"
)

// TargetKind selects what a channel controls.
type TargetKind string

const (
	TargetNone    TargetKind = "none"
	TargetMaster  TargetKind = "master"
	TargetSession TargetKind = "session"
)

// ErrUnknownChannel is returned for channel ids that were not created at startup.
var ErrUnknownChannel = errors.New("unknown channel")

// Target is the audio endpoint a channel drives.
type Target struct {
	Kind        TargetKind `json:"target_kind" yaml:"target_kind"`
	ProcessID   uint32     `json:"process_id,omitempty" yaml:"process_id,omitempty"`
	ProcessName string     `json:"process_name,omitempty" yaml:"process_name,omitempty"`
}

// Master returns the master output target.
func Master() Target { return Target{Kind: TargetMaster} }

// Session returns a target naming an application session.
func Session(pid uint32, name string) Target {
	return Target{Kind: TargetSession, ProcessID: pid, ProcessName: name}
}

// IsNone reports whether the target is empty.
func (t Target) IsNone() bool {
	return t.Kind == "" || t.Kind == TargetNone
}

// Key identifies the audio endpoint; two targets with the same key are the same endpoint.
func (t Target) Key() string {
	switch t.Kind {
	case TargetMaster:
		return "master"
	case TargetSession:
		return fmt.Sprintf("pid:%d", t.ProcessID)
	}
	return ""
}

func (t Target) String() string {
	switch t.Kind {
	case TargetMaster:
		return "master"
	case TargetSession:
		return fmt.Sprintf("%s (pid %d)", t.ProcessName, t.ProcessID)
	}
	return "none"
}

// Validate checks the target is well formed.
func (t Target) Validate() error {
	switch t.Kind {
	case "", TargetNone, TargetMaster:
		return nil
	case TargetSession:
		if t.ProcessID == 0 {
			return errors.New("session target needs a process id")
		}
		return nil
	}
	return fmt.Errorf("unknown target kind %q", t.Kind)
}

// Mapping associates a channel with a target.
type Mapping struct {
	ChannelID int    `json:"channel_id"`
	Target    Target `json:"target"`
}
