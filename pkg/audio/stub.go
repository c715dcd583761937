package audio

import (
	"context"
	"fmt"
	"sync"
)

// Ensure Stub implements Backend.
var _ Backend = (*Stub)(nil)

// Call records one volume command received by the stub.
type Call struct {
	Master    bool
	ProcessID uint32
	Percent   float32
}

func (c Call) String() string {
	if c.Master {
		return fmt.Sprintf("master=%v", c.Percent)
	}
	return fmt.Sprintf("pid:%d=%v", c.ProcessID, c.Percent)
}

// Stub keeps sessions in memory and records every applied volume.
type Stub struct {
	mu       sync.Mutex
	sessions []Session
	master   float32
	calls    []Call
	listErr  error
	setErr   error

	// OnCall, when set, runs inside every volume command before it returns.
	// Tests use it to hold a command in flight.
	OnCall func(Call)
}

// DefaultSessions returns the sessions the stub reports when none are given.
func DefaultSessions() []Session {
	return []Session{
		{ProcessID: 1234, ProcessName: "Spotify.exe", DisplayName: "Spotify", Volume: 50},
		{ProcessID: 5678, ProcessName: "Discord.exe", DisplayName: "Discord", Volume: 75},
	}
}

// NewStub creates a stub reporting the given sessions.
func NewStub(sessions ...Session) *Stub {
	s := &Stub{master: 50}
	s.sessions = append(s.sessions, sessions...)
	return s
}

// ListSessions returns a copy of the current sessions.
func (s *Stub) ListSessions(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]Session, len(s.sessions))
	copy(out, s.sessions)
	return out, nil
}

// SetSessionVolume sets the volume of the session owned by pid.
func (s *Stub) SetSessionVolume(ctx context.Context, pid uint32, percent float32) error {
	call := Call{ProcessID: pid, Percent: percent}
	if s.OnCall != nil {
		s.OnCall(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}
	for i := range s.sessions {
		if s.sessions[i].ProcessID == pid {
			s.sessions[i].Volume = percent
			s.calls = append(s.calls, call)
			return nil
		}
	}
	return fmt.Errorf("pid %d: %w", pid, ErrSessionNotFound)
}

// SetMasterVolume sets the master output volume.
func (s *Stub) SetMasterVolume(ctx context.Context, percent float32) error {
	call := Call{Master: true, Percent: percent}
	if s.OnCall != nil {
		s.OnCall(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}
	s.master = percent
	s.calls = append(s.calls, call)
	return nil
}

// MasterVolume returns the master output volume.
func (s *Stub) MasterVolume(ctx context.Context) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master, nil
}

// Add adds or replaces a session.
func (s *Stub) Add(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].ProcessID == session.ProcessID {
			s.sessions[i] = session
			return
		}
	}
	s.sessions = append(s.sessions, session)
}

// Remove drops the session owned by pid, simulating the process exiting.
func (s *Stub) Remove(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].ProcessID == pid {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return
		}
	}
}

// FailList makes ListSessions return err (nil restores normal behaviour).
func (s *Stub) FailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// FailSet makes every volume command return err (nil restores normal behaviour).
func (s *Stub) FailSet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

// Calls returns the successfully applied commands in order.
func (s *Stub) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
