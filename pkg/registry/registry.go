// Package registry mirrors the audio subsystem's session list.
//
// The registry is a read-through cache with a single writer: Refresh replaces
// the snapshot, readers get copies. It never creates or destroys sessions.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
)

// DefaultRefreshInterval matches the audio session poll interval of the desktop app.
const DefaultRefreshInterval = 5 * time.Second

// Registry caches the last reported session set.
type Registry struct {
	lister   audio.Lister
	interval time.Duration
	log      zerolog.Logger

	refreshMu sync.Mutex // Serializes refreshes (single writer)

	mu       sync.RWMutex
	sessions []audio.Session
	byPID    map[uint32]audio.Session
	updated  time.Time
	lastErr  error

	cbMu      sync.RWMutex
	callbacks []func([]audio.Session)

	trigger chan struct{}
}

// New creates a registry polling lister every interval.
func New(lister audio.Lister, interval time.Duration, log zerolog.Logger) *Registry {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Registry{
		lister:   lister,
		interval: interval,
		log:      log,
		byPID:    make(map[uint32]audio.Session),
		trigger:  make(chan struct{}, 1),
	}
}

// Run refreshes immediately, then on every tick and every Trigger, until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refreshLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshLogged(ctx)
		case <-r.trigger:
			r.refreshLogged(ctx)
		}
	}
}

// Trigger requests an on-demand refresh. Requests made while one is pending collapse.
func (r *Registry) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Registry) refreshLogged(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn().Err(err).Msg("session refresh failed, keeping previous snapshot")
	}
}

// Refresh queries the audio subsystem and replaces the snapshot. On failure
// the previous snapshot is kept and no notification is sent.
func (r *Registry) Refresh(ctx context.Context) ([]audio.Session, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	reported, err := r.lister.ListSessions(ctx)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return nil, fmt.Errorf("list audio sessions: %w", err)
	}

	sessions, byPID := normalize(reported)

	r.mu.Lock()
	added, removed := diff(r.byPID, byPID)
	r.sessions = sessions
	r.byPID = byPID
	r.updated = time.Now()
	r.lastErr = nil
	r.mu.Unlock()

	for _, s := range added {
		r.log.Info().Uint32("pid", s.ProcessID).Str("name", s.ProcessName).Msg("audio session appeared")
	}
	for _, s := range removed {
		r.log.Info().Uint32("pid", s.ProcessID).Str("name", s.ProcessName).Msg("audio session disappeared")
	}

	r.notify(sessions)

	return copySessions(sessions), nil
}

// Snapshot returns a copy of the last successful refresh.
func (r *Registry) Snapshot() []audio.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copySessions(r.sessions)
}

// Lookup returns the session owned by pid in the last snapshot.
func (r *Registry) Lookup(pid uint32) (audio.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPID[pid]
	return s, ok
}

// Updated returns the time of the last successful refresh and the error of the
// last attempt, if it failed.
func (r *Registry) Updated() (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated, r.lastErr
}

// OnRefresh registers a callback invoked after each successful refresh.
// Callbacks run on the refreshing goroutine and must return quickly.
func (r *Registry) OnRefresh(cb func([]audio.Session)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *Registry) notify(sessions []audio.Session) {
	r.cbMu.RLock()
	callbacks := make([]func([]audio.Session), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(copySessions(sessions))
		}
	}
}

// normalize drops the master pseudo pid, deduplicates by pid (last report wins)
// and orders by display name, then pid.
func normalize(reported []audio.Session) ([]audio.Session, map[uint32]audio.Session) {
	byPID := make(map[uint32]audio.Session, len(reported))
	for _, s := range reported {
		if s.ProcessID == audio.MasterProcessID {
			continue
		}
		byPID[s.ProcessID] = s
	}

	sessions := make([]audio.Session, 0, len(byPID))
	for _, s := range byPID {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].DisplayName != sessions[j].DisplayName {
			return sessions[i].DisplayName < sessions[j].DisplayName
		}
		return sessions[i].ProcessID < sessions[j].ProcessID
	})
	return sessions, byPID
}

func diff(before, after map[uint32]audio.Session) (added, removed []audio.Session) {
	for pid, s := range after {
		if _, ok := before[pid]; !ok {
			added = append(added, s)
		}
	}
	for pid, s := range before {
		if _, ok := after[pid]; !ok {
			removed = append(removed, s)
		}
	}
	return added, removed
}

func copySessions(in []audio.Session) []audio.Session {
	out := make([]audio.Session, len(in))
	copy(out, in)
	return out
}
