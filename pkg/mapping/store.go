// Package mapping persists the channel → target associations.
//
// The store is dumb persistence: it checks that channel ids belong to the
// startup keyspace but does not know which sessions exist.
package mapping

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileVersion is written to every mapping file.
const FileVersion = 1

// StoreError wraps persistence failures.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("mapping store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// fileRecord is the persisted form of one mapping.
type fileRecord struct {
	TargetKind  TargetKind `yaml:"target_kind"`
	ProcessID   uint32     `yaml:"process_id,omitempty"`
	ProcessName string     `yaml:"process_name,omitempty"`
}

// fileLayout is the persisted document. Unknown keys are ignored on load.
type fileLayout struct {
	Version  int                `yaml:"version"`
	Channels map[int]fileRecord `yaml:"channels"`
}

// FileStore keeps mappings in memory and persists them as YAML.
type FileStore struct {
	path     string
	channels map[int]bool
	log      zerolog.Logger

	// notifyMu orders commits and their notifications, so subscribers
	// always end on the set the store holds.
	notifyMu sync.Mutex

	mu       sync.RWMutex
	mappings map[int]Target
	healthy  bool
	lastErr  error

	cbMu      sync.RWMutex
	callbacks []func([]Mapping)
}

// NewFileStore creates a store at path for the given channel ids. Call Load before use.
func NewFileStore(path string, channelIDs []int, log zerolog.Logger) *FileStore {
	channels := make(map[int]bool, len(channelIDs))
	for _, id := range channelIDs {
		channels[id] = true
	}
	return &FileStore{
		path:     path,
		channels: channels,
		log:      log,
		mappings: make(map[int]Target),
		healthy:  true,
	}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load reads the backing file. A missing file yields an empty set; a corrupt
// file yields an empty set and marks the store unhealthy. The returned error
// is informational, the store is usable either way.
func (s *FileStore) Load() ([]Mapping, error) {
	loaded, err := s.read()

	s.mu.Lock()
	if err != nil {
		s.mappings = make(map[int]Target)
		s.healthy = false
		s.lastErr = err
	} else {
		s.mappings = loaded
		s.healthy = true
		s.lastErr = nil
	}
	all := s.allLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("mapping file unreadable, starting with no mappings")
		return all, err
	}
	s.log.Info().Int("mappings", len(all)).Str("path", s.path).Msg("loaded channel mappings")
	return all, nil
}

// read parses the backing file, dropping records for unknown channels.
func (s *FileStore) read() (map[int]Target, error) {
	out := make(map[int]Target)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, &StoreError{Op: "read", Path: s.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	var layout fileLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return out, &StoreError{Op: "parse", Path: s.path, Err: err}
	}

	for id, rec := range layout.Channels {
		t := Target{Kind: rec.TargetKind, ProcessID: rec.ProcessID, ProcessName: rec.ProcessName}
		if !s.channels[id] {
			s.log.Warn().Int("channel", id).Msg("ignoring mapping for unknown channel")
			continue
		}
		if err := t.Validate(); err != nil {
			s.log.Warn().Int("channel", id).Err(err).Msg("ignoring invalid mapping")
			continue
		}
		if t.IsNone() {
			continue
		}
		out[id] = t
	}
	return out, nil
}

// Save upserts m. Saving an empty target clears the channel. changed is false
// when the stored state already equals m; no notification is sent then.
func (s *FileStore) Save(m Mapping) (changed bool, err error) {
	if !s.channels[m.ChannelID] {
		return false, fmt.Errorf("channel %d: %w", m.ChannelID, ErrUnknownChannel)
	}
	if err := m.Target.Validate(); err != nil {
		return false, fmt.Errorf("channel %d: %w", m.ChannelID, err)
	}
	if m.Target.IsNone() {
		return s.Clear(m.ChannelID)
	}

	return s.mutate(func(mappings map[int]Target) bool {
		if cur, ok := mappings[m.ChannelID]; ok && cur == m.Target {
			return false
		}
		mappings[m.ChannelID] = m.Target
		return true
	})
}

// Clear removes the mapping of channel id.
func (s *FileStore) Clear(id int) (changed bool, err error) {
	if !s.channels[id] {
		return false, fmt.Errorf("channel %d: %w", id, ErrUnknownChannel)
	}

	return s.mutate(func(mappings map[int]Target) bool {
		if _, ok := mappings[id]; !ok {
			return false
		}
		delete(mappings, id)
		return true
	})
}

// mutate applies fn to a copy of the mappings and persists it. On write
// failure the previous in-memory set is kept.
func (s *FileStore) mutate(fn func(map[int]Target) bool) (bool, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()

	next := make(map[int]Target, len(s.mappings))
	for id, t := range s.mappings {
		next[id] = t
	}
	if !fn(next) {
		s.mu.Unlock()
		return false, nil
	}

	if err := s.write(next); err != nil {
		s.healthy = false
		s.lastErr = err
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("failed to persist channel mappings, keeping previous set")
		return false, err
	}

	s.mappings = next
	s.healthy = true
	s.lastErr = nil
	all := s.allLocked()
	s.mu.Unlock()

	s.notify(all)
	return true, nil
}

// write persists mappings atomically (temp file + rename).
func (s *FileStore) write(mappings map[int]Target) error {
	data, err := encode(mappings)
	if err != nil {
		return &StoreError{Op: "encode", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StoreError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmpName)
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &StoreError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}

func encode(mappings map[int]Target) ([]byte, error) {
	layout := fileLayout{Version: FileVersion, Channels: make(map[int]fileRecord, len(mappings))}
	for id, t := range mappings {
		layout.Channels[id] = fileRecord{TargetKind: t.Kind, ProcessID: t.ProcessID, ProcessName: t.ProcessName}
	}
	return yaml.Marshal(layout)
}

// All returns every mapping ordered by channel id.
func (s *FileStore) All() []Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked()
}

func (s *FileStore) allLocked() []Mapping {
	out := make([]Mapping, 0, len(s.mappings))
	for id, t := range s.mappings {
		out = append(out, Mapping{ChannelID: id, Target: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Get returns the mapping of channel id.
func (s *FileStore) Get(id int) (Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.mappings[id]
	return Mapping{ChannelID: id, Target: t}, ok
}

// Healthy reports whether the last load or save succeeded, with its error otherwise.
func (s *FileStore) Healthy() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy, s.lastErr
}

// OnChange registers a callback invoked with the full set after every change.
// Changes are delivered one at a time in commit order; a callback must not
// call Save, Clear or Reload.
func (s *FileStore) OnChange(cb func([]Mapping)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

func (s *FileStore) notify(all []Mapping) {
	s.cbMu.RLock()
	callbacks := make([]func([]Mapping), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			out := make([]Mapping, len(all))
			copy(out, all)
			cb(out)
		}
	}
}
