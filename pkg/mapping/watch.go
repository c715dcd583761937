package mapping

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce is how long Watch waits after the last file event before reloading.
const WatchDebounce = 100 * time.Millisecond

// Reload re-reads the backing file after an external edit. Subscribers are
// notified only when the set actually differs. A corrupt file leaves the
// current set in place and marks the store unhealthy.
func (s *FileStore) Reload() (changed bool, err error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	loaded, err := s.read()

	s.mu.Lock()
	if err != nil {
		s.healthy = false
		s.lastErr = err
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("path", s.path).Msg("mapping file edit ignored")
		return false, err
	}

	s.healthy = true
	s.lastErr = nil
	if sameMappings(s.mappings, loaded) {
		s.mu.Unlock()
		return false, nil
	}
	s.mappings = loaded
	all := s.allLocked()
	s.mu.Unlock()

	s.log.Info().Int("mappings", len(all)).Msg("channel mappings reloaded from disk")
	s.notify(all)
	return true, nil
}

func sameMappings(a, b map[int]Target) bool {
	if len(a) != len(b) {
		return false
	}
	for id, t := range a {
		if u, ok := b[id]; !ok || u != t {
			return false
		}
	}
	return true
}

// Watch reloads the store whenever the backing file changes, until ctx is done.
// The parent directory is watched so atomic replacements are seen.
func (s *FileStore) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StoreError{Op: "watch", Path: dir, Err: err}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &StoreError{Op: "watch", Path: s.path, Err: err}
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return &StoreError{Op: "watch", Path: dir, Err: err}
	}

	name := filepath.Base(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(WatchDebounce, func() {
				if ctx.Err() == nil {
					s.Reload()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("mapping file watcher error")
		}
	}
}
