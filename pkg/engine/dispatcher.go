package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mapping"
)

// command is a volume-apply request for one target.
type command struct {
	target    mapping.Target
	value     float32
	channelID int
	physical  bool
}

// slot is the mailbox of one target: at most one pending command and one in flight.
type slot struct {
	pending *command
	busy    bool
}

// dispatcher applies commands with at most one outstanding call per target.
// A command submitted while another waits for the same target replaces it.
type dispatcher struct {
	setter  audio.Setter
	timeout time.Duration
	onFail  func(command, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	slots map[string]*slot

	issued    atomic.Uint64
	coalesced atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
}

func newDispatcher(setter audio.Setter, timeout time.Duration, onFail func(command, error)) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		setter:  setter,
		timeout: timeout,
		onFail:  onFail,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(map[string]*slot),
	}
}

func (d *dispatcher) submit(cmd command) {
	key := cmd.target.Key()

	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.slots[key]
	if s == nil {
		s = &slot{}
		d.slots[key] = s
	}
	if s.pending != nil {
		d.coalesced.Add(1)
	}
	s.pending = &cmd

	if !s.busy {
		s.busy = true
		d.wg.Add(1)
		go d.work(key, s)
	}
}

// work drains the slot of key; it exits once the slot is empty.
func (d *dispatcher) work(key string, s *slot) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		cmd := s.pending
		if cmd == nil || d.ctx.Err() != nil {
			s.pending = nil
			s.busy = false
			delete(d.slots, key)
			d.mu.Unlock()
			return
		}
		s.pending = nil
		d.mu.Unlock()

		d.issued.Add(1)
		if err := d.apply(*cmd); err != nil {
			d.failed.Add(1)
			if d.onFail != nil {
				d.onFail(*cmd, err)
			}
		}
	}
}

func (d *dispatcher) apply(cmd command) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	switch cmd.target.Kind {
	case mapping.TargetMaster:
		return d.setter.SetMasterVolume(ctx, cmd.value)
	case mapping.TargetSession:
		return d.setter.SetSessionVolume(ctx, cmd.target.ProcessID, cmd.value)
	}
	return fmt.Errorf("no audio endpoint for target %s", cmd.target)
}

// cancelWhere drops pending commands matching pred. In-flight calls are not interrupted.
func (d *dispatcher) cancelWhere(pred func(command) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.slots {
		if s.pending != nil && pred(*s.pending) {
			s.pending = nil
			d.cancelled.Add(1)
		}
	}
}

// pending returns the number of targets with a queued or in-flight command.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// stop drops queued commands, cancels in-flight ones and waits for the workers.
func (d *dispatcher) stop() {
	d.cancelWhere(func(command) bool { return true })
	d.cancel()
	d.wg.Wait()
}
