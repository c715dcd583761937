// Package engine reconciles channel values, live audio sessions and user
// mappings into volume commands.
//
// The Engine is an actor: every input (derived values, registry snapshots,
// mapping sets, transport state, command failures) is an event on one inbox,
// applied one at a time by Run. Per channel it tracks whether the mapping is
// Unmapped, Live or Orphaned and the last value sent. Commands go through a
// dispatcher that keeps at most one call per target outstanding.
//
// The command stream depends only on the state reached, not on the order in
// which events arrived: whenever a channel is Live with a fresh value that
// differs from what was last sent, it is applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog"

	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
	"github.com/Joxtacy/pc-audio-mixer/pkg/channel"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mapping"
	"github.com/Joxtacy/pc-audio-mixer/pkg/transport"
)

const (
	// DefaultInboxSize is the default event queue capacity.
	DefaultInboxSize = 64
	// DefaultCommandTimeout bounds a single call to the audio boundary.
	DefaultCommandTimeout = 2 * time.Second

	stepEpsilon = 1e-3
)

// ErrStopped is returned by Flush once Run has returned.
var ErrStopped = errors.New("engine stopped")

// Status is the mapping state of a channel.
type Status int

const (
	Unmapped Status = iota
	Live
	Orphaned
)

func (s Status) String() string {
	switch s {
	case Unmapped:
		return "unmapped"
	case Live:
		return "live"
	case Orphaned:
		return "orphaned"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CommandError is a failed call to the audio boundary.
type CommandError struct {
	Target mapping.Target
	Value  float32
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("set volume %s=%v: %v", e.Target.Key(), e.Value, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ChannelState is the externally visible state of one channel.
type ChannelState struct {
	ID       int            `json:"id"`
	Kind     channel.Kind   `json:"kind"`
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Target   mapping.Target `json:"target"`
	Value    float32        `json:"value"`
	HasValue bool           `json:"has_value"`
	Stale    bool           `json:"stale"` // Physical value predates the current connection
}

// Stats are engine counters.
type Stats struct {
	Issued     uint64 `json:"issued"`
	Coalesced  uint64 `json:"coalesced"`
	Cancelled  uint64 `json:"cancelled"`
	Failed     uint64 `json:"failed"`
	Suppressed uint64 `json:"suppressed"`
	Pending    int    `json:"pending"`
}

// Options configures an Engine.
type Options struct {
	Step           float32 // Minimum change worth a command, in percentage points
	InboxSize      int
	CommandTimeout time.Duration
}

type chanState struct {
	ch       channel.Channel
	target   mapping.Target
	status   Status
	value    float32
	hasValue bool
	stale    bool
	lastSent float32
	sent     bool
	held     bool // Last command failed; wait for new input before retrying
}

// Engine is the synchronization actor.
type Engine struct {
	step  float32
	log   zerolog.Logger
	inbox chan event
	done  chan struct{}

	// Owned by the Run goroutine.
	channels  map[int]*chanState
	order     []int
	sessions  map[uint32]bool
	connected bool

	dispatch   *dispatcher
	suppressed atomic.Uint64

	viewMu sync.RWMutex
	view   []ChannelState

	cbMu       sync.RWMutex
	onChange   []func([]ChannelState)
	onFailures []func(*CommandError)

	runOnce sync.Once
}

// New creates an engine for a fixed channel set.
func New(channels []channel.Channel, setter audio.Setter, opts Options, log zerolog.Logger) *Engine {
	if opts.Step <= 0 {
		opts.Step = 1
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}

	e := &Engine{
		step:     opts.Step,
		log:      log,
		inbox:    make(chan event, opts.InboxSize),
		done:     make(chan struct{}),
		channels: make(map[int]*chanState, len(channels)),
		sessions: make(map[uint32]bool),
	}
	for _, ch := range channels {
		e.channels[ch.ID] = &chanState{ch: ch}
		e.order = append(e.order, ch.ID)
	}
	slices.Sort(e.order)

	e.dispatch = newDispatcher(setter, opts.CommandTimeout, func(cmd command, err error) {
		e.enqueue(failureEvent{cmd: cmd, err: err})
	})
	e.view = e.buildView()

	return e
}

// Run processes events until ctx is done. It can be called once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("engine already running")
	}

	defer func() {
		close(e.done)
		e.dispatch.stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.inbox:
			ev.apply(e)
			e.publish()
		}
	}
}

// Values feeds derived channel values (physical from telemetry, virtual from the user).
func (e *Engine) Values(values []channel.Value) {
	e.enqueue(valuesEvent(slices.Clone(values)))
}

// Sessions feeds a Session Registry snapshot.
func (e *Engine) Sessions(sessions []audio.Session) {
	pids := make(map[uint32]bool, len(sessions))
	for _, s := range sessions {
		pids[s.ProcessID] = true
	}
	e.enqueue(sessionsEvent(pids))
}

// Mappings feeds the full mapping set.
func (e *Engine) Mappings(mappings []mapping.Mapping) {
	e.enqueue(mappingsEvent(slices.Clone(mappings)))
}

// Transport feeds a transport state change.
func (e *Engine) Transport(st transport.State) {
	e.enqueue(transportEvent(st))
}

// Flush returns once every event enqueued before it has been applied.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !e.enqueueCtx(ctx, flushEvent(done)) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channels returns the state of every channel ordered by id.
func (e *Engine) Channels() []ChannelState {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return slices.Clone(e.view)
}

// Status returns the mapping state of channel id.
func (e *Engine) Status(id int) (Status, bool) {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	for _, cs := range e.view {
		if cs.ID == id {
			return cs.Status, true
		}
	}
	return Unmapped, false
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Issued:     e.dispatch.issued.Load(),
		Coalesced:  e.dispatch.coalesced.Load(),
		Cancelled:  e.dispatch.cancelled.Load(),
		Failed:     e.dispatch.failed.Load(),
		Suppressed: e.suppressed.Load(),
		Pending:    e.dispatch.pending(),
	}
}

// OnChange registers a callback run on the engine goroutine whenever the channel view changes.
func (e *Engine) OnChange(cb func([]ChannelState)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onChange = append(e.onChange, cb)
}

// OnCommandFailure registers a callback run on the engine goroutine for every failed command.
func (e *Engine) OnCommandFailure(cb func(*CommandError)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onFailures = append(e.onFailures, cb)
}

func (e *Engine) enqueue(ev event) {
	select {
	case e.inbox <- ev:
	case <-e.done:
	}
}

func (e *Engine) enqueueCtx(ctx context.Context, ev event) bool {
	select {
	case e.inbox <- ev:
		return true
	case <-e.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// statusOf derives the mapping state from the target and the last registry snapshot.
func (e *Engine) statusOf(cs *chanState) Status {
	switch cs.target.Kind {
	case mapping.TargetMaster:
		return Live
	case mapping.TargetSession:
		if e.sessions[cs.target.ProcessID] {
			return Live
		}
		return Orphaned
	}
	return Unmapped
}

// evaluate updates the status of cs and, when allowed, applies its value.
// It reports whether a command was submitted.
func (e *Engine) evaluate(cs *chanState, emit bool) bool {
	prev := cs.status
	cs.status = e.statusOf(cs)

	if cs.status != prev {
		e.log.Info().
			Int("channel", cs.ch.ID).
			Str("target", cs.target.String()).
			Stringer("from", prev).
			Stringer("to", cs.status).
			Msg("channel mapping state changed")
		if cs.status == Orphaned {
			e.cancelChannel(cs.ch.ID)
		}
	}

	if !emit || cs.held || cs.status != Live || !cs.hasValue || cs.stale {
		return false
	}
	if cs.ch.Kind == channel.Physical && !e.connected {
		return false
	}
	if cs.sent && math32.Abs(cs.value-cs.lastSent) < e.step-stepEpsilon {
		return false
	}

	cs.lastSent = cs.value
	cs.sent = true
	e.dispatch.submit(command{
		target:    cs.target,
		value:     cs.value,
		channelID: cs.ch.ID,
		physical:  cs.ch.Kind == channel.Physical,
	})
	e.log.Debug().Int("channel", cs.ch.ID).Str("target", cs.target.Key()).Float32("value", cs.value).Msg("volume command")
	return true
}

func (e *Engine) cancelChannel(id int) {
	e.dispatch.cancelWhere(func(c command) bool { return c.channelID == id })
}

func (e *Engine) buildView() []ChannelState {
	view := make([]ChannelState, 0, len(e.order))
	for _, id := range e.order {
		cs := e.channels[id]
		view = append(view, ChannelState{
			ID:       cs.ch.ID,
			Kind:     cs.ch.Kind,
			Name:     cs.ch.Name,
			Status:   cs.status,
			Target:   cs.target,
			Value:    cs.value,
			HasValue: cs.hasValue,
			Stale:    cs.stale,
		})
	}
	return view
}

// publish refreshes the view and notifies observers when it changed.
func (e *Engine) publish() {
	view := e.buildView()

	e.viewMu.Lock()
	if slices.Equal(view, e.view) {
		e.viewMu.Unlock()
		return
	}
	e.view = view
	e.viewMu.Unlock()

	e.cbMu.RLock()
	callbacks := slices.Clone(e.onChange)
	e.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(slices.Clone(view))
		}
	}
}
