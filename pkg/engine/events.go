package engine

import (
	"github.com/Joxtacy/pc-audio-mixer/pkg/channel"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mapping"
	"github.com/Joxtacy/pc-audio-mixer/pkg/transport"
)

// event is one input to the engine, applied on the Run goroutine.
type event interface {
	apply(e *Engine)
}

type valuesEvent []channel.Value

func (ev valuesEvent) apply(e *Engine) {
	for _, v := range ev {
		cs, ok := e.channels[v.ChannelID]
		if !ok {
			e.log.Warn().Int("channel", v.ChannelID).Msg("value for unknown channel")
			continue
		}

		changed := !cs.hasValue || cs.value != v.Percent
		if changed {
			cs.held = false
		}
		cs.value = v.Percent
		cs.hasValue = true
		if cs.ch.Kind == channel.Physical {
			// Lines read before a disconnect may still be in flight.
			cs.stale = !e.connected
		}

		if !e.evaluate(cs, true) && cs.status != Unmapped && changed {
			e.suppressed.Add(1)
		}
	}
}

type sessionsEvent map[uint32]bool

func (ev sessionsEvent) apply(e *Engine) {
	e.sessions = ev
	for _, id := range e.order {
		cs := e.channels[id]
		cs.held = false
		e.evaluate(cs, true)
	}
}

type mappingsEvent []mapping.Mapping

func (ev mappingsEvent) apply(e *Engine) {
	targets := make(map[int]mapping.Target, len(ev))
	for _, m := range ev {
		if _, ok := e.channels[m.ChannelID]; !ok {
			e.log.Warn().Int("channel", m.ChannelID).Msg("mapping for unknown channel")
			continue
		}
		targets[m.ChannelID] = m.Target
	}

	for _, id := range e.order {
		cs := e.channels[id]
		next := targets[id]
		if next.IsNone() {
			next = mapping.Target{}
		}
		if next.Key() != cs.target.Key() {
			e.cancelChannel(id)
			cs.sent = false
			cs.held = false
		}
		cs.target = next
		e.evaluate(cs, true)
	}
}

type transportEvent transport.State

func (ev transportEvent) apply(e *Engine) {
	connected := transport.State(ev).IsConnected()
	if connected == e.connected {
		return
	}
	e.connected = connected

	if connected {
		e.log.Info().Str("port", ev.Port).Msg("transport connected, waiting for fresh telemetry")
		return
	}

	e.log.Info().Stringer("state", transport.State(ev)).Msg("transport lost, freezing physical channels")
	e.dispatch.cancelWhere(func(c command) bool { return c.physical })
	for _, id := range e.order {
		cs := e.channels[id]
		if cs.ch.Kind == channel.Physical && cs.hasValue {
			cs.stale = true
		}
	}
}

// failureEvent reports a command the audio boundary rejected. The affected
// channels forget what they sent and are held until the next registry
// snapshot, value change or remap decides whether to retry.
type failureEvent struct {
	cmd command
	err error
}

func (ev failureEvent) apply(e *Engine) {
	cerr := &CommandError{Target: ev.cmd.target, Value: ev.cmd.value, Err: ev.err}
	e.log.Warn().Err(ev.err).Str("target", ev.cmd.target.Key()).Float32("value", ev.cmd.value).Msg("volume command failed")

	key := ev.cmd.target.Key()
	for _, id := range e.order {
		cs := e.channels[id]
		if cs.target.Key() == key {
			cs.sent = false
			cs.held = true
			e.evaluate(cs, false)
		}
	}

	e.cbMu.RLock()
	callbacks := append([]func(*CommandError){}, e.onFailures...)
	e.cbMu.RUnlock()
	for _, cb := range callbacks {
		if cb != nil {
			cb(cerr)
		}
	}
}

type flushEvent chan struct{}

func (ev flushEvent) apply(*Engine) {
	close(ev)
}
