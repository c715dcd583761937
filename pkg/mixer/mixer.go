// Package mixer wires the synchronization components into one process-scoped
// service and exposes the presentation capability (connect, disconnect,
// mapping edits, virtual channel values, state snapshots).
package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
	"github.com/Joxtacy/pc-audio-mixer/pkg/bus"
	"github.com/Joxtacy/pc-audio-mixer/pkg/channel"
	"github.com/Joxtacy/pc-audio-mixer/pkg/config"
	"github.com/Joxtacy/pc-audio-mixer/pkg/device"
	"github.com/Joxtacy/pc-audio-mixer/pkg/engine"
	"github.com/Joxtacy/pc-audio-mixer/pkg/frame"
	"github.com/Joxtacy/pc-audio-mixer/pkg/logging"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mapping"
	"github.com/Joxtacy/pc-audio-mixer/pkg/registry"
	"github.com/Joxtacy/pc-audio-mixer/pkg/transport"
)

// Mixer owns every component of the synchronization core.
type Mixer struct {
	cfg     *config.Config
	log     zerolog.Logger
	opener  device.Opener
	backend audio.Backend

	channels map[int]channel.Channel
	decoder  *frame.Decoder
	pipeline *channel.Pipeline
	session  *transport.Session
	registry *registry.Registry
	store    *mapping.FileStore
	engine   *engine.Engine
	topic    *bus.Topic[Snapshot]

	pubMu sync.Mutex
	seq   atomic.Uint64

	running atomic.Bool
}

// New validates cfg and builds the components. The mapping store is loaded
// here; a missing or corrupt file yields an empty set.
func New(cfg *config.Config, opener device.Opener, backend audio.Backend, log zerolog.Logger) (*Mixer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	chans := channel.FromConfig(cfg.Mixer.Channels)
	byID := make(map[int]channel.Channel, len(chans))
	ids := make([]int, 0, len(chans))
	for _, ch := range chans {
		byID[ch.ID] = ch
		ids = append(ids, ch.ID)
	}

	step := float32(cfg.Mixer.QuantizationStep)
	decoder := frame.NewDecoder(cfg.PhysicalCount(), cfg.Mixer.MaxRaw, cfg.Serial.MaxLineLength)

	m := &Mixer{
		cfg:      cfg,
		log:      log,
		opener:   opener,
		backend:  backend,
		channels: byID,
		decoder:  decoder,
		pipeline: channel.NewPipeline(chans, channel.Normalizer{MaxRaw: cfg.Mixer.MaxRaw, Step: step}),
		session: transport.New(opener, transport.Options{
			Probe:         decoder.Validate,
			ProbeTimeout:  cfg.Serial.ProbeTimeout,
			BufferSize:    cfg.Serial.LineBuffer,
			MaxLineLength: cfg.Serial.MaxLineLength,
		}, logging.Component(log, "transport")),
		registry: registry.New(backend, cfg.Registry.RefreshInterval, logging.Component(log, "registry")),
		store:    mapping.NewFileStore(cfg.Store.Path, ids, logging.Component(log, "mapping")),
		engine: engine.New(chans, backend, engine.Options{
			Step:      step,
			InboxSize: cfg.Engine.InboxSize,
		}, logging.Component(log, "engine")),
		topic: bus.NewTopic[Snapshot](),
	}

	m.store.Load()
	m.wire()

	return m, nil
}

// wire connects component notifications. Every path ends in the engine inbox
// and a snapshot publish.
func (m *Mixer) wire() {
	m.session.OnStateChange(func(st transport.State) {
		m.engine.Transport(st)
		m.publish()
	})
	m.registry.OnRefresh(func(sessions []audio.Session) {
		m.engine.Sessions(sessions)
		m.publish()
	})
	m.store.OnChange(func(all []mapping.Mapping) {
		m.engine.Mappings(all)
		m.registry.Trigger()
		m.publish()
	})
	m.engine.OnChange(func([]engine.ChannelState) {
		m.publish()
	})
	m.engine.OnCommandFailure(func(*engine.CommandError) {
		m.registry.Trigger()
	})
}

// Run starts every component and blocks until ctx is done.
func (m *Mixer) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("mixer already running")
	}

	m.engine.Mappings(m.store.All())

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { m.engine.Run(ctx) })
	goRun(func() { m.registry.Run(ctx) })
	goRun(func() { m.telemetry(ctx) })
	if m.cfg.Store.Watch {
		goRun(func() {
			if err := m.store.Watch(ctx); err != nil {
				m.log.Warn().Err(err).Msg("mapping file watch disabled")
			}
		})
	}

	m.publish()
	m.log.Info().Int("channels", len(m.channels)).Int("physical", m.decoder.Channels()).Msg("mixer started")

	if m.cfg.Serial.AutoConnect {
		goRun(func() { m.autoConnect(ctx) })
	}

	<-ctx.Done()

	m.session.Disconnect()
	wg.Wait()
	m.topic.Close()

	m.log.Info().Msg("mixer stopped")
	return nil
}

func (m *Mixer) autoConnect(ctx context.Context) {
	info, err := m.session.Connect(ctx, m.cfg.Serial.Port)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("auto-connect failed, connect manually to retry")
		}
		return
	}
	m.log.Info().Str("port", info.Port).Msg("auto-connected")
}

// telemetry runs the line → frame → value pipeline into the engine.
func (m *Mixer) telemetry(ctx context.Context) {
	frames := decodeStage(ctx, m.decoder, m.session.Lines(), m.cfg.Serial.LineBuffer, m.log)
	values := channel.NewConverter(m.pipeline, m.cfg.Serial.LineBuffer)(frames)

	for vals := range values {
		if len(vals) > 0 {
			m.engine.Values(vals)
		}
	}
}

// decodeStage turns lines into frames, skipping lines the decoder rejects.
func decodeStage(ctx context.Context, dec *frame.Decoder, lines <-chan string, bufSize int, log zerolog.Logger) <-chan frame.Frame {
	out := make(chan frame.Frame, bufSize)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-lines:
				f, err := dec.Decode(line)
				if err != nil {
					log.Debug().Err(err).Msg("rejected telemetry line")
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Connect opens the transport; an empty port auto-detects the mixer.
func (m *Mixer) Connect(ctx context.Context, port string) (transport.ConnectedInfo, error) {
	return m.session.Connect(ctx, port)
}

// Disconnect closes the transport.
func (m *Mixer) Disconnect() {
	m.session.Disconnect()
}

// Ports lists serial ports with the likeliest mixer first.
func (m *Mixer) Ports() ([]device.PortInfo, error) {
	ports, err := m.opener.Ports()
	if err != nil {
		return nil, err
	}
	return device.Candidates(ports), nil
}

// SaveMapping validates and stores m. Session targets must name a pid the
// registry reports; pid 0 means the master output.
func (m *Mixer) SaveMapping(ctx context.Context, mp mapping.Mapping) (bool, error) {
	if _, ok := m.channels[mp.ChannelID]; !ok {
		return false, &ValidationError{ChannelID: mp.ChannelID, Reason: "unknown channel", Err: mapping.ErrUnknownChannel}
	}
	if mp.Target.Kind == mapping.TargetSession && mp.Target.ProcessID == audio.MasterProcessID {
		mp.Target = mapping.Master()
	}
	if err := mp.Target.Validate(); err != nil {
		return false, &ValidationError{ChannelID: mp.ChannelID, Reason: err.Error(), Err: err}
	}

	if mp.Target.Kind == mapping.TargetSession {
		session, err := m.lookupSession(ctx, mp.Target.ProcessID)
		if err != nil {
			return false, &ValidationError{ChannelID: mp.ChannelID, Reason: err.Error(), Err: err}
		}
		if mp.Target.ProcessName == "" {
			mp.Target.ProcessName = session.ProcessName
		}
	}

	changed, err := m.store.Save(mp)
	if err != nil {
		return false, err
	}
	if changed {
		m.log.Info().Int("channel", mp.ChannelID).Str("target", mp.Target.String()).Msg("mapping saved")
	}
	return changed, nil
}

// lookupSession finds pid in the registry, refreshing once if it is not in the last snapshot.
func (m *Mixer) lookupSession(ctx context.Context, pid uint32) (audio.Session, error) {
	if s, ok := m.registry.Lookup(pid); ok {
		return s, nil
	}
	if _, err := m.registry.Refresh(ctx); err != nil {
		return audio.Session{}, fmt.Errorf("cannot verify session %d: %w", pid, err)
	}
	if s, ok := m.registry.Lookup(pid); ok {
		return s, nil
	}
	return audio.Session{}, fmt.Errorf("pid %d: %w", pid, ErrSessionNotFound)
}

// ClearMapping removes the mapping of channel id.
func (m *Mixer) ClearMapping(id int) (bool, error) {
	if _, ok := m.channels[id]; !ok {
		return false, &ValidationError{ChannelID: id, Reason: "unknown channel", Err: mapping.ErrUnknownChannel}
	}
	changed, err := m.store.Clear(id)
	if err != nil {
		return false, err
	}
	if changed {
		m.log.Info().Int("channel", id).Msg("mapping cleared")
	}
	return changed, nil
}

// Mapping returns the stored mapping of channel id. An unmapped channel has a none target.
func (m *Mixer) Mapping(id int) (mapping.Mapping, error) {
	if _, ok := m.channels[id]; !ok {
		return mapping.Mapping{}, &ValidationError{ChannelID: id, Reason: "unknown channel", Err: mapping.ErrUnknownChannel}
	}
	mp, ok := m.store.Get(id)
	if !ok {
		mp.Target = mapping.Target{Kind: mapping.TargetNone}
	}
	return mp, nil
}

// Mappings returns the stored mappings.
func (m *Mixer) Mappings() []mapping.Mapping {
	return m.store.All()
}

// SetVirtualValue sets the value of a virtual channel.
func (m *Mixer) SetVirtualValue(id int, percent float32) (channel.Value, error) {
	ch, ok := m.channels[id]
	if !ok {
		return channel.Value{}, &ValidationError{ChannelID: id, Reason: "unknown channel", Err: mapping.ErrUnknownChannel}
	}
	if ch.Kind != channel.Virtual {
		return channel.Value{}, &ValidationError{ChannelID: id, Reason: "physical channels follow their potentiometer"}
	}
	if percent < 0 || percent > 100 {
		return channel.Value{}, &ValidationError{ChannelID: id, Reason: fmt.Sprintf("value %v outside [0,100]", percent)}
	}

	v, err := m.pipeline.SetVirtual(id, percent)
	if err != nil {
		return channel.Value{}, &ValidationError{ChannelID: id, Reason: err.Error(), Err: err}
	}
	m.engine.Values([]channel.Value{v})
	return v, nil
}

// RefreshSessions refreshes the registry now.
func (m *Mixer) RefreshSessions(ctx context.Context) ([]audio.Session, error) {
	return m.registry.Refresh(ctx)
}

// MasterVolume reads the master output volume from the audio subsystem.
func (m *Mixer) MasterVolume(ctx context.Context) (float32, error) {
	return m.backend.MasterVolume(ctx)
}

// Sessions returns the last registry snapshot.
func (m *Mixer) Sessions() []audio.Session {
	return m.registry.Snapshot()
}

// Transport returns the transport state.
func (m *Mixer) Transport() transport.State {
	return m.session.State()
}

// Sync waits until the engine has applied every event enqueued so far.
func (m *Mixer) Sync(ctx context.Context) error {
	return m.engine.Flush(ctx)
}

// Snapshot returns the current state.
func (m *Mixer) Snapshot() Snapshot {
	return m.build(m.seq.Load())
}

// Subscribe returns a subscription to snapshot updates.
func (m *Mixer) Subscribe() *bus.Subscription[Snapshot] {
	return m.topic.Subscribe()
}

func (m *Mixer) build(seq uint64) Snapshot {
	healthy, storeErr := m.store.Healthy()
	refreshed, refreshErr := m.registry.Updated()
	s := Snapshot{
		Seq:          seq,
		Time:         time.Now(),
		Transport:    m.session.State(),
		Channels:     m.engine.Channels(),
		Sessions:     m.registry.Snapshot(),
		SessionsAt:   refreshed,
		StoreHealthy: healthy,
		Stats: Stats{
			Frames:    m.decoder.Stats(),
			Transport: m.session.Stats(),
			Commands:  m.engine.Stats(),
			Bus:       m.topic.Stats(),
		},
	}
	if refreshErr != nil {
		s.SessionError = refreshErr.Error()
	}
	if storeErr != nil {
		s.StoreError = storeErr.Error()
	}
	return s
}

// publish sends a fresh snapshot to subscribers. Sequence numbers follow publish order.
func (m *Mixer) publish() {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.topic.Publish(m.build(m.seq.Add(1)))
}
