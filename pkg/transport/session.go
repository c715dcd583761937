// Package transport owns the serial link to the mixer hardware.
//
// A Session holds at most one open port. It turns the byte stream into text
// lines on a long-lived channel and reports its state machine
// (Disconnected, Connecting, Connected, Failed) to observers. I/O failures
// move the session to Failed; reconnecting is always an explicit Connect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joxtacy/pc-audio-mixer/pkg/device"
)

const (
	// DefaultBufferSize is the default capacity of the line stream.
	DefaultBufferSize = 100
	// DefaultProbeTimeout bounds how long auto-detect waits on each candidate.
	DefaultProbeTimeout = 1500 * time.Millisecond
	// DefaultMaxLineLength matches the decoder's default.
	DefaultMaxLineLength = 256
)

// ProbeFunc reports whether a line is valid telemetry.
type ProbeFunc func(line string) error

// Options configures a Session.
type Options struct {
	Probe         ProbeFunc
	ProbeTimeout  time.Duration
	BufferSize    int
	MaxLineLength int
}

// Stats are transport counters.
type Stats struct {
	LinesRead    uint64 `json:"lines_read"`
	LinesDropped uint64 `json:"lines_dropped"`
}

// Session is the transport state machine.
type Session struct {
	opener device.Opener
	opts   Options
	log    zerolog.Logger
	lines  chan string

	// transitionMu serializes state changes with their notifications, so
	// observers see transitions in the order they happened.
	transitionMu sync.Mutex

	mu     sync.Mutex
	state  State
	gen    uint64
	reader *reader

	cbMu      sync.RWMutex
	callbacks []func(State)

	read    atomic.Uint64
	dropped atomic.Uint64
}

// New creates a disconnected session.
func New(opener device.Opener, opts Options, log zerolog.Logger) *Session {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	if opts.Probe == nil {
		opts.Probe = func(string) error { return nil }
	}

	return &Session{
		opener: opener,
		opts:   opts,
		log:    log,
		lines:  make(chan string, opts.BufferSize),
		state:  State{Kind: Disconnected},
	}
}

// Lines returns the line stream. It spans reconnects and is never closed.
func (s *Session) Lines() <-chan string {
	return s.lines
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	return Stats{LinesRead: s.read.Load(), LinesDropped: s.dropped.Load()}
}

// OnStateChange registers a callback run after every transition.
// Callbacks must not call Connect or Disconnect.
func (s *Session) OnStateChange(cb func(State)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Connect opens port, or auto-detects the mixer when port is empty. It fails
// fast with ErrAlreadyConnected while another session is open or opening.
func (s *Session) Connect(ctx context.Context, port string) (ConnectedInfo, error) {
	var gen uint64
	var busy bool
	s.transition(func() bool {
		if s.state.Kind == Connecting || s.state.Kind == Connected {
			busy = true
			return false
		}
		s.gen++
		gen = s.gen
		s.state = State{Kind: Connecting}
		return true
	})
	if busy {
		return ConnectedInfo{}, &Error{Op: "connect", Port: port, Err: ErrAlreadyConnected}
	}

	var (
		info    ConnectedInfo
		r       *reader
		pending []string
		err     error
	)
	if port == "" {
		info, r, pending, err = s.detect(ctx)
	} else {
		info, r, err = s.open(port)
	}

	if err != nil {
		s.transition(func() bool {
			if s.gen != gen {
				return false
			}
			s.state = State{Kind: Failed, Reason: err.Error()}
			return true
		})
		s.log.Warn().Err(err).Msg("connect failed")
		return ConnectedInfo{}, err
	}

	var aborted bool
	s.transition(func() bool {
		if s.gen != gen || s.state.Kind != Connecting {
			aborted = true
			return false
		}
		s.reader = r
		s.state = State{Kind: Connected, Port: info.Port}
		return true
	})
	if aborted {
		r.close()
		return ConnectedInfo{}, &Error{Op: "connect", Port: info.Port, Err: ErrAborted}
	}

	s.log.Info().Str("port", info.Port).Bool("detected", info.Detected).Msg("connected")
	go s.pump(gen, r, pending)

	return info, nil
}

// Disconnect closes the open port, or aborts a connect in progress.
func (s *Session) Disconnect() {
	var r *reader
	s.transition(func() bool {
		if s.state.Kind == Disconnected {
			return false
		}
		s.gen++
		r = s.reader
		s.reader = nil
		s.state = State{Kind: Disconnected}
		return true
	})
	if r != nil {
		r.close()
		s.log.Info().Msg("disconnected")
	}
}

func (s *Session) open(port string) (ConnectedInfo, *reader, error) {
	p, err := s.opener.Open(port)
	if err != nil {
		return ConnectedInfo{}, nil, &Error{Op: "open", Port: port, Err: err}
	}
	return ConnectedInfo{Port: port}, startReader(p, s.opts.MaxLineLength), nil
}

// detect probes ranked candidates until one yields a valid line within the
// probe timeout. The accepted line is returned so it reaches the stream.
func (s *Session) detect(ctx context.Context) (ConnectedInfo, *reader, []string, error) {
	ports, err := s.opener.Ports()
	if err != nil {
		return ConnectedInfo{}, nil, nil, &Error{Op: "detect", Err: err}
	}

	candidates := device.Candidates(ports)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return ConnectedInfo{}, nil, nil, &Error{Op: "detect", Err: err}
		}

		p, err := s.opener.Open(c.Name)
		if err != nil {
			s.log.Debug().Str("port", c.Name).Err(err).Msg("candidate port unavailable")
			continue
		}

		r := startReader(p, s.opts.MaxLineLength)
		line, err := s.probe(ctx, r)
		if err != nil {
			r.close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ConnectedInfo{}, nil, nil, &Error{Op: "detect", Err: ctxErr}
			}
			s.log.Debug().Str("port", c.Name).Err(err).Msg("candidate port rejected")
			continue
		}

		info := ConnectedInfo{Port: c.Name, Description: c.Description, Detected: true}
		return info, r, []string{line}, nil
	}

	return ConnectedInfo{}, nil, nil, &Error{
		Op:  "detect",
		Err: fmt.Errorf("%w (tried %d ports)", ErrNoDevice, len(candidates)),
	}
}

var errProbeTimeout = errors.New("no valid telemetry within probe timeout")

func (s *Session) probe(ctx context.Context, r *reader) (string, error) {
	timer := time.NewTimer(s.opts.ProbeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", errProbeTimeout
		case line, ok := <-r.out:
			if !ok {
				if r.err != nil {
					return "", r.err
				}
				return "", io.EOF
			}
			if s.opts.Probe(line) == nil {
				return line, nil
			}
		}
	}
}

// pump forwards lines of generation gen to the stream until the reader ends.
// Lines still buffered once the connection is superseded are discarded.
func (s *Session) pump(gen uint64, r *reader, pending []string) {
	for _, line := range pending {
		if s.current(gen) {
			s.forward(line)
		}
	}
	for line := range r.out {
		if s.current(gen) {
			s.forward(line)
		}
	}

	if r.stopped() {
		return
	}

	reason := "device closed"
	if r.err != nil && !errors.Is(r.err, io.EOF) {
		reason = r.err.Error()
	}

	var failed bool
	s.transition(func() bool {
		if s.gen != gen || s.state.Kind != Connected {
			return false
		}
		s.reader = nil
		s.state = State{Kind: Failed, Reason: reason}
		failed = true
		return true
	})
	r.close()

	if failed {
		s.log.Error().Str("reason", reason).Msg("transport failed")
	}
}

// current reports whether gen is still the live connection.
func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// forward sends line without blocking; the line is dropped when the stream is full.
func (s *Session) forward(line string) {
	s.read.Add(1)
	select {
	case s.lines <- line:
	default:
		s.dropped.Add(1)
		s.log.Debug().Msg("line stream full, dropping line")
	}
}

// transition applies fn under the state lock and notifies observers when it reports a change.
func (s *Session) transition(fn func() bool) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	changed := fn()
	st := s.state
	s.mu.Unlock()

	if changed {
		s.notify(st)
	}
}

func (s *Session) notify(st State) {
	s.cbMu.RLock()
	callbacks := make([]func(State), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(st)
		}
	}
}
