package transport

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joxtacy/pc-audio-mixer/pkg/device"
	"github.com/Joxtacy/pc-audio-mixer/pkg/frame"
)

const validLine = `{"pot1":100,"pot2":200,"pot3":300}`

type fakePort struct {
	*io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	closed bool
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.PipeReader.Close()
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	infos   []device.PortInfo
	feeds   map[string]func(w *io.PipeWriter)
	openErr map[string]error
	opened  map[string]*fakePort
}

func newFakeOpener(infos ...device.PortInfo) *fakeOpener {
	return &fakeOpener{
		infos:   infos,
		feeds:   make(map[string]func(w *io.PipeWriter)),
		openErr: make(map[string]error),
		opened:  make(map[string]*fakePort),
	}
}

func (o *fakeOpener) Ports() ([]device.PortInfo, error) {
	return o.infos, nil
}

func (o *fakeOpener) Open(name string) (device.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.openErr[name]; err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	p := &fakePort{PipeReader: pr, w: pw}
	o.opened[name] = p
	if feed := o.feeds[name]; feed != nil {
		go feed(pw)
	}
	return p, nil
}

func (o *fakeOpener) port(name string) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[name]
}

// repeat writes line every few milliseconds until the pipe closes.
func repeat(line string) func(w *io.PipeWriter) {
	return func(w *io.PipeWriter) {
		for {
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func newTestSession(o device.Opener, opts Options) *Session {
	if opts.Probe == nil {
		opts.Probe = frame.NewDecoder(3, 4095, 256).Validate
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 200 * time.Millisecond
	}
	return New(o, opts, zerolog.Nop())
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.states))
	for i, s := range r.states {
		out[i] = s.Kind
	}
	return out
}

func readLine(t *testing.T, s *Session) string {
	t.Helper()
	select {
	case line := <-s.Lines():
		return line
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for line")
		return ""
	}
}

func TestConnect_ExplicitPort(t *testing.T) {
	o := newFakeOpener()
	s := newTestSession(o, Options{})

	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	info, err := s.Connect(context.Background(), "/dev/ttyACM0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", info.Port)
	assert.False(t, info.Detected)
	assert.Equal(t, State{Kind: Connected, Port: "/dev/ttyACM0"}, s.State())

	go io.WriteString(o.port("/dev/ttyACM0").w, "\r\n"+validLine+"\r\n  \nnot json\n")
	assert.Equal(t, validLine, readLine(t, s))
	assert.Equal(t, "not json", readLine(t, s))

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State().Kind)
	assert.True(t, o.port("/dev/ttyACM0").isClosed())
	assert.Equal(t, []Kind{Connecting, Connected, Disconnected}, rec.kinds())
}

func TestConnect_AlreadyConnected(t *testing.T) {
	o := newFakeOpener()
	s := newTestSession(o, Options{})

	_, err := s.Connect(context.Background(), "a")
	require.NoError(t, err)
	defer s.Disconnect()

	_, err = s.Connect(context.Background(), "b")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Nil(t, o.port("b"), "second port must not be opened")
	assert.Equal(t, "a", s.State().Port)
}

func TestConnect_OpenError(t *testing.T) {
	o := newFakeOpener()
	o.openErr["COM3"] = errors.New("access denied")
	s := newTestSession(o, Options{})

	_, err := s.Connect(context.Background(), "COM3")
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "open", terr.Op)
	assert.Equal(t, "COM3", terr.Port)

	st := s.State()
	assert.Equal(t, Failed, st.Kind)
	assert.Contains(t, st.Reason, "access denied")

	// Failed is not sticky: reconnecting is allowed.
	delete(o.openErr, "COM3")
	_, err = s.Connect(context.Background(), "COM3")
	require.NoError(t, err)
	s.Disconnect()
}

func TestSession_DeviceUnplugged(t *testing.T) {
	o := newFakeOpener()
	s := newTestSession(o, Options{})

	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	_, err := s.Connect(context.Background(), "usb")
	require.NoError(t, err)

	o.port("usb").w.Close()

	require.Eventually(t, func() bool {
		return s.State().Kind == Failed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "device closed", s.State().Reason)
	assert.Equal(t, []Kind{Connecting, Connected, Failed}, rec.kinds())

	// No internal retry.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Failed, s.State().Kind)

	_, err = s.Connect(context.Background(), "usb")
	require.NoError(t, err)
	assert.Equal(t, Connected, s.State().Kind)
	s.Disconnect()
}

func TestSession_ReadError(t *testing.T) {
	o := newFakeOpener()
	s := newTestSession(o, Options{})

	_, err := s.Connect(context.Background(), "usb")
	require.NoError(t, err)

	o.port("usb").w.CloseWithError(errors.New("input/output error"))

	require.Eventually(t, func() bool {
		return s.State().Kind == Failed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "input/output error", s.State().Reason)
}

func TestDisconnect_NotFailed(t *testing.T) {
	o := newFakeOpener()
	s := newTestSession(o, Options{})

	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	_, err := s.Connect(context.Background(), "usb")
	require.NoError(t, err)
	s.Disconnect()
	s.Disconnect()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []Kind{Connecting, Connected, Disconnected}, rec.kinds())
}

func TestConnect_AutoDetect(t *testing.T) {
	o := newFakeOpener(
		device.PortInfo{Name: "/dev/ttyS0"},
		device.PortInfo{Name: "/dev/ttyACM0", IsUSB: true},
		device.PortInfo{Name: "/dev/ttyACM1", IsUSB: true, VID: device.RaspberryPiVID, Product: "Pico"},
	)
	// Highest ranked port streams garbage, the next one is the mixer.
	o.feeds["/dev/ttyACM1"] = repeat("boot garbage")
	o.feeds["/dev/ttyACM0"] = repeat(validLine)
	o.feeds["/dev/ttyS0"] = repeat(validLine)

	s := newTestSession(o, Options{ProbeTimeout: 100 * time.Millisecond})

	info, err := s.Connect(context.Background(), "")
	require.NoError(t, err)
	defer s.Disconnect()

	assert.Equal(t, "/dev/ttyACM0", info.Port)
	assert.True(t, info.Detected)
	assert.True(t, o.port("/dev/ttyACM1").isClosed(), "rejected candidate must be closed")
	assert.Nil(t, o.port("/dev/ttyS0"), "lower ranked port must not be opened")

	assert.Equal(t, validLine, readLine(t, s))
}

func TestConnect_AutoDetectSkipsBusyPorts(t *testing.T) {
	o := newFakeOpener(
		device.PortInfo{Name: "COM3", VID: device.RaspberryPiVID},
		device.PortInfo{Name: "COM4"},
	)
	o.openErr["COM3"] = errors.New("port busy")
	o.feeds["COM4"] = repeat(validLine)

	s := newTestSession(o, Options{})
	info, err := s.Connect(context.Background(), "")
	require.NoError(t, err)
	defer s.Disconnect()
	assert.Equal(t, "COM4", info.Port)
}

func TestConnect_AutoDetectNoDevice(t *testing.T) {
	o := newFakeOpener(device.PortInfo{Name: "/dev/ttyUSB0"})
	o.feeds["/dev/ttyUSB0"] = repeat("GPS $GPGGA,123519")

	s := newTestSession(o, Options{ProbeTimeout: 50 * time.Millisecond})
	_, err := s.Connect(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.Equal(t, Failed, s.State().Kind)
	assert.True(t, o.port("/dev/ttyUSB0").isClosed())
}

func TestConnect_AutoDetectCancelled(t *testing.T) {
	o := newFakeOpener(device.PortInfo{Name: "silent"})
	s := newTestSession(o, Options{ProbeTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Connect(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnect_DisconnectAborts(t *testing.T) {
	o := newFakeOpener(device.PortInfo{Name: "slow"})
	s := newTestSession(o, Options{ProbeTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), "")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return o.port("slow") != nil
	}, time.Second, 5*time.Millisecond)
	s.Disconnect()
	assert.Equal(t, Disconnected, s.State().Kind)

	// The probe finishes on its own timeout; feed a valid line to end it sooner.
	go io.WriteString(o.port("slow").w, validLine+"\n")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(6 * time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, Disconnected, s.State().Kind)
	assert.True(t, o.port("slow").isClosed())
}

func TestSession_DropsWhenFull(t *testing.T) {
	o := newFakeOpener()
	s := newTestSession(o, Options{BufferSize: 2})

	_, err := s.Connect(context.Background(), "usb")
	require.NoError(t, err)
	defer s.Disconnect()

	w := o.port("usb").w
	for i := 0; i < 10; i++ {
		_, err := io.WriteString(w, validLine+"\n")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return s.Stats().LinesRead == 10
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(8), s.Stats().LinesDropped)
	assert.Len(t, s.Lines(), 2)
}

func TestPump_DiscardsSupersededLines(t *testing.T) {
	tests := []struct {
		name      string
		superseded bool
		wantLines int
	}{
		{name: "live connection", wantLines: 3},
		{name: "after disconnect", superseded: true, wantLines: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(newFakeOpener(), Options{})

			r := &reader{out: make(chan string, 4), stop: make(chan struct{})}
			r.out <- validLine
			r.out <- validLine
			close(r.out)
			close(r.stop)

			if tt.superseded {
				s.mu.Lock()
				s.gen++
				s.mu.Unlock()
			}

			s.pump(0, r, []string{validLine})

			assert.Len(t, s.Lines(), tt.wantLines)
			assert.Equal(t, uint64(tt.wantLines), s.Stats().LinesRead)
		})
	}
}

func TestReadLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "plain lines",
			input: "a\nb\n",
			want:  []string{"a", "b"},
		},
		{
			name:  "crlf and blanks",
			input: "a\r\n\r\n   \nb\r\n",
			want:  []string{"a", "b"},
		},
		{
			name:  "unterminated tail is discarded",
			input: "a\npartial",
			want:  []string{"a"},
		},
		{
			name:  "oversize line is emitted once then skipped",
			input: "a\n" + strings.Repeat("x", 100) + "\nb\n",
			want:  []string{"a", strings.Repeat("x", 34), "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := readLines(strings.NewReader(tt.input), 32, func(line string) bool {
				got = append(got, line)
				return true
			})
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadLines_OversizeRejectedByDecoder(t *testing.T) {
	dec := frame.NewDecoder(3, 4095, 32)
	var got []string
	readLines(strings.NewReader(strings.Repeat("9", 200)+"\n"+`{"pot1":1,"pot2":2,"pot3":3}`+"\n"), 32, func(line string) bool {
		got = append(got, line)
		return true
	})
	require.Len(t, got, 2)
	_, err := dec.Decode(got[0])
	assert.ErrorIs(t, err, frame.ErrLineTooLong)
	_, err = dec.Decode(got[1])
	assert.NoError(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", State{}.String())
	assert.Equal(t, "connecting", State{Kind: Connecting}.String())
	assert.Equal(t, "connected(COM3)", State{Kind: Connected, Port: "COM3"}.String())
	assert.Equal(t, "failed(unplugged)", State{Kind: Failed, Reason: "unplugged"}.String())
}
