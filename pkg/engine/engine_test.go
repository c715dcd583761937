package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
	"github.com/Joxtacy/pc-audio-mixer/pkg/channel"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mapping"
	"github.com/Joxtacy/pc-audio-mixer/pkg/transport"
)

var testChannels = []channel.Channel{
	{ID: 1, Kind: channel.Physical, Pot: 1, Name: "Channel 1"},
	{ID: 2, Kind: channel.Physical, Pot: 2, Name: "Channel 2"},
	{ID: 3, Kind: channel.Physical, Pot: 3, Name: "Channel 3"},
	{ID: 4, Kind: channel.Virtual, Name: "Channel 4"},
	{ID: 5, Kind: channel.Virtual, Name: "Channel 5"},
}

var connected = transport.State{Kind: transport.Connected, Port: "COM3"}

func startEngine(t *testing.T, setter audio.Setter, step float32) *Engine {
	t.Helper()
	e := New(testChannels, setter, Options{Step: step}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func flush(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Flush(context.Background()))
}

// settle waits for every dispatched command to finish and for its outcome to be applied.
func settle(t *testing.T, e *Engine) {
	t.Helper()
	flush(t, e)
	require.Eventually(t, func() bool { return e.Stats().Pending == 0 }, time.Second, time.Millisecond)
	flush(t, e)
}

func callStrings(stub *audio.Stub) []string {
	var out []string
	for _, c := range stub.Calls() {
		out = append(out, c.String())
	}
	return out
}

func value(id int, pct float32) []channel.Value {
	return []channel.Value{{ChannelID: id, Percent: pct}}
}

func sessions(pids ...uint32) []audio.Session {
	out := make([]audio.Session, 0, len(pids))
	for _, pid := range pids {
		out = append(out, audio.Session{ProcessID: pid})
	}
	return out
}

// gate holds the first volume command in flight until released.
type gate struct {
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) onCall(audio.Call) {
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		m := g.maxSeen.Load()
		if n <= m || g.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
}

func (g *gate) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(time.Second):
		t.Fatal("first command never started")
	}
}

func TestScenarioD_MasterMapping(t *testing.T) {
	stub := audio.NewStub()
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Mappings([]mapping.Mapping{{ChannelID: 2, Target: mapping.Master()}})
	e.Values(value(2, 30))
	settle(t, e)

	assert.Equal(t, []string{"master=30"}, callStrings(stub))

	// The same value again is not a change.
	e.Values(value(2, 30))
	settle(t, e)
	assert.Equal(t, []string{"master=30"}, callStrings(stub))
	assert.Equal(t, uint64(1), e.Stats().Issued)

	st, ok := e.Status(2)
	require.True(t, ok)
	assert.Equal(t, Live, st)
}

func TestUnmappedChannelIsSilent(t *testing.T) {
	stub := audio.NewStub()
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Values([]channel.Value{{ChannelID: 1, Percent: 50}, {ChannelID: 2, Percent: 0}, {ChannelID: 3, Percent: 100}})
	settle(t, e)

	assert.Empty(t, stub.Calls())
	for _, cs := range e.Channels()[:3] {
		assert.Equal(t, Unmapped, cs.Status)
		assert.True(t, cs.HasValue)
	}
}

func TestScenarioB_OrphanAndRevive(t *testing.T) {
	stub := audio.NewStub(audio.Session{ProcessID: 42, DisplayName: "Game"})
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Sessions(sessions(42))
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Session(42, "game.exe")}})
	e.Values(value(1, 40))
	settle(t, e)
	assert.Equal(t, []string{"pid:42=40"}, callStrings(stub))

	st, _ := e.Status(1)
	assert.Equal(t, Live, st)

	e.Sessions(sessions())
	e.Values(value(1, 50))
	e.Values(value(1, 60))
	settle(t, e)

	st, _ = e.Status(1)
	assert.Equal(t, Orphaned, st)
	assert.Equal(t, []string{"pid:42=40"}, callStrings(stub), "orphaned channel must not emit")
	assert.Equal(t, uint64(2), e.Stats().Suppressed)

	// Target retained for display while orphaned.
	assert.Equal(t, mapping.Session(42, "game.exe"), e.Channels()[0].Target)

	// Same pid reappears: live again without a re-save, latest value applied.
	e.Sessions(sessions(42))
	settle(t, e)
	st, _ = e.Status(1)
	assert.Equal(t, Live, st)
	assert.Equal(t, []string{"pid:42=40", "pid:42=60"}, callStrings(stub))
}

func TestQuantizationThreshold(t *testing.T) {
	stub := audio.NewStub()
	e := startEngine(t, stub, 2)

	e.Transport(connected)
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Master()}})

	for _, v := range []float32{50, 51, 52, 51, 53} {
		e.Values(value(1, v))
		settle(t, e)
	}

	assert.Equal(t, []string{"master=50", "master=52"}, callStrings(stub))
	assert.Equal(t, uint64(3), e.Stats().Suppressed)
}

func TestCoalescing(t *testing.T) {
	stub := audio.NewStub()
	g := newGate()
	stub.OnCall = g.onCall
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Master()}})
	e.Values(value(1, 10))
	g.waitStarted(t)

	for _, v := range []float32{20, 30, 40, 50} {
		e.Values(value(1, v))
	}
	flush(t, e)
	assert.Equal(t, uint64(3), e.Stats().Coalesced)

	close(g.release)
	settle(t, e)

	assert.Equal(t, []string{"master=10", "master=50"}, callStrings(stub))
	assert.Equal(t, int32(1), g.maxSeen.Load(), "at most one command in flight per target")
	assert.Equal(t, uint64(2), e.Stats().Issued)
}

func TestCoalescing_SharedTarget(t *testing.T) {
	stub := audio.NewStub()
	g := newGate()
	stub.OnCall = g.onCall
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Mappings([]mapping.Mapping{
		{ChannelID: 1, Target: mapping.Master()},
		{ChannelID: 4, Target: mapping.Master()},
	})
	e.Values(value(1, 10))
	g.waitStarted(t)

	e.Values(value(4, 80))
	e.Values(value(1, 20))
	flush(t, e)

	close(g.release)
	settle(t, e)

	assert.Equal(t, []string{"master=10", "master=20"}, callStrings(stub))
	assert.Equal(t, int32(1), g.maxSeen.Load())
}

func TestTransportLossFreezesPhysicalChannels(t *testing.T) {
	stub := audio.NewStub(audio.DefaultSessions()...)
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Sessions(audio.DefaultSessions())
	e.Mappings([]mapping.Mapping{
		{ChannelID: 1, Target: mapping.Master()},
		{ChannelID: 4, Target: mapping.Session(1234, "Spotify.exe")},
	})
	e.Values(value(1, 30))
	settle(t, e)
	assert.Equal(t, []string{"master=30"}, callStrings(stub))

	e.Transport(transport.State{Kind: transport.Failed, Reason: "device closed"})
	e.Values(value(1, 55)) // line read before the loss
	settle(t, e)
	assert.Equal(t, []string{"master=30"}, callStrings(stub))
	assert.True(t, e.Channels()[0].Stale)

	// Virtual channels are user driven and keep applying.
	e.Values(value(4, 70))
	settle(t, e)
	assert.Equal(t, []string{"master=30", "pid:1234=70"}, callStrings(stub))

	// Reconnecting does not replay the stale value.
	e.Transport(connected)
	settle(t, e)
	assert.Len(t, stub.Calls(), 2)

	e.Values(value(1, 55))
	settle(t, e)
	assert.Equal(t, []string{"master=30", "pid:1234=70", "master=55"}, callStrings(stub))
	assert.False(t, e.Channels()[0].Stale)
}

func TestTransportLossCancelsPendingCommands(t *testing.T) {
	stub := audio.NewStub()
	g := newGate()
	stub.OnCall = g.onCall
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Master()}})
	e.Values(value(1, 10))
	g.waitStarted(t)

	e.Values(value(1, 20))
	e.Transport(transport.State{Kind: transport.Disconnected})
	flush(t, e)

	close(g.release)
	settle(t, e)

	assert.Equal(t, []string{"master=10"}, callStrings(stub))
	assert.Equal(t, uint64(1), e.Stats().Cancelled)
}

func TestCommandFailure(t *testing.T) {
	// The registry still lists pid 42 but the process is gone.
	stub := audio.NewStub()
	e := startEngine(t, stub, 1)

	var mu sync.Mutex
	var failures []*CommandError
	e.OnCommandFailure(func(err *CommandError) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})

	e.Transport(connected)
	e.Sessions(sessions(42))
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Session(42, "game.exe")}})
	e.Values(value(1, 40))
	settle(t, e)

	mu.Lock()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], audio.ErrSessionNotFound)
	assert.Equal(t, "pid:42", failures[0].Target.Key())
	assert.Equal(t, float32(40), failures[0].Value)
	mu.Unlock()
	assert.Equal(t, uint64(1), e.Stats().Failed)

	// Unchanged telemetry does not hammer the failing target.
	e.Values(value(1, 40))
	settle(t, e)
	assert.Equal(t, uint64(1), e.Stats().Issued)

	// The refreshed snapshot no longer lists the pid.
	e.Sessions(sessions())
	settle(t, e)
	st, _ := e.Status(1)
	assert.Equal(t, Orphaned, st)

	// The process comes back: the value is applied again.
	stub.Add(audio.Session{ProcessID: 42})
	e.Sessions(sessions(42))
	settle(t, e)
	assert.Equal(t, []string{"pid:42=40"}, callStrings(stub))
}

func TestCommandFailureRetriesOnRefresh(t *testing.T) {
	stub := audio.NewStub()
	stub.FailSet(errors.New("device busy"))
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Master()}})
	e.Values(value(1, 25))
	settle(t, e)
	assert.Empty(t, stub.Calls())

	stub.FailSet(nil)
	e.Sessions(sessions())
	settle(t, e)
	assert.Equal(t, []string{"master=25"}, callStrings(stub))
}

func TestRemapResetsLastSent(t *testing.T) {
	stub := audio.NewStub(audio.DefaultSessions()...)
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Sessions(audio.DefaultSessions())
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Master()}})
	e.Values(value(1, 30))
	settle(t, e)

	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Session(1234, "Spotify.exe")}})
	settle(t, e)
	e.Mappings([]mapping.Mapping{{ChannelID: 1, Target: mapping.Master()}})
	settle(t, e)

	assert.Equal(t, []string{"master=30", "pid:1234=30", "master=30"}, callStrings(stub))

	// Clearing makes the channel silent.
	e.Mappings(nil)
	e.Values(value(1, 90))
	settle(t, e)
	assert.Len(t, stub.Calls(), 3)
	st, _ := e.Status(1)
	assert.Equal(t, Unmapped, st)
}

func TestConvergenceIndependentOfOrder(t *testing.T) {
	steps := map[string]func(e *Engine){
		"mappings": func(e *Engine) {
			e.Mappings([]mapping.Mapping{
				{ChannelID: 1, Target: mapping.Session(42, "game.exe")},
				{ChannelID: 2, Target: mapping.Master()},
			})
		},
		"sessions": func(e *Engine) { e.Sessions(sessions(42)) },
		"values": func(e *Engine) {
			e.Values([]channel.Value{{ChannelID: 1, Percent: 40}, {ChannelID: 2, Percent: 60}})
		},
	}

	orders := [][]string{
		{"mappings", "sessions", "values"},
		{"mappings", "values", "sessions"},
		{"sessions", "mappings", "values"},
		{"sessions", "values", "mappings"},
		{"values", "mappings", "sessions"},
		{"values", "sessions", "mappings"},
	}

	for _, order := range orders {
		t.Run(order[0]+"-"+order[1]+"-"+order[2], func(t *testing.T) {
			stub := audio.NewStub(audio.Session{ProcessID: 42})
			e := startEngine(t, stub, 1)
			e.Transport(connected)
			for _, name := range order {
				steps[name](e)
			}
			settle(t, e)

			calls := callStrings(stub)
			sort.Strings(calls)
			assert.Equal(t, []string{"master=60", "pid:42=40"}, calls)
		})
	}
}

func TestOnChange(t *testing.T) {
	stub := audio.NewStub()
	e := startEngine(t, stub, 1)

	var mu sync.Mutex
	var got [][]ChannelState
	e.OnChange(func(states []ChannelState) {
		mu.Lock()
		got = append(got, states)
		mu.Unlock()
	})

	e.Mappings([]mapping.Mapping{{ChannelID: 5, Target: mapping.Master()}})
	e.Mappings([]mapping.Mapping{{ChannelID: 5, Target: mapping.Master()}})
	flush(t, e)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "identical views are not republished")
	require.Len(t, got[0], len(testChannels))
	assert.Equal(t, 5, got[0][4].ID)
	assert.Equal(t, Live, got[0][4].Status)
	assert.Equal(t, channel.Virtual, got[0][4].Kind)
}

func TestUnknownChannelsIgnored(t *testing.T) {
	stub := audio.NewStub()
	e := startEngine(t, stub, 1)

	e.Transport(connected)
	e.Mappings([]mapping.Mapping{{ChannelID: 99, Target: mapping.Master()}})
	e.Values(value(99, 50))
	settle(t, e)

	assert.Empty(t, stub.Calls())
	_, ok := e.Status(99)
	assert.False(t, ok)
}

func TestRunLifecycle(t *testing.T) {
	e := New(testChannels, audio.NewStub(), Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, e.Flush(context.Background()))
	assert.Error(t, e.Run(context.Background()), "second Run must fail")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	assert.ErrorIs(t, e.Flush(context.Background()), ErrStopped)

	// Enqueueing after stop must not block.
	e.Values(value(1, 10))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "unmapped", Unmapped.String())
	assert.Equal(t, "live", Live.String())
	assert.Equal(t, "orphaned", Orphaned.String())
}
