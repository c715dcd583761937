package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/Joxtacy/pc-audio-mixer/pkg/config"
	"github.com/Joxtacy/pc-audio-mixer/pkg/frame"
)

// MockPortName is the only port exposed by the simulated device.
const MockPortName = "mock"

// ErrPortBusy is returned when a port is opened twice.
var ErrPortBusy = errors.New("port is busy")

// Mock simulates the mixer hardware: a board streaming pot readings as JSON lines.
type Mock struct {
	cfg    *config.MockConfig
	pots   int
	maxRaw int

	mu   sync.Mutex
	open *mockPort
}

// NewMock creates a simulated device with the given pot count and ADC range.
func NewMock(cfg *config.MockConfig, pots, maxRaw int) *Mock {
	c := config.MockConfig{
		SampleRate: 50 * time.Millisecond,
		Period:     20 * time.Second,
	}
	if cfg != nil {
		if cfg.SampleRate > 0 {
			c.SampleRate = cfg.SampleRate
		}
		if cfg.Period > 0 {
			c.Period = cfg.Period
		}
	}
	return &Mock{cfg: &c, pots: pots, maxRaw: maxRaw}
}

// Ports returns the single simulated port.
func (m *Mock) Ports() ([]PortInfo, error) {
	return []PortInfo{{
		Name:        MockPortName,
		Description: "Simulated Pico (mock)",
		IsUSB:       true,
		VID:         RaspberryPiVID,
		Product:     "Pico",
	}}, nil
}

// Open starts streaming simulated samples.
func (m *Mock) Open(name string) (Port, error) {
	if name != MockPortName {
		return nil, fmt.Errorf("failed to open serial port %s: no such port", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, ErrPortBusy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	p := &mockPort{
		owner:  m,
		reader: pr,
		writer: pw,
		cancel: cancel,
	}
	m.open = p

	go m.generateLines(ctx, pw)

	return p, nil
}

// generateLines writes one telemetry line per tick until cancelled.
func (m *Mock) generateLines(ctx context.Context, w *io.PipeWriter) {
	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			line := frame.Encode(m.sample(now.Sub(start))) + "\n"
			if _, err := io.WriteString(w, line); err != nil {
				return
			}
		}
	}
}

// sample returns a triangle sweep per pot, phase shifted so pots move independently.
func (m *Mock) sample(elapsed time.Duration) frame.Frame {
	f := make(frame.Frame, m.pots)
	period := m.cfg.Period.Seconds()
	for i := range f {
		phase := math.Mod(elapsed.Seconds()/period+float64(i)/float64(m.pots), 1)
		level := 1 - math.Abs(2*phase-1)
		f[i] = int(math.Round(level * float64(m.maxRaw)))
	}
	return f
}

func (m *Mock) release(p *mockPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == p {
		m.open = nil
	}
}

type mockPort struct {
	owner  *Mock
	reader *io.PipeReader
	writer *io.PipeWriter
	cancel context.CancelFunc
	once   sync.Once
}

func (p *mockPort) Read(b []byte) (int, error) {
	return p.reader.Read(b)
}

// Write accepts and discards host output; the firmware does not read commands.
func (p *mockPort) Write(b []byte) (int, error) {
	return len(b), nil
}

func (p *mockPort) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.writer.CloseWithError(io.EOF)
		p.reader.Close()
		p.owner.release(p)
	})
	return nil
}
