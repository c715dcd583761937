package channel

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"

	"github.com/Joxtacy/pc-audio-mixer/pkg/config"
	"github.com/Joxtacy/pc-audio-mixer/pkg/frame"
)

// Kind tells whether a channel is driven by hardware or by the user.
type Kind int

const (
	Physical Kind = iota
	Virtual
)

func (k Kind) String() string {
	if k == Virtual {
		return config.KindVirtual
	}
	return config.KindPhysical
}

// MarshalText renders the kind as "physical" or "virtual".
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Channel is a mixer channel created at startup.
type Channel struct {
	ID   int    `json:"id"`
	Kind Kind   `json:"kind"`
	Pot  int    `json:"pot,omitempty"` // 1-based pot index for physical channels
	Name string `json:"name,omitempty"`
}

// Value is the derived percentage of one channel.
type Value struct {
	ChannelID int     `json:"channel_id"`
	Percent   float32 `json:"percent"`
}

// FromConfig builds the channel set, ordered by id.
func FromConfig(cfgs []config.ChannelConfig) []Channel {
	channels := make([]Channel, 0, len(cfgs))
	for _, c := range cfgs {
		ch := Channel{ID: c.ID, Kind: Physical, Pot: c.Pot, Name: c.Name}
		if c.Kind == config.KindVirtual {
			ch.Kind = Virtual
			ch.Pot = 0
		}
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("Channel %d", ch.ID)
		}
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels
}

// Normalizer converts raw ADC samples to quantized percentages.
type Normalizer struct {
	MaxRaw int
	Step   float32 // Quantization granularity in percentage points
}

// Normalize maps raw in [0,MaxRaw] to a percentage in [0,100] rounded to Step.
// Out of range samples are clamped.
func (n Normalizer) Normalize(raw int) float32 {
	if raw < 0 {
		raw = 0
	}
	if raw > n.MaxRaw {
		raw = n.MaxRaw
	}
	pct := float32(raw) / float32(n.MaxRaw) * 100
	return n.Quantize(pct)
}

// Quantize rounds pct to the nearest Step and clamps to [0,100].
func (n Normalizer) Quantize(pct float32) float32 {
	if n.Step > 0 {
		pct = math32.Round(pct/n.Step) * n.Step
	}
	return math32.Max(0, math32.Min(100, pct))
}

// Pipeline derives channel values from frames and user input. It keeps no
// history; the engine owns the latest value of every channel.
type Pipeline struct {
	norm     Normalizer
	channels []Channel
}

// NewPipeline creates a pipeline for the given channels.
func NewPipeline(channels []Channel, norm Normalizer) *Pipeline {
	cp := make([]Channel, len(channels))
	copy(cp, channels)
	return &Pipeline{
		norm:     norm,
		channels: cp,
	}
}

// Ingest derives the physical channel values of f, ordered by channel id.
// Frames shorter than a physical channel's pot index leave that channel untouched.
func (p *Pipeline) Ingest(f frame.Frame) []Value {
	out := make([]Value, 0, len(p.channels))
	for _, ch := range p.channels {
		if ch.Kind != Physical || ch.Pot > len(f) {
			continue
		}
		out = append(out, Value{ChannelID: ch.ID, Percent: p.norm.Normalize(f.Pot(ch.Pot))})
	}
	return out
}

// SetVirtual stores a user-provided value for a virtual channel.
func (p *Pipeline) SetVirtual(id int, pct float32) (Value, error) {
	ch, ok := p.lookup(id)
	if !ok {
		return Value{}, fmt.Errorf("unknown channel %d", id)
	}
	if ch.Kind != Virtual {
		return Value{}, fmt.Errorf("channel %d is physical", id)
	}

	return Value{ChannelID: id, Percent: p.norm.Quantize(pct)}, nil
}

func (p *Pipeline) lookup(id int) (Channel, bool) {
	for _, ch := range p.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// Converter turns a frame stream into a stream of derived values.
type Converter func(in <-chan frame.Frame) <-chan []Value

// NewConverter creates a converter stage backed by p.
func NewConverter(p *Pipeline, bufSize int) Converter {
	if bufSize <= 0 {
		bufSize = 100
	}

	return func(in <-chan frame.Frame) <-chan []Value {
		out := make(chan []Value, bufSize)

		go func() {
			defer close(out)
			for f := range in {
				out <- p.Ingest(f)
			}
		}()

		return out
	}
}
