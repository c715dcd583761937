package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel kinds accepted in the configuration file.
const (
	KindPhysical = "physical"
	KindVirtual  = "virtual"
)

// Config represents the application configuration.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Mixer    MixerConfig    `yaml:"mixer"`
	Registry RegistryConfig `yaml:"registry"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
	Mock     MockConfig     `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port          string        `yaml:"port"` // Empty means auto-detect
	BaudRate      int           `yaml:"baud_rate"`
	AutoConnect   bool          `yaml:"auto_connect"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`   // Time allowed for a candidate port to produce a valid frame
	LineBuffer    int           `yaml:"line_buffer"`     // Capacity of the line stream
	MaxLineLength int           `yaml:"max_line_length"` // Longer lines are rejected by the decoder
}

// MixerConfig describes the channel layout and the normalization parameters.
type MixerConfig struct {
	MaxRaw           int             `yaml:"max_raw"`           // ADC full-scale value (1023, 4095, ...)
	QuantizationStep float64         `yaml:"quantization_step"` // Percentage points
	Channels         []ChannelConfig `yaml:"channels"`
}

// ChannelConfig declares a single mixer channel.
type ChannelConfig struct {
	ID   int    `yaml:"id"`
	Kind string `yaml:"kind"`
	Pot  int    `yaml:"pot,omitempty"` // 1-based potentiometer index, physical channels only
	Name string `yaml:"name,omitempty"`
}

// RegistryConfig contains audio session refresh parameters.
type RegistryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// StoreConfig contains mapping store parameters.
type StoreConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"` // Reload on external edits
}

// EngineConfig contains synchronization engine parameters.
type EngineConfig struct {
	InboxSize int `yaml:"inbox_size"`
}

// APIConfig contains control API parameters.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig contains logging parameters.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	SampleRate time.Duration `yaml:"sample_rate"`
	Period     time.Duration `yaml:"period"` // Time for a simulated pot to sweep back and forth
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:          "",
			BaudRate:      115200,
			AutoConnect:   true,
			ProbeTimeout:  1500 * time.Millisecond,
			LineBuffer:    100,
			MaxLineLength: 256,
		},
		Mixer: MixerConfig{
			MaxRaw:           4095,
			QuantizationStep: 2,
			Channels:         DefaultChannels(3, 5),
		},
		Registry: RegistryConfig{
			RefreshInterval: 5 * time.Second,
		},
		Store: StoreConfig{
			Path:  DefaultStorePath(),
			Watch: true,
		},
		Engine: EngineConfig{
			InboxSize: 64,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7823",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Mock: MockConfig{
			SampleRate: 50 * time.Millisecond, // 20 Hz, same as the firmware
			Period:     20 * time.Second,
		},
	}
}

// DefaultChannels returns physical channels 1..physical followed by virtual channels.
func DefaultChannels(physical, virtual int) []ChannelConfig {
	channels := make([]ChannelConfig, 0, physical+virtual)
	for i := 1; i <= physical; i++ {
		channels = append(channels, ChannelConfig{ID: i, Kind: KindPhysical, Pot: i})
	}
	for i := physical + 1; i <= physical+virtual; i++ {
		channels = append(channels, ChannelConfig{ID: i, Kind: KindVirtual})
	}
	return channels
}

// DefaultStorePath returns the default mapping file location in the user config dir.
func DefaultStorePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "pc-audio-mixer" + string(os.PathSeparator) + "mappings.yaml"
	}
	return "mappings.yaml"
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// A channels list in the file replaces the default layout entirely.
	cfg.Mixer.Channels = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// PhysicalCount returns the number of physical channels, which is also the
// number of pot keys expected in every telemetry line.
func (c *Config) PhysicalCount() int {
	n := 0
	for _, ch := range c.Mixer.Channels {
		if ch.Kind == KindPhysical {
			n++
		}
	}
	return n
}

// Validate checks invariants that must hold before the engine starts.
// Any error returned here is a fatal configuration error.
func (c *Config) Validate() error {
	var errs []error

	if c.Mixer.MaxRaw <= 0 {
		errs = append(errs, fmt.Errorf("mixer.max_raw must be positive, got %d", c.Mixer.MaxRaw))
	}
	if c.Mixer.QuantizationStep <= 0 || c.Mixer.QuantizationStep > 100 {
		errs = append(errs, fmt.Errorf("mixer.quantization_step must be in (0,100], got %v", c.Mixer.QuantizationStep))
	}
	if len(c.Mixer.Channels) == 0 {
		errs = append(errs, errors.New("mixer.channels is empty"))
	}

	ids := make(map[int]bool)
	pots := make(map[int]bool)
	for _, ch := range c.Mixer.Channels {
		if ch.ID <= 0 {
			errs = append(errs, fmt.Errorf("channel id must be positive, got %d", ch.ID))
		}
		if ids[ch.ID] {
			errs = append(errs, fmt.Errorf("duplicate channel id %d", ch.ID))
		}
		ids[ch.ID] = true

		switch ch.Kind {
		case KindPhysical:
			if ch.Pot <= 0 {
				errs = append(errs, fmt.Errorf("physical channel %d needs a pot index", ch.ID))
			} else if pots[ch.Pot] {
				errs = append(errs, fmt.Errorf("pot %d assigned to more than one channel", ch.Pot))
			}
			pots[ch.Pot] = true
		case KindVirtual:
			if ch.Pot != 0 {
				errs = append(errs, fmt.Errorf("virtual channel %d cannot have a pot", ch.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("channel %d has unknown kind %q", ch.ID, ch.Kind))
		}
	}

	// Telemetry lines carry pot1..potN, so pots must be exactly 1..N.
	for i := 1; i <= len(pots); i++ {
		if !pots[i] {
			errs = append(errs, fmt.Errorf("pot numbering must be contiguous from 1, missing pot %d", i))
			break
		}
	}

	return errors.Join(errs...)
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ProbeTimeout == 0 {
		c.Serial.ProbeTimeout = def.Serial.ProbeTimeout
	}
	if c.Serial.LineBuffer == 0 {
		c.Serial.LineBuffer = def.Serial.LineBuffer
	}
	if c.Serial.MaxLineLength == 0 {
		c.Serial.MaxLineLength = def.Serial.MaxLineLength
	}

	if c.Mixer.MaxRaw == 0 {
		c.Mixer.MaxRaw = def.Mixer.MaxRaw
	}
	if c.Mixer.QuantizationStep == 0 {
		c.Mixer.QuantizationStep = def.Mixer.QuantizationStep
	}
	if len(c.Mixer.Channels) == 0 {
		c.Mixer.Channels = def.Mixer.Channels
	}

	if c.Registry.RefreshInterval == 0 {
		c.Registry.RefreshInterval = def.Registry.RefreshInterval
	}

	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}

	if c.Engine.InboxSize == 0 {
		c.Engine.InboxSize = def.Engine.InboxSize
	}

	if c.API.Listen == "" {
		c.API.Listen = def.API.Listen
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
	if c.Mock.Period == 0 {
		c.Mock.Period = def.Mock.Period
	}
}
