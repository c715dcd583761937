package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.True(t, cfg.Serial.AutoConnect)
	assert.Equal(t, 256, cfg.Serial.MaxLineLength)
	assert.Equal(t, 4095, cfg.Mixer.MaxRaw)
	assert.Equal(t, float64(2), cfg.Mixer.QuantizationStep)
	assert.Len(t, cfg.Mixer.Channels, 8)
	assert.Equal(t, 3, cfg.PhysicalCount())
	assert.Equal(t, 5*time.Second, cfg.Registry.RefreshInterval)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultChannels(t *testing.T) {
	channels := DefaultChannels(2, 1)
	assert.Equal(t, []ChannelConfig{
		{ID: 1, Kind: KindPhysical, Pot: 1},
		{ID: 2, Kind: KindPhysical, Pot: 2},
		{ID: 3, Kind: KindVirtual},
	}, channels)
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Len(t, cfg.Mixer.Channels, 8)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
serial:
  port: "/dev/ttyACM0"
  baud_rate: 9600
  auto_connect: false
  probe_timeout: 2s

mixer:
  max_raw: 1023
  quantization_step: 1
  channels:
    - id: 1
      kind: physical
      pot: 1
      name: Game
    - id: 2
      kind: physical
      pot: 2
    - id: 10
      kind: virtual

registry:
  refresh_interval: 2s

api:
  listen: "127.0.0.1:9000"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.False(t, cfg.Serial.AutoConnect)
	assert.Equal(t, 2*time.Second, cfg.Serial.ProbeTimeout)
	assert.Equal(t, 1023, cfg.Mixer.MaxRaw)
	assert.Equal(t, float64(1), cfg.Mixer.QuantizationStep)
	require.Len(t, cfg.Mixer.Channels, 3)
	assert.Equal(t, "Game", cfg.Mixer.Channels[0].Name)
	assert.Equal(t, 10, cfg.Mixer.Channels[2].ID)
	assert.Equal(t, 2, cfg.PhysicalCount())
	assert.Equal(t, 2*time.Second, cfg.Registry.RefreshInterval)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: content: ["), 0644))

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial:\n  port: \"COM4\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "COM4", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)  // default
	assert.True(t, cfg.Serial.AutoConnect)        // default
	assert.Equal(t, 4095, cfg.Mixer.MaxRaw)       // default
	assert.Len(t, cfg.Mixer.Channels, 8)          // default
	assert.Equal(t, "info", cfg.Log.Level)        // default
	assert.Equal(t, 64, cfg.Engine.InboxSize)     // default
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Mixer.QuantizationStep = 1

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Serial.Port)
	assert.Equal(t, float64(1), loaded.Mixer.QuantizationStep)
	assert.Equal(t, cfg.Mixer.Channels, loaded.Mixer.Channels)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "default is valid",
			mutate: func(c *Config) {},
		},
		{
			name: "duplicate channel id",
			mutate: func(c *Config) {
				c.Mixer.Channels = append(c.Mixer.Channels, ChannelConfig{ID: 1, Kind: KindVirtual})
			},
			wantErr: "duplicate channel id 1",
		},
		{
			name: "duplicate pot",
			mutate: func(c *Config) {
				c.Mixer.Channels[1].Pot = 1
			},
			wantErr: "pot 1 assigned to more than one channel",
		},
		{
			name: "non contiguous pots",
			mutate: func(c *Config) {
				c.Mixer.Channels[2].Pot = 5
			},
			wantErr: "missing pot 3",
		},
		{
			name: "virtual channel with pot",
			mutate: func(c *Config) {
				c.Mixer.Channels[4].Pot = 4
			},
			wantErr: "cannot have a pot",
		},
		{
			name: "unknown kind",
			mutate: func(c *Config) {
				c.Mixer.Channels[0].Kind = "analog"
			},
			wantErr: "unknown kind",
		},
		{
			name: "zero max raw",
			mutate: func(c *Config) {
				c.Mixer.MaxRaw = 0
			},
			wantErr: "max_raw",
		},
		{
			name: "step too large",
			mutate: func(c *Config) {
				c.Mixer.QuantizationStep = 150
			},
			wantErr: "quantization_step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
