package mixer

import (
	"time"

	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
	"github.com/Joxtacy/pc-audio-mixer/pkg/bus"
	"github.com/Joxtacy/pc-audio-mixer/pkg/engine"
	"github.com/Joxtacy/pc-audio-mixer/pkg/frame"
	"github.com/Joxtacy/pc-audio-mixer/pkg/transport"
)

// Snapshot is the state exposed to the presentation layer.
type Snapshot struct {
	Seq          uint64                `json:"seq"`
	Time         time.Time             `json:"time"`
	Transport    transport.State       `json:"transport"`
	Channels     []engine.ChannelState `json:"channels"`
	Sessions     []audio.Session       `json:"sessions"`
	SessionsAt   time.Time             `json:"sessions_updated"`
	SessionError string                `json:"sessions_error,omitempty"` // Last refresh failed
	StoreHealthy bool                  `json:"store_healthy"`
	StoreError   string                `json:"store_error,omitempty"`
	Stats        Stats                 `json:"stats"`
}

// Stats groups the counters of every component.
type Stats struct {
	Frames    frame.Stats     `json:"frames"`
	Transport transport.Stats `json:"transport"`
	Commands  engine.Stats    `json:"commands"`
	Bus       bus.Stats       `json:"bus"`
}

// Channel returns the state of channel id.
func (s Snapshot) Channel(id int) (engine.ChannelState, bool) {
	for _, cs := range s.Channels {
		if cs.ID == id {
			return cs, true
		}
	}
	return engine.ChannelState{}, false
}
