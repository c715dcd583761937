// Package api serves the presentation capability over HTTP: state queries,
// connect/disconnect, mapping edits, virtual channel values and a websocket
// stream of state snapshots.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Joxtacy/pc-audio-mixer/pkg/audio"
	"github.com/Joxtacy/pc-audio-mixer/pkg/bus"
	"github.com/Joxtacy/pc-audio-mixer/pkg/channel"
	"github.com/Joxtacy/pc-audio-mixer/pkg/device"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mapping"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mixer"
	"github.com/Joxtacy/pc-audio-mixer/pkg/transport"
)

// Service is the mixer capability the API exposes.
type Service interface {
	Snapshot() mixer.Snapshot
	Subscribe() *bus.Subscription[mixer.Snapshot]
	Ports() ([]device.PortInfo, error)
	Connect(ctx context.Context, port string) (transport.ConnectedInfo, error)
	Disconnect()
	Sessions() []audio.Session
	RefreshSessions(ctx context.Context) ([]audio.Session, error)
	Mappings() []mapping.Mapping
	Mapping(id int) (mapping.Mapping, error)
	SaveMapping(ctx context.Context, m mapping.Mapping) (bool, error)
	ClearMapping(id int) (bool, error)
	SetVirtualValue(id int, percent float32) (channel.Value, error)
	MasterVolume(ctx context.Context) (float32, error)
}

// Ensure Mixer implements Service.
var _ Service = (*mixer.Mixer)(nil)

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(svc Service, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recovery(log))

	h := &handler{svc: svc, log: log}

	r.Get("/health", h.Health)
	r.Get("/state", h.State)
	r.Get("/ports", h.Ports)
	r.Post("/connect", h.Connect)
	r.Post("/disconnect", h.Disconnect)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/refresh", h.RefreshSessions)
	})

	r.Route("/mappings", func(r chi.Router) {
		r.Get("/", h.ListMappings)
		r.Get("/{channel}", h.GetMapping)
		r.Put("/{channel}", h.SaveMapping)
		r.Delete("/{channel}", h.ClearMapping)
	})

	r.Put("/channels/{channel}/value", h.SetValue)
	r.Get("/master", h.Master)
	r.Get("/ws", h.Stream)

	return r
}
