package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Joxtacy/pc-audio-mixer/pkg/mapping"
	"github.com/Joxtacy/pc-audio-mixer/pkg/mixer"
	"github.com/Joxtacy/pc-audio-mixer/pkg/transport"
)

type handler struct {
	svc Service
	log zerolog.Logger
}

type connectRequest struct {
	Port string `json:"port"`
}

type valueRequest struct {
	Value *float32 `json:"value"`
}

type changedResponse struct {
	Changed bool             `json:"changed"`
	Mapping *mapping.Mapping `json:"mapping,omitempty"`
}

type masterResponse struct {
	Volume float32 `json:"volume"`
}

type healthResponse struct {
	Status       string          `json:"status"`
	Transport    transport.State `json:"transport"`
	StoreHealthy bool            `json:"store_healthy"`
}

// Health handles GET /health
func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.Snapshot()
	status := "ok"
	if !snap.StoreHealthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       status,
		Transport:    snap.Transport,
		StoreHealthy: snap.StoreHealthy,
	})
}

// State handles GET /state
func (h *handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// Ports handles GET /ports
func (h *handler) Ports(w http.ResponseWriter, r *http.Request) {
	ports, err := h.svc.Ports()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

// Connect handles POST /connect
func (h *handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	info, err := h.svc.Connect(r.Context(), req.Port)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Disconnect handles POST /disconnect
func (h *handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.svc.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /sessions
func (h *handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Sessions())
}

// RefreshSessions handles POST /sessions/refresh
func (h *handler) RefreshSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.RefreshSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ListMappings handles GET /mappings
func (h *handler) ListMappings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Mappings())
}

// GetMapping handles GET /mappings/{channel}
func (h *handler) GetMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := channelParam(w, r)
	if !ok {
		return
	}

	m, err := h.svc.Mapping(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SaveMapping handles PUT /mappings/{channel}
func (h *handler) SaveMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := channelParam(w, r)
	if !ok {
		return
	}

	var target mapping.Target
	if err := decodeJSON(r, &target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	m := mapping.Mapping{ChannelID: id, Target: target}
	changed, err := h.svc.SaveMapping(r.Context(), m)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	stored, err := h.svc.Mapping(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed, Mapping: &stored})
}

// ClearMapping handles DELETE /mappings/{channel}
func (h *handler) ClearMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := channelParam(w, r)
	if !ok {
		return
	}

	changed, err := h.svc.ClearMapping(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

// SetValue handles PUT /channels/{channel}/value
func (h *handler) SetValue(w http.ResponseWriter, r *http.Request) {
	id, ok := channelParam(w, r)
	if !ok {
		return
	}

	var req valueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	v, err := h.svc.SetVirtualValue(id, *req.Value)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Master handles GET /master
func (h *handler) Master(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.MasterVolume(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, masterResponse{Volume: v})
}

func channelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel must be an integer")
		return 0, false
	}
	return id, true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var (
		verr *mixer.ValidationError
		terr *transport.Error
	)
	switch {
	case errors.Is(err, mapping.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transport.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.As(err, &terr):
		return http.StatusBadGateway
	}
	// Store write failures and anything else.
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
