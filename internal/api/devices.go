package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/jukebox-core/internal/content"
	"github.com/nerrad567/jukebox-core/internal/device"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// deviceView is a device record plus its live bus state.
type deviceView struct {
	device.State
	Connected bool `json:"connected"`
}

func (s *Server) view(st device.State) deviceView {
	return deviceView{State: st, Connected: s.bus.IsConnected(st.Token)}
}

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - online: "true" or "false"
//   - status: effective playlist status (playing, paused, stopped, idle)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var online *bool
	if v := r.URL.Query().Get("online"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "online must be true or false")
			return
		}
		online = &b
	}
	status := r.URL.Query().Get("status")

	states, err := s.registry.ListDevices(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}

	devices := make([]deviceView, 0, len(states))
	for _, st := range states {
		if online != nil && st.IsOnline != *online {
			continue
		}
		if status != "" && st.PlaylistStatus != status {
			continue
		}
		devices = append(devices, s.view(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by token.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	st, err := s.registry.GetDevice(r.Context(), token)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, s.view(*st))
}

// handleDeviceHistory returns recent playback records for a device.
// The optional limit query parameter is clamped by the repository.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.playback == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "playback history not configured")
		return
	}
	token := chi.URLParam(r, "token")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.playback.History(r.Context(), token, limit)
	if err != nil {
		writeInternalError(w, "failed to load playback history")
		return
	}
	if records == nil {
		records = []device.PlaybackRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"history": records,
		"count":   len(records),
	})
}

// handleDeviceStats returns fleet counters.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	connected, _ := s.bus.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     s.registry.GetStats(),
		"connected": connected,
	})
}

// commandRequest is the body of POST /devices/{token}/command.
type commandRequest struct {
	Command        string         `json:"command"`
	Volume         *int           `json:"volume,omitempty"`
	ResumePlayback bool           `json:"resumePlayback,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
}

// handleDeviceCommand unicasts a command to one connected device.
//
// Emergency commands are reserved for the emergency endpoints, and
// commands that would start audio are refused while an emergency is active.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	switch req.Command {
	case "":
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	case protocol.CommandEmergencyStop, protocol.CommandEmergencyReset:
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "use /api/v1/emergency to control the emergency override")
		return
	case protocol.CommandVolume:
		if req.Volume == nil || *req.Volume < 0 || *req.Volume > 100 {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "volume must be between 0 and 100")
			return
		}
		if s.emergency.IsActive() {
			writeError(w, http.StatusConflict, ErrCodeEmergencyActive, "volume changes are blocked during an emergency")
			return
		}
	case protocol.CommandPlay:
		if s.emergency.IsActive() {
			writeError(w, http.StatusConflict, ErrCodeEmergencyActive, "playback is blocked during an emergency")
			return
		}
	}

	if _, err := s.registry.GetDevice(r.Context(), token); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	cmd := protocol.Command{
		Command:        req.Command,
		Volume:         req.Volume,
		ResumePlayback: req.ResumePlayback,
		Reason:         req.Reason,
		Args:           req.Args,
	}
	if !s.bus.SendToDevice(token, cmd) {
		writeError(w, http.StatusConflict, ErrCodeNotConnected, "device is not connected")
		return
	}

	s.logger.Info("device command sent", "device_token", token, "command", req.Command)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"command":   req.Command,
		"token":     token,
		"delivered": true,
	})
}

// offerRequest is the body of POST /devices/{token}/content.
type offerRequest struct {
	ContentID string `json:"contentId"`
}

// handleOfferContent assigns a catalogue item to a device and sends the
// offer. An undelivered offer is still assigned; the device collects it
// with getDownloadState on its next connection.
func (s *Server) handleOfferContent(w http.ResponseWriter, r *http.Request) {
	if s.content == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "content catalogue not configured")
		return
	}
	token := chi.URLParam(r, "token")

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ContentID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "contentId is required")
		return
	}

	if _, err := s.registry.GetDevice(r.Context(), token); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	offer, err := s.content.Offer(r.Context(), token, req.ContentID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"offer": offer, "delivered": true})
	case errors.Is(err, content.ErrNotDelivered):
		writeJSON(w, http.StatusAccepted, map[string]any{"offer": offer, "delivered": false})
	case errors.Is(err, content.ErrNotFound):
		writeNotFound(w, "content not found")
	default:
		s.logger.Error("content offer failed", "device_token", token, "content_id", req.ContentID, "error", err)
		writeInternalError(w, "failed to offer content")
	}
}

// handleListConnections returns the live bus connections.
func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.bus.Connections()
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns, "count": len(conns)})
}
