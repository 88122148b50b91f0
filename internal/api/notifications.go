package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/jukebox-core/internal/notification"
)

// handleListNotifications returns a page of notifications, newest first.
//
// Query parameters: type, device, limit (default 50, max 200), offset.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "notifications not configured")
		return
	}
	q := r.URL.Query()

	filter := notification.Filter{
		Type:        q.Get("type"),
		DeviceToken: q.Get("device"),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}

	result, err := s.notifications.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing notifications failed", "error", err)
		writeInternalError(w, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
