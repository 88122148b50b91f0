package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/jukebox-core/internal/content"
	"github.com/nerrad567/jukebox-core/internal/deletion"
)

// handleDeleteEntity runs the three-phase delete of one entity across the
// devices that hold it and returns the per-phase report.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if s.deletion == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "deletes not configured")
		return
	}
	entityType := chi.URLParam(r, "type")
	entityID := chi.URLParam(r, "id")

	report, err := s.deletion.Delete(r.Context(), entityType, entityID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, deletion.ErrUnknownEntityType):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "unknown entity type "+entityType)
	case errors.Is(err, content.ErrNotFound):
		writeNotFound(w, entityType+" not found")
	case report != nil:
		s.logger.Error("entity delete failed", "entity_type", entityType, "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":  http.StatusInternalServerError,
			"code":    "delete_failed",
			"message": err.Error(),
			"report":  report,
		})
	default:
		s.logger.Error("entity delete failed", "entity_type", entityType, "entity_id", entityID, "error", err)
		writeInternalError(w, "failed to delete entity")
	}
}
