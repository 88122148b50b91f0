package api

import (
	"net/http"
)

// handleEmergencyStatus returns the current override state.
func (s *Server) handleEmergencyStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.emergency.Status())
}

// handleEmergencyActivate stops every device. Repeating it while active
// re-sends the stop to every connected device.
func (s *Server) handleEmergencyActivate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	s.logger.Warn("emergency activation requested", "subject", claims.Subject)

	report, err := s.emergency.Activate(r.Context())
	if err != nil {
		s.logger.Error("emergency activation failed", "error", err)
		writeInternalError(w, "failed to activate emergency")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEmergencyDeactivate clears the override and resets stopped devices.
func (s *Server) handleEmergencyDeactivate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	s.logger.Info("emergency deactivation requested", "subject", claims.Subject)

	report, err := s.emergency.Deactivate(r.Context())
	if err != nil {
		s.logger.Error("emergency deactivation failed", "error", err)
		writeInternalError(w, "failed to deactivate emergency")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
