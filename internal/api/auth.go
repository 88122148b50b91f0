package api

import (
	"net/http"

	"github.com/nerrad567/jukebox-core/internal/auth"
)

// handleAuthMe returns the caller's identity and what their role allows.
func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	perms := auth.PermissionsForRole(claims.Role)
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, string(p))
	}

	resp := map[string]any{
		"subject":     claims.Subject,
		"role":        claims.Role,
		"permissions": names,
	}
	if claims.ExpiresAt != nil {
		resp["expires_at"] = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, resp)
}
