package httpapi

import (
	"net/http"

	"github.com/davidkimai/godel-sub016/internal/auth"
)

// handleQuotaSnapshot reports current consumption for a user and for the
// team and organization bound to them. Callers may always read their own
// usage; reading another principal's requires the quotas scope.
func (s *Server) handleQuotaSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p.UserID != userID && !p.HasScope(auth.ScopeQuotasRead) {
		writeError(w, http.StatusForbidden, "missing scope "+auth.ScopeQuotasRead)
		return
	}
	usage := s.opts.Quotas.Snapshot(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"usage":  usage,
	})
}
