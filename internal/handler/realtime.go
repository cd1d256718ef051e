package handler

import (
	"net/http"
	"time"

	"github.com/helplane/helplane/internal/middleware"
)

// RealtimeHandler mints short-lived credentials for agent console realtime
// subscriptions.
type RealtimeHandler struct {
	jwtSecret string
	ttl       time.Duration
}

// NewRealtimeHandler creates the realtime token handler.
func NewRealtimeHandler(jwtSecret string, ttl time.Duration) *RealtimeHandler {
	return &RealtimeHandler{jwtSecret: jwtSecret, ttl: ttl}
}

// Token handles POST /api/v1/realtime/token. The caller's tenant is carried
// into the minted token; the broadcast scope is all it grants.
func (h *RealtimeHandler) Token(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	userID := middleware.GetUserID(r.Context())

	token, err := middleware.MintToken(h.jwtSecret, userID, tenantID,
		[]string{"realtime"}, h.ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresIn": int(h.ttl.Seconds()),
	})
}
