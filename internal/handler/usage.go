package handler

import (
	"net/http"
	"regexp"

	"github.com/helplane/helplane/internal/middleware"
	"github.com/helplane/helplane/internal/usage"
)

var monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// UsageHandler serves per-tenant consumption counters.
type UsageHandler struct {
	tracker *usage.Tracker
}

// NewUsageHandler creates the usage handler.
func NewUsageHandler(tracker *usage.Tracker) *UsageHandler {
	return &UsageHandler{tracker: tracker}
}

// Get handles GET /api/v1/usage?month=YYYY-MM. Without a month it reports the
// month in progress.
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	month := r.URL.Query().Get("month")
	var (
		m   *usage.Month
		err error
	)
	if month == "" {
		m, err = h.tracker.CurrentMonth(r.Context(), tenantID)
	} else {
		if !monthPattern.MatchString(month) {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM")
			return
		}
		m, err = h.tracker.Month(r.Context(), tenantID, month)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "usage temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, m)
}
