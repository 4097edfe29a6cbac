package triage

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/suppressions", Handler: m.handleListSuppressions},
		{Method: "GET", Path: "/deferred", Handler: m.handleListDeferred},
	}
}

// handleListSuppressions returns the suppression audit trail.
//
//	@Summary		List suppressions
//	@Description	Returns suppressed case audit records, newest first.
//	@Tags			triage
//	@Produce		json
//	@Security		BearerAuth
//	@Param			location_id	query	string	false	"Location filter"
//	@Param			limit		query	int		false	"Maximum results"	default(100)
//	@Success		200			{array}	triage.Suppression
//	@Router			/triage/suppressions [get]
func (m *Module) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	suppressions, err := m.store.ListSuppressions(r.Context(), r.URL.Query().Get("location_id"), parseLimit(r, 100))
	if err != nil {
		m.logger.Error("list suppressions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list suppressions")
		return
	}
	if suppressions == nil {
		suppressions = []Suppression{}
	}
	writeJSON(w, http.StatusOK, suppressions)
}

// handleListDeferred returns cases parked awaiting corroboration.
//
//	@Summary		List deferred cases
//	@Tags			triage
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}	outbreak.Case
//	@Router			/triage/deferred [get]
func (m *Module) handleListDeferred(w http.ResponseWriter, r *http.Request) {
	cases, err := m.store.ListDeferred(r.Context())
	if err != nil {
		m.logger.Error("list deferred failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list deferred cases")
		return
	}
	if cases == nil {
		cases = []outbreak.Case{}
	}
	writeJSON(w, http.StatusOK, cases)
}

// -- helpers --

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://epiwatch.dev/problems/" + strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "-")),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

func parseLimit(r *http.Request, defaultLimit int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultLimit
}
