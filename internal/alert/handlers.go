package alert

import (
	"encoding/json"
	"errors"
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
		{Method: "GET", Path: "/alerts", Handler: m.handleListAlerts},
		{Method: "GET", Path: "/alerts/{id}", Handler: m.handleGetAlert},
		{Method: "POST", Path: "/alerts/{id}/acknowledge", Handler: m.handleAcknowledge},
		{Method: "POST", Path: "/alerts/{id}/resolve", Handler: m.handleResolve},
	}
}

// handleListAlerts returns alerts with optional filters.
//
//	@Summary		List alerts
//	@Description	Returns alerts newest first, optionally filtered by location, status, and severity.
//	@Tags			alert
//	@Produce		json
//	@Security		BearerAuth
//	@Param			location_id	query	string	false	"Location filter"
//	@Param			status		query	string	false	"Status filter"		Enums(active, acknowledged, resolved)
//	@Param			severity	query	string	false	"Severity filter"	Enums(low, medium, high, critical)
//	@Param			limit		query	int		false	"Maximum results"	default(100)
//	@Success		200			{array}	outbreak.Alert
//	@Router			/alert/alerts [get]
func (m *Module) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := m.store.List(r.Context(),
		q.Get("location_id"),
		outbreak.AlertStatus(q.Get("status")),
		outbreak.Severity(q.Get("severity")),
		parseLimit(r, 100),
	)
	if err != nil {
		m.logger.Error("list alerts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []outbreak.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleGetAlert returns one alert by ID.
//
//	@Summary		Get alert
//	@Tags			alert
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Alert ID"
//	@Success		200	{object}	outbreak.Alert
//	@Failure		404	{object}	map[string]any
//	@Router			/alert/alerts/{id} [get]
func (m *Module) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := m.store.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		m.logger.Error("get alert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get alert")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAcknowledge marks an alert acknowledged.
//
//	@Summary		Acknowledge alert
//	@Tags			alert
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Alert ID"
//	@Success		200	{object}	outbreak.Alert
//	@Failure		404	{object}	map[string]any
//	@Failure		409	{object}	map[string]any
//	@Router			/alert/alerts/{id}/acknowledge [post]
func (m *Module) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	m.transition(w, r, outbreak.StatusAcknowledged)
}

// handleResolve marks an alert resolved. Resolved is terminal.
//
//	@Summary		Resolve alert
//	@Tags			alert
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Alert ID"
//	@Success		200	{object}	outbreak.Alert
//	@Failure		404	{object}	map[string]any
//	@Failure		409	{object}	map[string]any
//	@Router			/alert/alerts/{id}/resolve [post]
func (m *Module) handleResolve(w http.ResponseWriter, r *http.Request) {
	m.transition(w, r, outbreak.StatusResolved)
}

func (m *Module) transition(w http.ResponseWriter, r *http.Request, status outbreak.AlertStatus) {
	a, err := m.manager.Transition(r.Context(), r.PathValue("id"), status)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if errors.Is(err, ErrInvalidTransition) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		m.logger.Error("alert transition failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
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
