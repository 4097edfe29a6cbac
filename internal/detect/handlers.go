package detect

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
		{Method: "POST", Path: "/run", Handler: m.handleTriggerRun},
		{Method: "GET", Path: "/runs", Handler: m.handleListRuns},
		{Method: "GET", Path: "/runs/{id}", Handler: m.handleGetRun},
		{Method: "GET", Path: "/results", Handler: m.handleListResults},
		{Method: "GET", Path: "/results/{id}", Handler: m.handleGetResult},
	}
}

// handleTriggerRun starts a manual detection run.
//
//	@Summary		Trigger run
//	@Description	Starts a detection run over all pending cells. Runs never overlap; a 409 means one is already executing.
//	@Tags			detect
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	outbreak.RunStatus
//	@Failure		409	{object}	map[string]any
//	@Router			/detect/run [post]
func (m *Module) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := m.runner.RunOnce(r.Context(), "manual")
	if errors.Is(err, ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if run == nil {
		m.logger.Error("manual run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "detection run failed")
		return
	}
	// A failed run still reports partial progress.
	writeJSON(w, http.StatusOK, run)
}

// handleListRuns returns recent detection runs.
//
//	@Summary		List runs
//	@Description	Returns recent detection runs, newest first.
//	@Tags			detect
//	@Produce		json
//	@Security		BearerAuth
//	@Param			limit	query	int	false	"Maximum results"	default(20)
//	@Success		200		{array}	outbreak.RunStatus
//	@Router			/detect/runs [get]
func (m *Module) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := m.store.ListRuns(r.Context(), parseLimit(r, 20))
	if err != nil {
		m.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []outbreak.RunStatus{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns one run by ID.
//
//	@Summary		Get run
//	@Tags			detect
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Run ID"
//	@Success		200	{object}	outbreak.RunStatus
//	@Failure		404	{object}	map[string]any
//	@Router			/detect/runs/{id} [get]
func (m *Module) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := m.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		m.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleListResults returns fusion results.
//
//	@Summary		List results
//	@Description	Returns fusion results, newest first, optionally filtered by location and minimum composite score.
//	@Tags			detect
//	@Produce		json
//	@Security		BearerAuth
//	@Param			location_id	query	string	false	"Location filter"
//	@Param			min_score	query	number	false	"Minimum composite score"	default(0)
//	@Param			limit		query	int		false	"Maximum results"			default(100)
//	@Success		200			{array}	outbreak.FusionResult
//	@Router			/detect/results [get]
func (m *Module) handleListResults(w http.ResponseWriter, r *http.Request) {
	minScore := 0.0
	if s := r.URL.Query().Get("min_score"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 || v > 1 {
			writeError(w, http.StatusBadRequest, "min_score must be in [0,1]")
			return
		}
		minScore = v
	}

	results, err := m.store.ListResults(r.Context(), r.URL.Query().Get("location_id"), minScore, parseLimit(r, 100))
	if err != nil {
		m.logger.Error("list results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []outbreak.FusionResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// handleGetResult returns one fusion result by ID.
//
//	@Summary		Get result
//	@Tags			detect
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Result ID"
//	@Success		200	{object}	outbreak.FusionResult
//	@Failure		404	{object}	map[string]any
//	@Router			/detect/results/{id} [get]
func (m *Module) handleGetResult(w http.ResponseWriter, r *http.Request) {
	result, err := m.store.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		m.logger.Error("get result failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
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
