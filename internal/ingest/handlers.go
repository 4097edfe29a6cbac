package ingest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"go.uber.org/zap"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/cells", Handler: m.handleIngestCells},
		{Method: "GET", Path: "/cells", Handler: m.handleListCells},
		{Method: "GET", Path: "/cells/{location_id}/{day}", Handler: m.handleGetCell},
	}
}

// handleIngestCells accepts a batch of metric cells.
//
//	@Summary		Ingest cells
//	@Description	Validates and stores a batch of (location, day) metric cells.
//	@Tags			ingest
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body	[]outbreak.MetricCell	true	"Cell batch"
//	@Success		202		{object}	map[string]int
//	@Failure		400		{object}	map[string]any
//	@Router			/ingest/cells [post]
func (m *Module) handleIngestCells(w http.ResponseWriter, r *http.Request) {
	var cells []outbreak.MetricCell
	if err := json.NewDecoder(r.Body).Decode(&cells); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := m.IngestCells(r.Context(), cells); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(cells)})
}

// handleListCells returns cells filtered by location and day range.
//
//	@Summary		List cells
//	@Description	Returns stored cells, optionally filtered by location and day range.
//	@Tags			ingest
//	@Produce		json
//	@Security		BearerAuth
//	@Param			location_id	query	string	false	"Location filter"
//	@Param			from		query	string	false	"Start day (YYYY-MM-DD)"
//	@Param			to			query	string	false	"End day (YYYY-MM-DD)"
//	@Param			limit		query	int		false	"Maximum results"	default(100)
//	@Success		200			{array}	outbreak.MetricCell
//	@Router			/ingest/cells [get]
func (m *Module) handleListCells(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("location_id")

	from := time.Time{}
	to := time.Now().UTC()
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
		to = t
	}

	cells, err := m.store.ListCells(r.Context(), locationID, from, to, parseLimit(r, 100))
	if err != nil {
		m.logger.Error("list cells failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cells")
		return
	}
	if cells == nil {
		cells = []outbreak.MetricCell{}
	}
	writeJSON(w, http.StatusOK, cells)
}

// handleGetCell returns a single cell by location and day.
//
//	@Summary		Get cell
//	@Description	Returns the cell for a specific location and day.
//	@Tags			ingest
//	@Produce		json
//	@Security		BearerAuth
//	@Param			location_id	path	string	true	"Location ID"
//	@Param			day			path	string	true	"Day (YYYY-MM-DD)"
//	@Success		200			{object}	outbreak.MetricCell
//	@Failure		404			{object}	map[string]any
//	@Router			/ingest/cells/{location_id}/{day} [get]
func (m *Module) handleGetCell(w http.ResponseWriter, r *http.Request) {
	locationID := r.PathValue("location_id")
	day, err := time.Parse("2006-01-02", r.PathValue("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	cell, err := m.store.GetCell(r.Context(), locationID, day.UTC())
	if err != nil {
		m.logger.Error("get cell failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get cell")
		return
	}
	if cell == nil {
		writeError(w, http.StatusNotFound, "cell not found")
		return
	}
	writeJSON(w, http.StatusOK, cell)
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
