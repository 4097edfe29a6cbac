package notify

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/channels", Handler: m.handleListChannels},
		{Method: "POST", Path: "/channels", Handler: m.handleCreateChannel},
		{Method: "DELETE", Path: "/channels/{id}", Handler: m.handleDeleteChannel},
		{Method: "GET", Path: "/recipients", Handler: m.handleListRecipients},
		{Method: "POST", Path: "/recipients", Handler: m.handleCreateRecipient},
		{Method: "DELETE", Path: "/recipients/{id}", Handler: m.handleDeleteRecipient},
		{Method: "GET", Path: "/deliveries", Handler: m.handleListDeliveries},
	}
}

// CreateChannelRequest is the payload for registering a channel.
type CreateChannelRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "webhook", "email", "sms"
	Target      string `json:"target"`
	Secret      string `json:"secret,omitempty"`
	LocationID  string `json:"location_id,omitempty"`
	MinSeverity string `json:"min_severity,omitempty"`
}

// handleListChannels returns all channels. Secrets are never echoed.
//
//	@Summary		List channels
//	@Tags			notify
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}	notify.Channel
//	@Router			/notify/channels [get]
func (m *Module) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := m.store.ListChannels(r.Context())
	if err != nil {
		m.logger.Error("list channels failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	if channels == nil {
		channels = []Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

// handleCreateChannel registers a notification channel.
//
//	@Summary		Create channel
//	@Tags			notify
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body	CreateChannelRequest	true	"Channel definition"
//	@Success		201		{object}	notify.Channel
//	@Failure		400		{object}	map[string]any
//	@Router			/notify/channels [post]
func (m *Module) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch req.Type {
	case "webhook":
		if req.Target == "" {
			writeError(w, http.StatusBadRequest, "target is required for webhook channels")
			return
		}
	case "email", "sms":
		// Target optional: empty means fan out to registered recipients.
	default:
		writeError(w, http.StatusBadRequest, "type must be webhook, email, or sms")
		return
	}
	severity := outbreak.Severity(req.MinSeverity)
	if req.MinSeverity == "" {
		severity = outbreak.SeverityLow
	} else if outbreak.SeverityRank(severity) < 0 {
		writeError(w, http.StatusBadRequest, "min_severity must be low, medium, high, or critical")
		return
	}

	ch := &Channel{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Type:        req.Type,
		Target:      req.Target,
		Secret:      req.Secret,
		LocationID:  req.LocationID,
		MinSeverity: severity,
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateChannel(r.Context(), ch); err != nil {
		m.logger.Error("create channel failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create channel")
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

// handleDeleteChannel removes a channel.
//
//	@Summary		Delete channel
//	@Tags			notify
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Channel ID"
//	@Success		204
//	@Failure		404	{object}	map[string]any
//	@Router			/notify/channels/{id} [delete]
func (m *Module) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	existed, err := m.store.DeleteChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		m.logger.Error("delete channel failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete channel")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateRecipientRequest is the payload for registering a recipient.
type CreateRecipientRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	LocationID string `json:"location_id,omitempty"`
}

// handleListRecipients returns all recipients.
//
//	@Summary		List recipients
//	@Tags			notify
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}	notify.Recipient
//	@Router			/notify/recipients [get]
func (m *Module) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	recipients, err := m.store.ListRecipients(r.Context())
	if err != nil {
		m.logger.Error("list recipients failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list recipients")
		return
	}
	if recipients == nil {
		recipients = []Recipient{}
	}
	writeJSON(w, http.StatusOK, recipients)
}

// handleCreateRecipient registers a recipient for email/SMS fan-out.
//
//	@Summary		Create recipient
//	@Tags			notify
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body	CreateRecipientRequest	true	"Recipient definition"
//	@Success		201		{object}	notify.Recipient
//	@Failure		400		{object}	map[string]any
//	@Router			/notify/recipients [post]
func (m *Module) handleCreateRecipient(w http.ResponseWriter, r *http.Request) {
	var req CreateRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Email == "" && req.Phone == "" {
		writeError(w, http.StatusBadRequest, "at least one of email or phone is required")
		return
	}

	rc := &Recipient{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		LocationID: req.LocationID,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateRecipient(r.Context(), rc); err != nil {
		m.logger.Error("create recipient failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create recipient")
		return
	}
	writeJSON(w, http.StatusCreated, rc)
}

// handleDeleteRecipient removes a recipient.
//
//	@Summary		Delete recipient
//	@Tags			notify
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path	string	true	"Recipient ID"
//	@Success		204
//	@Failure		404	{object}	map[string]any
//	@Router			/notify/recipients/{id} [delete]
func (m *Module) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	existed, err := m.store.DeleteRecipient(r.Context(), r.PathValue("id"))
	if err != nil {
		m.logger.Error("delete recipient failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete recipient")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "recipient not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListDeliveries returns the delivery audit trail.
//
//	@Summary		List deliveries
//	@Tags			notify
//	@Produce		json
//	@Security		BearerAuth
//	@Param			alert_id	query	string	false	"Alert filter"
//	@Param			limit		query	int		false	"Maximum results"	default(100)
//	@Success		200			{array}	notify.Delivery
//	@Router			/notify/deliveries [get]
func (m *Module) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := m.store.ListDeliveries(r.Context(), r.URL.Query().Get("alert_id"), parseLimit(r, 100))
	if err != nil {
		m.logger.Error("list deliveries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
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
