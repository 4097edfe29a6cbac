package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/epiwatch/epiwatch/internal/alert"
	"github.com/epiwatch/epiwatch/internal/auth"
	"github.com/epiwatch/epiwatch/internal/detect"
	"github.com/epiwatch/epiwatch/pkg/outbreak"
	"github.com/epiwatch/epiwatch/pkg/plugin"
	"go.uber.org/zap"
)

// Handler provides the WebSocket endpoint for real-time pipeline updates.
type Handler struct {
	hub    *Hub
	tokens *auth.TokenService
	bus    plugin.EventBus
	logger *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler and subscribes to pipeline events.
func NewHandler(tokens *auth.TokenService, bus plugin.EventBus, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		tokens: tokens,
		bus:    bus,
		logger: logger,
	}
	h.subscribeToEvents()
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws", h.handleEventStream)
}

// handleEventStream upgrades the connection to WebSocket and streams
// run, anomaly, and alert events.
func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Validate JWT from query parameter (browser WS API doesn't support headers).
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token parameter", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	// Accept WebSocket upgrade.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Allow any origin since we validate via JWT token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		userID: claims.UserID,
		send:   make(chan Message, 256),
		logger: h.logger,
	}

	h.hub.Register(client)

	// Run read and write pumps. When either exits, clean up.
	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until client disconnects.
	client.readPump(ctx)

	// Client disconnected -- stop write pump and unregister.
	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// subscribeToEvents forwards detection-run and alert events to all
// connected WebSocket clients.
func (h *Handler) subscribeToEvents() {
	if h.bus == nil {
		return
	}

	h.bus.Subscribe(detect.TopicRunStarted, func(_ context.Context, event plugin.Event) {
		run, ok := event.Payload.(*outbreak.RunStatus)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageRunStarted,
			Timestamp: event.Timestamp,
			Data: RunData{
				RunID:  run.ID,
				Status: "running",
			},
		})
	})

	h.bus.Subscribe(detect.TopicRunCompleted, func(_ context.Context, event plugin.Event) {
		run, ok := event.Payload.(*outbreak.RunStatus)
		if !ok {
			return
		}
		status := "succeeded"
		if !run.Success {
			status = "failed"
		}
		h.hub.Broadcast(Message{
			Type:      MessageRunCompleted,
			Timestamp: event.Timestamp,
			Data: RunData{
				RunID:       run.ID,
				Status:      status,
				CellsScored: run.CellsScored,
				Escalated:   run.CasesEscalated,
				Suppressed:  run.CasesSuppressed,
				Deferred:    run.CasesDeferred,
			},
		})
	})

	h.bus.Subscribe(detect.TopicAnomalyDetected, func(_ context.Context, event plugin.Event) {
		fusion, ok := event.Payload.(*outbreak.FusionResult)
		if !ok {
			return
		}
		h.hub.Broadcast(Message{
			Type:      MessageAnomalyDetected,
			Timestamp: event.Timestamp,
			Data: AnomalyData{
				LocationID: fusion.LocationID,
				Day:        fusion.Day.Format("2006-01-02"),
				Score:      fusion.CompositeScore,
				Confidence: fusion.Confidence,
			},
		})
	})

	forwardAlert := func(msgType MessageType) plugin.EventHandler {
		return func(_ context.Context, event plugin.Event) {
			a, ok := event.Payload.(*outbreak.Alert)
			if !ok {
				return
			}
			h.hub.Broadcast(Message{
				Type:      msgType,
				Timestamp: event.Timestamp,
				Data: AlertData{
					AlertID:    a.ID,
					LocationID: a.LocationID,
					Severity:   a.Severity,
					Status:     a.Status,
					Score:      a.AnomalyScore,
					Confidence: a.Confidence,
				},
			})
		}
	}

	h.bus.Subscribe(alert.TopicTriggered, forwardAlert(MessageAlertTriggered))
	h.bus.Subscribe(alert.TopicSeverityRaised, forwardAlert(MessageSeverityRaised))
	h.bus.Subscribe(alert.TopicStatusChanged, forwardAlert(MessageStatusChanged))

	h.logger.Info("subscribed to pipeline events for WebSocket broadcasting")
}
