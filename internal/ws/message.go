package ws

import (
	"time"

	"github.com/epiwatch/epiwatch/pkg/outbreak"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageRunStarted      MessageType = "run.started"
	MessageRunCompleted    MessageType = "run.completed"
	MessageAnomalyDetected MessageType = "anomaly.detected"
	MessageAlertTriggered  MessageType = "alert.triggered"
	MessageSeverityRaised  MessageType = "alert.severity_raised"
	MessageStatusChanged   MessageType = "alert.status_changed"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// RunData is the payload for run.started and run.completed messages.
type RunData struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	CellsScored int    `json:"cells_scored,omitempty"`
	Escalated   int    `json:"escalated,omitempty"`
	Suppressed  int    `json:"suppressed,omitempty"`
	Deferred    int    `json:"deferred,omitempty"`
}

// AnomalyData is the payload for anomaly.detected messages.
type AnomalyData struct {
	LocationID string            `json:"location_id"`
	Day        string            `json:"day"`
	Score      float64           `json:"score"`
	Confidence float64           `json:"confidence"`
	Severity   outbreak.Severity `json:"severity"`
}

// AlertData is the payload for alert.* messages.
type AlertData struct {
	AlertID    string               `json:"alert_id"`
	LocationID string               `json:"location_id"`
	Severity   outbreak.Severity    `json:"severity"`
	Status     outbreak.AlertStatus `json:"status"`
	Score      float64              `json:"score"`
	Confidence float64              `json:"confidence"`
}
