package alert

// Event topics published by the alert module. All carry *outbreak.Alert.
const (
	// TopicTriggered fires when a new alert is created.
	TopicTriggered = "alert.triggered"

	// TopicSeverityRaised fires when an evidence merge raises an existing
	// alert's severity tier.
	TopicSeverityRaised = "alert.severity.raised"

	// TopicStatusChanged fires on lifecycle transitions
	// (acknowledged, resolved).
	TopicStatusChanged = "alert.status.changed"
)
