package detect

// Event topics published by the detect module.
const (
	// TopicRunStarted carries *outbreak.RunStatus when a detection run begins.
	TopicRunStarted = "detect.run.started"

	// TopicRunCompleted carries *outbreak.RunStatus when a run finishes,
	// successfully or not.
	TopicRunCompleted = "detect.run.completed"

	// TopicAnomalyDetected carries *outbreak.FusionResult for every cell
	// whose composite score crosses the anomaly threshold.
	TopicAnomalyDetected = "detect.anomaly.detected"
)
