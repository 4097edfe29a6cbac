package ingest

// Event topics published by the ingest module.
const (
	// TopicCellsIngested carries []outbreak.MetricCell after a successful batch.
	TopicCellsIngested = "ingest.cells.ingested"
)
