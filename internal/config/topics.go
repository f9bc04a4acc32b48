package config

const (
	// TopicRunDispatch carries finalize and reindex events from the API to
	// the pipeline orchestrator consumer.
	TopicRunDispatch = "run.dispatch"

	// TopicRunResult carries terminal run notifications for observers.
	TopicRunResult = "run.result"
)
