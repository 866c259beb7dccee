package orchestrator

import "time"

// Event envelope types (spec §4.4): the four kinds of events the Event
// Stream Fabric relays to subscribed clients.
const (
	EventPipelineUpdate   = "pipeline_update"
	EventStageUpdate      = "stage_update"
	EventPipelineComplete = "pipeline_complete"
	EventPipelineError    = "pipeline_error"
)

// Event is the wire envelope emitted to the Event Stream Fabric (spec §4.4
// "{type, pipelineId, stage?, status?, message, timestamp, details?}").
type Event struct {
	Type       string                 `json:"type"`
	PipelineID string                 `json:"pipelineId"`
	Stage      string                 `json:"stage,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Message    string                 `json:"message"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// EventSink is the orchestrator's view of the Event Stream Fabric: a
// fire-and-forget publish, never allowed to block or fail orchestration.
type EventSink interface {
	Publish(buildID string, ev Event)
}

// NoOpEventSink discards every event; useful for tests and for running the
// orchestrator headless.
type NoOpEventSink struct{}

func (NoOpEventSink) Publish(string, Event) {}
