package pipeline

// EventType discriminates stream events.
type EventType string

const (
	// EventPhase announces a pipeline stage change.
	EventPhase EventType = "phase"
	// EventToken carries one generated token.
	EventToken EventType = "token"
	// EventCitations carries the final citation set, emitted before
	// generation starts.
	EventCitations EventType = "citations"
	// EventDone carries the final result and closes the stream.
	EventDone EventType = "done"
	// EventError carries a fatal error and closes the stream.
	EventError EventType = "error"
)

// Event is one item on an answer stream.
type Event struct {
	Type      EventType
	Phase     string
	Token     string
	Citations []Citation
	Result    *Result
	Err       error
}
