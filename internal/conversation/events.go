package conversation

import "github.com/voicewire/voicewire/pkg/session"

// EventType classifies the events an [Orchestrator] emits to its consumer.
type EventType int

const (
	// Started fires once the conversation is fully up: greeting played,
	// session active, capture running.
	Started EventType = iota

	// Ended fires after teardown completes, on every end path. Event.Err is
	// set when the conversation ended because of an error.
	Ended

	// TranscriptReceived carries the recognised text of user speech.
	TranscriptReceived

	// AgentTextReceived carries the agent's reply text.
	AgentTextReceived

	// AgentAudioReceived carries a raw agent audio payload the pipeline
	// cannot play itself (an MP3 webhook reply); the collaborator owns
	// decoding it.
	AgentAudioReceived

	// StatusChanged mirrors session connection-state transitions.
	StatusChanged

	// ErrorOccurred reports a recoverable or terminal error. Terminal errors
	// are followed by an Ended event.
	ErrorOccurred
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case Started:
		return "started"
	case Ended:
		return "ended"
	case TranscriptReceived:
		return "transcript"
	case AgentTextReceived:
		return "agent_text"
	case AgentAudioReceived:
		return "agent_audio"
	case StatusChanged:
		return "status"
	case ErrorOccurred:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the tagged union delivered on [Orchestrator.Events]. Exactly the
// fields relevant to Type are set.
type Event struct {
	Type           EventType
	Text           string
	Audio          []byte
	State          session.State
	ConversationID string
	Err            error
}
