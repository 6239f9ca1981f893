package session

// Wire protocol message types. The agent service speaks JSON-tagged messages
// over a persistent WebSocket; audio payloads are base64-encoded 16-bit
// little-endian PCM, mono, at the fixed 16 kHz wire rate.

// ── Outgoing ───────────────────────────────────────────────────────────────────

// conversationInitiation is the single handshake message sent immediately
// after the transport opens. The session stays in Handshaking until the peer
// acknowledges it with conversation_initiation_metadata.
type conversationInitiation struct {
	Type     string `json:"type"` // "conversation_initiation_client_data"
	Language string `json:"language,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// audioChunkMessage carries one outbound chunk of user audio.
type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"` // base64 PCM16
}

// pongMessage answers a server ping. EventID must echo the ping's event id —
// the peer treats a missing or mismatched pong as a dead connection.
type pongMessage struct {
	Type    string `json:"type"` // "pong"
	EventID int64  `json:"event_id"`
}

// ── Incoming ───────────────────────────────────────────────────────────────────

// serverMessage is the envelope for every inbound message, dispatched by Type.
// Unknown types are logged once and ignored so newer server versions remain
// compatible.
type serverMessage struct {
	Type string `json:"type"`

	PingEvent                           *pingEvent             `json:"ping_event,omitempty"`
	ConversationInitiationMetadataEvent *initiationMetadata    `json:"conversation_initiation_metadata_event,omitempty"`
	AudioEvent                          *audioEvent            `json:"audio_event,omitempty"`
	UserTranscriptionEvent              *userTranscriptEvent   `json:"user_transcript_event,omitempty"`
	AgentResponseEvent                  *agentResponseEvent    `json:"agent_response_event,omitempty"`
}

type pingEvent struct {
	EventID int64 `json:"event_id"`
}

type initiationMetadata struct {
	ConversationID string `json:"conversation_id"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
}

type userTranscriptEvent struct {
	Transcript string `json:"transcript"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// Inbound message type tags.
const (
	msgTypePing               = "ping"
	msgTypeInitiationMetadata = "conversation_initiation_metadata"
	msgTypeAudio              = "audio"
	msgTypeUserTranscript     = "user_transcript"
	msgTypeAgentResponse      = "agent_response"
)
