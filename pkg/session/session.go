// Package session implements the persistent-connection protocol for a
// real-time conversational-AI agent service.
//
// A [Session] drives the state machine
//
//	Disconnected → Connecting → Handshaking → Active → Closing → Disconnected
//
// over a WebSocket transport: it sends the conversation-initiation message,
// waits for the acknowledgment carrying the conversation id, answers pings,
// forwards inbound audio and transcripts, and reconnects with a bounded
// number of fixed-delay attempts when the transport drops unexpectedly.
//
// All socket writes — audio chunks from the capture path and pong replies
// from the receive loop alike — are serialized through a single writer
// goroutine so partial frames can never interleave on the wire.
//
// A Session is safe for concurrent use.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// State identifies the connection lifecycle phase.
type State int

const (
	// Disconnected means no transport is open.
	Disconnected State = iota

	// Connecting means the transport dial is in flight.
	Connecting

	// Handshaking means the transport is open and the initiation message has
	// been sent, but the peer has not yet acknowledged it. No audio may be
	// sent in this state.
	Handshaking

	// Active means the handshake completed and audio may flow both ways.
	Active

	// Closing means a local Disconnect is tearing the session down.
	Closing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Handshaking:
		return "HANDSHAKING"
	case Active:
		return "ACTIVE"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// EventType classifies the events a Session emits to its consumer.
type EventType int

const (
	// StatusChanged reports a state transition; Event.State carries the new
	// state and, once handshaken, Event.ConversationID the session id.
	StatusChanged EventType = iota

	// TranscriptReceived carries the recognised text of user speech.
	TranscriptReceived

	// AgentResponseReceived carries the agent's reply text.
	AgentResponseReceived

	// DisconnectedUnexpectedly reports a transport drop not caused by a
	// local Disconnect call. Reconnection is already scheduled when this
	// event fires.
	DisconnectedUnexpectedly

	// TerminalError reports an unrecoverable failure (e.g. reconnect
	// attempts exhausted). The session is Disconnected and will not recover.
	TerminalError
)

// Event is the tagged union delivered on [Session.Events]. Exactly one of
// the payload fields is meaningful per Type.
type Event struct {
	Type           EventType
	State          State
	ConversationID string
	Text           string
	Err            error
}

// Config holds the session parameters.
type Config struct {
	// URL is the WebSocket endpoint of the agent service.
	URL string

	// Language and UserID are carried in the initiation message.
	Language string
	UserID   string

	// ConnectTimeout bounds the transport dial. Default 10 s.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the wait for the initiation acknowledgment.
	// Default 10 s.
	HandshakeTimeout time.Duration

	// ReconnectDelay is the fixed delay between reconnection attempts.
	// Default 2 s.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds automatic reconnection after an unexpected
	// disconnect. Default 5.
	MaxReconnectAttempts int

	// SendQueueSize is the depth of the outbound write queue. Default 64.
	SendQueueSize int

	// AudioBufferSize is the depth of the inbound audio channel. Default 64.
	AudioBufferSize int

	// EventBufferSize is the depth of the event channel. Default 64.
	EventBufferSize int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 64
	}
	if c.AudioBufferSize == 0 {
		c.AudioBufferSize = 64
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 64
	}
}

// Session is the streaming-session protocol driver. Create one per
// conversation with [New]; it is not reusable after Disconnect.
type Session struct {
	cfg Config

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	conversationID string
	attempts       int
	closed         bool

	micActive  atomic.Bool
	localClose atomic.Bool

	sendCh  chan []byte
	audioCh chan []byte
	eventCh chan Event

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	warnedUnknownType sync.Once
	warnedSendDrop    sync.Once
}

// New creates a Session with the given configuration. The session does not
// touch the network until [Session.Connect].
func New(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:     cfg,
		sendCh:  make(chan []byte, cfg.SendQueueSize),
		audioCh: make(chan []byte, cfg.AudioBufferSize),
		eventCh: make(chan Event, cfg.EventBufferSize),
		done:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the identifier assigned by the peer during the
// handshake, or "" before the first handshake completes.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Audio returns the channel delivering inbound agent audio as raw PCM16
// bytes at the wire rate. The channel is closed by Disconnect.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Events returns the single-consumer event channel. Events are dropped (with
// a log warning) rather than blocking the network goroutines when the
// consumer falls behind. The channel is closed by Disconnect.
func (s *Session) Events() <-chan Event { return s.eventCh }

// Connect opens the transport, performs the initiation handshake, and moves
// the session to Active. On failure the session returns to Disconnected and
// the error is also surfaced as a connection-error event. ctx bounds only
// the connection attempt; the session then lives until Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Disconnected {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		s.mu.Lock()
		s.setStateLocked(Disconnected)
		s.mu.Unlock()
		return err
	}
	return nil
}

// connect dials, handshakes, and on success installs the new connection and
// its writer/receiver goroutines. Used by both Connect and the reconnect loop.
func (s *Session) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: dial: %v", ErrConnectionTimeout, err)
		}
		return fmt.Errorf("session: dial: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "conversation ended")
		return ErrClosed
	}
	s.setStateLocked(Handshaking)
	s.mu.Unlock()

	conversationID, err := s.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	// Disconnect may have run while the handshake was in flight. The fresh
	// connection must not be installed then: nothing would ever close it or
	// cancel its loops, since closeOnce is already consumed.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "conversation ended")
		return ErrClosed
	}
	s.conn = conn
	s.connCancel = connCancel
	s.conversationID = conversationID
	s.attempts = 0
	s.setStateLocked(Active)
	s.wg.Add(2)
	s.mu.Unlock()

	go s.writeLoop(connCtx, conn)
	go s.receiveLoop(connCtx, connCancel, conn)

	return nil
}

// handshake sends the initiation message and waits for the acknowledgment
// carrying the conversation id. Messages of other types arriving before the
// acknowledgment are ignored; until Active, no audio is sent.
func (s *Session) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	init := conversationInitiation{
		Type:     "conversation_initiation_client_data",
		Language: s.cfg.Language,
		UserID:   s.cfg.UserID,
	}
	data, err := json.Marshal(init)
	if err != nil {
		return "", fmt.Errorf("session: marshal initiation: %w", err)
	}
	if err := conn.Write(hsCtx, websocket.MessageText, data); err != nil {
		return "", fmt.Errorf("session: send initiation: %w", err)
	}

	for {
		_, payload, err := conn.Read(hsCtx)
		if err != nil {
			if hsCtx.Err() != nil {
				return "", fmt.Errorf("%w: handshake: %v", ErrConnectionTimeout, err)
			}
			return "", fmt.Errorf("session: handshake read: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return "", fmt.Errorf("%w: handshake: %v", ErrProtocol, err)
		}
		if msg.Type != msgTypeInitiationMetadata {
			slog.Debug("ignoring pre-handshake message", "type", msg.Type)
			continue
		}
		if msg.ConversationInitiationMetadataEvent == nil ||
			msg.ConversationInitiationMetadataEvent.ConversationID == "" {
			return "", fmt.Errorf("%w: initiation metadata without conversation id", ErrProtocol)
		}
		return msg.ConversationInitiationMetadataEvent.ConversationID, nil
	}
}

// SendAudio enqueues one chunk of PCM16 user audio for transmission. It
// returns ErrNotActive unless the handshake has completed. The chunk is
// dropped (with a one-time warning) if the outbound queue is full — the
// capture path must never block on the network.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != Active {
		return ErrNotActive
	}

	msg := audioChunkMessage{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal audio chunk: %w", err)
	}
	s.enqueue(data)
	return nil
}

// SetMicActive raises or lowers the barge-in gate. While the gate is raised,
// newly arriving inbound audio chunks are dropped instead of buffered so the
// user does not hear the agent continue over their interruption.
func (s *Session) SetMicActive(active bool) {
	s.micActive.Store(active)
}

// MicActive reports whether the barge-in gate is currently raised.
func (s *Session) MicActive() bool { return s.micActive.Load() }

// enqueue hands a marshaled frame to the writer goroutine without blocking.
func (s *Session) enqueue(data []byte) {
	select {
	case s.sendCh <- data:
	case <-s.done:
	default:
		s.warnedSendDrop.Do(func() {
			slog.Warn("session: outbound queue full, dropping frames")
		})
	}
}

// writeLoop is the single writer: every socket write for this connection
// passes through it, so a partial frame can never interleave with another.
func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.sendCh:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					slog.Debug("session write failed", "err", err)
				}
				return
			}
		}
	}
}

// receiveLoop reads and dispatches inbound messages until the connection
// dies. On an unexpected close it schedules reconnection.
func (s *Session) receiveLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer s.wg.Done()
	defer cancel()

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || s.localClose.Load() {
				return
			}
			s.handleUnexpectedClose(err)
			return
		}
		s.dispatch(payload)
	}
}

// dispatch routes one inbound message by its type tag. A single malformed
// message is logged and skipped without tearing down the session.
func (s *Session) dispatch(payload []byte) {
	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("session: skipping unparseable message", "err", err)
		return
	}

	switch msg.Type {
	case msgTypePing:
		if msg.PingEvent == nil {
			return
		}
		// Liveness contract: the pong must echo the ping's event id.
		data, err := json.Marshal(pongMessage{Type: "pong", EventID: msg.PingEvent.EventID})
		if err != nil {
			return
		}
		s.enqueue(data)

	case msgTypeAudio:
		if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
			return
		}
		if s.micActive.Load() {
			// Barge-in: drop rather than buffer so no stale agent speech
			// plays after the user finishes interrupting.
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil || len(pcm) == 0 {
			slog.Warn("session: skipping undecodable audio chunk", "err", err)
			return
		}
		select {
		case s.audioCh <- pcm:
		case <-s.done:
		}

	case msgTypeUserTranscript:
		if msg.UserTranscriptionEvent == nil {
			return
		}
		s.emit(Event{Type: TranscriptReceived, Text: msg.UserTranscriptionEvent.Transcript})

	case msgTypeAgentResponse:
		if msg.AgentResponseEvent == nil {
			return
		}
		s.emit(Event{Type: AgentResponseReceived, Text: msg.AgentResponseEvent.AgentResponse})

	case msgTypeInitiationMetadata:
		// Already handshaken; a duplicate is harmless.

	default:
		s.warnedUnknownType.Do(func() {
			slog.Warn("session: ignoring unrecognized message type", "type", msg.Type)
		})
	}
}

// handleUnexpectedClose transitions to Disconnected and starts the bounded
// reconnect loop.
func (s *Session) handleUnexpectedClose(cause error) {
	s.mu.Lock()
	s.conn = nil
	s.connCancel = nil
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	s.emit(Event{Type: DisconnectedUnexpectedly, Err: cause})

	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries the connection a bounded number of times with a
// fixed delay. The attempt counter survives across loop invocations within
// one outage (it is reset only by a successful handshake), so repeated
// flapping cannot retry forever.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.cfg.MaxReconnectAttempts {
			s.emit(Event{Type: TerminalError, Err: ErrReconnectExhausted})
			return
		}

		select {
		case <-s.done:
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}

		slog.Info("session: reconnecting",
			"attempt", attempt,
			"max_attempts", s.cfg.MaxReconnectAttempts,
		)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(Connecting)
		s.mu.Unlock()

		if err := s.connect(context.Background()); err != nil {
			slog.Warn("session: reconnect attempt failed", "attempt", attempt, "err", err)
			s.mu.Lock()
			s.setStateLocked(Disconnected)
			s.mu.Unlock()
			continue
		}

		slog.Info("session: reconnected", "attempt", attempt)
		return
	}
}

// Disconnect closes the transport and permanently shuts the session down.
// It is idempotent and safe to call concurrently with an in-flight Connect
// or receive loop; in-flight operations observe the close and unwind.
func (s *Session) Disconnect() error {
	s.closeOnce.Do(func() {
		s.localClose.Store(true)

		s.mu.Lock()
		s.closed = true
		if s.state != Disconnected {
			s.setStateLocked(Closing)
		}
		conn := s.conn
		cancel := s.connCancel
		s.conn = nil
		s.connCancel = nil
		s.mu.Unlock()

		close(s.done)
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "conversation ended")
		}

		// Wait for the writer, receiver and any reconnect loop to exit
		// before closing the outward channels, so they never send on a
		// closed channel.
		s.wg.Wait()

		s.mu.Lock()
		s.setStateLocked(Disconnected)
		s.mu.Unlock()

		close(s.audioCh)
		close(s.eventCh)
	})
	return nil
}

// setStateLocked transitions the state and emits a status event.
// Must be called with s.mu held.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	s.emit(Event{Type: StatusChanged, State: next, ConversationID: s.conversationID})
}

// emit delivers an event without ever blocking a network goroutine. If the
// consumer has fallen behind, the event is dropped with a log entry.
func (s *Session) emit(evt Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.eventCh <- evt:
	default:
		slog.Warn("session: event channel full, dropping event", "type", evt.Type)
	}
}
