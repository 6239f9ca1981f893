package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voicewire/voicewire/pkg/session"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptHandshake consumes the initiation message and replies with the
// metadata acknowledgment carrying the given conversation id.
func acceptHandshake(t *testing.T, conn *websocket.Conn, conversationID string) map[string]any {
	t.Helper()
	var init map[string]any
	readJSON(t, conn, &init)
	if got := init["type"]; got != "conversation_initiation_client_data" {
		t.Fatalf("first client message type = %v, want conversation_initiation_client_data", got)
	}
	writeJSON(t, conn, map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id": conversationID,
		},
	})
	return init
}

// awaitEvent drains the event channel until an event of the wanted type
// arrives or the timeout elapses.
func awaitEvent(t *testing.T, events <-chan session.Event, want session.EventType) session.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before event type %v", want)
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %v", want)
		}
	}
}

// awaitState drains status events until the wanted state is observed.
func awaitState(t *testing.T, events <-chan session.Event, want session.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before state %v", want)
			}
			if evt.Type == session.StatusChanged && evt.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func testConfig(url string) session.Config {
	return session.Config{
		URL:                  url,
		Language:             "en",
		UserID:               "tester",
		ConnectTimeout:       2 * time.Second,
		HandshakeTimeout:     2 * time.Second,
		ReconnectDelay:       50 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_HandshakeEstablishesConversation(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		init := acceptHandshake(t, conn, "conv-42")
		if got := init["language"]; got != "en" {
			t.Errorf("initiation language = %v, want en", got)
		}
		if got := init["user_id"]; got != "tester" {
			t.Errorf("initiation user_id = %v, want tester", got)
		}
		<-block
	})
	defer close(block)

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.State(); got != session.Active {
		t.Errorf("State() = %v, want Active", got)
	}
	if got := s.ConversationID(); got != "conv-42" {
		t.Errorf("ConversationID() = %q, want conv-42", got)
	}
	awaitState(t, s.Events(), session.Active)
}

func TestConnect_SecondCallRejected(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		<-block
	})
	defer close(block)

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Errorf("second Connect err = %v, want ErrAlreadyStarted", err)
	}
}

func TestSendAudio_RequiresActive(t *testing.T) {
	t.Parallel()

	s := session.New(testConfig("ws://127.0.0.1:1"))
	if err := s.SendAudio([]byte{1, 2, 3, 4}); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("SendAudio before Connect err = %v, want ErrNotActive", err)
	}
}

func TestSendAudio_DeliveredAsBase64Chunk(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	got := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		var msg map[string]string
		readJSON(t, conn, &msg)
		got <- msg["user_audio_chunk"]
	})

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case b64 := <-got:
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			t.Fatalf("chunk not valid base64: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("decoded chunk = %v, want %v", decoded, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received audio chunk")
	}
}

func TestPing_AnsweredWithMatchingEventID(t *testing.T) {
	t.Parallel()

	pong := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		writeJSON(t, conn, map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 777},
		})
		var msg map[string]any
		readJSON(t, conn, &msg)
		pong <- msg
	})

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case msg := <-pong:
		if got := msg["type"]; got != "pong" {
			t.Errorf("reply type = %v, want pong", got)
		}
		if got, _ := msg["event_id"].(float64); int64(got) != 777 {
			t.Errorf("pong event_id = %v, want 777", msg["event_id"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received pong")
	}
}

func TestInboundAudio_DecodedAndDelivered(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	block := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		writeJSON(t, conn, map[string]any{
			"type": "audio",
			"audio_event": map[string]any{
				"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
			},
		})
		<-block
	})
	defer close(block)

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case chunk := <-s.Audio():
		if string(chunk) != string(pcm) {
			t.Errorf("inbound audio = %v, want %v", chunk, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no inbound audio delivered")
	}
}

func TestInboundAudio_DroppedWhileMicActive(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	sent := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		writeJSON(t, conn, map[string]any{
			"type": "audio",
			"audio_event": map[string]any{
				"audio_base_64": base64.StdEncoding.EncodeToString([]byte{9, 9}),
			},
		})
		close(sent)
		<-block
	})
	defer close(block)

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.SetMicActive(true)

	<-sent
	select {
	case chunk := <-s.Audio():
		t.Errorf("audio delivered despite active mic gate: %v", chunk)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTranscriptAndAgentResponseEvents(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		writeJSON(t, conn, map[string]any{
			"type":                  "user_transcript",
			"user_transcript_event": map[string]any{"transcript": "hello there"},
		})
		writeJSON(t, conn, map[string]any{
			"type":                 "agent_response",
			"agent_response_event": map[string]any{"agent_response": "hi, how can I help?"},
		})
		<-block
	})
	defer close(block)

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	evt := awaitEvent(t, s.Events(), session.TranscriptReceived)
	if evt.Text != "hello there" {
		t.Errorf("transcript = %q, want %q", evt.Text, "hello there")
	}
	evt = awaitEvent(t, s.Events(), session.AgentResponseReceived)
	if evt.Text != "hi, how can I help?" {
		t.Errorf("agent response = %q, want %q", evt.Text, "hi, how can I help?")
	}
}

func TestUnknownMessageType_Ignored(t *testing.T) {
	t.Parallel()

	pong := make(chan struct{}, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		writeJSON(t, conn, map[string]any{"type": "interruption", "whatever": true})
		// The session must survive the unknown message and keep answering
		// pings afterwards.
		writeJSON(t, conn, map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 1},
		})
		var msg map[string]any
		readJSON(t, conn, &msg)
		pong <- struct{}{}
	})

	s := session.New(testConfig(wsURL(srv)))
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-pong:
	case <-time.After(3 * time.Second):
		t.Fatal("session stopped responding after unknown message")
	}
}

func TestReconnect_AfterUnexpectedDrop(t *testing.T) {
	t.Parallel()

	var connections atomic.Int32
	block := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		n := connections.Add(1)
		acceptHandshake(t, conn, "conv-reborn")
		if n == 1 {
			// Kill the first connection abnormally to trigger reconnection.
			conn.Close(websocket.StatusInternalError, "simulated crash")
			return
		}
		<-block
	})
	defer close(block)

	cfg := testConfig(wsURL(srv))
	s := session.New(cfg)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	awaitEvent(t, s.Events(), session.DisconnectedUnexpectedly)
	awaitState(t, s.Events(), session.Active)

	if got := s.State(); got != session.Active {
		t.Errorf("State() after reconnect = %v, want Active", got)
	}
}

func TestReconnect_ExhaustionIsTerminal(t *testing.T) {
	t.Parallel()

	var connections atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		if connections.Add(1) > 1 {
			// Refuse the handshake on every reconnect attempt.
			conn.Close(websocket.StatusInternalError, "down")
			return
		}
		acceptHandshake(t, conn, "conv-1")
		conn.Close(websocket.StatusInternalError, "simulated crash")
	})

	cfg := testConfig(wsURL(srv))
	cfg.HandshakeTimeout = 200 * time.Millisecond
	s := session.New(cfg)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	evt := awaitEvent(t, s.Events(), session.TerminalError)
	if !errors.Is(evt.Err, session.ErrReconnectExhausted) {
		t.Errorf("terminal error = %v, want ErrReconnectExhausted", evt.Err)
	}
	if got := s.State(); got != session.Disconnected {
		t.Errorf("State() after exhaustion = %v, want Disconnected", got)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn, "conv-1")
		<-block
	})
	defer close(block)

	s := session.New(testConfig(wsURL(srv)))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if got := s.State(); got != session.Disconnected {
		t.Errorf("State() after Disconnect = %v, want Disconnected", got)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Connect after Disconnect err = %v, want ErrClosed", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://127.0.0.1:1")
	cfg.ConnectTimeout = 500 * time.Millisecond
	s := session.New(cfg)

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect to dead endpoint succeeded, want error")
	}
	if got := s.State(); got != session.Disconnected {
		t.Errorf("State() after failed Connect = %v, want Disconnected", got)
	}
}

func TestDisconnect_DuringHandshake(t *testing.T) {
	t.Parallel()

	// The server holds the handshake open: it consumes the initiation
	// message but only releases the acknowledgment once the test says so,
	// pinning the client mid-handshake.
	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var init map[string]any
		readJSON(t, conn, &init)
		<-release
		writeJSON(t, conn, map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{
				"conversation_id": "conv-late",
			},
		})
		// Hold the conn open until the client closes it.
		_, _, _ = conn.Read(context.Background())
	})

	s := session.New(testConfig(wsURL(srv)))

	connErr := make(chan error, 1)
	go func() { connErr <- s.Connect(context.Background()) }()
	awaitState(t, s.Events(), session.Handshaking)

	// Disconnect lands while the handshake is still waiting for the
	// acknowledgment. The late acknowledgment must not resurrect the
	// session: Connect fails, no goroutines are installed, and the state
	// stays Disconnected.
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	close(release)

	select {
	case err := <-connErr:
		if !errors.Is(err, session.ErrClosed) {
			t.Errorf("Connect err = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after Disconnect during handshake")
	}

	if got := s.State(); got != session.Disconnected {
		t.Errorf("State() = %v, want Disconnected", got)
	}
	if err := s.SendAudio([]byte{0, 0}); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("SendAudio err = %v, want ErrNotActive", err)
	}
}
