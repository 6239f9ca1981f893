package session

import "errors"

// Error taxonomy for the session protocol. Connection-level failures trigger
// bounded automatic reconnection; everything else is surfaced to the caller.
var (
	// ErrNotActive is returned by SendAudio before the handshake has been
	// acknowledged or after the session has disconnected. No audio may be
	// transmitted outside the Active state.
	ErrNotActive = errors.New("session: not active")

	// ErrAlreadyStarted is returned by Connect when the session has left the
	// Disconnected state. A Session drives exactly one conversation.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrConnectionTimeout reports that the dial or handshake did not
	// complete within its configured deadline.
	ErrConnectionTimeout = errors.New("session: connection timeout")

	// ErrProtocol reports an unparseable or unexpected message from the peer.
	ErrProtocol = errors.New("session: protocol error")

	// ErrReconnectExhausted is the terminal error emitted after the
	// configured number of reconnection attempts all failed.
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")

	// ErrClosed is returned for operations on a session after Disconnect.
	ErrClosed = errors.New("session: closed")
)
