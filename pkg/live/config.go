package live

import (
	"time"

	"github.com/embervoice/ember-go/pkg/core/audio"
	"github.com/embervoice/ember-go/pkg/live/protocol"
)

// SessionState represents the connection state of the session.
type SessionState int

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected SessionState = iota
	// StateConnecting is while the transport handshake (or a reconnect) is in flight.
	StateConnecting
	// StateOpen is when the conversation is live.
	StateOpen
	// StateClosing is while a caller-requested shutdown is draining.
	StateClosing
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Intent records whether the caller asked for the current disconnect.
// It is checked at the moment a transport close is observed, so a racing
// user disconnect and remote drop cannot trigger a spurious reconnect.
type Intent int32

const (
	// IntentActive means the session should stay connected.
	IntentActive Intent = iota
	// IntentUserRequestedDisconnect means the caller closed the session.
	IntentUserRequestedDisconnect
)

// ReconnectPolicy bounds automatic reconnection after a transport drop.
// The zero value disables reconnection entirely.
type ReconnectPolicy struct {
	// MaxAttempts caps reconnect attempts per drop.
	MaxAttempts uint64
	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration
}

// SessionConfig holds all configuration for a voice session.
type SessionConfig struct {
	// URL is the websocket endpoint of the remote voice service.
	URL string

	// ConfigID selects the remote conversation configuration.
	ConfigID string

	// ResumedChatGroupID, when set, asks the remote side to continue a
	// prior conversation instead of starting fresh.
	ResumedChatGroupID string

	// Tools are the capabilities declared at session setup.
	Tools []protocol.ToolDeclaration

	// Audio is the negotiated PCM shape for capture and playback.
	Audio audio.Config

	// CaptureInterval is the slice duration for outbound audio.
	CaptureInterval time.Duration

	// Reconnect bounds automatic reconnection.
	Reconnect ReconnectPolicy

	// EventBuffer is the size of the engine's event channel.
	EventBuffer int

	// ToolTimeout bounds a single capability invocation.
	ToolTimeout time.Duration
}

// SendMessageToolDeclaration is the schema advertised for the single
// recognized capability.
func SendMessageToolDeclaration() protocol.ToolDeclaration {
	return protocol.ToolDeclaration{
		Name:        "send_message",
		Parameters:  `{"type":"object","properties":{"message":{"type":"string","description":"The message to deliver to the agent."}},"required":["message"]}`,
		Description: "Delivers the user's message to the downstream agent and returns its reply.",
	}
}

// DefaultSessionConfig returns a config with engine defaults applied.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Audio:           audio.DefaultConfig(),
		CaptureInterval: 100 * time.Millisecond,
		Reconnect: ReconnectPolicy{
			MaxAttempts:    5,
			InitialBackoff: 250 * time.Millisecond,
		},
		EventBuffer: 100,
		ToolTimeout: 30 * time.Second,
		Tools:       []protocol.ToolDeclaration{SendMessageToolDeclaration()},
	}
}

// withDefaults fills unset fields without touching caller-provided values.
func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.Audio.SampleRate == 0 {
		c.Audio = d.Audio
	}
	if c.CaptureInterval <= 0 {
		c.CaptureInterval = d.CaptureInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if len(c.Tools) == 0 {
		c.Tools = d.Tools
	}
	return c
}
