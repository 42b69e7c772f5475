package live

import (
	"github.com/embervoice/ember-go/pkg/core/emotion"
	"github.com/embervoice/ember-go/pkg/live/protocol"
)

// Event is a notification emitted by the session for its consumer.
// All events are delivered on a single buffered channel in the order
// the session observed them.
type Event interface {
	eventType() string
}

// StateChangedEvent reports a session state transition.
type StateChangedEvent struct {
	From SessionState
	To   SessionState
}

func (StateChangedEvent) eventType() string { return "state_changed" }

// TranscriptEntry is one ordered line of the conversation transcript.
type TranscriptEntry struct {
	Role     protocol.Role
	Content  string
	Emotions []emotion.Score
}

// TranscriptEvent carries a finalized transcript entry.
type TranscriptEvent struct {
	Entry TranscriptEntry
}

func (TranscriptEvent) eventType() string { return "transcript" }

// InterruptionEvent signals that the remote side detected the user
// speaking over playback and pending audio was discarded.
type InterruptionEvent struct{}

func (InterruptionEvent) eventType() string { return "interruption" }

// PlaybackFinishedEvent reports that one playback unit stopped rendering.
type PlaybackFinishedEvent struct {
	DurationMs int
	Cancelled  bool
}

func (PlaybackFinishedEvent) eventType() string { return "playback_finished" }

// ToolResolvedEvent reports the outcome of one capability invocation.
type ToolResolvedEvent struct {
	ToolCallID string
	Name       string
	Failed     bool
}

func (ToolResolvedEvent) eventType() string { return "tool_resolved" }

// ReconnectedEvent signals the session resumed after a transport drop.
type ReconnectedEvent struct {
	ChatGroupID string
}

func (ReconnectedEvent) eventType() string { return "reconnected" }

// ErrorEvent surfaces a non-fatal error the session absorbed.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) eventType() string { return "error" }

// ClosedEvent is the final event before the event channel closes.
type ClosedEvent struct {
	Reason string
}

func (ClosedEvent) eventType() string { return "closed" }

// TranscriptSink receives ordered transcript entries as they finalize.
type TranscriptSink interface {
	OnTranscript(TranscriptEntry)
}

// TranscriptFunc adapts a function to the TranscriptSink interface.
type TranscriptFunc func(TranscriptEntry)

// OnTranscript calls f(entry).
func (f TranscriptFunc) OnTranscript(entry TranscriptEntry) { f(entry) }
