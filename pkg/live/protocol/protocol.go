// Package protocol defines the JSON frames exchanged with the remote voice
// service. Frames are tagged by a "type" field; DecodeServerMessage is the
// single entry point for inbound decoding so unknown types degrade to a
// harmless UnknownServerMessage instead of an error.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Severity levels for tool_error frames.
const (
	LevelWarn = "warn"
)

// DecodeError describes a malformed inbound frame. The offending frame is
// dropped; the connection stays up.
type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// ServerMessage is an inbound frame from the voice service.
type ServerMessage interface {
	serverMessageType() string
}

// ChatMetadata opens a conversation. ChatGroupID is the opaque resumable
// group identifier; reusing it on a later connect continues the conversation.
type ChatMetadata struct {
	Type        string `json:"type"`
	ChatID      string `json:"chat_id,omitempty"`
	ChatGroupID string `json:"chat_group_id"`
}

func (m ChatMetadata) serverMessageType() string { return "chat_metadata" }

// TranscriptMessage carries one finalized utterance with emotion scores.
type TranscriptMessage struct {
	Type    string          `json:"type"`
	Role    Role            `json:"role"`
	Content string          `json:"content"`
	Scores  json.RawMessage `json:"scores,omitempty"`
}

func (m TranscriptMessage) serverMessageType() string { return m.Type }

// AudioOutput carries one base64-encoded segment of synthesized speech.
type AudioOutput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (m AudioOutput) serverMessageType() string { return "audio_output" }

// ToolCall asks the client to execute a named capability and report back.
type ToolCall struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Parameters string `json:"parameters"`
}

func (m ToolCall) serverMessageType() string { return "tool_call" }

// UserInterruption signals the user started speaking over playback.
// All pending and active playback must stop immediately.
type UserInterruption struct {
	Type string `json:"type"`
}

func (m UserInterruption) serverMessageType() string { return "user_interruption" }

// ConnectionClosed is synthesized locally by the session channel when the
// transport drops. It never appears on the wire.
type ConnectionClosed struct {
	Reason string
}

func (m ConnectionClosed) serverMessageType() string { return "connection_closed" }

// UnknownServerMessage preserves frames this client version does not
// understand. The dispatcher ignores them.
type UnknownServerMessage struct {
	Type string
	Raw  json.RawMessage
}

func (m UnknownServerMessage) serverMessageType() string { return m.Type }

// DecodeServerMessage decodes one inbound frame.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "chat_metadata":
		var msg ChatMetadata
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid chat_metadata", "")
		}
		if strings.TrimSpace(msg.ChatGroupID) == "" {
			return nil, badFrame("chat_metadata.chat_group_id is required", "chat_group_id")
		}
		return msg, nil
	case "assistant_message", "user_message":
		var msg TranscriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript message", "")
		}
		if msg.Role == "" {
			if typ == "assistant_message" {
				msg.Role = RoleAssistant
			} else {
				msg.Role = RoleUser
			}
		}
		return msg, nil
	case "audio_output":
		var msg AudioOutput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_output", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badFrame("audio_output.data is required", "data")
		}
		return msg, nil
	case "tool_call":
		var msg ToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool_call", "")
		}
		if strings.TrimSpace(msg.ToolCallID) == "" {
			return nil, badFrame("tool_call.tool_call_id is required", "tool_call_id")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badFrame("tool_call.name is required", "name")
		}
		return msg, nil
	case "user_interruption":
		var msg UserInterruption
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid user_interruption", "")
		}
		return msg, nil
	default:
		return UnknownServerMessage{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// ClientMessage is an outbound frame to the voice service.
type ClientMessage interface {
	clientMessageType() string
}

// ToolDeclaration advertises one callable capability at session setup.
type ToolDeclaration struct {
	Name        string `json:"name"`
	Parameters  string `json:"parameters"`
	Description string `json:"description,omitempty"`
}

// SessionSettings is sent once after every (re)connect. A non-empty
// ResumedChatGroupID asks the remote side to continue that conversation.
type SessionSettings struct {
	Type               string            `json:"type"`
	ConfigID           string            `json:"config_id,omitempty"`
	ResumedChatGroupID string            `json:"resumed_chat_group_id,omitempty"`
	Tools              []ToolDeclaration `json:"tools,omitempty"`
}

func (m SessionSettings) clientMessageType() string { return "session_settings" }

// AudioInput carries one base64-encoded capture slice.
type AudioInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (m AudioInput) clientMessageType() string { return "audio_input" }

// NewAudioInput builds an audio_input frame from encoded data.
func NewAudioInput(data string) AudioInput {
	return AudioInput{Type: "audio_input", Data: data}
}

// ToolResponse resolves a tool call successfully.
type ToolResponse struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

func (m ToolResponse) clientMessageType() string { return "tool_response" }

// ToolError resolves a tool call with a failure the remote side can voice.
type ToolError struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	Level      string `json:"level"`
}

func (m ToolError) clientMessageType() string { return "tool_error" }

// ServerMessageName returns the frame type tag for logging and metrics labels.
func ServerMessageName(m ServerMessage) string {
	if m == nil {
		return ""
	}
	return m.serverMessageType()
}

// ClientMessageName returns the frame type tag for logging and metrics labels.
func ClientMessageName(m ClientMessage) string {
	if m == nil {
		return ""
	}
	return m.clientMessageType()
}
