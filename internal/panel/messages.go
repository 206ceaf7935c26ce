// Package panel fans voice session state out to chat panel clients over
// WebSocket and accepts their microphone audio and control commands.
package panel

import (
	"encoding/json"

	"github.com/chadiek/voicepanel/internal/voice"
)

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeSessionFailed  = "SESSION_FAILED"
	ErrCodeSessionLimit   = "SESSION_LIMIT"
	ErrCodeAgentError     = "AGENT_ERROR"
)

// Server message types
const (
	TypeState  = "state"
	TypeLevel  = "level"
	TypeStatus = "status"
	TypeError  = "error"
)

// ServerMessage is a message sent to a panel client.
type ServerMessage struct {
	Type      string `json:"type"` // "state", "level", "status", "error"
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

// LevelPayload carries the current audio level for the waveform animation.
type LevelPayload struct {
	Level float64 `json:"level"`
}

// StatusPayload carries session lifecycle notices.
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload carries error information.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStateMessage wraps a full voice state snapshot.
func NewStateMessage(sessionID string, st voice.State) *ServerMessage {
	return &ServerMessage{Type: TypeState, SessionID: sessionID, Payload: st}
}

// NewLevelMessage wraps an audio level sample.
func NewLevelMessage(sessionID string, level float64) *ServerMessage {
	return &ServerMessage{Type: TypeLevel, SessionID: sessionID, Payload: LevelPayload{Level: level}}
}

// NewStatusMessage wraps a lifecycle notice.
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{Type: TypeStatus, SessionID: sessionID, Payload: StatusPayload{Status: status, Message: message}}
}

// NewErrorMessage wraps an error notice.
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, SessionID: sessionID, Payload: ErrorPayload{Code: code, Message: message}}
}

// ClientMessage is a message received from a panel client.
type ClientMessage struct {
	Type    string          `json:"type"` // "start", "stop", "audio", "control"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AudioPayload carries microphone audio from the client.
type AudioPayload struct {
	Data string `json:"data" validate:"required,base64"` // Base64-encoded PCM16LE 16kHz
}

// ControlPayload carries control commands.
type ControlPayload struct {
	Action string `json:"action" validate:"required,oneof=ping"`
}
