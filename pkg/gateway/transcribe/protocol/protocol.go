package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control operations a client may send as text frames during streaming.
const (
	ControlStop   = "stop"
	ControlPause  = "pause"
	ControlResume = "resume"
)

// VAD event names forwarded to the client.
const (
	VADSpeechStart = "speech_start"
	VADSpeechEnd   = "speech_end"
)

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badFrame(format string, args ...any) *DecodeError {
	return &DecodeError{Message: fmt.Sprintf(format, args...)}
}

// ClientControl is the only text frame clients send once streaming: a session
// state transition.
type ClientControl struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses a client text frame. Binary frames never reach
// this path; they are raw audio.
func DecodeClientMessage(data []byte) (ClientControl, error) {
	var msg ClientControl
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientControl{}, badFrame("invalid json frame")
	}
	typ := strings.TrimSpace(msg.Type)
	if typ == "" {
		return ClientControl{}, badFrame("missing type")
	}
	switch typ {
	case ControlStop, ControlPause, ControlResume:
	default:
		return ClientControl{}, badFrame("unsupported control type %q", typ)
	}
	msg.Type = typ
	return msg, nil
}

type ServerConnected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func Connected(sessionID string) ServerConnected {
	return ServerConnected{
		Type:      "connected",
		SessionID: sessionID,
		Message:   "transcription stream ready",
	}
}

type ServerVADEvent struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Message string `json:"message"`
}

func VADEvent(event string) ServerVADEvent {
	msg := "speech detected"
	if event == VADSpeechEnd {
		msg = "speech ended"
	}
	return ServerVADEvent{Type: "vad_event", Event: event, Message: msg}
}

type ServerTranscript struct {
	Type       string  `json:"type"`
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

func Transcript(text string, isFinal bool, confidence float64) ServerTranscript {
	return ServerTranscript{
		Type:       "transcript",
		Transcript: text,
		IsFinal:    isFinal,
		Confidence: confidence,
	}
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func Error(message string) ServerError {
	return ServerError{Type: "error", Message: message}
}
