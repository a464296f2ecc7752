package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle of a Channel. Transitions only move forward.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateConnecting    State = "CONNECTING"
	StateOpen          State = "OPEN"
	StateClosed        State = "CLOSED"
)

var (
	ErrNotOpen        = errors.New("realtime channel is not open")
	ErrAlreadyStarted = errors.New("realtime channel already started")
)

// ConnectionError describes a failed upstream handshake.
type ConnectionError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("realtime connect failed (http %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime connect failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a handshake failure worth retrying.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Retryable
}

type EventKind string

const (
	EventConnectionEstablished EventKind = "connection_established"
	EventInputTranscribed      EventKind = "input_audio_transcribed"
	EventOutputAudioDelta      EventKind = "output_audio_delta"
	EventOutputAudioDone       EventKind = "output_audio_done"
	EventOutputTranscriptDelta EventKind = "output_transcript_delta"
	EventOutputTranscriptDone  EventKind = "output_transcript_done"
	EventFunctionCall          EventKind = "function_call"
	EventUpstreamError         EventKind = "upstream_error"
	EventConnectionClosed      EventKind = "connection_closed"
	EventOther                 EventKind = "other"
)

// Event is one classified upstream server event.
type Event struct {
	Kind       EventKind
	Type       string
	Text       string
	Audio      string
	ItemID     string
	ResponseID string
	Call       *FunctionCall
	Err        *UpstreamError
	CloseCode  int
	CloseText  string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

type FunctionCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type UpstreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Fatal   bool   `json:"-"`
}

// Tool is a function the upstream model may call, in realtime session format.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

// DefaultTurnDetection is the server VAD profile applied on connect and when
// a session is unmuted.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.9,
		PrefixPaddingMS:   300,
		SilenceDurationMS: 500,
		CreateResponse:    true,
	}
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// MutableConfig is the part of the upstream session that may be replaced
// after connect. A nil TurnDetection disables voice activity detection.
type MutableConfig struct {
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription"`
	TurnDetection           *TurnDetection           `json:"turn_detection"`
}

func DefaultMutableConfig(transcriptionModel string) MutableConfig {
	cfg := MutableConfig{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     DefaultTurnDetection(),
	}
	if transcriptionModel != "" {
		cfg.InputAudioTranscription = &InputAudioTranscription{Model: transcriptionModel}
	}
	return cfg
}

func (c MutableConfig) clone() MutableConfig {
	out := c
	if c.TurnDetection != nil {
		td := *c.TurnDetection
		out.TurnDetection = &td
	}
	if c.InputAudioTranscription != nil {
		tr := *c.InputAudioTranscription
		out.InputAudioTranscription = &tr
	}
	return out
}
