package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeJoinSession       MessageType = "join_session"
	TypeSendText          MessageType = "send_text"
	TypeSendAudio         MessageType = "send_audio"
	TypeCommitAudio       MessageType = "commit_audio"
	TypeClearAudio        MessageType = "clear_audio"
	TypeInterrupt         MessageType = "interrupt"
	TypeMute              MessageType = "mute"
	TypeDisconnectSession MessageType = "disconnect_session"
	TypeSendMessage       MessageType = "send_message"
	TypeHandoff           MessageType = "handoff"

	TypeSessionStatus MessageType = "session_status"
	TypeTranscript    MessageType = "transcript"
	TypeAudioResponse MessageType = "audio_response"
	TypeRealtimeEvent MessageType = "realtime_event"
	TypeError         MessageType = "error"
	TypeAgentResponse MessageType = "agent_response"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type JoinSession struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id,omitempty"`
}

type SendText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// SendAudio carries one chunk of client audio. Binary websocket frames are
// surfaced as SendAudio with Format "pcm16".
type SendAudio struct {
	Type   MessageType  `json:"type"`
	Audio  AudioPayload `json:"audio"`
	Format string       `json:"format,omitempty"`
}

type CommitAudio struct {
	Type MessageType `json:"type"`
}

type ClearAudio struct {
	Type MessageType `json:"type"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type Mute struct {
	Type  MessageType `json:"type"`
	Muted *bool       `json:"muted"`
}

type DisconnectSession struct {
	Type MessageType `json:"type"`
}

const (
	MessageKindText  = "text"
	MessageKindAudio = "audio"
)

// ChatMessage is a whole-turn message handled by the supervisor rather than
// streamed to the realtime upstream.
type ChatMessage struct {
	Type       string       `json:"type"`
	Content    string       `json:"content,omitempty"`
	Data       AudioPayload `json:"data,omitempty"`
	Format     string       `json:"format,omitempty"`
	SampleRate int          `json:"sample_rate,omitempty"`
}

type SendMessage struct {
	Type    MessageType `json:"type"`
	Message ChatMessage `json:"message"`
}

type Handoff struct {
	Type  MessageType `json:"type"`
	Agent string      `json:"agent"`
}

type SessionStatus struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	SessionID string      `json:"session_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Role      string      `json:"role"`
}

type AudioResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Audio     string      `json:"audio"`
}

type RealtimeEvent struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message"`
	Code      string      `json:"code,omitempty"`
}

type AgentResponse struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeJoinSession:
		var msg JoinSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.UserID = strings.TrimSpace(msg.UserID)
		return msg, nil
	case TypeSendText:
		var msg SendText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid send_text: empty text")
		}
		return msg, nil
	case TypeSendAudio:
		var msg SendAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid send_audio: %w", err)
		}
		if len(msg.Audio) == 0 {
			return nil, fmt.Errorf("invalid send_audio: %w", ErrUnsupportedAudioPayload)
		}
		return msg, nil
	case TypeCommitAudio:
		return CommitAudio{Type: env.Type}, nil
	case TypeClearAudio:
		return ClearAudio{Type: env.Type}, nil
	case TypeInterrupt:
		return Interrupt{Type: env.Type}, nil
	case TypeDisconnectSession:
		return DisconnectSession{Type: env.Type}, nil
	case TypeMute:
		var msg Mute
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Muted == nil {
			return nil, errors.New("invalid mute: muted is required")
		}
		return msg, nil
	case TypeSendMessage:
		var msg SendMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid send_message: %w", err)
		}
		switch msg.Message.Type {
		case MessageKindText:
			if strings.TrimSpace(msg.Message.Content) == "" {
				return nil, errors.New("invalid send_message: empty content")
			}
		case MessageKindAudio:
			if len(msg.Message.Data) == 0 {
				return nil, fmt.Errorf("invalid send_message: %w", ErrUnsupportedAudioPayload)
			}
		default:
			return nil, fmt.Errorf("invalid send_message: message type %q", msg.Message.Type)
		}
		return msg, nil
	case TypeHandoff:
		var msg Handoff
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Agent = strings.TrimSpace(msg.Agent)
		if msg.Agent == "" {
			return nil, errors.New("invalid handoff: agent is required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
