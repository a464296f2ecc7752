package realtime

import "encoding/json"

// Client events sent to the upstream realtime API.

type sessionUpdateEvent struct {
	Type    string `json:"type"`
	Session any    `json:"session"`
}

type sessionConfig struct {
	Model        string   `json:"model,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Tools        []Tool   `json:"tools"`
	ToolChoice   string   `json:"tool_choice,omitempty"`
	MutableConfig
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareEvent struct {
	Type string `json:"type"`
}

type conversationItemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateEvent struct {
	Type     string          `json:"type"`
	Response *responseConfig `json:"response,omitempty"`
}

type responseConfig struct {
	Instructions string `json:"instructions,omitempty"`
}

// serverEvent is the union of fields the relay reads from upstream events.
type serverEvent struct {
	Type       string         `json:"type"`
	Delta      string         `json:"delta"`
	Transcript string         `json:"transcript"`
	Text       string         `json:"text"`
	ItemID     string         `json:"item_id"`
	ResponseID string         `json:"response_id"`
	CallID     string         `json:"call_id"`
	Name       string         `json:"name"`
	Arguments  string         `json:"arguments"`
	Error      *UpstreamError `json:"error"`
}

func classify(raw []byte) (Event, error) {
	var se serverEvent
	if err := json.Unmarshal(raw, &se); err != nil {
		return Event{}, err
	}
	ev := Event{
		Type:       se.Type,
		ItemID:     se.ItemID,
		ResponseID: se.ResponseID,
		Raw:        json.RawMessage(raw),
	}
	switch se.Type {
	case "session.created":
		ev.Kind = EventConnectionEstablished
	case "conversation.item.input_audio_transcription.completed":
		ev.Kind = EventInputTranscribed
		ev.Text = se.Transcript
	case "response.audio.delta", "response.output_audio.delta":
		ev.Kind = EventOutputAudioDelta
		ev.Audio = se.Delta
	case "response.audio.done", "response.output_audio.done":
		ev.Kind = EventOutputAudioDone
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		ev.Kind = EventOutputTranscriptDelta
		ev.Text = se.Delta
	case "response.text.delta", "response.output_text.delta":
		ev.Kind = EventOutputTranscriptDelta
		ev.Text = se.Delta
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		ev.Kind = EventOutputTranscriptDone
		ev.Text = se.Transcript
	case "response.text.done", "response.output_text.done":
		ev.Kind = EventOutputTranscriptDone
		ev.Text = se.Text
	case "response.function_call_arguments.done":
		ev.Kind = EventFunctionCall
		ev.Call = &FunctionCall{CallID: se.CallID, Name: se.Name, Arguments: se.Arguments}
	case "error":
		ev.Kind = EventUpstreamError
		ev.Err = se.Error
		if ev.Err == nil {
			ev.Err = &UpstreamError{Message: "upstream error"}
		}
	default:
		ev.Kind = EventOther
	}
	return ev, nil
}
