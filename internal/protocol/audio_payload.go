package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrUnsupportedAudioPayload = errors.New("unsupported audio payload")

// AudioPayload accepts the audio encodings browsers send: a base64 string
// (optionally a data URL), a JSON array of byte values, or a serialized
// Node.js Buffer object {"type":"Buffer","data":[...]}.
type AudioPayload []byte

func (p *AudioPayload) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*p = nil
		return nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ErrUnsupportedAudioPayload
		}
		b, err := decodeBase64Audio(s)
		if err != nil {
			return ErrUnsupportedAudioPayload
		}
		*p = b
		return nil
	case '[':
		b, err := decodeByteArray(raw)
		if err != nil {
			return err
		}
		*p = b
		return nil
	case '{':
		var buf struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &buf); err != nil || buf.Type != "Buffer" {
			return ErrUnsupportedAudioPayload
		}
		b, err := decodeByteArray(buf.Data)
		if err != nil {
			return err
		}
		*p = b
		return nil
	default:
		return ErrUnsupportedAudioPayload
	}
}

// MarshalJSON renders the payload as standard base64.
func (p AudioPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p))
}

func decodeBase64Audio(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func decodeByteArray(raw []byte) ([]byte, error) {
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, ErrUnsupportedAudioPayload
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, ErrUnsupportedAudioPayload
		}
		out[i] = byte(v)
	}
	return out, nil
}
