package audio

import (
	"fmt"
	"strings"
	"time"
)

const (
	MinAudioBytes = 1024
	MaxAudioBytes = 25 * 1024 * 1024

	// Fallback rate for formats without a parseable header: 44.1kHz 16-bit mono.
	fallbackBytesPerSecond = 44100 * 2
)

var supportedFormats = map[string]struct{}{
	"wav": {}, "mp3": {}, "mp4": {}, "m4a": {}, "ogg": {},
	"webm": {}, "flac": {}, "pcm": {}, "pcm16": {},
}

// QualityReport is the outcome of a pre-transcription sanity check.
type QualityReport struct {
	Valid           bool     `json:"valid"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

func SupportedFormat(format string) bool {
	_, ok := supportedFormats[strings.ToLower(strings.TrimSpace(format))]
	return ok
}

// IsPCM reports whether format names headerless PCM16 audio.
func IsPCM(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pcm", "pcm16":
		return true
	default:
		return false
	}
}

// ValidateQuality checks size bounds and the format allowlist.
func ValidateQuality(data []byte, format string) QualityReport {
	var r QualityReport
	if len(data) < MinAudioBytes {
		r.Issues = append(r.Issues, "audio is too short")
		r.Recommendations = append(r.Recommendations, "record a longer clip")
	}
	if len(data) > MaxAudioBytes {
		r.Issues = append(r.Issues, "audio is too large")
		r.Recommendations = append(r.Recommendations, "shorten the clip or lower its quality")
	}
	if !SupportedFormat(format) {
		r.Issues = append(r.Issues, fmt.Sprintf("unsupported audio format: %s", format))
		r.Recommendations = append(r.Recommendations, "use WAV, MP3, MP4 or WebM")
	}
	r.Valid = len(r.Issues) == 0
	return r
}

// EstimateDuration reads the WAV header when the data carries one and
// otherwise assumes 44.1kHz 16-bit mono.
func EstimateDuration(data []byte, format string) time.Duration {
	if strings.EqualFold(format, "wav") && IsWAV(data) {
		if h, err := ParseWAVHeader(data); err == nil {
			if h.ByteRate <= 0 {
				return 0
			}
			return time.Duration(float64(h.DataSize) / float64(h.ByteRate) * float64(time.Second))
		}
	}
	return time.Duration(float64(len(data)) / fallbackBytesPerSecond * float64(time.Second))
}

// FileName picks an upload file name and MIME type for format. PCM is
// expected to be wrapped in WAV before upload.
func FileName(format string) (name, mimeType string) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "webm":
		return "audio.webm", "audio/webm"
	case "mp3":
		return "audio.mp3", "audio/mpeg"
	case "mp4":
		return "audio.mp4", "audio/mp4"
	case "m4a":
		return "audio.m4a", "audio/mp4"
	case "ogg":
		return "audio.ogg", "audio/ogg"
	case "flac":
		return "audio.flac", "audio/flac"
	default:
		return "audio.wav", "audio/wav"
	}
}
