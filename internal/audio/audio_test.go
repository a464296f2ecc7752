package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVPCM16LEHeaderRoundTrip(t *testing.T) {
	pcm := make([]byte, 48000)
	wav, err := EncodeWAVPCM16LE(pcm, 24000)
	require.NoError(t, err)
	require.Len(t, wav, 44+len(pcm))
	assert.True(t, IsWAV(wav))

	h, err := ParseWAVHeader(wav)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Channels)
	assert.Equal(t, 24000, h.SampleRate)
	assert.Equal(t, 48000, h.ByteRate)
	assert.Equal(t, 16, h.BitsPerSample)
	assert.Equal(t, len(pcm), h.DataSize)
	assert.Equal(t, time.Second, EstimateDuration(wav, "wav"))
}

func TestEncodeWAVDefaultsSampleRate(t *testing.T) {
	wav, err := EncodeWAVPCM16LE([]byte{0, 0}, 0)
	require.NoError(t, err)
	h, err := ParseWAVHeader(wav)
	require.NoError(t, err)
	assert.Equal(t, DefaultSampleRate, h.SampleRate)
}

func TestParseWAVHeaderRejectsShortInput(t *testing.T) {
	_, err := ParseWAVHeader(make([]byte, 10))
	assert.ErrorIs(t, err, ErrShortWAVHeader)
	assert.False(t, IsWAV([]byte("RIFF")))
}

func TestValidateQuality(t *testing.T) {
	twoSeconds, err := EncodeWAVPCM16LE(make([]byte, 2*16000*2), 16000)
	require.NoError(t, err)

	cases := []struct {
		name   string
		data   []byte
		format string
		valid  bool
		issues int
	}{
		{name: "too small", data: make([]byte, 500), format: "wav", valid: false, issues: 1},
		{name: "too large", data: make([]byte, 30*1024*1024), format: "wav", valid: false, issues: 1},
		{name: "two second wav", data: twoSeconds, format: "wav", valid: true},
		{name: "unsupported format", data: twoSeconds, format: "aiff", valid: false, issues: 1},
		{name: "small and unsupported", data: []byte{1}, format: "midi", valid: false, issues: 2},
		{name: "pcm16 upper case", data: make([]byte, 4096), format: "PCM16", valid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := ValidateQuality(tc.data, tc.format)
			assert.Equal(t, tc.valid, r.Valid)
			assert.Len(t, r.Issues, tc.issues)
			assert.Len(t, r.Recommendations, tc.issues)
		})
	}
}

func TestEstimateDurationFallsBackForHeaderlessAudio(t *testing.T) {
	assert.Equal(t, time.Second, EstimateDuration(make([]byte, 88200), "webm"))
	assert.Equal(t, 500*time.Millisecond, EstimateDuration(make([]byte, 44100), "wav"))
}

func TestFileName(t *testing.T) {
	name, mime := FileName("mp3")
	assert.Equal(t, "audio.mp3", name)
	assert.Equal(t, "audio/mpeg", mime)

	name, mime = FileName("pcm16")
	assert.Equal(t, "audio.wav", name)
	assert.Equal(t, "audio/wav", mime)
	assert.True(t, IsPCM("pcm"))
	assert.False(t, IsPCM("wav"))
}
