package main

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	gotPCM, gotSR, err := decodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	gotPCM, gotSR, err := decodeWAVPCM16(encodeWAV16Stereo(stereo, 24000))
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 24000 {
		t.Fatalf("sampleRate = %d, want 24000", gotSR)
	}
	if len(gotPCM) != 4 {
		t.Fatalf("len(gotPCM) = %d, want 4", len(gotPCM))
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVPCM16RejectsGarbage(t *testing.T) {
	if _, _, err := decodeWAVPCM16([]byte("not a wav file")); err == nil {
		t.Fatalf("expected error for non-wav input")
	}
}

func TestWSURLFor(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8000", want: "ws://127.0.0.1:8000/ws"},
		{base: "https://relay.example.com/prefix/", want: "wss://relay.example.com/prefix/ws"},
		{base: "ftp://relay.example.com", wantErr: true},
		{base: "http://", wantErr: true},
	}
	for _, tt := range tests {
		got, err := wsURLFor(tt.base)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("wsURLFor(%q) expected error", tt.base)
			}
			continue
		}
		if err != nil {
			t.Fatalf("wsURLFor(%q) error = %v", tt.base, err)
		}
		if got != tt.want {
			t.Fatalf("wsURLFor(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestSplitUtterances(t *testing.T) {
	got := splitUtterances(" hello | |what is my balance|")
	if len(got) != 2 || got[0] != "hello" || got[1] != "what is my balance" {
		t.Fatalf("splitUtterances = %q", got)
	}
	if got := splitUtterances(""); len(got) != 0 {
		t.Fatalf("splitUtterances(\"\") = %q, want empty", got)
	}
}

func TestSummarize(t *testing.T) {
	got := summarize([]turnTiming{
		{FirstAudio: 300 * time.Millisecond, Transcript: 900 * time.Millisecond},
		{Transcript: 1200 * time.Millisecond},
		{FirstAudio: 500 * time.Millisecond, Transcript: 700 * time.Millisecond},
	})
	want := "relayprobe: turns=3 first_audio_p50=500ms transcript_p50=900ms transcript_max=1.2s"
	if got != want {
		t.Fatalf("summarize = %q, want %q", got, want)
	}
	if got := summarize(nil); got != "relayprobe: no turns completed" {
		t.Fatalf("summarize(nil) = %q", got)
	}
}

func encodeWAV16Stereo(stereoPCM []byte, sampleRate int) []byte {
	dataSize := uint32(len(stereoPCM))
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36)+dataSize)
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(2)) // stereo
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, dataSize)
	b.Write(stereoPCM)
	return b.Bytes()
}
