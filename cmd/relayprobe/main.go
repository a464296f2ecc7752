package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	chunkMS        int
	realtime       float64
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	wavPath        string
	verbose        bool
}

// serverEnvelope is the subset of relay events the probe watches.
type serverEnvelope struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
}

type turnTiming struct {
	FirstAudio time.Duration
	Transcript time.Duration
}

var defaultUtterances = []string{
	"What is my current balance?",
	"Is there a store near 94105?",
	"What is the international roaming policy?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "relay base URL")
	flag.StringVar(&cfg.userID, "user-id", "relay-probe", "user_id sent with join_session")
	flag.IntVar(&cfg.turns, "turns", 3, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 500, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for the assistant transcript per turn")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (text turns)")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV streamed as each turn instead of text")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	cfg.interTurnDelay = time.Duration(max(interTurnMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond

	cfg.texts = splitUtterances(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitUtterances(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	var pcm []byte
	sampleRate := 24000
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read wav: %w", err)
		}
		if pcm, sampleRate, err = decodeWAVPCM16(data); err != nil {
			return fmt.Errorf("decode wav: %w", err)
		}
	}

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan serverEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	if err := conn.WriteJSON(protocol.JoinSession{Type: protocol.TypeJoinSession, UserID: cfg.userID}); err != nil {
		return fmt.Errorf("send join_session: %w", err)
	}
	sessionID, err := awaitConnected(events, readErrCh, cfg.turnTimeout)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("relayprobe: session=%s turns=%d mode=%s\n", sessionID, cfg.turns, modeName(cfg))
	}

	timings := make([]turnTiming, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		start := time.Now()
		if pcm != nil {
			if err := streamPCM(conn, pcm, sampleRate, cfg.chunkMS, cfg.realtime); err != nil {
				return fmt.Errorf("turn %d send audio: %w", i+1, err)
			}
			if err := conn.WriteJSON(protocol.CommitAudio{Type: protocol.TypeCommitAudio}); err != nil {
				return fmt.Errorf("turn %d commit: %w", i+1, err)
			}
			start = time.Now()
		} else {
			text := cfg.texts[i%len(cfg.texts)]
			if err := conn.WriteJSON(protocol.SendText{Type: protocol.TypeSendText, Text: text}); err != nil {
				return fmt.Errorf("turn %d send text: %w", i+1, err)
			}
		}

		timing, reply, err := awaitTurn(events, readErrCh, start, cfg.turnTimeout, cfg.verbose)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if cfg.verbose {
			fmt.Printf("relayprobe: turn %d/%d first_audio=%s transcript=%s reply=%q\n",
				i+1, cfg.turns, timing.FirstAudio.Round(time.Millisecond), timing.Transcript.Round(time.Millisecond), reply)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	_ = conn.WriteJSON(protocol.DisconnectSession{Type: protocol.TypeDisconnectSession})
	fmt.Println(summarize(timings))
	return nil
}

func modeName(cfg options) string {
	if cfg.wavPath != "" {
		return "audio"
	}
	return "text"
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- serverEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env serverEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case events <- env:
		default:
		}
	}
}

func awaitConnected(events <-chan serverEnvelope, readErrCh <-chan error, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeSessionStatus):
				if env.Status == "CONNECTED" {
					return env.SessionID, nil
				}
				if env.Status == "DISCONNECTED" {
					return "", fmt.Errorf("session disconnected during join")
				}
			case string(protocol.TypeError):
				return "", fmt.Errorf("%s: %s", env.Code, env.Message)
			}
		case err := <-readErrCh:
			return "", err
		case <-timer.C:
			return "", fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// awaitTurn waits for the assistant transcript that closes a turn, noting
// when the first audio delta arrived.
func awaitTurn(events <-chan serverEnvelope, readErrCh <-chan error, start time.Time, timeout time.Duration, verbose bool) (turnTiming, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var timing turnTiming
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeAudioResponse):
				if timing.FirstAudio == 0 {
					timing.FirstAudio = time.Since(start)
				}
			case string(protocol.TypeTranscript):
				if env.Role == "assistant" {
					timing.Transcript = time.Since(start)
					return timing, env.Text, nil
				}
			case string(protocol.TypeSessionStatus):
				if env.Status == "DISCONNECTED" {
					return timing, "", fmt.Errorf("session disconnected")
				}
			case string(protocol.TypeError):
				if verbose {
					fmt.Fprintf(os.Stderr, "relayprobe: error code=%s message=%s\n", env.Code, env.Message)
				}
			}
		case err := <-readErrCh:
			return timing, "", err
		case <-timer.C:
			return timing, "", fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func streamPCM(conn *websocket.Conn, pcm []byte, sampleRate, chunkMS int, realtime float64) error {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	bytesPerChunk -= bytesPerChunk % 2
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return err
		}
		pause := time.Duration(float64(time.Duration(end-off)*time.Second/time.Duration(sampleRate*2)) / realtime)
		time.Sleep(max(pause, time.Millisecond))
	}
	return nil
}

func summarize(timings []turnTiming) string {
	if len(timings) == 0 {
		return "relayprobe: no turns completed"
	}
	audio := make([]time.Duration, 0, len(timings))
	transcript := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		if t.FirstAudio > 0 {
			audio = append(audio, t.FirstAudio)
		}
		transcript = append(transcript, t.Transcript)
	}
	return fmt.Sprintf("relayprobe: turns=%d first_audio_p50=%s transcript_p50=%s transcript_max=%s",
		len(timings), median(audio), median(transcript), maxDuration(transcript))
}

func median(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2].Round(time.Millisecond)
}

func maxDuration(ds []time.Duration) time.Duration {
	var out time.Duration
	for _, d := range ds {
		out = max(out, d)
	}
	return out.Round(time.Millisecond)
}

// decodeWAVPCM16 extracts mono 16-bit PCM from a RIFF file, averaging
// channels when the clip is multi-channel.
func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = chunk
		}
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}

	frameBytes := int(channels) * 2
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
