package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	TextModeSupervisor = "supervisor"
	TextModeRealtime   = "realtime"
)

// Config contains all runtime settings for the realtime relay service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionSweepInterval     time.Duration
	MetricsNamespace         string

	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	RealtimeURL                string
	RealtimeModel              string
	RealtimeVoice              string
	RealtimeTranscriptionModel string
	UpstreamHandshakeTimeout   time.Duration
	UpstreamConnectAttempts    int

	SupervisorModel         string
	SupervisorMaxToolRounds int
	SupervisorTimeout       time.Duration
	TextMode                string
	DefaultAgent            string
	AgentProfilesPath       string

	WhisperModel          string
	TranscriptionLanguage string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                   envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:           envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		AllowedOrigins:             splitList(envOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")),
		LogLevel:                   envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                  envOrDefault("LOG_FORMAT", "text"),
		OpenAIAPIKey:               stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:              stringsTrimSpace("OPENAI_BASE_URL"),
		RealtimeURL:                envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:              envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview-2025-06-03"),
		RealtimeVoice:              envOrDefault("REALTIME_VOICE", "sage"),
		RealtimeTranscriptionModel: envOrDefault("REALTIME_TRANSCRIPTION_MODEL", "gpt-4o-mini-transcribe"),
		UpstreamHandshakeTimeout:   10 * time.Second,
		UpstreamConnectAttempts:    2,
		SupervisorModel:            envOrDefault("SUPERVISOR_MODEL", "gpt-4.1"),
		SupervisorMaxToolRounds:    8,
		SupervisorTimeout:          30 * time.Second,
		TextMode:                   strings.ToLower(envOrDefault("TEXT_MODE", TextModeSupervisor)),
		DefaultAgent:               envOrDefault("DEFAULT_AGENT", "supervisor"),
		AgentProfilesPath:          stringsTrimSpace("AGENT_PROFILES_PATH"),
		WhisperModel:               envOrDefault("WHISPER_MODEL", "whisper-1"),
		TranscriptionLanguage:      envOrDefault("TRANSCRIPTION_LANGUAGE", "ko"),
		DatabaseURL:                stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:            15 * time.Second,
		SessionInactivityTimeout:   30 * time.Minute,
		SessionSweepInterval:       time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("APP_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamHandshakeTimeout, err = durationFromEnv("UPSTREAM_HANDSHAKE_TIMEOUT", cfg.UpstreamHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamConnectAttempts, err = intFromEnv("UPSTREAM_CONNECT_ATTEMPTS", cfg.UpstreamConnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.SupervisorMaxToolRounds, err = intFromEnv("SUPERVISOR_MAX_TOOL_ROUNDS", cfg.SupervisorMaxToolRounds)
	if err != nil {
		return Config{}, err
	}
	cfg.SupervisorTimeout, err = durationFromEnv("SUPERVISOR_TIMEOUT", cfg.SupervisorTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionSweepInterval <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_SWEEP_INTERVAL must be positive")
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_HANDSHAKE_TIMEOUT must be positive")
	}
	if cfg.UpstreamConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_CONNECT_ATTEMPTS must be positive")
	}
	if cfg.SupervisorMaxToolRounds <= 0 {
		return Config{}, fmt.Errorf("SUPERVISOR_MAX_TOOL_ROUNDS must be positive")
	}
	switch cfg.TextMode {
	case TextModeSupervisor, TextModeRealtime:
	default:
		return Config{}, fmt.Errorf("TEXT_MODE must be %q or %q", TextModeSupervisor, TextModeRealtime)
	}
	if len(cfg.AllowedOrigins) == 0 {
		return Config{}, fmt.Errorf("ALLOWED_ORIGINS must list at least one origin")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
