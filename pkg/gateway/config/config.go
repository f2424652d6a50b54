package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// Connection token verification.
	JWTSecret string
	JWTIssuer string

	// Recognition backend.
	SpeechProjectID    string
	SpeechLocation     string
	SpeechRecognizerID string
	SpeechLanguage     string
	SpeechModel        string

	// Streaming relay.
	QueueCapacity       int
	MaxAudioFrameBytes  int64
	IdleTimeout         time.Duration
	MaxSessionDuration  time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	MaxAudioFPS         int
	MaxAudioBPS         int64
	InboundBurstSeconds int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	PresenceTTL         time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CLINICORE_ADDR", ":8080"),
		DatabaseURL:         envOr("CLINICORE_DATABASE_URL", ""),
		RedisAddr:           envOr("CLINICORE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("CLINICORE_REDIS_PASSWORD"),
		JWTSecret:           envOr("CLINICORE_JWT_SECRET", ""),
		JWTIssuer:           envOr("CLINICORE_JWT_ISSUER", ""),
		SpeechProjectID:     envOr("CLINICORE_SPEECH_PROJECT_ID", ""),
		SpeechLocation:      envOr("CLINICORE_SPEECH_LOCATION", "global"),
		SpeechRecognizerID:  envOr("CLINICORE_SPEECH_RECOGNIZER_ID", "_"),
		SpeechLanguage:      envOr("CLINICORE_SPEECH_LANGUAGE", "en-US"),
		SpeechModel:         envOr("CLINICORE_SPEECH_MODEL", "latest_long"),
		QueueCapacity:       envIntOr("CLINICORE_QUEUE_CAPACITY", 256),
		MaxAudioFrameBytes:  envInt64Or("CLINICORE_MAX_AUDIO_FRAME_BYTES", 64<<10),
		IdleTimeout:         envDurationOr("CLINICORE_IDLE_TIMEOUT", 60*time.Second),
		MaxSessionDuration:  envDurationOr("CLINICORE_MAX_SESSION_DURATION", 2*time.Hour),
		PingInterval:        envDurationOr("CLINICORE_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:        envDurationOr("CLINICORE_WS_WRITE_TIMEOUT", 5*time.Second),
		MaxAudioFPS:         envIntOr("CLINICORE_MAX_AUDIO_FPS", 120),
		MaxAudioBPS:         envInt64Or("CLINICORE_MAX_AUDIO_BPS", 128<<10),
		InboundBurstSeconds: envIntOr("CLINICORE_INBOUND_BURST_SECONDS", 2),
		ReadHeaderTimeout:   envDurationOr("CLINICORE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("CLINICORE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		PresenceTTL:         envDurationOr("CLINICORE_PRESENCE_TTL", 4*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("CLINICORE_DATABASE_URL must be set")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("CLINICORE_JWT_SECRET must be set")
	}
	if cfg.SpeechProjectID == "" {
		return Config{}, fmt.Errorf("CLINICORE_SPEECH_PROJECT_ID must be set")
	}
	if cfg.QueueCapacity <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_QUEUE_CAPACITY must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("CLINICORE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("CLINICORE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBPS > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("CLINICORE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.PresenceTTL <= 0 {
		return Config{}, fmt.Errorf("CLINICORE_PRESENCE_TTL must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
