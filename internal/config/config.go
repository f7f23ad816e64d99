package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"whisperdeck/internal/domain"
)

// Config stores runtime configuration resolved from the environment.
type Config struct {
	Credentials domain.Credentials
	Session     domain.SessionParams
	Audio       AudioConfig
	Client      ClientConfig
	Rules       RulesConfig
	LogLevel    string
}

type AudioConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	InputDevice     string
}

type ClientConfig struct {
	FrameDuration        time.Duration
	MaxBacklogFrames     int
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
}

type RulesConfig struct {
	Path           string
	IterationLimit int
}

// Load resolves configuration from a local .env file (when present) and the
// process environment. Credential validation happens later, before connecting.
func Load() (Config, error) {
	_ = godotenv.Load()

	sampleRate := envOrDefaultInt("WHISPERDECK_SAMPLE_RATE", 16000)

	session := domain.DefaultSessionParams()
	session.EngineModel = envOrDefault("WHISPERDECK_ENGINE_MODEL", session.EngineModel)
	session.SampleRate = sampleRate
	session.NeedVAD = envOrDefaultBool("WHISPERDECK_NEED_VAD", session.NeedVAD)
	session.FilterDirty = envOrDefaultBool("WHISPERDECK_FILTER_DIRTY", false)
	session.FilterModal = envOrDefaultBool("WHISPERDECK_FILTER_MODAL", false)
	session.FilterPunc = envOrDefaultBool("WHISPERDECK_FILTER_PUNC", false)
	session.ConvertNumMode = envOrDefaultInt("WHISPERDECK_CONVERT_NUM_MODE", session.ConvertNumMode)
	session.HotwordID = strings.TrimSpace(os.Getenv("WHISPERDECK_HOTWORD_ID"))
	session.FilterEmpty = envOrDefaultBool("WHISPERDECK_FILTER_EMPTY_RESULT", false)
	session.VADSilenceMs = envOrDefaultInt("WHISPERDECK_VAD_SILENCE_MS", session.VADSilenceMs)

	cfg := Config{
		Credentials: domain.Credentials{
			AccountID:    strings.TrimSpace(os.Getenv("WHISPERDECK_APP_ID")),
			AccessID:     strings.TrimSpace(os.Getenv("WHISPERDECK_SECRET_ID")),
			AccessSecret: strings.TrimSpace(os.Getenv("WHISPERDECK_SECRET_KEY")),
			Region:       envOrDefault("WHISPERDECK_REGION", "ap-shanghai"),
		},
		Session: session,
		Audio: AudioConfig{
			SampleRate:      sampleRate,
			Channels:        1,
			FramesPerBuffer: envOrDefaultInt("WHISPERDECK_FRAMES_PER_BUFFER", 1024),
			InputDevice:     envOrDefault("WHISPERDECK_INPUT_DEVICE", "default"),
		},
		Client: ClientConfig{
			FrameDuration:        time.Duration(envOrDefaultInt("WHISPERDECK_FRAME_MS", 40)) * time.Millisecond,
			MaxBacklogFrames:     envOrDefaultInt("WHISPERDECK_MAX_BACKLOG_FRAMES", 25),
			ReconnectBase:        time.Duration(envOrDefaultInt("WHISPERDECK_RECONNECT_BASE_MS", 1000)) * time.Millisecond,
			MaxReconnectAttempts: envOrDefaultInt("WHISPERDECK_MAX_RECONNECT_ATTEMPTS", 5),
		},
		Rules: RulesConfig{
			Path:           strings.TrimSpace(os.Getenv("WHISPERDECK_RULES_FILE")),
			IterationLimit: envOrDefaultInt("WHISPERDECK_RULE_ITERATION_LIMIT", 20),
		},
		LogLevel: envOrDefault("WHISPERDECK_LOG_LEVEL", "info"),
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
		cfg.Session.SampleRate = 16000
	}
	if cfg.Client.FrameDuration <= 0 {
		cfg.Client.FrameDuration = 40 * time.Millisecond
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
