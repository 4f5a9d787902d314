package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string `env:"AUTH_TOKEN"`
	CORSOrigins string `env:"CORS_ORIGINS"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ElevenLabs ElevenLabsConfig
	Speech     SpeechConfig
	Sync       SyncConfig
	Cache      CacheConfig
	S3         S3Config

	DatabaseURL string `env:"DATABASE_URL"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"readalong"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"readalong"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	InboxDir string `env:"INBOX_DIR"`
}

// ElevenLabsConfig configures the text-to-speech provider. An empty API key
// leaves the service in text-only mode.
type ElevenLabsConfig struct {
	APIKey       string `env:"ELEVENLABS_API_KEY"`
	BaseURL      string `env:"ELEVENLABS_BASE_URL" envDefault:"https://api.elevenlabs.io/v1"`
	VoiceID      string `env:"ELEVENLABS_VOICE_ID" envDefault:"21m00Tcm4TlvDq8ikWAM"`
	ModelID      string `env:"ELEVENLABS_MODEL_ID" envDefault:"eleven_monolingual_v1"`
	OutputFormat string `env:"ELEVENLABS_OUTPUT_FORMAT" envDefault:"pcm_24000"`

	Stability    float64 `env:"VOICE_STABILITY" envDefault:"0.5"`
	Similarity   float64 `env:"VOICE_SIMILARITY" envDefault:"0.5"`
	Style        float64 `env:"VOICE_STYLE" envDefault:"0"`
	SpeakerBoost bool    `env:"VOICE_SPEAKER_BOOST" envDefault:"false"`
}

// Enabled reports whether a provider key is configured.
func (c ElevenLabsConfig) Enabled() bool { return c.APIKey != "" }

type SpeechConfig struct {
	MaxAttempts   int           `env:"SPEECH_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay     time.Duration `env:"SPEECH_BASE_DELAY" envDefault:"1s"`
	Timeout       time.Duration `env:"SPEECH_TIMEOUT" envDefault:"30s"`
	MaxTextLength int           `env:"SPEECH_MAX_TEXT_LENGTH" envDefault:"5000"`
	RateLimit     float64       `env:"SPEECH_RATE_LIMIT" envDefault:"2"`
}

type SyncConfig struct {
	TickHz      int     `env:"SYNC_TICK_HZ" envDefault:"60"`
	TextRate    float64 `env:"TEXT_RATE" envDefault:"15"`
	TextRateMin float64 `env:"TEXT_RATE_MIN" envDefault:"5"`
	TextRateMax float64 `env:"TEXT_RATE_MAX" envDefault:"25"`

	Perfect    time.Duration `env:"SYNC_PERFECT" envDefault:"50ms"`
	Good       time.Duration `env:"SYNC_GOOD" envDefault:"100ms"`
	Acceptable time.Duration `env:"SYNC_ACCEPTABLE" envDefault:"200ms"`
	Poor       time.Duration `env:"SYNC_POOR" envDefault:"500ms"`

	HistorySize    int  `env:"SYNC_HISTORY_SIZE" envDefault:"10"`
	AudioDriven    bool `env:"AUDIO_DRIVEN" envDefault:"true"`
	MatchAudioRate bool `env:"MATCH_AUDIO_RATE" envDefault:"true"`
}

// CacheConfig controls the local audio cache and its pruning.
type CacheConfig struct {
	Dir       string        `env:"AUDIO_CACHE_DIR" envDefault:"./audio-cache"`
	Retention time.Duration `env:"CACHE_RETENTION" envDefault:"720h"`
	MaxGB     int           `env:"CACHE_MAX_SIZE_GB" envDefault:"0"`
}

// S3Config configures the optional S3 tier of the audio cache.
type S3Config struct {
	Bucket      string `env:"S3_BUCKET"`
	Endpoint    string `env:"S3_ENDPOINT"`
	Region      string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey   string `env:"S3_ACCESS_KEY"`
	SecretKey   string `env:"S3_SECRET_KEY"`
	Prefix      string `env:"S3_PREFIX"`
	LocalCache  bool   `env:"S3_LOCAL_CACHE" envDefault:"true"`
	UploadQueue int    `env:"S3_UPLOAD_QUEUE" envDefault:"64"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	CacheDir      string
	InboxDir      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.CacheDir != "" {
		cfg.Cache.Dir = overrides.CacheDir
	}
	if overrides.InboxDir != "" {
		cfg.InboxDir = overrides.InboxDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the ordering of the sync thresholds.
func (c *Config) Validate() error {
	var problems []string
	if c.Speech.MaxAttempts < 1 {
		problems = append(problems, "SPEECH_MAX_ATTEMPTS must be at least 1")
	}
	if c.Speech.MaxTextLength < 1 {
		problems = append(problems, "SPEECH_MAX_TEXT_LENGTH must be at least 1")
	}
	if c.Speech.Timeout <= 0 {
		problems = append(problems, "SPEECH_TIMEOUT must be positive")
	}
	if c.Speech.RateLimit < 0 {
		problems = append(problems, "SPEECH_RATE_LIMIT must not be negative")
	}
	if c.Sync.TickHz < 10 {
		problems = append(problems, "SYNC_TICK_HZ must be at least 10")
	}
	if c.Sync.TextRateMin <= 0 || c.Sync.TextRateMax < c.Sync.TextRateMin {
		problems = append(problems, "TEXT_RATE_MIN must be positive and not above TEXT_RATE_MAX")
	}
	s := c.Sync
	if !(s.Perfect > 0 && s.Perfect < s.Good && s.Good < s.Acceptable && s.Acceptable < s.Poor) {
		problems = append(problems, "sync thresholds must increase: SYNC_PERFECT < SYNC_GOOD < SYNC_ACCEPTABLE < SYNC_POOR")
	}
	if c.Sync.HistorySize < 1 {
		problems = append(problems, "SYNC_HISTORY_SIZE must be at least 1")
	}
	if c.Cache.MaxGB < 0 {
		problems = append(problems, "CACHE_MAX_SIZE_GB must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CORSOriginList splits CORS_ORIGINS on commas.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
