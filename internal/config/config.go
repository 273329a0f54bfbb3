package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AnalyzerURL     string        `env:"ANALYZER_URL,required"`
	AnalyzerToken   string        `env:"ANALYZER_TOKEN"`
	AnalyzerTimeout time.Duration `env:"ANALYZER_TIMEOUT" envDefault:"30s"`

	// Foreground polling: fixed interval and attempt ceiling.
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	PollMaxAttempts int           `env:"POLL_MAX_ATTEMPTS" envDefault:"60"`
	GameMaxAttempts int           `env:"GAME_POLL_MAX_ATTEMPTS" envDefault:"30"`

	// Background polling of registered jobs. No expiry.
	BackgroundPollInterval time.Duration `env:"BACKGROUND_POLL_INTERVAL" envDefault:"5s"`

	MinRecordingTime time.Duration `env:"MIN_RECORDING_TIME" envDefault:"0s"`
	MaxRecordingTime time.Duration `env:"MAX_RECORDING_TIME" envDefault:"10m"`
	SampleInterval   time.Duration `env:"SAMPLE_INTERVAL" envDefault:"150ms"`
	SilenceThreshold float64       `env:"SILENCE_THRESHOLD" envDefault:"0.02"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:","`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile   string `env:"LOG_FILE"`

	// Sealed blob archive. Empty ArchiveDir disables archiving.
	ArchiveDir       string        `env:"ARCHIVE_DIR"`
	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"168h"`

	S3 S3Config `envPrefix:"S3_"`

	// Optional MQTT notification fan-out.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"voicecoach"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"voicecoach"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	// Audio files dropped under InboxDir/<owner>/ are submitted and registered.
	InboxDir string `env:"INBOX_DIR"`
}

// S3Config configures the remote tier of the blob archive. Bucket empty
// means local-only.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX"`
}

func (s S3Config) Enabled() bool { return s.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	AnalyzerURL   string
	MQTTBrokerURL string
	ArchiveDir    string
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

	// The analyzer URL may come from a flag alone.
	if overrides.AnalyzerURL != "" {
		if _, ok := os.LookupEnv("ANALYZER_URL"); !ok {
			os.Setenv("ANALYZER_URL", overrides.AnalyzerURL)
			defer os.Unsetenv("ANALYZER_URL")
		}
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
	if overrides.AnalyzerURL != "" {
		cfg.AnalyzerURL = overrides.AnalyzerURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.ArchiveDir != "" {
		cfg.ArchiveDir = overrides.ArchiveDir
	}
	if overrides.InboxDir != "" {
		cfg.InboxDir = overrides.InboxDir
	}

	return cfg, nil
}
