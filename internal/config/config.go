package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "STUDYTUBE"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Auth    AuthConfig    `mapstructure:"auth"`
	WS      WSConfig      `mapstructure:"ws"`
	Audio   AudioConfig   `mapstructure:"audio"`
	STT     STTConfig     `mapstructure:"stt"`
	Rooms   RoomsConfig   `mapstructure:"rooms"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	AllowAnonymous bool   `mapstructure:"allow_anonymous"`
}

type WSConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ChatLimit chat messages are allowed per participant within ChatWindow.
	ChatLimit  int           `mapstructure:"chat_limit"`
	ChatWindow time.Duration `mapstructure:"chat_window"`
	// AuthTimeout bounds the wait for the in-band auth message on the audio socket.
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
}

type AudioConfig struct {
	FlushThreshold  int `mapstructure:"flush_threshold"`
	SampleRate      int `mapstructure:"sample_rate"`
	MinConvertBytes int `mapstructure:"min_convert_bytes"`
}

type STTConfig struct {
	Engine            string        `mapstructure:"engine"`
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Language          string        `mapstructure:"language"`
	Model             string        `mapstructure:"model"`
	Window            time.Duration `mapstructure:"window"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	InitTimeout       time.Duration `mapstructure:"init_timeout"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	FeedQueue         int           `mapstructure:"feed_queue"`
	ResultQueue       int           `mapstructure:"result_queue"`
}

type RoomsConfig struct {
	// MaxParticipants of 0 means unlimited.
	MaxParticipants int `mapstructure:"max_participants"`
}

type ArchiveConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	// History is how many chat messages per room are kept for replay.
	History int `mapstructure:"history"`
}

// New returns a viper instance with every default set and environment
// overrides enabled. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "studytube-session")
	v.SetDefault("log_level", "info")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_anonymous", false)

	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.send_timeout", "50ms")
	v.SetDefault("ws.write_timeout", "10s")
	v.SetDefault("ws.chat_limit", 10)
	v.SetDefault("ws.chat_window", "5s")
	v.SetDefault("ws.auth_timeout", "10s")

	v.SetDefault("audio.flush_threshold", 32000)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.min_convert_bytes", 1000)

	v.SetDefault("stt.engine", "none")
	v.SetDefault("stt.endpoint", "")
	v.SetDefault("stt.api_key", "")
	v.SetDefault("stt.language", "ko")
	v.SetDefault("stt.model", "")
	v.SetDefault("stt.window", "3s")
	v.SetDefault("stt.timeout", "30s")
	v.SetDefault("stt.max_retries", 3)
	v.SetDefault("stt.poll_interval", "1s")
	v.SetDefault("stt.heartbeat_interval", "10s")
	v.SetDefault("stt.init_timeout", "30s")
	v.SetDefault("stt.join_timeout", "5s")
	v.SetDefault("stt.feed_queue", 64)
	v.SetDefault("stt.result_queue", 64)

	v.SetDefault("rooms.max_participants", 0)
	v.SetDefault("archive.queue_size", 256)
	v.SetDefault("archive.history", 200)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, on top of the
// defaults in v. A missing file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = New()
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("stt", cfg.STT.Engine).Msg("config ready")
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	case c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous:
		return fmt.Errorf("%w: auth.jwt_secret is required unless auth.allow_anonymous is set", ErrInvalid)
	case c.WS.SendBuffer <= 0:
		return fmt.Errorf("%w: ws.send_buffer must be positive", ErrInvalid)
	case c.Audio.FlushThreshold < c.Audio.MinConvertBytes:
		return fmt.Errorf("%w: audio.flush_threshold below audio.min_convert_bytes", ErrInvalid)
	case c.STT.Engine != "none" && c.STT.Engine != "http":
		return fmt.Errorf("%w: stt.engine %q", ErrInvalid, c.STT.Engine)
	case c.STT.Engine == "http" && c.STT.Endpoint == "":
		return fmt.Errorf("%w: stt.endpoint is required for the http engine", ErrInvalid)
	case c.Rooms.MaxParticipants < 0:
		return fmt.Errorf("%w: rooms.max_participants", ErrInvalid)
	}
	return nil
}
