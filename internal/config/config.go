package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Peer   PeerConfig   `mapstructure:"peer"`
	ICE    ICEConfig    `mapstructure:"ice"`
}

type ServerConfig struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	Secret        string        `mapstructure:"secret"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	TakeoverAfter time.Duration `mapstructure:"takeover_after"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AnswerGrace   time.Duration `mapstructure:"answer_grace"`
	CreateLimit   int           `mapstructure:"create_limit"`
	CreateWindow  time.Duration `mapstructure:"create_window"`
}

type PeerConfig struct {
	Directory          string        `mapstructure:"directory"`
	Protocol           string        `mapstructure:"protocol"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BusyRetry          time.Duration `mapstructure:"busy_retry"`
	ReconnectBackoff   time.Duration `mapstructure:"reconnect_backoff"`
	AnswerPollInterval time.Duration `mapstructure:"answer_poll_interval"`
	AnswerPollAttempts int           `mapstructure:"answer_poll_attempts"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	OfferRefresh       time.Duration `mapstructure:"offer_refresh"`
	MaxAdmissions      int           `mapstructure:"max_admissions"`
	SaveDelay          time.Duration `mapstructure:"save_delay"`
	PeerSweepInterval  time.Duration `mapstructure:"peer_sweep_interval"`
	PeerGrace          time.Duration `mapstructure:"peer_grace"`
}

type ICEConfig struct {
	Servers       []string      `mapstructure:"servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secret", "cowrite-dev-secret")
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.takeover_after", "10s")
	v.SetDefault("server.max_age", "30m")
	v.SetDefault("server.poll_timeout", "2m")
	v.SetDefault("server.sweep_interval", "60s")
	v.SetDefault("server.answer_grace", "30s")
	v.SetDefault("server.create_limit", 10)
	v.SetDefault("server.create_window", "1m")

	v.SetDefault("peer.directory", "http://localhost:8080/api/signal")
	v.SetDefault("peer.protocol", "single-offer")
	v.SetDefault("peer.poll_interval", "1500ms")
	v.SetDefault("peer.busy_retry", "1s")
	v.SetDefault("peer.reconnect_backoff", "3s")
	v.SetDefault("peer.answer_poll_interval", "1s")
	v.SetDefault("peer.answer_poll_attempts", 30)
	v.SetDefault("peer.connect_timeout", "30s")
	v.SetDefault("peer.offer_refresh", "30s")
	v.SetDefault("peer.max_admissions", 4)
	v.SetDefault("peer.save_delay", "2s")
	v.SetDefault("peer.peer_sweep_interval", "10s")
	v.SetDefault("peer.peer_grace", "30s")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.gather_timeout", "3s")
}

// Load reads path, or config/config.<CONFIG_ENV>.yaml when path is empty.
// A missing file is not an error; defaults and COWRITE_* env vars apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("cowrite")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", path).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Server.Mode).Int("port", cfg.Server.Port).Str("protocol", cfg.Peer.Protocol).Msg("config ready")
	return &cfg, nil
}
