package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type APICfg struct {
	BaseURL         string        `mapstructure:"base_url"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
	BreakerFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerInterval time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type ReconnectCfg struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

type RealtimeCfg struct {
	URL            string        `mapstructure:"url"`
	Transports     []string      `mapstructure:"transports"`
	Reconnect      ReconnectCfg  `mapstructure:"reconnect"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
}

type ChatCfg struct {
	HistoryPageSize     int           `mapstructure:"history_page_size"`
	ConversationPage    int           `mapstructure:"conversation_page_size"`
	ListRefreshInterval time.Duration `mapstructure:"list_refresh_interval"`
	TypingQuietInterval time.Duration `mapstructure:"typing_quiet_interval"`
	TypingStaleAfter    time.Duration `mapstructure:"typing_stale_after"`
}

type LogCfg struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type MetricsCfg struct {
	Addr string `mapstructure:"addr"`
}

type AuthCfg struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
}

type SimCfg struct {
	Port          int           `mapstructure:"port"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	RateLimitRPS  int           `mapstructure:"rate_limit_rps"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	KafkaBrokers  []string      `mapstructure:"kafka_brokers"`
	KafkaTopic    string        `mapstructure:"kafka_topic"`
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
}

type Config struct {
	API      APICfg      `mapstructure:"api"`
	Realtime RealtimeCfg `mapstructure:"realtime"`
	Chat     ChatCfg     `mapstructure:"chat"`
	Log      LogCfg      `mapstructure:"log"`
	Metrics  MetricsCfg  `mapstructure:"metrics"`
	Auth     AuthCfg     `mapstructure:"auth"`
	Sim      SimCfg      `mapstructure:"sim"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:4000")
	v.SetDefault("api.retry_max_elapsed", 0)
	v.SetDefault("api.breaker_max_failures", 5)
	v.SetDefault("api.breaker_interval", time.Minute)
	v.SetDefault("api.breaker_timeout", 30*time.Second)

	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.transports", []string{"websocket", "polling"})
	v.SetDefault("realtime.reconnect.max_attempts", 5)
	v.SetDefault("realtime.reconnect.base_delay", time.Second)
	v.SetDefault("realtime.ping_interval", 25*time.Second)
	v.SetDefault("realtime.pong_wait", 60*time.Second)
	v.SetDefault("realtime.write_wait", 10*time.Second)
	v.SetDefault("realtime.max_message_size", 65536)
	v.SetDefault("realtime.poll_timeout", 30*time.Second)

	v.SetDefault("chat.history_page_size", 50)
	v.SetDefault("chat.conversation_page_size", 20)
	v.SetDefault("chat.list_refresh_interval", 30*time.Second)
	v.SetDefault("chat.typing_quiet_interval", time.Second)
	v.SetDefault("chat.typing_stale_after", 0)

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", "")

	v.SetDefault("sim.port", 4000)
	v.SetDefault("sim.jwt_secret", "")
	v.SetDefault("sim.rate_limit_rps", 20)
	v.SetDefault("sim.ping_interval", 30*time.Second)
	v.SetDefault("sim.poll_timeout", 25*time.Second)
	v.SetDefault("sim.redis_addr", "")
	v.SetDefault("sim.redis_password", "")
	v.SetDefault("sim.redis_db", 0)
	v.SetDefault("sim.redis_prefix", "chatsim")
	v.SetDefault("sim.kafka_brokers", []string{})
	v.SetDefault("sim.kafka_topic", "message.sent")
	v.SetDefault("sim.mongo_uri", "")
	v.SetDefault("sim.mongo_database", "chatsim")
}

// Load reads an optional config file and overlays APP_* environment
// variables, e.g. APP_API_BASE_URL or APP_REALTIME_RECONNECT_MAX_ATTEMPTS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.BaseURL == "" {
		return errors.New("api.base_url missing")
	}
	if c.Realtime.URL == "" {
		c.Realtime.URL = c.API.BaseURL
	}
	c.Realtime.URL = strings.TrimRight(c.Realtime.URL, "/")
	// env values arrive as one comma separated string
	if len(c.Realtime.Transports) == 1 && strings.Contains(c.Realtime.Transports[0], ",") {
		c.Realtime.Transports = strings.Split(c.Realtime.Transports[0], ",")
	}
	for i, t := range c.Realtime.Transports {
		t = strings.TrimSpace(t)
		if t != "websocket" && t != "polling" {
			return fmt.Errorf("realtime.transports: unknown transport %q", t)
		}
		c.Realtime.Transports[i] = t
	}
	if c.Realtime.Reconnect.MaxAttempts < 0 {
		return errors.New("realtime.reconnect.max_attempts must be >= 0")
	}
	if c.Chat.HistoryPageSize <= 0 {
		c.Chat.HistoryPageSize = 50
	}
	if len(c.Sim.KafkaBrokers) == 1 && strings.Contains(c.Sim.KafkaBrokers[0], ",") {
		c.Sim.KafkaBrokers = strings.Split(c.Sim.KafkaBrokers[0], ",")
	}
	if c.Sim.Port <= 0 || c.Sim.Port > 65535 {
		return fmt.Errorf("invalid sim.port: %d", c.Sim.Port)
	}
	return nil
}

func (s SimCfg) PortString() string { return fmt.Sprintf("%d", s.Port) }
