package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Huddle/internal/app/turn"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "HUDDLE"

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	Log             LogConfig             `mapstructure:"log"`
	CORS            CORSConfig            `mapstructure:"cors"`
	Room            RoomConfig            `mapstructure:"room"`
	Signaling       SignalingConfig       `mapstructure:"signaling"`
	Turn            turn.Config           `mapstructure:"turn"`
	WebRtcTransport WebRtcTransportConfig `mapstructure:"webrtc_transport"`
	Engine          EngineConfig          `mapstructure:"engine"`
	Auth            AuthConfig            `mapstructure:"auth"`
	Roles           RolesConfig           `mapstructure:"roles"`
	Redis           RedisConfig           `mapstructure:"redis"`
	ClickHouse      ClickHouseConfig      `mapstructure:"clickhouse"`
	Webhook         WebhookConfig         `mapstructure:"webhook"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type RoomConfig struct {
	RouterScaleSize int           `mapstructure:"router_scale_size"`
	EmptyTimeout    time.Duration `mapstructure:"empty_timeout"`
	ReconnectGrace  time.Duration `mapstructure:"reconnect_grace"`
	MaxChatHistory  int           `mapstructure:"max_chat_history"`
}

type SignalingConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestRetries int           `mapstructure:"request_retries"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	// MaxDrops is how many notifications in a row a slow client may miss
	// before it is disconnected. Zero never disconnects.
	MaxDrops     int           `mapstructure:"max_drops"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type WebRtcTransportConfig struct {
	ListenIPs          []core.ListenIP `mapstructure:"listen_ips"`
	MaxIncomingBitrate int             `mapstructure:"max_incoming_bitrate"`
}

type EngineConfig struct {
	NumWorkers int `mapstructure:"num_workers"`
	// UDPPort multiplexes every worker over one shared UDP port.
	// Zero uses ephemeral ports.
	UDPPort int `mapstructure:"udp_port"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Required  bool   `mapstructure:"required"`
}

type RolesConfig struct {
	Default []string `mapstructure:"default"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ClickHouseConfig struct {
	Addr          []string      `mapstructure:"addr"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Retries int           `mapstructure:"retries"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("cors.allow_origins", []string{})

	v.SetDefault("room.router_scale_size", 40)
	v.SetDefault("room.empty_timeout", "10s")
	v.SetDefault("room.reconnect_grace", "10s")
	v.SetDefault("room.max_chat_history", 100)

	v.SetDefault("signaling.request_timeout", "20s")
	v.SetDefault("signaling.request_retries", 3)
	v.SetDefault("signaling.read_limit", 1<<20)
	v.SetDefault("signaling.ping_period", "54s")
	v.SetDefault("signaling.send_buffer", 64)
	v.SetDefault("signaling.max_drops", 0)
	v.SetDefault("signaling.rate_limit", 100)
	v.SetDefault("signaling.rate_interval", "10s")

	v.SetDefault("turn.urls", []string{})
	v.SetDefault("turn.static_secret", "")

	v.SetDefault("webrtc_transport.listen_ips", []map[string]any{{"ip": "0.0.0.0"}})
	v.SetDefault("webrtc_transport.max_incoming_bitrate", 1500000)

	v.SetDefault("engine.num_workers", 2)
	v.SetDefault("engine.udp_port", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.required", false)

	v.SetDefault("roles.default", []string{"publisher"})

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("clickhouse.addr", []string{})
	v.SetDefault("clickhouse.database", "huddle")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.flush_interval", "2s")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.retries", 3)
	v.SetDefault("webhook.timeout", "5s")
}

// Load reads path, or config/config.<CONFIG_ENV>.yaml when path is empty.
// A missing file falls back to defaults; HUDDLE_* variables, also read from
// a .env file, override both.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("module", "config").Err(err).Msg("cannot read .env")
	}

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

	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", path).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", path).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Mode != "release" && c.Mode != "debug" {
		return fmt.Errorf("mode must be release or debug, got %q", c.Mode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return errors.New("auth.required needs auth.jwt_secret")
	}
	if _, err := c.DefaultRoles(); err != nil {
		return fmt.Errorf("roles.default: %w", err)
	}
	if c.Signaling.PingPeriod <= 0 {
		return errors.New("signaling.ping_period must be positive")
	}
	if c.Signaling.RequestRetries <= 0 {
		return errors.New("signaling.request_retries must be positive")
	}
	if c.Engine.NumWorkers <= 0 {
		return errors.New("engine.num_workers must be positive")
	}
	if len(c.Turn.URLs) > 0 && c.Turn.StaticSecret == "" {
		return errors.New("turn.urls needs turn.static_secret")
	}
	return nil
}

// DefaultRoles is roles.default as role bits.
func (c *Config) DefaultRoles() (domain.Role, error) {
	return domain.ParseRoles(c.Roles.Default)
}

// PrintSummary renders the effective settings as a table.
func (c *Config) PrintSummary(w io.Writer) {
	enabled := func(on bool) string {
		if on {
			return "on"
		}
		return "off"
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("huddle")
	t.AppendHeader(table.Row{"setting", "value"})
	t.AppendRows([]table.Row{
		{"mode", c.Mode},
		{"port", c.Port},
		{"static", c.StaticPath},
		{"workers", c.Engine.NumWorkers},
		{"router scale size", c.Room.RouterScaleSize},
		{"empty timeout", c.Room.EmptyTimeout},
		{"reconnect grace", c.Room.ReconnectGrace},
		{"request timeout", fmt.Sprintf("%s x%d", c.Signaling.RequestTimeout, c.Signaling.RequestRetries)},
		{"default roles", strings.Join(c.Roles.Default, ",")},
		{"auth", enabled(c.Auth.Required)},
		{"turn", enabled(len(c.Turn.URLs) > 0)},
		{"redis", enabled(c.Redis.Addr != "")},
		{"clickhouse", enabled(len(c.ClickHouse.Addr) > 0)},
		{"webhook", enabled(c.Webhook.URL != "")},
	})
	t.Render()
}
