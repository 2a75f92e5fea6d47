package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultGatewayHost      = "127.0.0.1"
	DefaultGatewayPort      = 8081
	DefaultGatewayPath      = "/channels/reply"
	DefaultGatewayTimeout   = 2 * time.Minute
	DefaultInboundQueueSize = 256
	DefaultInboundWorkers   = 4
	DefaultDedupWindow      = 10 * time.Minute
	DefaultDedupMaxEntries  = 2048
	DefaultPlaceholderDelay = 2 * time.Second
	DefaultPlaceholderText  = "Thinking..."

	DomainFeishu = "feishu"
	DomainLark   = "lark"

	ConnectionModeWebsocket = "websocket"
	ConnectionModeWebhook   = "webhook"

	GatewayModeHTTP = "http"
	GatewayModeEcho = "echo"
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	AgentGateway AgentGatewayConfig `toml:"agent_gateway"`
	Inbound      InboundConfig      `toml:"inbound"`
	Dedup        DedupConfig        `toml:"dedup"`
	Placeholder  PlaceholderConfig  `toml:"placeholder"`
	Feishu       FeishuConfig       `toml:"feishu"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AgentGatewayConfig struct {
	Mode    string   `toml:"mode" validate:"oneof=http echo"`
	Host    string   `toml:"host"`
	Port    int      `toml:"port" validate:"gte=0,lte=65535"`
	Path    string   `toml:"path"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

func (c AgentGatewayConfig) BaseURL() string {
	host := c.Host
	if host == "" {
		host = DefaultGatewayHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultGatewayPort
	}
	return "http://" + host + ":" + fmt.Sprint(port)
}

// ReplyURL is the endpoint receiving normalized inbound contexts.
func (c AgentGatewayConfig) ReplyURL() string {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		path = DefaultGatewayPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.BaseURL() + path
}

type InboundConfig struct {
	QueueSize int `toml:"queue_size" validate:"gte=1"`
	Workers   int `toml:"workers" validate:"gte=1"`
}

type DedupConfig struct {
	Window     Duration `toml:"window"`
	MaxEntries int      `toml:"max_entries" validate:"gte=1"`
}

type PlaceholderConfig struct {
	Enabled bool     `toml:"enabled"`
	Delay   Duration `toml:"delay"`
	Text    string   `toml:"text"`
}

type FeishuConfig struct {
	Accounts []FeishuAccount `toml:"accounts" validate:"unique=ID,dive"`
}

// FeishuAccount is one Feishu/Lark app the gateway serves.
type FeishuAccount struct {
	ID                string                 `toml:"id" validate:"required"`
	AppID             string                 `toml:"app_id" validate:"required"`
	AppSecret         string                 `toml:"app_secret" validate:"required"`
	EncryptKey        string                 `toml:"encrypt_key"`
	VerificationToken string                 `toml:"verification_token"`
	Domain            string                 `toml:"domain" validate:"omitempty,oneof=feishu lark"`
	ConnectionMode    string                 `toml:"connection_mode" validate:"omitempty,oneof=websocket webhook"`
	Enabled           *bool                  `toml:"enabled"`
	RequireMention    *bool                  `toml:"require_mention"`
	BotOpenID         string                 `toml:"bot_open_id"`
	Groups            map[string]GroupConfig `toml:"groups"`
}

// IsEnabled defaults to true when unset.
func (a FeishuAccount) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// MentionRequired defaults to true when unset.
func (a FeishuAccount) MentionRequired() bool {
	return a.RequireMention == nil || *a.RequireMention
}

type GroupConfig struct {
	Enabled        *bool `toml:"enabled"`
	RequireMention *bool `toml:"require_mention"`
}

// Duration decodes TOML strings such as "10m" or "2500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		AgentGateway: AgentGatewayConfig{
			Mode:    GatewayModeHTTP,
			Host:    DefaultGatewayHost,
			Port:    DefaultGatewayPort,
			Path:    DefaultGatewayPath,
			Timeout: Duration{DefaultGatewayTimeout},
		},
		Inbound: InboundConfig{
			QueueSize: DefaultInboundQueueSize,
			Workers:   DefaultInboundWorkers,
		},
		Dedup: DedupConfig{
			Window:     Duration{DefaultDedupWindow},
			MaxEntries: DefaultDedupMaxEntries,
		},
		Placeholder: PlaceholderConfig{
			Enabled: true,
			Delay:   Duration{DefaultPlaceholderDelay},
			Text:    DefaultPlaceholderText,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes TOML content on top of the defaults and validates it.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Dedup.Window.Duration <= 0 {
		return fmt.Errorf("invalid config: dedup.window must be positive")
	}
	if c.Placeholder.Enabled && c.Placeholder.Delay.Duration < 0 {
		return fmt.Errorf("invalid config: placeholder.delay must not be negative")
	}
	return nil
}
