// Package config 載入服務配置（YAML + 環境變數覆蓋）。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Addr         string        `yaml:"addr"`
		WSPath       string        `yaml:"ws_path"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Transport struct {
		MaxFrameSize    int           `yaml:"max_frame_size"`
		OutboundQueue   int           `yaml:"outbound_queue"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`
		MessageRate     float64       `yaml:"message_rate"`  // 每秒訊息數
		MessageBurst    int           `yaml:"message_burst"` // 突發上限
	} `yaml:"transport"`

	Room struct {
		InviteCodeLength int           `yaml:"invite_code_length"`
		AllowSpectators  bool          `yaml:"allow_spectators"`
		SpectatorLimit   int           `yaml:"spectator_limit"`
		SpectatorDelay   time.Duration `yaml:"spectator_delay"`
		IdleTTL          time.Duration `yaml:"idle_ttl"`
		CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	} `yaml:"room"`

	Auth struct {
		JWTSecret    string            `yaml:"jwt_secret"`
		Issuer       string            `yaml:"issuer"`
		StaticTokens map[string]string `yaml:"static_tokens"` // token -> player id
	} `yaml:"auth"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 回傳預設配置
func Default() *Config {
	var c Config
	c.Server.Addr = ":8080"
	c.Server.WSPath = "/ws"
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second

	c.Transport.MaxFrameSize = 64 << 10
	c.Transport.OutboundQueue = 256
	c.Transport.WriteTimeout = 5 * time.Second
	c.Transport.PingInterval = 30 * time.Second
	c.Transport.ReadIdleTimeout = 90 * time.Second
	c.Transport.MessageRate = 20
	c.Transport.MessageBurst = 40

	c.Room.InviteCodeLength = 6
	c.Room.AllowSpectators = true
	c.Room.SpectatorLimit = 20
	c.Room.IdleTTL = 5 * time.Minute
	c.Room.CleanupInterval = time.Minute

	c.Auth.Issuer = ""

	c.Redis.Addr = "localhost:6379"
	c.Redis.KeyPrefix = "turnroom:"

	c.Postgres.MaxConns = 10
	c.Postgres.MinConns = 1

	c.NATS.URL = "nats://localhost:4222"
	c.NATS.Stream = "AUDIT"
	c.NATS.SubjectPrefix = "audit"

	c.Log.Level = "info"
	c.Log.Format = "text"
	return &c
}

// Load 讀取 YAML 檔案並套用環境變數
//
// 檔案不存在時使用預設值。
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path 來自啟動參數
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if v := os.Getenv("TURNROOM_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TURNROOM_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path must start with /: %q", c.Server.WSPath))
	}
	if c.Transport.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("transport.max_frame_size must be positive"))
	}
	if c.Transport.OutboundQueue <= 0 {
		errs = append(errs, errors.New("transport.outbound_queue must be positive"))
	}
	if c.Room.InviteCodeLength < 4 {
		errs = append(errs, fmt.Errorf("room.invite_code_length too short: %d", c.Room.InviteCodeLength))
	}
	if c.Room.SpectatorLimit < 0 {
		errs = append(errs, errors.New("room.spectator_limit must not be negative"))
	}
	if c.Auth.JWTSecret == "" && len(c.Auth.StaticTokens) == 0 {
		errs = append(errs, errors.New("auth: jwt_secret or static_tokens is required"))
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when postgres is enabled"))
	}
	if c.NATS.Enabled && c.NATS.Stream == "" {
		errs = append(errs, errors.New("nats.stream is required when nats is enabled"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json: %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLogLevel 解析日誌級別
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
