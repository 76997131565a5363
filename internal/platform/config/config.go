package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yaml"

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	Migrate         bool          `yaml:"migrate"`
}

type Certs struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	TLS          bool          `yaml:"tls"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AllowOrigins []string      `yaml:"allow_origins"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type WorkflowConfig struct {
	// 差し戻し先: REJECTED（既定）か DRAFT
	RejectTarget string `yaml:"reject_target"`
}

type CountsConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Queues          []string      `yaml:"queues"`
}

type ExportConfig struct {
	MaxRows int     `yaml:"max_rows"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Version     string         `yaml:"version"`
	Mode        string         `yaml:"mode"`
	Server      ServerConfig   `yaml:"server"`
	DB          DatabaseConfig `yaml:"database"`
	Certificate Certs          `yaml:"certificate"`
	Auth        AuthConfig     `yaml:"auth"`
	Workflow    WorkflowConfig `yaml:"workflow"`
	Counts      CountsConfig   `yaml:"counts"`
	Export      ExportConfig   `yaml:"export"`
	Kafka       KafkaConfig    `yaml:"kafka"`
	Log         LogConfig      `yaml:"log"`
}

// Load は YAML を読み、.env と環境変数で上書きし、既定値を埋めて検証する。
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// .env は無くてもよい
	_ = godotenv.Load()
	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ALE_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("ALE_DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("ALE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ALE_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if len(c.Server.AllowOrigins) == 0 {
		c.Server.AllowOrigins = []string{"http://localhost:3000"}
	}
	// 接続プール（合算がMySQLの max_connections を超えないよう配分する）
	if c.DB.MaxOpenConns == 0 {
		c.DB.MaxOpenConns = 80
	}
	if c.DB.MaxIdleConns == 0 {
		c.DB.MaxIdleConns = 20
	}
	if c.DB.ConnMaxLifetime == 0 {
		c.DB.ConnMaxLifetime = 30 * time.Minute
	}
	if c.DB.ConnMaxIdleTime == 0 {
		c.DB.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Workflow.RejectTarget == "" {
		c.Workflow.RejectTarget = "REJECTED"
	}
	if c.Counts.RefreshInterval == 0 {
		c.Counts.RefreshInterval = 30 * time.Second
	}
	if c.Export.MaxRows == 0 {
		c.Export.MaxRows = 10000
	}
	if c.Export.Rate == 0 {
		c.Export.Rate = 1
	}
	if c.Export.Burst == 0 {
		c.Export.Burst = 3
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "capital-call.events"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Mode != "dev" && c.Mode != "release" {
		errs = append(errs, fmt.Errorf("mode must be dev or release, got %q", c.Mode))
	}
	switch c.Workflow.RejectTarget {
	case "REJECTED", "DRAFT":
	default:
		errs = append(errs, fmt.Errorf("workflow.reject_target must be REJECTED or DRAFT, got %q", c.Workflow.RejectTarget))
	}
	if c.Mode == "release" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes in release mode"))
	}
	if c.Counts.RefreshInterval < time.Second {
		errs = append(errs, errors.New("counts.refresh_interval must be >= 1s"))
	}
	if c.Export.MaxRows < 1 {
		errs = append(errs, errors.New("export.max_rows must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDev() bool { return c.Mode == "dev" }

// CertPaths は mode に応じた証明書パスを返す
func (c *Config) CertPaths() (certFile, keyFile string) {
	dir := "config/tls/release"
	if c.IsDev() {
		dir = "config/tls/dev"
	}
	return dir + "/" + c.Certificate.Cert, dir + "/" + c.Certificate.Key
}
