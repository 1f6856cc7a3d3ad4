package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects the gorm dialector. Driver is "postgres" or "mysql".
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	Issuer       string   `yaml:"issuer"`
	AllowedRoles []string `yaml:"allowed_roles"`
	AdminRole    string   `yaml:"admin_role"`
}

type WalletConfig struct {
	Currency            string   `yaml:"currency"`
	MaxAmount           string   `yaml:"max_amount"`
	DepositMethods      []string `yaml:"deposit_methods"`
	HistoryDefaultLimit int      `yaml:"history_default_limit"`
	HistoryMaxLimit     int      `yaml:"history_max_limit"`
	MaxRetries          int      `yaml:"max_retries"`
}

type CatalogConfig struct {
	Packages []PackageSeed `yaml:"packages"`
}

// PackageSeed is a catalog entry upserted at startup. Price is a decimal string.
type PackageSeed struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Price        string `yaml:"price"`
	DurationDays int    `yaml:"duration_days"`
	Active       bool   `yaml:"active"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" && c.Database.Driver != "mysql" {
		c.Database.DSN = c.Database.DSN + " password=" + pw
	}
	if s := os.Getenv("JWT_SECRET"); s != "" {
		c.Auth.JWTSecret = s
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "wallet-events"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if len(c.Auth.AllowedRoles) == 0 {
		c.Auth.AllowedRoles = []string{"AGENT", "BUSINESS", "ADMIN"}
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "ADMIN"
	}
	c.Wallet.ApplyDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ApplyDefaults fills unset wallet knobs.
func (w *WalletConfig) ApplyDefaults() {
	if w.Currency == "" {
		w.Currency = "VND"
	}
	if w.MaxAmount == "" {
		w.MaxAmount = "2000000000"
	}
	if len(w.DepositMethods) == 0 {
		w.DepositMethods = []string{"QR", "TRANSFER"}
	}
	if w.HistoryDefaultLimit <= 0 {
		w.HistoryDefaultLimit = 20
	}
	if w.HistoryMaxLimit <= 0 {
		w.HistoryMaxLimit = 100
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 3
	}
}
