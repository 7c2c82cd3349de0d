package config

import (
	"bytes"
	"fmt"
	"net"
	neturl "net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	defaultPort       = 8000
	defaultEnv        = "development"

	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "toolgate"
	defaultDBCharset  = "utf8mb4"
	defaultDBLoc      = "Local"

	defaultRedisHost = "localhost"
	defaultRedisPort = 6379
	defaultRedisDB   = 0
)

// AppConfig holds runtime startup configuration loaded from YAML, with
// environment overrides applied after decode.
type AppConfig struct {
	Port           int                   `yaml:"port"`
	Env            string                `yaml:"env"` // "development" | "production"
	BaseURL        string                `yaml:"base_url"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
	DSN            string                `yaml:"dsn"`
	RedisURL       string                `yaml:"redis_url"`
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	JWTSecret      string                `yaml:"jwt_secret"`
	AdminKey       string                `yaml:"admin_key"`
	APIKeyHeader   string                `yaml:"api_key_header"`
	EncryptionKey  string                `yaml:"encryption_key"`
	AutoMigrate    *bool                 `yaml:"auto_migrate"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Inference InferenceConfig `yaml:"inference"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Alert     AlertConfig     `yaml:"alert"`
}

type DatabaseRuntimeConfig struct {
	DSN      string            `yaml:"dsn"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Name     string            `yaml:"name"`
	Charset  string            `yaml:"charset"`
	Loc      string            `yaml:"loc"`
	Params   map[string]string `yaml:"params"`
}

type RedisRuntimeConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

// EmbeddingConfig selects the embedding model used for catalog vectors and
// search intents.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// InferenceConfig selects the chat model used for search reranking and the
// custom-instructions guard. Provider is "openai", "anthropic", or
// "openai-compatible" (any /v1/chat/completions endpoint).
type InferenceConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	MaxRetries   int    `yaml:"max_retries"`
	RerankEnable *bool  `yaml:"rerank_enable"`
	GuardEnable  bool   `yaml:"guard_enable"`
}

// WebhookConfig tunes the inbound webhook surface.
type WebhookConfig struct {
	GlobalRate    float64 `yaml:"global_rate"`
	GlobalBurst   float64 `yaml:"global_burst"`
	TriggerRate   float64 `yaml:"trigger_rate"`
	TriggerBurst  float64 `yaml:"trigger_burst"`
	EventRetainD  int     `yaml:"event_retain_days"`
	TransformWait int     `yaml:"transform_budget_ms"`
}

// SchedulerConfig sets background loop cadences. Zero values fall back to
// the defaults applied in Load.
type SchedulerConfig struct {
	RenewalInterval time.Duration `yaml:"renewal_interval"`
	ExpiryInterval  time.Duration `yaml:"expiry_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// ArchiveConfig points cleanup at an S3-compatible bucket for expired-event
// archival. Disabled when Bucket is empty.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
}

// AlertConfig configures abuse-alert pushes.
type AlertConfig struct {
	BarkKey    string `yaml:"bark_key"`
	BarkServer string `yaml:"bark_server"`
	Title      string `yaml:"title"`
}

// Load reads the YAML config at path, applies defaults and environment
// overrides, and validates the result. A missing file is not an error when
// the environment provides the essentials.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := defaultAppConfig()

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	case os.IsNotExist(err) && path == DefaultConfigPath:
		// fall through to env-only configuration
	default:
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d, expected 1-65535", cfg.Port)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database is not configured (set dsn, database.*, or DSN env)")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis is not configured (set redis_url, redis.*, or REDIS_URL env)")
	}
	if cfg.Webhook.GlobalBurst < cfg.Webhook.GlobalRate || cfg.Webhook.TriggerBurst < cfg.Webhook.TriggerRate {
		return nil, fmt.Errorf("webhook burst must be >= rate")
	}

	return &cfg, nil
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Port:    defaultPort,
		Env:     defaultEnv,
		BaseURL: fmt.Sprintf("http://localhost:%d", defaultPort),
		Database: DatabaseRuntimeConfig{
			Host:     defaultDBHost,
			Port:     defaultDBPort,
			User:     defaultDBUser,
			Password: defaultDBPassword,
			Name:     defaultDBName,
			Charset:  defaultDBCharset,
			Loc:      defaultDBLoc,
		},
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1024,
		},
		Inference: InferenceConfig{
			Provider:   "openai",
			Model:      "gpt-4o-mini",
			TimeoutMS:  2000,
			MaxRetries: 1,
		},
		Webhook: WebhookConfig{
			GlobalRate:    100,
			GlobalBurst:   200,
			TriggerRate:   10,
			TriggerBurst:  20,
			EventRetainD:  30,
			TransformWait: 100,
		},
		Scheduler: SchedulerConfig{
			RenewalInterval: 6 * time.Hour,
			ExpiryInterval:  time.Hour,
			CleanupInterval: 24 * time.Hour,
			RetryInterval:   30 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("TG_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("TG_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("TG_ADMIN_KEY"); v != "" {
		cfg.AdminKey = v
	}
	if v := os.Getenv("TG_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
		if cfg.Inference.APIKey == "" && cfg.Inference.Provider != "anthropic" {
			cfg.Inference.APIKey = v
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Inference.Provider == "anthropic" && cfg.Inference.APIKey == "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("TG_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Archive.AccessKeyID = v
	}
	if v := os.Getenv("TG_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Archive.SecretAccessKey = v
	}
}

func normalize(cfg *AppConfig) {
	cfg.Env = normalizeEnv(cfg.Env)
	if cfg.DSN == "" {
		cfg.DSN = cfg.Database.DSNValue()
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = cfg.Redis.URLValue()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-KEY"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "trigger-events"
	}
	if cfg.Webhook.EventRetainD <= 0 {
		cfg.Webhook.EventRetainD = 30
	}
	if cfg.Scheduler.RenewalInterval <= 0 {
		cfg.Scheduler.RenewalInterval = 6 * time.Hour
	}
	if cfg.Scheduler.ExpiryInterval <= 0 {
		cfg.Scheduler.ExpiryInterval = time.Hour
	}
	if cfg.Scheduler.CleanupInterval <= 0 {
		cfg.Scheduler.CleanupInterval = 24 * time.Hour
	}
	if cfg.Scheduler.RetryInterval <= 0 {
		cfg.Scheduler.RetryInterval = 30 * time.Minute
	}
}

// DSNValue assembles a MySQL DSN from parts unless an explicit DSN was given.
func (c DatabaseRuntimeConfig) DSNValue() string {
	if v := strings.TrimSpace(c.DSN); v != "" {
		return v
	}

	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = defaultDBHost
	}
	port := c.Port
	if port == 0 {
		port = defaultDBPort
	}
	user := strings.TrimSpace(c.User)
	if user == "" {
		user = defaultDBUser
	}
	password := c.Password
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = defaultDBName
	}
	charset := strings.TrimSpace(c.Charset)
	if charset == "" {
		charset = defaultDBCharset
	}
	loc := strings.TrimSpace(c.Loc)
	if loc == "" {
		loc = defaultDBLoc
	}

	params := neturl.Values{}
	for key, value := range c.Params {
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(value)
		if k != "" && v != "" {
			params.Set(k, v)
		}
	}
	if params.Get("charset") == "" {
		params.Set("charset", charset)
	}
	if params.Get("parseTime") == "" {
		params.Set("parseTime", "true")
	}
	if params.Get("loc") == "" {
		params.Set("loc", loc)
	}

	auth := user
	if password != "" {
		auth += ":" + password
	}

	return fmt.Sprintf("%s@tcp(%s)/%s?%s",
		auth, net.JoinHostPort(host, strconv.Itoa(port)), name, params.Encode())
}

// URLValue assembles a redis URL from parts unless an explicit URL was given.
func (c RedisRuntimeConfig) URLValue() string {
	if u := strings.TrimSpace(c.URL); u != "" {
		if !strings.Contains(u, "://") {
			return "redis://" + u
		}
		return u
	}

	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = defaultRedisHost
	}
	port := c.Port
	if port == 0 {
		port = defaultRedisPort
	}

	scheme := "redis"
	if c.TLS {
		scheme = "rediss"
	}

	u := neturl.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + strconv.Itoa(c.DB),
	}
	if c.Username != "" || c.Password != "" {
		u.User = neturl.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, strings.TrimRight(o, "/"))
		}
	}
	return out
}

func normalizeEnv(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production":
		return "production"
	default:
		return "development"
	}
}

// IsDev reports whether the app runs in development mode.
func (c *AppConfig) IsDev() bool { return c.Env != "production" }

// ShouldAutoMigrate defaults to true unless explicitly disabled.
func (c *AppConfig) ShouldAutoMigrate() bool {
	return c.AutoMigrate == nil || *c.AutoMigrate
}

// RerankEnabled defaults to true unless explicitly disabled.
func (c *AppConfig) RerankEnabled() bool {
	return c.Inference.RerankEnable == nil || *c.Inference.RerankEnable
}

// InferenceTimeout returns the rerank/guard call timeout.
func (c *AppConfig) InferenceTimeout() time.Duration {
	if c.Inference.TimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Inference.TimeoutMS) * time.Millisecond
}
