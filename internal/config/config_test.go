package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override Load consults so file-driven tests are
// hermetic.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "TG_ENV", "TG_BASE_URL", "DSN", "REDIS_URL", "JWT_SECRET",
		"TG_ADMIN_KEY", "TG_ENCRYPTION_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"TG_S3_ACCESS_KEY_ID", "TG_S3_SECRET_ACCESS_KEY",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
port: 9000
env: production
base_url: https://gateway.example.com/
allowed_origins:
  - https://app.example.com/
  - "  "
database:
  host: db.internal
  port: 3307
  user: gateway
  password: hunter2
  name: toolgate
redis:
  host: cache.internal
  port: 6380
  db: 2
admin_key: op-key
encryption_key: seal-key
inference:
  provider: anthropic
  model: claude-sonnet
  guard_enable: true
webhook:
  global_rate: 50
  global_burst: 100
  trigger_rate: 5
  trigger_burst: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Port)
	require.False(t, cfg.IsDev())
	require.Equal(t, "https://gateway.example.com", cfg.BaseURL)
	require.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, "gateway:hunter2@tcp(db.internal:3307)/toolgate?charset=utf8mb4&loc=Local&parseTime=true", cfg.DSN)
	require.Equal(t, "redis://cache.internal:6380/2", cfg.RedisURL)
	require.Equal(t, "op-key", cfg.AdminKey)
	require.Equal(t, "X-API-KEY", cfg.APIKeyHeader)
	require.True(t, cfg.Inference.GuardEnable)
	require.EqualValues(t, 50, cfg.Webhook.GlobalRate)

	// Unset sections keep their defaults.
	require.Equal(t, "trigger-events", cfg.Archive.Prefix)
	require.Equal(t, 6*time.Hour, cfg.Scheduler.RenewalInterval)
	require.Equal(t, 30, cfg.Webhook.EventRetainD)
	require.True(t, cfg.ShouldAutoMigrate())
	require.True(t, cfg.RerankEnabled())
}

func TestLoadEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("DSN", "root@tcp(127.0.0.1:3306)/toolgate?parseTime=true")
	t.Setenv("REDIS_URL", "redis://127.0.0.1:6379/0")

	// The default path is allowed to be absent.
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultPort, cfg.Port)
	require.True(t, cfg.IsDev())
	require.Equal(t, "http://localhost:8000", cfg.BaseURL)
	require.Equal(t, "root@tcp(127.0.0.1:3306)/toolgate?parseTime=true", cfg.DSN)
}

func TestLoadExplicitMissingFileErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.ErrorContains(t, err, "read config file")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "prot: 9000\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "parse config file")
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
port: 9000
dsn: file@tcp(a:3306)/x
redis_url: redis://a:6379/0
`)
	t.Setenv("PORT", "9100")
	t.Setenv("TG_ENV", "production")
	t.Setenv("DSN", "env@tcp(b:3306)/y")
	t.Setenv("TG_ADMIN_KEY", "env-admin")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.False(t, cfg.IsDev())
	require.Equal(t, "env@tcp(b:3306)/y", cfg.DSN)
	require.Equal(t, "env-admin", cfg.AdminKey)
}

func TestProviderKeyFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("DSN", "root@tcp(a:3306)/x")
	t.Setenv("REDIS_URL", "redis://a:6379/0")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sk-openai", cfg.Embedding.APIKey)
	require.Equal(t, "sk-openai", cfg.Inference.APIKey)

	// An anthropic inference provider takes its own key, never the OpenAI one.
	path := writeConfig(t, "inference:\n  provider: anthropic\n")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-openai", cfg.Embedding.APIKey)
	require.Equal(t, "sk-ant", cfg.Inference.APIKey)
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://a:6379/0")
	t.Setenv("DSN", "root@tcp(a:3306)/x")

	path := writeConfig(t, "port: 70000\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "invalid port")

	path = writeConfig(t, "webhook:\n  trigger_rate: 10\n  trigger_burst: 5\n")
	_, err = Load(path)
	require.ErrorContains(t, err, "burst must be >= rate")
}

func TestRedisURLAssembly(t *testing.T) {
	c := RedisRuntimeConfig{Host: "cache", Port: 6380, Username: "u", Password: "p", DB: 3, TLS: true}
	require.Equal(t, "rediss://u:p@cache:6380/3", c.URLValue())

	bare := RedisRuntimeConfig{URL: "localhost:6379"}
	require.Equal(t, "redis://localhost:6379", bare.URLValue())

	explicit := RedisRuntimeConfig{URL: "rediss://remote:6379/1", Host: "ignored"}
	require.Equal(t, "rediss://remote:6379/1", explicit.URLValue())
}

func TestDSNParams(t *testing.T) {
	c := DatabaseRuntimeConfig{
		Host: "db", Name: "toolgate",
		Params: map[string]string{"timeout": "5s", "charset": "utf8"},
	}
	dsn := c.DSNValue()
	require.Contains(t, dsn, "root@tcp(db:3306)/toolgate?")
	require.Contains(t, dsn, "charset=utf8")
	require.Contains(t, dsn, "timeout=5s")
	require.Contains(t, dsn, "parseTime=true")
}

func TestHelperDefaults(t *testing.T) {
	cfg := &AppConfig{}
	require.True(t, cfg.ShouldAutoMigrate())
	require.True(t, cfg.RerankEnabled())
	require.Equal(t, 2*time.Second, cfg.InferenceTimeout())

	off := false
	cfg.AutoMigrate = &off
	cfg.Inference.RerankEnable = &off
	cfg.Inference.TimeoutMS = 500
	require.False(t, cfg.ShouldAutoMigrate())
	require.False(t, cfg.RerankEnabled())
	require.Equal(t, 500*time.Millisecond, cfg.InferenceTimeout())
}
