package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, TransportEcho, cfg.Transport.Kind)
	require.Equal(t, 1500*time.Millisecond, cfg.Transport.Delay)
	require.Equal(t, 30*time.Second, cfg.Session.FirstChunkTimeout)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
session:
  first_chunk_timeout: 5s
  max_retries: 0
transport:
  kind: pubsub
  echo_delay: 10ms
  inner: llm
  llm:
    model: doubao
store:
  driver: sqlite
  dsn: file:chat.db
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 5*time.Second, cfg.Session.FirstChunkTimeout)
	require.Equal(t, 15*time.Second, cfg.Session.ChunkTimeout, "unset keys keep defaults")
	require.Equal(t, 0, cfg.Session.MaxRetries)
	require.Equal(t, 10*time.Millisecond, cfg.Transport.Delay)
	require.Equal(t, 40*time.Millisecond, cfg.Transport.ChunkDelay)
	require.Equal(t, "doubao", cfg.Transport.LLM.Model)
	require.Equal(t, "chat.requests", cfg.Transport.Topics.Requests)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, env(map[string]string{
		"CHATSESSION_TRANSPORT":           "llm",
		"CHATSESSION_DATABASE_URL":        "postgres://localhost/chat",
		"CHATSESSION_REDIS_ADDR":          "redis:6379",
		"CHATSESSION_FIRST_CHUNK_TIMEOUT": "2s",
		"CHATSESSION_MAX_RETRIES":         "5",
		"ARK_API_KEY":                     "k",
		"ARK_MODEL":                       "m",
		"CHATSESSION_LOG_LEVEL":           " ",
	}))
	require.NoError(t, err)

	require.Equal(t, TransportLLM, cfg.Transport.Kind)
	require.Equal(t, StorePostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://localhost/chat", cfg.Store.DSN)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 2*time.Second, cfg.Session.FirstChunkTimeout)
	require.Equal(t, 5, cfg.Session.MaxRetries)
	require.True(t, cfg.Transport.LLM.Enabled())
	require.Equal(t, "info", cfg.Log.Level, "blank values are ignored")
}

func TestApplyEnv_RejectsMalformedValues(t *testing.T) {
	cfg := Default()
	require.Error(t, ApplyEnv(&cfg, env(map[string]string{"CHATSESSION_CHUNK_TIMEOUT": "soon"})))
	require.Error(t, ApplyEnv(&cfg, env(map[string]string{"CHATSESSION_MAX_RETRIES": "many"})))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"unsupported inner", func(c *Config) { c.Transport.Kind = TransportPubSub; c.Transport.Inner = TransportPubSub }},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = StoreSQLite }},
		{"negative timeout", func(c *Config) { c.Session.ChunkTimeout = -time.Second }},
		{"negative retries", func(c *Config) { c.Session.MaxRetries = -1 }},
		{"negative budget", func(c *Config) { c.Session.HistoryMaxTokens = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("CHATSESSION_TRANSPORT", "")
	path := filepath.Join(t.TempDir(), "chatsession.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CHATSESSION_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CHATSESSION_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env")))
	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "loaded", os.Getenv("CHATSESSION_TEST_DOTENV"))
}
