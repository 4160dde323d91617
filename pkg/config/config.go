// Package config loads the chatsession configuration from YAML, .env files
// and CHATSESSION_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsession/pkg/lifecycle"
	"github.com/go-go-golems/chatsession/pkg/logging"
	"github.com/go-go-golems/chatsession/pkg/redisstream"
	"github.com/go-go-golems/chatsession/pkg/transport/echo"
	"github.com/go-go-golems/chatsession/pkg/transport/llm"
	"github.com/go-go-golems/chatsession/pkg/transport/pubsub"
)

const (
	TransportEcho   = "echo"
	TransportLLM    = "llm"
	TransportPubSub = "pubsub"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Session   SessionConfig        `yaml:"session"`
	Transport TransportConfig      `yaml:"transport"`
	Redis     redisstream.Settings `yaml:"redis"`
	Store     StoreConfig          `yaml:"store"`
	Server    ServerConfig         `yaml:"server"`
	Log       logging.Settings     `yaml:"log"`
}

type SessionConfig struct {
	lifecycle.Config `yaml:",inline"`
	// HistoryMaxTokens bounds the history sent with each request; zero sends
	// the full history.
	HistoryMaxTokens int `yaml:"history_max_tokens"`
}

type TransportConfig struct {
	Kind        string `yaml:"kind"`
	echo.Config `yaml:",inline"`
	LLM         llm.Config    `yaml:"llm"`
	Topics      pubsub.Topics `yaml:"topics"`
	// Inner is the backend a pub/sub responder serves requests with.
	Inner string `yaml:"inner"`
	// Responder runs a responder in the serving process when Kind is pubsub.
	Responder bool `yaml:"responder"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EvictInterval time.Duration `yaml:"evict_interval"`
}

func Default() Config {
	return Config{
		Session: SessionConfig{Config: lifecycle.DefaultConfig(), HistoryMaxTokens: 4000},
		Transport: TransportConfig{
			Kind:      TransportEcho,
			Config:    echo.DefaultConfig(),
			Topics:    pubsub.DefaultTopics(),
			Inner:     TransportEcho,
			Responder: true,
		},
		Redis:  redisstream.DefaultSettings(),
		Store:  StoreConfig{Driver: StoreMemory, Schema: "chatsession"},
		Server: ServerConfig{Addr: ":8080", IdleTimeout: 10 * time.Minute, EvictInterval: time.Minute},
		Log:    logging.DefaultSettings(),
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if cfg, err = Parse(b); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Keys missing from b keep their
// default values.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none is
// given) without overriding the environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(present...), "load .env")
}

type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg from CHATSESSION_* variables and the ARK_* model
// credentials.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = d
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		*dst = n
		return nil
	}

	str("CHATSESSION_TRANSPORT", &cfg.Transport.Kind)
	str("CHATSESSION_LOG_LEVEL", &cfg.Log.Level)
	str("CHATSESSION_SERVER_ADDR", &cfg.Server.Addr)
	str("CHATSESSION_STORE_DRIVER", &cfg.Store.Driver)
	str("CHATSESSION_STORE_DSN", &cfg.Store.DSN)
	if v, ok := lookup("CHATSESSION_DATABASE_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.Store.Driver = StorePostgres
		cfg.Store.DSN = strings.TrimSpace(v)
	}
	if v, ok := lookup("CHATSESSION_REDIS_ADDR"); ok && strings.TrimSpace(v) != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = strings.TrimSpace(v)
	}
	str("ARK_API_KEY", &cfg.Transport.LLM.APIKey)
	str("ARK_ACCESS_KEY", &cfg.Transport.LLM.AccessKey)
	str("ARK_SECRET_KEY", &cfg.Transport.LLM.SecretKey)
	str("ARK_MODEL", &cfg.Transport.LLM.Model)
	str("ARK_BASE_URL", &cfg.Transport.LLM.BaseURL)
	str("ARK_REGION", &cfg.Transport.LLM.Region)

	for key, dst := range map[string]*time.Duration{
		"CHATSESSION_FIRST_CHUNK_TIMEOUT": &cfg.Session.FirstChunkTimeout,
		"CHATSESSION_CHUNK_TIMEOUT":       &cfg.Session.ChunkTimeout,
		"CHATSESSION_ECHO_DELAY":          &cfg.Transport.Delay,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if err := integer("CHATSESSION_MAX_RETRIES", &cfg.Session.MaxRetries); err != nil {
		return err
	}
	return integer("CHATSESSION_HISTORY_MAX_TOKENS", &cfg.Session.HistoryMaxTokens)
}

func (c Config) Validate() error {
	switch c.Transport.Kind {
	case TransportEcho, TransportLLM, TransportPubSub:
	default:
		return errors.Errorf("transport.kind: unknown transport %q", c.Transport.Kind)
	}
	if c.Transport.Kind == TransportPubSub {
		switch c.Transport.Inner {
		case TransportEcho, TransportLLM:
		default:
			return errors.Errorf("transport.inner: unsupported backend %q", c.Transport.Inner)
		}
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return errors.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	s := c.Session
	if s.FirstChunkTimeout < 0 || s.ChunkTimeout < 0 {
		return errors.New("session: timeouts must not be negative")
	}
	if s.MaxRetries < 0 {
		return errors.New("session.max_retries must not be negative")
	}
	if s.HistoryMaxTokens < 0 {
		return errors.New("session.history_max_tokens must not be negative")
	}
	return nil
}
