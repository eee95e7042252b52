// Package config loads spire client settings from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/infigaming-com/go-spire/cache"
	"github.com/infigaming-com/go-spire/spire"
	"github.com/infigaming-com/go-spire/util"
	"github.com/joeshaw/envdecode"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// URL of the service root. ENV: SPIRE_URL
	URL string `yaml:"url" env:"SPIRE_URL"`
	// APIVersion selects media types from the discovery schema. ENV: SPIRE_API_VERSION
	APIVersion string `yaml:"api_version" env:"SPIRE_API_VERSION"`
	// Timeout is the default long-poll window. ENV: SPIRE_TIMEOUT
	Timeout time.Duration `yaml:"timeout" env:"SPIRE_TIMEOUT"`
	// RequestTimeout bounds non-poll requests. ENV: SPIRE_REQUEST_TIMEOUT
	RequestTimeout time.Duration `yaml:"request_timeout" env:"SPIRE_REQUEST_TIMEOUT"`
	// Key is the account API key. ENV: SPIRE_KEY
	Key string `yaml:"key" env:"SPIRE_KEY"`
	// Secret is the account secret, used when Key is empty. ENV: SPIRE_SECRET
	Secret string `yaml:"secret" env:"SPIRE_SECRET"`
	// Debug logs every request. ENV: SPIRE_DEBUG
	Debug bool `yaml:"debug" env:"SPIRE_DEBUG"`
	// PollErrors is "pause" or "retry". ENV: SPIRE_POLL_ERRORS
	PollErrors string `yaml:"poll_errors" env:"SPIRE_POLL_ERRORS"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables a shared descriptor cache and cursor checkpoints when
// Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr" env:"SPIRE_REDIS_ADDR"`
	DB     int64  `yaml:"db" env:"SPIRE_REDIS_DB"`
	Prefix string `yaml:"prefix" env:"SPIRE_REDIS_PREFIX"`
}

func Default() Config {
	return Config{
		URL:            spire.DefaultURL,
		APIVersion:     spire.DefaultAPIVersion,
		Timeout:        spire.DefaultPollTimeout,
		RequestTimeout: spire.DefaultRequestTimeout,
		PollErrors:     spire.PollErrorPause.String(),
		Redis:          RedisConfig{Prefix: "spire:"},
	}
}

// Load starts from Default, applies the YAML file at path when path is not
// empty, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over Default without consulting the environment.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	err := envdecode.Decode(c)
	if err != nil && !stderrors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q", c.URL)
	}
	if c.APIVersion == "" {
		return fmt.Errorf("api version required")
	}
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1s, got %s", c.Timeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if _, err := c.pollErrorPolicy(); err != nil {
		return err
	}
	return nil
}

func (c Config) pollErrorPolicy() (spire.PollErrorPolicy, error) {
	switch strings.ToLower(c.PollErrors) {
	case "", spire.PollErrorPause.String():
		return spire.PollErrorPause, nil
	case spire.PollErrorRetry.String():
		return spire.PollErrorRetry, nil
	}
	return 0, fmt.Errorf("unknown poll error policy %q", c.PollErrors)
}

// Options converts the configuration into client options. Stores are added
// separately through Stores.
func (c Config) Options(lg *zap.Logger) []spire.Option {
	policy, _ := c.pollErrorPolicy()
	opts := []spire.Option{
		spire.WithURL(c.URL),
		spire.WithAPIVersion(c.APIVersion),
		spire.WithTimeout(c.Timeout),
		spire.WithRequestTimeout(c.RequestTimeout),
		spire.WithDebug(c.Debug),
		spire.WithPollErrorPolicy(policy),
	}
	if lg != nil {
		opts = append(opts, spire.WithLogger(lg))
	}
	switch {
	case c.Key != "":
		opts = append(opts, spire.WithKey(c.Key))
	case c.Secret != "":
		opts = append(opts, spire.WithSecret(c.Secret))
	}
	return opts
}

// Stores connects to redis when configured and returns options that use it
// for the discovery document and cursor checkpoints. The returned func closes
// the connection.
func (c Config) Stores(ctx context.Context, lg *zap.Logger) ([]spire.Option, func() error, error) {
	if c.Redis.Addr == "" {
		return nil, func() error { return nil }, nil
	}
	client, err := util.NewRedisClient(ctx, c.Redis.Addr, c.Redis.DB, 0)
	if err != nil {
		return nil, nil, err
	}
	store := cache.NewRedisCache(lg, client, c.Redis.Prefix)
	return []spire.Option{
		spire.WithDescriptorCache(store),
		spire.WithCursorStore(store),
	}, client.Close, nil
}
