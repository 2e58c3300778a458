// Package config loads cache, session and logging settings from the
// environment, plus an optional YAML file holding the URL expiration table.
//
// Every field has an environment variable; see the struct tags. Durations
// use Go syntax ("90s", "1h"). Expirations also accept "never",
// "immediately" and a number of seconds.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/requests-cache/requests-cache-sub000/pkg/backends"
	"github.com/requests-cache/requests-cache-sub000/pkg/cachekey"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/policy"
	"github.com/requests-cache/requests-cache-sub000/pkg/session"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for configuration that parses but cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete configuration.
type Config struct {
	Cache   CacheConfig
	Session SessionConfig
	Log     logging.Config
}

// CacheConfig selects and configures the storage backend.
type CacheConfig struct {
	// Backend is a backends.Names() entry
	Backend string `env:"CACHE_BACKEND" envDefault:"sqlite"`

	// Name is the file, directory, table prefix or database of the cache
	Name string `env:"CACHE_NAME" envDefault:"http_cache"`

	// URL is the server connection string for postgres, redis and mongodb
	URL string `env:"CACHE_URL"`

	// Serializer overrides the backend default
	Serializer string `env:"CACHE_SERIALIZER"`

	// Secret signs stored responses when set
	Secret string `env:"CACHE_SECRET"`

	// Sign requests signing even without a Secret, which stores values
	// unsigned and logs a warning
	Sign bool `env:"CACHE_SIGN"`

	MaxSize   int64         `env:"CACHE_MAX_SIZE"`
	TTLOffset time.Duration `env:"CACHE_TTL_OFFSET" envDefault:"1h"`

	Region   string `env:"CACHE_DYNAMODB_REGION"`
	Endpoint string `env:"CACHE_DYNAMODB_ENDPOINT"`
}

// SessionConfig holds the cache policy and the live request settings.
type SessionConfig struct {
	ExpireAfter          policy.Expiry        `env:"CACHE_EXPIRE_AFTER" envDefault:"never"`
	CacheControl         bool                 `env:"CACHE_CONTROL"`
	AllowableCodes       []int                `env:"CACHE_ALLOWABLE_CODES" envDefault:"200"`
	AllowableMethods     []string             `env:"CACHE_ALLOWABLE_METHODS" envDefault:"GET,HEAD"`
	IgnoredParameters    []string             `env:"CACHE_IGNORED_PARAMETERS"`
	JSONRoot             string               `env:"CACHE_JSON_ROOT"`
	MatchHeaders         cachekey.HeaderMatch `env:"CACHE_MATCH_HEADERS"`
	OnlyIfCached         bool                 `env:"CACHE_ONLY_IF_CACHED"`
	StaleIfError         policy.Staleness     `env:"CACHE_STALE_IF_ERROR"`
	StaleWhileRevalidate policy.Staleness     `env:"CACHE_STALE_WHILE_REVALIDATE"`

	// URLPatternsFile is a YAML file with a urls_expire_after table
	URLPatternsFile string             `env:"CACHE_URL_PATTERNS_FILE"`
	URLsExpireAfter policy.URLPatterns `env:"-"`

	Timeout             time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	RetryAttempts       int           `env:"HTTP_RETRY_ATTEMPTS" envDefault:"1"`
	RetryInitialBackoff time.Duration `env:"HTTP_RETRY_INITIAL_BACKOFF" envDefault:"1s"`
	RetryMaxBackoff     time.Duration `env:"HTTP_RETRY_MAX_BACKOFF" envDefault:"30s"`
}

// patternsFile is the layout of URLPatternsFile.
type patternsFile struct {
	URLsExpireAfter policy.URLPatterns `yaml:"urls_expire_after"`
}

// Load reads the configuration from the environment and the URL patterns
// file it names.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Session.URLPatternsFile != "" {
		patterns, err := LoadURLPatterns(cfg.Session.URLPatternsFile)
		if err != nil {
			return nil, err
		}
		cfg.Session.URLsExpireAfter = patterns
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadURLPatterns reads the urls_expire_after table of a YAML file.
func LoadURLPatterns(path string) (policy.URLPatterns, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read url patterns: %w", err)
	}
	var f patternsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse url patterns %s: %w", path, err)
	}
	return f.URLsExpireAfter, nil
}

// Validate checks values the parsers accept but the cache cannot use.
func (c *Config) Validate() error {
	if !slices.Contains(backends.Names(), c.Cache.Backend) {
		return fmt.Errorf("%w: unknown backend %q (want one of %s)",
			ErrInvalid, c.Cache.Backend, strings.Join(backends.Names(), ", "))
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("%w: CACHE_MAX_SIZE must be >= 0 (got %d)", ErrInvalid, c.Cache.MaxSize)
	}
	if c.Session.RetryAttempts < 1 {
		return fmt.Errorf("%w: HTTP_RETRY_ATTEMPTS must be >= 1 (got %d)", ErrInvalid, c.Session.RetryAttempts)
	}
	for _, code := range c.Session.AllowableCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("%w: invalid status code %d in CACHE_ALLOWABLE_CODES", ErrInvalid, code)
		}
	}
	return nil
}

// Settings returns the session settings.
func (c *Config) Settings() policy.Settings {
	methods := make([]string, len(c.Session.AllowableMethods))
	for i, m := range c.Session.AllowableMethods {
		methods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	return policy.Settings{
		AllowableCodes:       c.Session.AllowableCodes,
		AllowableMethods:     methods,
		CacheControl:         c.Session.CacheControl,
		ExpireAfter:          c.Session.ExpireAfter,
		IgnoredParameters:    c.Session.IgnoredParameters,
		JSONRoot:             c.Session.JSONRoot,
		MatchHeaders:         c.Session.MatchHeaders,
		OnlyIfCached:         c.Session.OnlyIfCached,
		StaleIfError:         c.Session.StaleIfError,
		StaleWhileRevalidate: c.Session.StaleWhileRevalidate,
		URLsExpireAfter:      c.Session.URLsExpireAfter,
	}
}

// BackendOptions returns the options passed to backends.Open.
func (c *Config) BackendOptions() backends.Options {
	opts := backends.Options{
		Name:       c.Cache.Name,
		URL:        c.Cache.URL,
		Serializer: c.Cache.Serializer,
		MaxSize:    c.Cache.MaxSize,
		TTLOffset:  c.Cache.TTLOffset,
		Region:     c.Cache.Region,
		Endpoint:   c.Cache.Endpoint,
	}
	if c.Cache.Sign || c.Cache.Secret != "" {
		opts.Secret = append([]byte{}, c.Cache.Secret...)
	}
	return opts
}

// RetryConfig returns the retry configuration of live requests.
func (c *Config) RetryConfig() session.RetryConfig {
	rc := session.DefaultRetryConfig()
	rc.MaxAttempts = c.Session.RetryAttempts
	rc.InitialBackoff = c.Session.RetryInitialBackoff
	rc.MaxBackoff = c.Session.RetryMaxBackoff
	return rc
}

// OpenSession opens the configured backend and returns a session over it.
func (c *Config) OpenSession(ctx context.Context, opts ...session.Option) (*session.Session, error) {
	cache, err := backends.Open(ctx, c.Cache.Backend, c.BackendOptions())
	if err != nil {
		return nil, err
	}
	opts = append([]session.Option{
		session.WithHTTPClient(&http.Client{Timeout: c.Session.Timeout}),
		session.WithRetry(c.RetryConfig()),
	}, opts...)
	return session.New(cache, c.Settings(), opts...), nil
}
