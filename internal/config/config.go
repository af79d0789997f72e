// Package config loads the shapesync configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
)

// Mode selects how live changes are delivered to a subscription.
type Mode string

const (
	// ModePoll issues repeated long-poll requests.
	ModePoll = Mode("poll")
	// ModePush keeps a websocket open and lets the server push batches.
	ModePush = Mode("push")
)

// StoreKind selects where cursors are persisted.
type StoreKind string

const (
	// StoreMemory keeps cursors in memory only. Every restart resyncs.
	StoreMemory = StoreKind("memory")
	// StoreFile writes one JSON file per shape into a directory.
	StoreFile = StoreKind("file")
	// StorePostgres keeps cursors and pending mutations in Postgres.
	StorePostgres = StoreKind("postgres")
	// StoreRedis keeps cursors in Redis.
	StoreRedis = StoreKind("redis")
)

// AuthKind selects the source of the authentication header.
type AuthKind string

const (
	// AuthNone sends no authentication header.
	AuthNone = AuthKind("")
	// AuthStatic sends a fixed header value.
	AuthStatic = AuthKind("static")
	// AuthJWT mints HS256 tokens signed with a shared secret.
	AuthJWT = AuthKind("jwt")
)

// Logging configures the loggers.
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Sentry configures error reporting of recovered panics.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty" envconfig:"dsn"`
	Environment string `toml:"sentry_environment,omitempty" envconfig:"environment"`
}

// Server points at the shape endpoint.
type Server struct {
	// URL is the full URL of the shape endpoint, e.g. http://localhost:3000/v1/shape.
	URL string `toml:"url,omitempty"`
	// HeaderPrefix is the prefix of the protocol response headers.
	HeaderPrefix string `toml:"header_prefix,omitempty" split_words:"true"`
}

// Auth configures the authentication header sent with every request.
type Auth struct {
	Kind   AuthKind `toml:"kind,omitempty"`
	Header string   `toml:"header,omitempty"`
	// Token is sent verbatim with the static kind.
	Token string `toml:"token,omitempty"`
	// Secret signs tokens with the jwt kind.
	Secret  string            `toml:"secret,omitempty"`
	Subject string            `toml:"subject,omitempty"`
	TTL     Duration          `toml:"ttl,omitempty"`
	Claims  map[string]string `toml:"claims,omitempty" ignored:"true"`
}

// Transport configures the stream transport.
type Transport struct {
	// RequestTimeout bounds a single non-live request.
	RequestTimeout Duration `toml:"request_timeout,omitempty" split_words:"true"`
	// LiveTimeout bounds a live request on top of the server's long-poll
	// block.
	LiveTimeout Duration `toml:"live_timeout,omitempty" split_words:"true"`
}

// Retry configures the retry policy of the subscriptions.
type Retry struct {
	MaxAttempts        uint     `toml:"max_attempts,omitempty" split_words:"true"`
	InitialDelay       Duration `toml:"initial_delay,omitempty" split_words:"true"`
	MaxDelay           Duration `toml:"max_delay,omitempty" split_words:"true"`
	MaxJitter          Duration `toml:"max_jitter,omitempty" split_words:"true"`
	MalformedThreshold uint     `toml:"malformed_threshold,omitempty" split_words:"true"`
}

// Store configures cursor persistence.
type Store struct {
	Kind StoreKind `toml:"kind,omitempty"`
	// Dir is the directory of the file store.
	Dir string `toml:"dir,omitempty"`
}

// DB holds database configuration data.
type DB struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`
}

// Redis holds the Redis connection configuration.
type Redis struct {
	Addr      string `toml:"addr,omitempty"`
	Password  string `toml:"password,omitempty"`
	DB        int    `toml:"db,omitempty"`
	KeyPrefix string `toml:"key_prefix,omitempty" split_words:"true"`
}

// Pool bounds the number of concurrently running subscriptions.
type Pool struct {
	// Size defaults to the number of configured subscriptions.
	Size int `toml:"size,omitempty"`
	// IdleTimeout closes subscriptions that were not accessed for that long.
	// Zero disables idle eviction.
	IdleTimeout      Duration `toml:"idle_timeout,omitempty" split_words:"true"`
	EvictionInterval Duration `toml:"eviction_interval,omitempty" split_words:"true"`
}

// Write configures the write path optimistic mutations are sent to.
type Write struct {
	URL string `toml:"url,omitempty"`
}

// Subscription declares one shape to synchronize.
type Subscription struct {
	Name        string        `toml:"name"`
	Table       string        `toml:"table"`
	Where       string        `toml:"where,omitempty"`
	Columns     []string      `toml:"columns,omitempty"`
	Replica     shape.Replica `toml:"replica,omitempty"`
	Mode        Mode          `toml:"mode,omitempty"`
	ChangesOnly bool          `toml:"changes_only,omitempty"`
}

// Shape returns the shape definition of the subscription.
func (s Subscription) Shape() shape.Definition {
	return shape.Definition{
		Table:   s.Table,
		Where:   s.Where,
		Columns: s.Columns,
		Replica: s.Replica,
	}
}

// Config is a container for everything found in the TOML config file.
type Config struct {
	Logging              Logging        `toml:"logging,omitempty"`
	Sentry               Sentry         `toml:"sentry,omitempty"`
	PrometheusListenAddr string         `toml:"prometheus_listen_addr,omitempty" split_words:"true"`
	Server               Server         `toml:"server,omitempty"`
	Auth                 Auth           `toml:"auth,omitempty"`
	Transport            Transport      `toml:"transport,omitempty"`
	Retry                Retry          `toml:"retry,omitempty"`
	Store                Store          `toml:"store,omitempty"`
	DB                   DB             `toml:"database,omitempty" envconfig:"database"`
	Redis                Redis          `toml:"redis,omitempty"`
	Pool                 Pool           `toml:"pool,omitempty"`
	Write                Write          `toml:"write,omitempty"`
	Subscriptions        []Subscription `toml:"subscription,omitempty" ignored:"true"`
}

// Load initializes the Config from file and the environment. Environment
// variables prefixed with SHAPESYNC take precedence over the file.
func Load(file io.Reader) (Config, error) {
	var cfg Config

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load toml: %w", err)
	}

	if err := envconfig.Process("shapesync", &cfg); err != nil {
		return Config{}, fmt.Errorf("envconfig: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

var (
	errNoServerURL            = errors.New("no server url configured")
	errInvalidServerURL       = errors.New("server url must be an absolute http(s) url")
	errNoSubscriptions        = errors.New("no subscriptions configured")
	errSubscriptionUnnamed    = errors.New("subscriptions must have a name")
	errSubscriptionsNotUnique = errors.New("subscriptions must have unique names")
	errInvalidMode            = errors.New("invalid delivery mode")
	errInvalidStore           = errors.New("invalid store kind")
	errNoStoreDir             = errors.New("file store requires a directory")
	errNoRedisAddr            = errors.New("redis store requires an address")
	errNoDatabase             = errors.New("postgres store requires a database host")
	errInvalidAuth            = errors.New("invalid auth kind")
	errNoAuthToken            = errors.New("static auth requires a token")
	errNoAuthSecret           = errors.New("jwt auth requires a secret")
	errInvalidRetry           = errors.New("retry max_attempts must be >= 1")
	errInvalidPoolSize        = errors.New("pool size must be >= 0")
)

// Validate checks the current Config for sanity.
func (c *Config) Validate() error {
	for _, run := range []func() error{
		c.validateServer,
		c.validateAuth,
		c.validateStore,
		c.validateRetry,
		c.validateSubscriptions,
	} {
		if err := run(); err != nil {
			return err
		}
	}

	if c.Pool.Size < 0 {
		return errInvalidPoolSize
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.URL == "" {
		return errNoServerURL
	}

	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidServerURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errInvalidServerURL
	}

	return nil
}

func (c *Config) validateAuth() error {
	switch c.Auth.Kind {
	case AuthNone:
	case AuthStatic:
		if c.Auth.Token == "" {
			return errNoAuthToken
		}
	case AuthJWT:
		if c.Auth.Secret == "" {
			return errNoAuthSecret
		}
	default:
		return fmt.Errorf("%w: %q", errInvalidAuth, c.Auth.Kind)
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile:
		if c.Store.Dir == "" {
			return errNoStoreDir
		}
	case StorePostgres:
		if c.DB.Host == "" {
			return errNoDatabase
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return errNoRedisAddr
		}
	default:
		return fmt.Errorf("%w: %q", errInvalidStore, c.Store.Kind)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 {
		return errInvalidRetry
	}
	return nil
}

func (c *Config) validateSubscriptions() error {
	if len(c.Subscriptions) == 0 {
		return errNoSubscriptions
	}

	names := make(map[string]struct{}, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		if sub.Name == "" {
			return errSubscriptionUnnamed
		}

		if _, ok := names[sub.Name]; ok {
			return fmt.Errorf("subscription %q: %w", sub.Name, errSubscriptionsNotUnique)
		}
		names[sub.Name] = struct{}{}

		switch sub.Mode {
		case ModePoll, ModePush:
		default:
			return fmt.Errorf("subscription %q: %w: %q", sub.Name, errInvalidMode, sub.Mode)
		}

		if err := sub.Shape().Validate(); err != nil {
			return fmt.Errorf("subscription %q: %w", sub.Name, err)
		}
	}

	return nil
}

// NeedsSQL returns true if the driver for SQL needs to be initialized.
func (c *Config) NeedsSQL() bool {
	return c.Store.Kind == StorePostgres
}

// Subscription returns the subscription with the given name.
func (c *Config) Subscription(name string) (Subscription, bool) {
	for _, sub := range c.Subscriptions {
		if sub.Name == name {
			return sub, true
		}
	}
	return Subscription{}, false
}

func (c *Config) setDefaults() {
	if c.Server.HeaderPrefix == "" {
		c.Server.HeaderPrefix = "electric"
	}

	if c.Auth.Header == "" {
		c.Auth.Header = "Authorization"
	}

	if c.Auth.Kind == AuthJWT && c.Auth.TTL.Duration() == 0 {
		c.Auth.TTL = Duration(5 * time.Minute)
	}

	if c.Transport.RequestTimeout.Duration() == 0 {
		c.Transport.RequestTimeout = Duration(30 * time.Second)
	}

	if c.Transport.LiveTimeout.Duration() == 0 {
		c.Transport.LiveTimeout = Duration(60 * time.Second)
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 10
	}

	if c.Retry.InitialDelay.Duration() == 0 {
		c.Retry.InitialDelay = Duration(100 * time.Millisecond)
	}

	if c.Retry.MaxDelay.Duration() == 0 {
		c.Retry.MaxDelay = Duration(30 * time.Second)
	}

	if c.Retry.MalformedThreshold == 0 {
		c.Retry.MalformedThreshold = 3
	}

	if c.Store.Kind == "" {
		c.Store.Kind = StoreMemory
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "shapesync:cursor:"
	}

	if c.Pool.EvictionInterval.Duration() == 0 {
		c.Pool.EvictionInterval = Duration(time.Minute)
	}

	for i := range c.Subscriptions {
		if c.Subscriptions[i].Mode == "" {
			c.Subscriptions[i].Mode = ModePoll
		}
	}
}
