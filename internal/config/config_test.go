package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
	"gitlab.com/gitlab-org/shapesync/internal/testhelper"
)

func validConfig() Config {
	cfg := Config{
		Server: Server{URL: "http://localhost:3000/v1/shape"},
		Subscriptions: []Subscription{
			{Name: "todos", Table: "todos", Where: "completed = false"},
		},
	}
	cfg.setDefaults()
	return cfg
}

func TestLoad(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
prometheus_listen_addr = "localhost:9236"

[logging]
format = "json"
level = "debug"

[server]
url = "https://sync.example.com/v1/shape"

[auth]
kind = "jwt"
secret = "hunter2"
subject = "shapesync"

[auth.claims]
tenant = "acme"

[transport]
request_timeout = "5s"

[retry]
max_attempts = 4
max_delay = "2s"

[store]
kind = "file"
dir = "/var/lib/shapesync"

[[subscription]]
name = "todos"
table = "todos"
where = "completed = false"
columns = ["id", "title", "completed"]
mode = "push"

[[subscription]]
name = "users"
table = "public.users"
replica = "full"
changes_only = true
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, Config{
		Logging:              Logging{Format: "json", Level: "debug"},
		PrometheusListenAddr: "localhost:9236",
		Server:               Server{URL: "https://sync.example.com/v1/shape", HeaderPrefix: "electric"},
		Auth: Auth{
			Kind:    AuthJWT,
			Header:  "Authorization",
			Secret:  "hunter2",
			Subject: "shapesync",
			TTL:     Duration(5 * time.Minute),
			Claims:  map[string]string{"tenant": "acme"},
		},
		Transport: Transport{
			RequestTimeout: Duration(5 * time.Second),
			LiveTimeout:    Duration(time.Minute),
		},
		Retry: Retry{
			MaxAttempts:        4,
			InitialDelay:       Duration(100 * time.Millisecond),
			MaxDelay:           Duration(2 * time.Second),
			MalformedThreshold: 3,
		},
		Store: Store{Kind: StoreFile, Dir: "/var/lib/shapesync"},
		Redis: Redis{KeyPrefix: "shapesync:cursor:"},
		Pool: Pool{
			EvictionInterval: Duration(time.Minute),
		},
		Subscriptions: []Subscription{
			{
				Name:    "todos",
				Table:   "todos",
				Where:   "completed = false",
				Columns: []string{"id", "title", "completed"},
				Mode:    ModePush,
			},
			{
				Name:        "users",
				Table:       "public.users",
				Replica:     shape.ReplicaFull,
				Mode:        ModePoll,
				ChangesOnly: true,
			},
		},
	}, cfg)
}

func TestLoad_environmentOverrides(t *testing.T) {
	for key, value := range map[string]string{
		"SHAPESYNC_SERVER_URL":             "http://override:3000/v1/shape",
		"SHAPESYNC_RETRY_MAX_ATTEMPTS":     "7",
		"SHAPESYNC_TRANSPORT_LIVE_TIMEOUT": "90s",
		"SHAPESYNC_DATABASE_HOST":          "pg.internal",
	} {
		testhelper.ModifyEnvironment(t, key, value)
	}

	cfg, err := Load(strings.NewReader(`
[server]
url = "http://localhost:3000/v1/shape"
`))
	require.NoError(t, err)

	require.Equal(t, "http://override:3000/v1/shape", cfg.Server.URL)
	require.Equal(t, uint(7), cfg.Retry.MaxAttempts)
	require.Equal(t, 90*time.Second, cfg.Transport.LiveTimeout.Duration())
	require.Equal(t, "pg.internal", cfg.DB.Host)
}

func TestLoad_invalidTOML(t *testing.T) {
	_, err := Load(strings.NewReader(`[server`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "load toml")
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		desc         string
		changeConfig func(*Config)
		expectedErr  error
	}{
		{
			desc:         "valid config",
			changeConfig: func(*Config) {},
		},
		{
			desc: "missing server url",
			changeConfig: func(cfg *Config) {
				cfg.Server.URL = ""
			},
			expectedErr: errNoServerURL,
		},
		{
			desc: "server url without scheme",
			changeConfig: func(cfg *Config) {
				cfg.Server.URL = "localhost:3000"
			},
			expectedErr: errInvalidServerURL,
		},
		{
			desc: "static auth without token",
			changeConfig: func(cfg *Config) {
				cfg.Auth.Kind = AuthStatic
			},
			expectedErr: errNoAuthToken,
		},
		{
			desc: "jwt auth without secret",
			changeConfig: func(cfg *Config) {
				cfg.Auth.Kind = AuthJWT
			},
			expectedErr: errNoAuthSecret,
		},
		{
			desc: "unknown auth kind",
			changeConfig: func(cfg *Config) {
				cfg.Auth.Kind = "oauth"
			},
			expectedErr: errInvalidAuth,
		},
		{
			desc: "file store without dir",
			changeConfig: func(cfg *Config) {
				cfg.Store.Kind = StoreFile
			},
			expectedErr: errNoStoreDir,
		},
		{
			desc: "redis store without address",
			changeConfig: func(cfg *Config) {
				cfg.Store.Kind = StoreRedis
			},
			expectedErr: errNoRedisAddr,
		},
		{
			desc: "postgres store without host",
			changeConfig: func(cfg *Config) {
				cfg.Store.Kind = StorePostgres
			},
			expectedErr: errNoDatabase,
		},
		{
			desc: "unknown store kind",
			changeConfig: func(cfg *Config) {
				cfg.Store.Kind = "badger"
			},
			expectedErr: errInvalidStore,
		},
		{
			desc: "no subscriptions",
			changeConfig: func(cfg *Config) {
				cfg.Subscriptions = nil
			},
			expectedErr: errNoSubscriptions,
		},
		{
			desc: "unnamed subscription",
			changeConfig: func(cfg *Config) {
				cfg.Subscriptions[0].Name = ""
			},
			expectedErr: errSubscriptionUnnamed,
		},
		{
			desc: "duplicate subscription",
			changeConfig: func(cfg *Config) {
				cfg.Subscriptions = append(cfg.Subscriptions, cfg.Subscriptions[0])
			},
			expectedErr: errSubscriptionsNotUnique,
		},
		{
			desc: "invalid mode",
			changeConfig: func(cfg *Config) {
				cfg.Subscriptions[0].Mode = "carrier-pigeon"
			},
			expectedErr: errInvalidMode,
		},
		{
			desc: "invalid shape",
			changeConfig: func(cfg *Config) {
				cfg.Subscriptions[0].Table = ""
			},
			expectedErr: shape.Definition{}.Validate(),
		},
		{
			desc: "negative pool size",
			changeConfig: func(cfg *Config) {
				cfg.Pool.Size = -1
			},
			expectedErr: errInvalidPoolSize,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := validConfig()
			tc.changeConfig(&cfg)

			err := cfg.Validate()
			if tc.expectedErr == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tc.expectedErr), "unexpected error: %v", err)
		})
	}
}

func TestConfig_Subscription(t *testing.T) {
	cfg := validConfig()

	sub, ok := cfg.Subscription("todos")
	require.True(t, ok)
	require.Equal(t, shape.Definition{Table: "todos", Where: "completed = false"}, sub.Shape())

	_, ok = cfg.Subscription("missing")
	require.False(t, ok)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	require.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))

	require.Error(t, d.UnmarshalText([]byte("forever")))

	var nilDuration *Duration
	require.Zero(t, nilDuration.Duration())
}
