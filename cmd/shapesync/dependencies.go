package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"gitlab.com/gitlab-org/shapesync/internal/auth"
	"gitlab.com/gitlab-org/shapesync/internal/config"
	"gitlab.com/gitlab-org/shapesync/internal/cursor"
	"gitlab.com/gitlab-org/shapesync/internal/glsql"
	"gitlab.com/gitlab-org/shapesync/internal/log"
	"gitlab.com/gitlab-org/shapesync/internal/reconciler"
	"gitlab.com/gitlab-org/shapesync/internal/retry"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
	"gitlab.com/gitlab-org/shapesync/internal/subscription"
	"gitlab.com/gitlab-org/shapesync/internal/transport"
)

// dependencies are shared by all subscriptions of the process.
type dependencies struct {
	conf          config.Config
	subscriptions map[string]config.Subscription
	cursors       cursor.Store
	mutations     reconciler.Store
	auth          auth.HeaderSource
	recovery      retry.AuthRecovery
	client        *http.Client
	metrics       *subscription.Metrics
}

func newDependencies(ctx context.Context, conf config.Config, metrics *subscription.Metrics) (*dependencies, func(), error) {
	deps := &dependencies{
		conf:          conf,
		subscriptions: make(map[string]config.Subscription, len(conf.Subscriptions)),
		client:        transport.NewHTTPClient(),
		metrics:       metrics,
	}

	for _, sub := range conf.Subscriptions {
		deps.subscriptions[sub.Shape().ID()] = sub
	}

	source, recovery, err := newAuth(conf.Auth)
	if err != nil {
		return nil, nil, err
	}
	deps.auth, deps.recovery = source, recovery

	cleanup, err := deps.initStores(ctx)
	if err != nil {
		return nil, nil, err
	}

	return deps, cleanup, nil
}

func newAuth(conf config.Auth) (auth.HeaderSource, retry.AuthRecovery, error) {
	switch conf.Kind {
	case config.AuthStatic:
		return auth.Static{Header: conf.Header, Value: conf.Token}, nil, nil
	case config.AuthJWT:
		source, err := auth.NewJWT(conf.Header, []byte(conf.Secret), conf.Subject, conf.TTL.Duration(), conf.Claims)
		if err != nil {
			return nil, nil, fmt.Errorf("jwt auth: %w", err)
		}
		return source, refreshRecovery(source), nil
	default:
		return auth.None{}, nil, nil
	}
}

// refreshRecovery answers 401 responses with freshly minted credentials.
func refreshRecovery(refresher auth.Refresher) retry.AuthRecovery {
	return func(ctx context.Context, err error) (http.Header, bool) {
		headers, refreshErr := refresher.Refresh(ctx)
		if refreshErr != nil {
			logger.WithError(refreshErr).Error("refreshing credentials after rejected request")
			return nil, false
		}

		logger.WithError(err).Info("credentials rejected, retrying with refreshed credentials")
		return headers, true
	}
}

func (d *dependencies) initStores(ctx context.Context) (func(), error) {
	d.mutations = reconciler.NewMemoryStore()

	switch d.conf.Store.Kind {
	case config.StoreFile:
		store, err := cursor.NewFileStore(d.conf.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("file cursor store: %w", err)
		}
		d.cursors = store
		return func() {}, nil
	case config.StorePostgres:
		logger.Infof("establishing database connection to %s:%d ...", d.conf.DB.Host, d.conf.DB.Port)

		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		db, err := glsql.OpenDB(openCtx, d.conf.DB)
		if err != nil {
			logger.WithError(err).Error("SQL connection open failed")
			return nil, err
		}
		logger.Info("database connection established")

		d.cursors = cursor.NewPostgresStore(db)
		d.mutations = reconciler.NewPostgresStore(db)

		return func() {
			if err := db.Close(); err != nil {
				logger.WithError(err).Error("SQL connection close failed")
			}
		}, nil
	case config.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{d.conf.Redis.Addr},
			Password: d.conf.Redis.Password,
			DB:       d.conf.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}

		d.cursors = cursor.NewRedisStore(client, d.conf.Redis.KeyPrefix)

		return func() {
			if err := client.Close(); err != nil {
				logger.WithError(err).Error("redis connection close failed")
			}
		}, nil
	default:
		d.cursors = cursor.NewMemoryStore()
		return func() {}, nil
	}
}

func (d *dependencies) newTransport(mode config.Mode) (transport.Transport, error) {
	cfg := transport.Config{
		Endpoint:       d.conf.Server.URL,
		HeaderPrefix:   d.conf.Server.HeaderPrefix,
		Auth:           d.auth,
		RequestTimeout: d.conf.Transport.RequestTimeout.Duration(),
		LiveTimeout:    d.conf.Transport.LiveTimeout.Duration(),
		Client:         d.client,
		Logger:         log.Wire(),
	}

	if mode == config.ModePush {
		return transport.NewPushTransport(cfg)
	}
	return transport.NewHTTPTransport(cfg)
}

// newSubscription creates the subscription of a shape. Shapes that are not
// configured are synced with the defaults of the poll mode.
func (d *dependencies) newSubscription(definition shape.Definition) (*subscription.Subscription, error) {
	sub, ok := d.subscriptions[definition.ID()]
	if !ok {
		sub = config.Subscription{
			Name:    definition.Table,
			Table:   definition.Table,
			Where:   definition.Where,
			Columns: definition.Columns,
			Replica: definition.Replica,
			Mode:    config.ModePoll,
		}
	}

	tr, err := d.newTransport(sub.Mode)
	if err != nil {
		return nil, fmt.Errorf("subscription %q: %w", sub.Name, err)
	}

	deps := subscription.Deps{
		Transport: tr,
		Cursors:   d.cursors,
		Mutations: d.mutations,
		Metrics:   d.metrics,
		Logger:    logger,
	}

	if d.conf.Write.URL != "" {
		deps.WritePath = &reconciler.HTTPWritePath{
			URL:    d.conf.Write.URL,
			Table:  sub.Table,
			Auth:   d.auth,
			Client: d.client,
		}
	}

	return subscription.New(subscription.Config{
		Name:        sub.Name,
		Shape:       definition,
		ChangesOnly: sub.ChangesOnly,
		Backoff: retry.Backoff{
			Attempts:  d.conf.Retry.MaxAttempts,
			Delay:     d.conf.Retry.InitialDelay.Duration(),
			MaxDelay:  d.conf.Retry.MaxDelay.Duration(),
			MaxJitter: d.conf.Retry.MaxJitter.Duration(),
		},
		MalformedThreshold: d.conf.Retry.MalformedThreshold,
		AuthRecovery:       d.recovery,
	}, deps)
}
