// Command shapesync keeps local materialized views of server defined shapes
// in sync and forwards optimistic writes.
//
// Without a subcommand every subscription of the config file is run until
// the process is interrupted:
//
//     shapesync -config PATH_TO_CONFIG
//
// Snapshot
//
// The subcommand "snapshot" syncs one subscription until it is up to date
// and prints its rows as a table:
//
//     shapesync -config PATH_TO_CONFIG snapshot -subscription NAME
//
// Converge
//
// The subcommand "converge" syncs several subscriptions until they are up to
// date and prints the rows their views merge to. A column held by more than
// one view takes the value of the subscription listed last:
//
//     shapesync -config PATH_TO_CONFIG converge -subscriptions NAME,NAME
//
// SQL Migrate
//
// The subcommand "sql-migrate" applies outstanding migrations of the
// Postgres store:
//
//     shapesync -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	sentry "github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/shapesync/internal/config"
	"gitlab.com/gitlab-org/shapesync/internal/helper"
	"gitlab.com/gitlab-org/shapesync/internal/log"
	"gitlab.com/gitlab-org/shapesync/internal/subscription"
	"gitlab.com/gitlab-org/shapesync/internal/version"
	"gitlab.com/gitlab-org/shapesync/internal/view"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "shapesync"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level); err != nil {
		printfErr("%s: %v\n", progname, err)
		os.Exit(1)
	}

	if path := os.Getenv(log.LogFileEnvKey); path != "" {
		logFile, err := log.RedirectToFile(path)
		if err != nil {
			printfErr("%s: redirect logs: %v\n", progname, err)
			os.Exit(1)
		}
		defer logFile.Close()
	}

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	closer := configure(conf)
	if closer != nil {
		defer closer()
	}

	logger.WithField("version", version.GetVersionString()).Info("Starting " + progname)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	if *flagConfig == "" {
		return config.Config{}, errNoConfigFile
	}

	conf, err := configFromFile(*flagConfig)
	if err != nil {
		return config.Config{}, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configFromFile(path string) (config.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return config.Config{}, err
	}
	defer file.Close()

	return config.Load(file)
}

// configure sets up tracing and error reporting. The returned function
// flushes both.
func configure(conf config.Config) func() {
	tracingCloser := config.ConfigureTracing(progname)

	if conf.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         conf.Sentry.DSN,
			Environment: conf.Sentry.Environment,
			Release:     "v" + version.GetVersion(),
		}); err != nil {
			logger.WithError(err).Warn("Unable to initialize sentry client")
		} else {
			logger.Debug("Using sentry logging")
		}
	}

	return func() {
		sentry.Flush(shutdownFlushTimeout)
		if tracingCloser != nil {
			if err := tracingCloser.Close(); err != nil {
				logger.WithError(err).Warn("closing tracer")
			}
		}
	}
}

func run(ctx context.Context, conf config.Config, promreg prometheus.Registerer) error {
	metrics := subscription.NewMetrics()
	if err := promreg.Register(metrics); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	deps, cleanup, err := newDependencies(ctx, conf, metrics)
	if err != nil {
		return err
	}
	defer cleanup()

	size := conf.Pool.Size
	if size < len(conf.Subscriptions) {
		size = len(conf.Subscriptions)
	}

	pool, err := subscription.NewPool(size, conf.Pool.IdleTimeout.Duration(), deps.newSubscription, logger)
	if err != nil {
		return fmt.Errorf("subscription pool: %w", err)
	}
	defer pool.Close()

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")

		go func() {
			if err := monitoring.Start(
				monitoring.WithListenerAddress(conf.PrometheusListenAddr),
				monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime())); err != nil {
				logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
			}
		}()
	}

	group, ctx := errgroup.WithContext(ctx)

	if conf.Pool.IdleTimeout.Duration() > 0 {
		group.Go(func() error {
			pool.Run(ctx, helper.NewTimerTicker(conf.Pool.EvictionInterval.Duration()))
			return nil
		})
	}

	for _, sub := range conf.Subscriptions {
		sub := sub
		group.Go(func() error {
			return supervise(ctx, pool, sub)
		})
	}

	return group.Wait()
}

// supervise keeps a configured subscription running. A subscription the
// pool closed for being idle is reopened and resumes from its persisted
// cursor.
func supervise(ctx context.Context, pool *subscription.Pool, sub config.Subscription) error {
	entry := logger.WithField("subscription", sub.Name)

	for {
		s, err := pool.Get(sub.Shape())
		if err != nil {
			if errors.Is(err, subscription.ErrClosed) && ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscription %q: %w", sub.Name, err)
		}

		unsubscribe := s.View().Subscribe(logChanges(entry, s.View()))

		select {
		case <-ctx.Done():
			unsubscribe()
			return nil
		case <-s.Done():
			unsubscribe()
		}

		err = s.Wait()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, subscription.ErrClosed):
			entry.Info("subscription was closed by the pool, reopening")
		default:
			return fmt.Errorf("subscription %q: %w", sub.Name, err)
		}
	}
}

func logChanges(entry logrus.FieldLogger, v *view.View) view.Listener {
	return func(changes view.ChangeSet) {
		entry.WithFields(logrus.Fields{
			"inserted": len(changes.Inserted),
			"updated":  len(changes.Updated),
			"deleted":  len(changes.Deleted),
			"rows":     v.Len(),
		}).Info("view changed")
	}
}
