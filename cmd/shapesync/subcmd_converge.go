package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"gitlab.com/gitlab-org/shapesync/internal/config"
	"gitlab.com/gitlab-org/shapesync/internal/merge"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/subscription"
	"gitlab.com/gitlab-org/shapesync/internal/view"
)

const convergeCmdName = "converge"

var errTooFewSubscriptions = errors.New("at least two subscriptions must be passed")

// convergeSubcommand syncs several subscriptions and prints the rows their
// views converge to. A column held by more than one view takes the value of
// the subscription listed last.
type convergeSubcommand struct {
	w             io.Writer
	subscriptions string
	timeout       time.Duration
	clock         *merge.Clock
}

func newConvergeSubcommand(writer io.Writer) *convergeSubcommand {
	return &convergeSubcommand{w: writer, clock: merge.NewClock()}
}

func (cmd *convergeSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(convergeCmdName, flag.ExitOnError)
	flags.StringVar(&cmd.subscriptions, "subscriptions", "", "comma separated names of the configured subscriptions to converge")
	flags.DurationVar(&cmd.timeout, "timeout", time.Minute, "time to wait for the subscriptions to get up to date")
	return flags
}

func (cmd *convergeSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	var subs []config.Subscription
	for _, name := range strings.Split(cmd.subscriptions, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		sub, ok := conf.Subscription(name)
		if !ok {
			return fmt.Errorf("%s: unknown subscription %q", convergeCmdName, name)
		}
		subs = append(subs, sub)
	}

	if len(subs) < 2 {
		return errTooFewSubscriptions
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	deps, cleanup, err := newDependencies(ctx, conf, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	started := make([]*subscription.Subscription, 0, len(subs))
	for _, sub := range subs {
		s, err := deps.newSubscription(sub.Shape())
		if err != nil {
			return err
		}
		defer s.Close()

		s.Start(ctx)
		started = append(started, s)
	}

	views := make([]*view.View, 0, len(started))
	for i, s := range started {
		if err := waitUpToDate(ctx, s, subs[i].Name); err != nil {
			return fmt.Errorf("%s: %w", convergeCmdName, err)
		}
		views = append(views, s.View())
	}

	writeTable(cmd.w, convergeViews(cmd.clock, views...))
	return nil
}

// convergeViews stamps the snapshot of every view with a later timestamp
// than the one before and merges them last-writer-wins.
func convergeViews(clock *merge.Clock, views ...*view.View) map[protocol.Key]protocol.Row {
	replicas := make([]merge.Replica, 0, len(views))
	for _, v := range views {
		replicas = append(replicas, merge.NewReplica(v.Snapshot(), clock.Now()))
	}

	return merge.Converge(merge.LWW{}, replicas...).Rows()
}
