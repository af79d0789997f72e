package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/shapesync/internal/config"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/subscription"
)

const snapshotCmdName = "snapshot"

var errNoSubscriptionName = errors.New("the subscription flag must be passed")

type snapshotSubcommand struct {
	w            io.Writer
	subscription string
	timeout      time.Duration
}

func newSnapshotSubcommand(writer io.Writer) *snapshotSubcommand {
	return &snapshotSubcommand{w: writer}
}

func (cmd *snapshotSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(snapshotCmdName, flag.ExitOnError)
	flags.StringVar(&cmd.subscription, "subscription", "", "name of the configured subscription to print")
	flags.DurationVar(&cmd.timeout, "timeout", time.Minute, "time to wait for the subscription to get up to date")
	return flags
}

func (cmd *snapshotSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if cmd.subscription == "" {
		return errNoSubscriptionName
	}

	sub, ok := conf.Subscription(cmd.subscription)
	if !ok {
		return fmt.Errorf("%s: unknown subscription %q", snapshotCmdName, cmd.subscription)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	deps, cleanup, err := newDependencies(ctx, conf, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := deps.newSubscription(sub.Shape())
	if err != nil {
		return err
	}
	defer s.Close()

	s.Start(ctx)

	if err := waitUpToDate(ctx, s, sub.Name); err != nil {
		return fmt.Errorf("%s: %w", snapshotCmdName, err)
	}

	writeTable(cmd.w, s.View().Snapshot())
	return nil
}

func waitUpToDate(ctx context.Context, s *subscription.Subscription, name string) error {
	select {
	case <-s.UpToDate():
		return nil
	case <-s.Done():
		return s.Wait()
	case <-ctx.Done():
		return fmt.Errorf("subscription %q did not get up to date: %w", name, ctx.Err())
	}
}

// writeTable prints one row per key, ordered by key. Columns are the union
// of all row columns in lexical order.
func writeTable(w io.Writer, rows map[protocol.Key]protocol.Row) {

	keys := make([]protocol.Key, 0, len(rows))
	columnSet := map[string]struct{}{}
	for key, row := range rows {
		keys = append(keys, key)
		for column := range row {
			columnSet[column] = struct{}{}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	columns := make([]string, 0, len(columnSet))
	for column := range columnSet {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(append([]string{"key"}, columns...))

	for _, key := range keys {
		line := []string{string(key)}
		for _, column := range columns {
			value, ok := rows[key][column]
			switch {
			case !ok:
				line = append(line, "")
			case value == nil:
				line = append(line, "NULL")
			default:
				line = append(line, fmt.Sprint(value))
			}
		}
		table.Append(line)
	}

	table.Render()

	fmt.Fprintf(w, "(%d rows)\n", len(keys))
}
