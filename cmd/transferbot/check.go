package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"transferbot/internal/app"
	"transferbot/internal/config"
	"transferbot/internal/storage"
	"transferbot/internal/transfer"
	telegram "transferbot/internal/transport/telegram/adapter"
	logx "transferbot/pkg/logx"
)

type checkOptions struct {
	offline  bool
	telegram bool
	timeout  time.Duration
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and fetch every feed once without publishing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runCheck(ctx, cmd.OutOrStdout(), root.configPath, opts, nil)
		},
	}
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "only validate the config; no network or store access")
	cmd.Flags().BoolVar(&opts.telegram, "telegram", false, "also verify the bot token with getMe")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall time limit")
	return cmd
}

func runCheck(ctx context.Context, out io.Writer, cfgPath string, opts *checkOptions, env func(string) (string, bool)) error {
	m := config.NewManager(cfgPath)
	m.SetEnv(env)
	cfg, err := m.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintf(out, "config ok: %d feed(s), schedule %s, storage %s\n", len(cfg.Feeds), cfg.Poller.Schedule, cfg.Storage.Driver)
	if opts.offline {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if opts.telegram {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			APIURL:      cfg.Telegram.APIURL,
			HTTPTimeout: config.Duration(cfg.Telegram.HTTPTimeout, 15*time.Second),
		}, logx.Nop())
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		fmt.Fprintf(out, "telegram ok: @%s\n", ad.Username())
		_ = ad.Close()
	}

	var cursors map[string]transfer.Cursor
	if cfg.Storage.Driver != "memory" {
		st, err := storage.Open(app.StorageConfig(cfg), logx.Nop())
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		cursors, err = st.List(ctx)
		_ = st.Close()
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}

	clients, err := app.FeedClients(cfg, logx.Nop())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEED\tEVENTS\tDUPLICATES\tLATEST\tCURSOR\tPENDING\tSTATUS")
	var failed []error
	for _, c := range clients {
		cur := cursors[c.Key()]
		snap, dups, err := c.FetchWithStats(ctx)
		if err != nil {
			failed = append(failed, err)
			fmt.Fprintf(tw, "%s\t-\t-\t-\t%d\t-\t%v\n", c.Key(), cur, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\tok\n", c.Key(), len(snap), dups, snap.Latest(), cur, len(transfer.Diff(snap, cur)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return errors.Join(failed...)
}
