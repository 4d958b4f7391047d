package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"transferbot/internal/app"
	"transferbot/internal/config"
	"transferbot/internal/storage"
	"transferbot/internal/transfer"
	logx "transferbot/pkg/logx"
)

func newCursorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or move the per-feed cursors",
		Long: `A cursor is the highest transfer id already published for a feed. The
bot publishes only transfers with a larger id. Stop the bot before moving a
cursor with "set".`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every stored cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(ctx context.Context, st storage.Store) error {
				return listCursors(ctx, cmd.OutOrStdout(), st)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <feed>",
		Short: "Print the cursor of one feed (0 when none)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, root, func(ctx context.Context, st storage.Store) error {
				c, err := st.Load(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), int64(c))
				return err
			})
		},
	}

	var force bool
	set := &cobra.Command{
		Use:   "set <feed> <id>",
		Short: "Move the cursor of one feed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || id < 0 {
				return fmt.Errorf("invalid id %q: must be a non-negative integer", args[1])
			}
			return withStore(cmd, root, func(ctx context.Context, st storage.Store) error {
				return setCursor(ctx, cmd.OutOrStdout(), st, args[0], transfer.Cursor(id), force)
			})
		},
	}
	set.Flags().BoolVar(&force, "force", false, "allow moving a cursor backwards (transfers will be published again)")

	cmd.AddCommand(list, get, set)
	return cmd
}

func withStore(cmd *cobra.Command, root *rootOptions, fn func(ctx context.Context, st storage.Store) error) error {
	cfg, err := config.NewManager(root.configPath).Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Storage.Driver == "memory" {
		return fmt.Errorf("storage.driver=memory keeps no cursors between runs")
	}
	st, err := storage.Open(app.StorageConfig(cfg), logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, st)
}

func listCursors(ctx context.Context, out io.Writer, st storage.Store) error {
	all, err := st.List(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(out, "%s\t%d\n", k, int64(all[k])); err != nil {
			return err
		}
	}
	return nil
}

func setCursor(ctx context.Context, out io.Writer, st storage.Store, key string, c transfer.Cursor, force bool) error {
	prev, err := st.Load(ctx, key)
	if err != nil {
		return err
	}
	if c < prev && !force {
		return fmt.Errorf("cursor %s would move backwards (%d -> %d); pass --force", key, prev, c)
	}
	if err := st.Save(ctx, key, c); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s: %d -> %d\n", key, int64(prev), int64(c))
	return err
}
