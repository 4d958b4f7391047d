package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"transferbot/internal/app"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		dryRun      bool
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the poller until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), root.configPath, app.Options{DryRun: dryRun}, stopTimeout)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log messages instead of sending them and keep cursors in memory")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", time.Minute, "upper bound for a graceful shutdown")
	return cmd
}

func runBot(ctx context.Context, cfgPath string, opts app.Options, stopTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath, opts)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}

	// A second signal during shutdown aborts the wait.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	go func() {
		select {
		case <-sigs:
			a.Logger().Warn("second signal received; aborting graceful shutdown")
			stopCancel()
		case <-stopCtx.Done():
		}
	}()

	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
