package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/scheduler"
)

func newTickCmd(opts *rootOptions) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling tick and print its counters",
		Long: "Runs one tick against the configured store and exits, for cron or\n" +
			"systemd timers. With --remote the tick runs inside the daemon at --api-url.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var (
				res scheduler.TickResult
				err error
			)
			if remote {
				// A 503 still carries the counters; report them before failing.
				res, err = opts.client().Tick(ctx)
				if err != nil && res.Err == "" {
					return err
				}
			} else {
				res, err = localTick(ctx, opts.configPath)
				if err != nil {
					return err
				}
			}
			if err := opts.output().Tick(res); err != nil {
				return err
			}
			if res.Err != "" {
				return fmt.Errorf("tick: %s", res.Err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "trigger the tick over the daemon's HTTP API")
	return cmd
}

// localTick runs a tick in-process without starting drivers or watchers.
func localTick(ctx context.Context, cfgPath string) (scheduler.TickResult, error) {
	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return scheduler.TickResult{}, err
	}
	res := a.Scheduler().RunTick(ctx, a.Scheduler().Now())

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, app.StopAppStop); err != nil {
		return res, fmt.Errorf("stop: %w", err)
	}
	return res, nil
}
