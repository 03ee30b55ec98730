package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	"jobsched/internal/handler/builtin"
	logx "jobsched/pkg/logx"
)

const stopTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, opts.configPath)
		},
	}
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if a.Err() != nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		return err
	}
	if stopErr != nil {
		return fmt.Errorf("stop: %w", stopErr)
	}
	return nil
}

// newApp loads config and binds the builtin handlers.
func newApp(ctx context.Context, cfgPath string) (*app.App, error) {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	if err := builtin.Register(a.Registry(), a.Logger().With(logx.String("comp", "handler"))); err != nil {
		return nil, errors.Join(fmt.Errorf("register handlers: %w", err), a.Stop(context.Background(), app.StopFatalError))
	}
	return a, nil
}
