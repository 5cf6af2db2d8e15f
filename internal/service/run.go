package service

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// Run implements CLI run command: it starts the jobs and the server and
// dispatches commands until the server is stopped. While running, the
// default logger publishes to the output bus.
func Run(ctx context.Context, config model.Config, opts ...Option) error {
	o := newOptions(opts)
	if config.Metrics != nil && o.metrics == nil {
		o.metrics = metrics.New()
		opts = append(opts, WithMetrics(o.metrics))
	}

	hub := bus.NewHub()
	prev := slog.Default()
	slog.SetDefault(log.NewBus(hub.Output.Producer(), o.fallback, config.Verbose))
	defer slog.SetDefault(prev)

	jobs, err := StartJobs(ctx, config, hub, opts...)
	if err != nil {
		return err
	}
	defer jobs.Terminate()

	server, err := StartServer(ctx, config.Server, hub.Output.Producer(), opts...)
	if err != nil {
		slog.ErrorContext(ctx, "starting server failed", "error", err)
		return err
	}

	err = NewDispatcher(config, hub, server, opts...).Do(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "warden failed", "error", err)
		return err
	}
	slog.InfoContext(ctx, "server is down, see you later")
	return nil
}
