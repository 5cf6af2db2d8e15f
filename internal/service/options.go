package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/remote"
)

// AbortFunc ends warden after the server died without being asked to.
type AbortFunc func(ctx context.Context, err error)

// Option changes defaults of StartServer, StartJobs and Run. Options exist
// mostly for unit testing.
type Option func(*options)

type options struct {
	abort    AbortFunc
	metrics  *metrics.Metrics
	console  io.Reader
	output   io.Writer
	fallback io.Writer
	gateway  remote.Gateway
	now      func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		abort:    exitAbort,
		console:  os.Stdin,
		output:   os.Stdout,
		fallback: os.Stderr,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAbort replaces the default abort, which exits the process.
func WithAbort(f AbortFunc) Option {
	return func(o *options) {
		o.abort = f
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithConsole replaces stdin and stdout used for the console.
func WithConsole(r io.Reader, w io.Writer) Option {
	return func(o *options) {
		o.console = r
		o.output = w
	}
}

// WithGateway replaces the remote chat client created from configuration.
func WithGateway(g remote.Gateway) Option {
	return func(o *options) {
		o.gateway = g
	}
}

// WithClock replaces time.Now used for naming backups.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func exitAbort(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "server went down unexpectedly", "error", err)
	slog.WarnContext(ctx, "warden can't continue without the server: exiting")
	// give the output sink a chance to print the messages
	time.Sleep(100 * time.Millisecond)
	os.Exit(1)
}
