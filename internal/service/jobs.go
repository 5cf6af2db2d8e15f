package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"vawter.tech/stopper"

	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/remote"
)

const (
	// remoteGrace is how long the remote listener may flush queued lines
	remoteGrace = 5 * time.Second
	// consoleRetry delays the next console read after a failure
	consoleRetry = 100 * time.Millisecond
)

// Job is a long running activity of warden.
type Job interface {
	// Terminate ends the job and waits for it
	Terminate()
}

// Jobs runs everything around the server: the output sink, console input,
// remote chat listener, backup scheduler and the metrics endpoint.
type Jobs struct {
	jobs      []Job
	remote    *remoteListener
	scheduler gocron.Scheduler
	metrics   *metricsServer
	once      sync.Once
}

// StartJobs starts every configured job. The output bus consumer is taken by
// the output sink.
func StartJobs(ctx context.Context, cfg model.Config, hub *bus.Hub, opts ...Option) (*Jobs, error) {
	o := newOptions(opts)
	jobs := &Jobs{}

	if cfg.Backup != nil && cfg.Backup.Schedule != nil {
		input := hub.Input.Producer()
		scheduler, err := newScheduler(ctx, *cfg.Backup.Schedule, func() {
			slog.InfoContext(ctx, "scheduled backup")
			if err := input.Send(cmdBackup + "\n"); err != nil {
				slog.ErrorContext(ctx, "scheduling backup failed", "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("backup.schedule: %w", err)
		}
		jobs.scheduler = scheduler
	}

	if cfg.Metrics != nil && o.metrics != nil {
		srv, err := o.metrics.Listen(cfg.Metrics.Listen)
		if err != nil {
			jobs.shutdownScheduler(ctx)
			return nil, fmt.Errorf("metrics: %w", err)
		}
		jobs.metrics = startMetricsServer(ctx, srv)
	}

	console := &syncWriter{w: o.output}
	var relay *remote.Relay
	if cfg.Remote != nil && cfg.Remote.Enabled {
		gw := o.gateway
		if gw == nil {
			gw = remote.NewTelegram(cfg.Remote.Token, remote.WithAPIURL(cfg.Remote.APIURL))
		}
		relay = remote.NewRelay(gw, cfg.Remote.AuthorizedID, cfg.Remote.Buffer, func(err error) {
			o.metrics.RemoteFailure()
			_, _ = fmt.Fprintf(console, "%s\n", bus.NewMessage(bus.Warning, "could not send log to remote chat: "+err.Error()))
		})
		jobs.remote = startRemoteListener(ctx, *cfg.Remote, gw, relay, hub.Input.Producer(), o.metrics)
	}

	jobs.jobs = append(jobs.jobs,
		startOutputSink(ctx, hub.Output, console, relay, o.metrics),
		startConsoleInput(ctx, o.console, hub.Input.Producer()),
	)

	if jobs.scheduler != nil {
		jobs.scheduler.Start()
	}
	return jobs, nil
}

// Terminate ends jobs in their start order, then the remote listener, the
// scheduler and the metrics endpoint. Only the first call does anything.
func (j *Jobs) Terminate() {
	j.once.Do(func() {
		ctx := context.Background()
		for _, job := range j.jobs {
			job.Terminate()
		}
		if j.remote != nil {
			j.remote.Terminate()
		}
		j.shutdownScheduler(ctx)
		if j.metrics != nil {
			j.metrics.Terminate()
		}
	})
}

func (j *Jobs) shutdownScheduler(ctx context.Context) {
	if j.scheduler == nil {
		return
	}
	if err := j.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
}

// outputSink is the only consumer of the output bus. It prints every message
// to the console and hands it over to the remote relay.
type outputSink struct {
	out  bus.Producer[bus.Message]
	done chan struct{}
}

func startOutputSink(ctx context.Context, b *bus.Bus[bus.Message], console io.Writer, relay *remote.Relay, m *metrics.Metrics) *outputSink {
	s := &outputSink{
		out:  b.Producer(),
		done: make(chan struct{}),
	}
	consumer := b.Consumer()
	go func() {
		defer close(s.done)
		defer consumer.Close()
		// terminated by the sentinel only
		recvCtx := context.WithoutCancel(ctx)
		for {
			msg, err := consumer.Recv(recvCtx)
			if err != nil || msg.IsTerminate() {
				return
			}
			line := msg.String()
			_, _ = fmt.Fprintln(console, line)
			if relay != nil && !relay.Push(line) {
				m.RemoteDropped()
			}
		}
	}()
	return s
}

// Terminate queues the terminate sentinel and waits until every message sent
// before it was printed.
func (s *outputSink) Terminate() {
	if err := s.out.Send(bus.Terminate()); err != nil {
		return
	}
	<-s.done
}

// consoleInput forwards console lines to the input bus. The blocking read
// can't be interrupted, so Terminate does nothing and the goroutine ends
// either on EOF, on a closed input bus or with the process.
type consoleInput struct{}

func startConsoleInput(ctx context.Context, r io.Reader, in bus.Producer[string]) consoleInput {
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				if err := in.Send(line); err != nil {
					slog.DebugContext(ctx, "console input stopped", "error", err)
					return
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				slog.DebugContext(ctx, "console input closed")
				return
			default:
				slog.ErrorContext(ctx, "reading console failed", "error", err)
				time.Sleep(consoleRetry)
			}
		}
	}()
	return consoleInput{}
}

func (consoleInput) Terminate() {}

// remoteListener relays console output to the remote chat and forwards
// commands of the authorized user to the input bus.
type remoteListener struct {
	sctx  *stopper.Context
	relay *remote.Relay
}

func startRemoteListener(ctx context.Context, cfg model.Remote, gw remote.Gateway, relay *remote.Relay, in bus.Producer[string], m *metrics.Metrics) *remoteListener {
	ctx = log.ContextAttrs(ctx, slog.String("job", "remote"))
	// the listener outlives ctx, so the last messages are still delivered
	sctx := stopper.WithContext(context.WithoutCancel(ctx))

	sctx.Go(func(sctx *stopper.Context) error {
		relay.Run(sctx)
		return nil
	})

	sctx.Go(func(sctx *stopper.Context) error {
		pollCtx, cancel := context.WithCancel(sctx)
		defer cancel()
		go func() {
			select {
			case <-sctx.Stopping():
			case <-pollCtx.Done():
			}
			cancel()
		}()
		return gw.Poll(pollCtx, authorize(cfg.AuthorizedID, in, m))
	})

	return &remoteListener{
		sctx:  sctx,
		relay: relay,
	}
}

// authorize forwards text of the authorized sender as a command line and
// drops everything else.
func authorize(authorized int64, in bus.Producer[string], m *metrics.Metrics) func(context.Context, remote.Update) {
	return func(ctx context.Context, u remote.Update) {
		if u.SenderID != authorized {
			m.RemoteRejected()
			slog.WarnContext(ctx, "remote user does not have permission to send commands", "user_id", u.SenderID, "user_name", u.SenderName)
			return
		}
		if err := in.Send(u.Text + "\n"); err != nil {
			slog.ErrorContext(ctx, "forwarding remote command failed", "error", err)
			return
		}
		slog.InfoContext(ctx, "remote command received", "user_id", u.SenderID, "command", u.Text)
	}
}

func (r *remoteListener) Terminate() {
	r.relay.Close()
	r.sctx.Stop(remoteGrace)
	if err := r.sctx.Wait(); err != nil {
		slog.Error("remote listener failed", "error", err)
	}
}

type metricsServer struct {
	srv  *metrics.Server
	done chan struct{}
}

func startMetricsServer(ctx context.Context, srv *metrics.Server) *metricsServer {
	m := &metricsServer{srv: srv, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		if err := srv.Serve(ctx); err != nil {
			slog.ErrorContext(ctx, "metrics endpoint failed", "error", err)
		}
	}()
	return m
}

func (m *metricsServer) Terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		slog.Error("shutting down metrics endpoint", "error", err)
	}
	<-m.done
}

type syncWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(b []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.w.Write(b)
}
