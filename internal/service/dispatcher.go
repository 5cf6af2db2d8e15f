package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/backup"
	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// reserved commands, everything else goes to the server
const (
	cmdStop   = "stop"
	cmdBackup = "backup"
)

// Dispatcher owns the input bus consumer and the current server. It runs
// commands coming from the console, the remote chat and the scheduler.
type Dispatcher struct {
	cfg     model.Config
	hub     *bus.Hub
	input   *bus.Consumer[string]
	server  *Server
	opts    []Option
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDispatcher(cfg model.Config, hub *bus.Hub, server *Server, opts ...Option) *Dispatcher {
	o := newOptions(opts)
	return &Dispatcher{
		cfg:     cfg,
		hub:     hub,
		input:   hub.Input.Consumer(),
		server:  server,
		opts:    opts,
		metrics: o.metrics,
		now:     o.now,
	}
}

// Server returns the currently supervised server.
func (d *Dispatcher) Server() *Server {
	return d.server
}

// Do runs the dispatcher loop until the stop command. Cancelled ctx stops the
// server the same way. Returns an error wrapping ErrRestartFailed when the
// server can't be started after a backup.
func (d *Dispatcher) Do(ctx context.Context) error {
	defer d.input.Close()
	for {
		line, err := d.input.Recv(ctx)
		if err != nil {
			slog.InfoContext(ctx, "interrupted: stopping the server")
			return d.server.Stop()
		}

		switch cmd := strings.TrimSpace(line); cmd {
		case cmdStop:
			d.metrics.Command(cmdStop)
			return d.server.Stop()
		case cmdBackup:
			d.metrics.Command(cmdBackup)
			if err := d.backup(ctx); err != nil {
				return err
			}
		default:
			d.metrics.Command("forward")
			if err := d.server.SendLine([]byte(strings.TrimRight(line, "\r\n"))); err != nil {
				slog.ErrorContext(ctx, "sending command to server failed", "command", cmd, "error", err)
			}
		}
	}
}

func (d *Dispatcher) backup(ctx context.Context) error {
	if d.cfg.Backup == nil {
		slog.WarnContext(ctx, "backups are not configured: ignoring")
		return nil
	}
	a := backup.Archiver{
		Source:      d.cfg.Backup.Source,
		Destination: d.cfg.Backup.Destination,
		Template:    d.cfg.Backup.Name,
		Now:         d.now,
	}
	// a started backup is finished even on interrupt
	if err := d.server.Backup(context.WithoutCancel(ctx), a); err != nil {
		return err
	}

	server, err := StartServer(ctx, d.cfg.Server, d.hub.Output.Producer(), d.opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	d.server = server
	return nil
}
