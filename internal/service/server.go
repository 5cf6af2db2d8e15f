package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/metrics"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/proc"
)

var (
	// ErrServerConsumed is returned when a stopped server is used again
	ErrServerConsumed = errors.New("server already stopped")
	// ErrRestartFailed is returned by the dispatcher when a server can't be
	// started again after a backup
	ErrRestartFailed = errors.New("restarting server after backup failed")
)

// Archiver creates a backup and returns its path.
type Archiver interface {
	Archive(ctx context.Context) (string, error)
}

// Server supervises a single run of the game server process. Its standard
// output and error are published line by line to the output bus at Raw level.
// Stop and Backup end the run, a stopped Server can't be started again.
type Server struct {
	ctx     context.Context
	cfg     model.Server
	id      string
	metrics *metrics.Metrics

	proc   *proc.Process
	stdin  *proc.PipeWriter
	stdout *proc.PipeReader
	stderr *proc.PipeReader
	pumps  errgroup.Group

	stdinMx   sync.Mutex
	requested atomic.Bool // exit was asked for by warden
	consumed  atomic.Bool
}

// StartServer spawns the server with all standard streams piped. If the
// process exits before Stop or Backup were called, abort (see WithAbort) is
// called from the watcher goroutine.
func StartServer(ctx context.Context, cfg model.Server, out bus.Producer[bus.Message], opts ...Option) (*Server, error) {
	o := newOptions(opts)
	s := &Server{
		cfg:     cfg,
		id:      uuid.NewString(),
		metrics: o.metrics,
	}
	s.ctx = log.ContextAttrs(ctx, slog.String("server", s.id))

	var env []string
	if len(cfg.Env) > 0 {
		env = append(os.Environ(), cfg.Env...)
	}
	p, err := proc.Spawn(s.ctx, proc.Options{
		Path:   cfg.Executable,
		Args:   cfg.Args,
		Dir:    cfg.Dir,
		Env:    env,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
		OnExit: func(err error) {
			s.exited(err, o.abort)
		},
	})
	if err != nil {
		return nil, err
	}
	s.proc = p

	if err := s.takePipes(); err != nil {
		s.requested.Store(true)
		_ = p.Close()
		return nil, err
	}

	s.pumps.Go(func() error {
		pump(s.ctx, s.stdout, out)
		return nil
	})
	s.pumps.Go(func() error {
		pump(s.ctx, s.stderr, out)
		return nil
	})

	s.metrics.ServerStarted()
	slog.InfoContext(s.ctx, "server started", "path", cfg.Executable, "pid", p.Pid())
	return s, nil
}

func (s *Server) takePipes() error {
	var err error
	if s.stdin, err = s.proc.TakeStdin(); err != nil {
		return err
	}
	if s.stdout, err = s.proc.TakeStdout(); err != nil {
		return err
	}
	s.stderr, err = s.proc.TakeStderr()
	return err
}

func (s *Server) exited(err error, abort AbortFunc) {
	if s.requested.Load() {
		slog.DebugContext(s.ctx, "server exited", "error", err)
		return
	}
	s.metrics.UnexpectedExit()
	abort(s.ctx, err)
}

// pump publishes every line read from r until r fails or is closed.
func pump(ctx context.Context, r io.Reader, out bus.Producer[bus.Message]) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			// a closed bus only means nobody listens: keep draining the pipe
			_ = out.Send(bus.NewMessage(bus.Raw, strings.TrimRight(line, "\r\n")))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.DebugContext(ctx, "reading server output", "error", err)
			}
			return
		}
	}
}

// ID identifies a single server run in logs.
func (s *Server) ID() string {
	return s.id
}

func (s *Server) Pid() int {
	return s.proc.Pid()
}

func (s *Server) IsDead() bool {
	return s.proc.IsDead()
}

// Send writes b to the server standard input.
func (s *Server) Send(b []byte) error {
	if s.consumed.Load() {
		return ErrServerConsumed
	}
	return s.write(b)
}

// SendLine writes b followed by a new line in a single write.
func (s *Server) SendLine(b []byte) error {
	line := make([]byte, 0, len(b)+1)
	line = append(line, b...)
	line = append(line, '\n')
	return s.Send(line)
}

func (s *Server) write(b []byte) error {
	s.stdinMx.Lock()
	defer s.stdinMx.Unlock()
	return s.stdin.WriteAll(b)
}

// Stop asks the server to exit with the stop command and waits for it. A
// server which does not exit in time is killed. The process is always dead
// when Stop returns.
func (s *Server) Stop() error {
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrServerConsumed
	}
	s.requested.Store(true)

	slog.InfoContext(s.ctx, "stopping server")
	s.command(s.cfg.StopCommand)
	s.shutdown()
	return nil
}

// Backup saves the world, stops the server the same way Stop does and
// archives the backup source. Archive failures are logged only. An archiver
// returning both a path and an error created the archive.
func (s *Server) Backup(ctx context.Context, a Archiver) error {
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrServerConsumed
	}
	s.requested.Store(true)
	start := time.Now()

	slog.InfoContext(s.ctx, "stopping server for a backup")
	s.command(s.cfg.SaveCommand)
	s.command(s.cfg.StopCommand)
	s.shutdown()

	path, err := a.Archive(ctx)
	if err != nil && path != "" {
		// the archive is complete, only its checksum sidecar is missing
		s.metrics.Backup(metrics.ResultOK, time.Since(start))
		slog.WarnContext(s.ctx, "backup created without checksum", "path", path, "error", err)
		return nil
	}
	if err != nil {
		s.metrics.Backup(metrics.ResultFailed, time.Since(start))
		slog.ErrorContext(s.ctx, "backup failed", "error", err)
		return nil
	}
	s.metrics.Backup(metrics.ResultOK, time.Since(start))
	slog.InfoContext(s.ctx, "backup created", "path", path, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Server) command(cmd string) {
	err := s.write([]byte(cmd + "\n"))
	if err == nil {
		return
	}
	if s.proc.IsDead() {
		slog.WarnContext(s.ctx, "server is already dead", "command", cmd)
		return
	}
	slog.ErrorContext(s.ctx, "sending command to server failed", "command", cmd, "error", err)
	slog.WarnContext(s.ctx, "server will be stopped by a signal")
	if err := s.proc.Kill(proc.Terminate); err != nil {
		slog.ErrorContext(s.ctx, "terminating server failed", "error", err)
	}
}

func (s *Server) shutdown() {
	timeout := s.cfg.StopTimeoutDuration()
	if err := s.proc.WaitTimeout(timeout); errors.Is(err, proc.ErrTimeout) {
		slog.WarnContext(s.ctx, "server did not stop in time: killing it", "timeout", timeout)
		s.metrics.ForcedKill()
		s.proc.ForceKill()
	}

	_ = s.stdin.Close()
	s.joinPumps()
	if err := s.proc.Close(); err != nil {
		slog.DebugContext(s.ctx, "closing server process", "error", err)
	}
	s.metrics.ServerStopped()

	var exitCode = 0
	var exitErr interface{ ExitCode() int }
	if errors.As(s.proc.ExitErr(), &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	slog.InfoContext(s.ctx, "server stopped", "exit_code", exitCode)
}

// joinPumps waits for both output pumps. A grandchild which inherited the
// pipes can keep them open after the server died, so after the drain timeout
// the read ends are closed.
func (s *Server) joinPumps() {
	done := make(chan struct{})
	go func() {
		_ = s.pumps.Wait()
		close(done)
	}()

	drain := s.cfg.DrainTimeoutDuration()
	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.WarnContext(s.ctx, "server output still open after exit: closing", "timeout", drain)
		_ = s.stdout.Close()
		_ = s.stderr.Close()
		<-done
	}
	_ = s.stdout.Close()
	_ = s.stderr.Close()
}
