package proc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Signal strength used by Kill.
type Signal int

const (
	// Terminate asks the process to exit (SIGTERM)
	Terminate Signal = iota
	// Kill ends the process unconditionally (SIGKILL)
	Kill
)

// ForceKillInterval is the first delay between two kill attempts in
// ForceKill. It doubles on every attempt up to maxForceKillInterval.
var ForceKillInterval = 10 * time.Millisecond

const maxForceKillInterval = time.Second

type Options struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the environment of warden

	Stdin  bool
	Stdout bool
	Stderr bool

	// OnExit is called once from the watcher goroutine after the process
	// died. err is the result of waiting on it.
	OnExit func(err error)
}

// Process is a child OS process with optionally piped standard streams and a
// watcher goroutine tracking its death.
type Process struct {
	cmd   *exec.Cmd
	pid   int
	alive atomic.Bool
	done  chan struct{}

	waitErr error // valid once done is closed

	mx     sync.Mutex
	stdin  *PipeWriter
	stdout *PipeReader
	stderr *PipeReader
	piped  [3]bool

	watcher   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Spawn starts a process. Any pipe created before a failure is closed before
// Spawn returns.
func Spawn(ctx context.Context, opts Options) (*Process, error) {
	p := &Process{
		done:  make(chan struct{}),
		piped: [3]bool{opts.Stdin, opts.Stdout, opts.Stderr},
	}

	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	setSysProcAttr(cmd)

	for i, want := range p.piped {
		if !want {
			continue
		}
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return nil, &SpawnError{Kind: PipeCreationFailed, Path: opts.Path, Err: err}
		}
		switch i {
		case 0:
			cmd.Stdin = r
			childEnds = append(childEnds, r)
			parentEnds = append(parentEnds, w)
			p.stdin = &PipeWriter{f: w}
		case 1:
			cmd.Stdout = w
			childEnds = append(childEnds, w)
			parentEnds = append(parentEnds, r)
			p.stdout = &PipeReader{f: r}
		case 2:
			cmd.Stderr = w
			childEnds = append(childEnds, w)
			parentEnds = append(parentEnds, r)
			p.stderr = &PipeReader{f: r}
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, &SpawnError{Kind: ForkFailed, Path: opts.Path, Err: err}
	}
	// the child holds its own copies now
	closeAll(childEnds)

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.alive.Store(true)
	slog.DebugContext(ctx, "process spawned", "path", opts.Path, "pid", p.pid)

	p.watcher.Add(1)
	go p.watch(opts.OnExit)
	return p, nil
}

func (p *Process) watch(onExit func(error)) {
	defer p.watcher.Done()
	err := p.cmd.Wait()
	p.waitErr = err
	p.alive.Store(false)
	close(p.done)
	if onExit != nil {
		onExit(err)
	}
}

func (p *Process) Pid() int {
	return p.pid
}

// IsDead reports whether the watcher has observed the process death.
func (p *Process) IsDead() bool {
	return !p.alive.Load()
}

// Done is closed when the process dies.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the error of waiting on the process, nil while the process
// runs or when it exited with zero status.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Wait blocks until the process dies or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the process dies or d elapses. Zero d waits
// forever. Returns ErrTimeout when the process is still alive.
func (p *Process) WaitTimeout(d time.Duration) error {
	if d <= 0 {
		<-p.done
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// Kill signals the process and its group. A dead process is left alone.
func (p *Process) Kill(sig Signal) error {
	if p.IsDead() {
		return nil
	}
	return p.signal(sig)
}

// ForceKill kills the process until it is dead, backing off between attempts.
func (p *Process) ForceKill() {
	delay := ForceKillInterval
	for !p.IsDead() {
		if err := p.Kill(Kill); err != nil {
			slog.Debug("kill attempt failed", "pid", p.pid, "error", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, maxForceKillInterval)
	}
}

// TakeStdin transfers the stdin pipe to the caller. It succeeds once.
func (p *Process) TakeStdin() (*PipeWriter, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.piped[0] {
		return nil, ErrNotPiped
	}
	if p.stdin == nil {
		return nil, ErrPipeTaken
	}
	w := p.stdin
	p.stdin = nil
	return w, nil
}

// TakeStdout transfers the stdout pipe to the caller. It succeeds once.
func (p *Process) TakeStdout() (*PipeReader, error) {
	return p.takeReader(1, &p.stdout)
}

// TakeStderr transfers the stderr pipe to the caller. It succeeds once.
func (p *Process) TakeStderr() (*PipeReader, error) {
	return p.takeReader(2, &p.stderr)
}

func (p *Process) takeReader(idx int, slot **PipeReader) (*PipeReader, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.piped[idx] {
		return nil, ErrNotPiped
	}
	if *slot == nil {
		return nil, ErrPipeTaken
	}
	r := *slot
	*slot = nil
	return r, nil
}

// Close kills the process if still alive, joins the watcher and closes pipe
// ends which were never taken. It is safe to call Close more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.ForceKill()
		p.watcher.Wait()

		p.mx.Lock()
		defer p.mx.Unlock()
		var errs []error
		if p.stdin != nil {
			errs = append(errs, p.stdin.Close())
			p.stdin = nil
		}
		if p.stdout != nil {
			errs = append(errs, p.stdout.Close())
			p.stdout = nil
		}
		if p.stderr != nil {
			errs = append(errs, p.stderr.Close())
			p.stderr = nil
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
