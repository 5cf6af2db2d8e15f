package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/service"
)

// runDispatcher runs Do in the background, the returned channel yields its result
func runDispatcher(ctx context.Context, d *service.Dispatcher) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- d.Do(ctx)
	}()
	return ch
}

func requireDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("dispatcher did not finish")
		return nil
	}
}

func TestDispatcherForwardsExactBytes(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "stdin")
	// the first 10 bytes must be the forwarded line, the next line the stop command
	script := `
dd bs=1 count=10 of="$1" 2>/dev/null
IFS= read -r next
[ "$next" = stop ] && exit 0
echo "unexpected: $next"
exit 1
`
	cfg := model.Config{Server: serverConfig(t, script, out)}
	hub := bus.NewHub()
	ab := newAborts()

	srv, err := service.StartServer(t.Context(), cfg.Server, hub.Output.Producer(), ab.option())
	require.NoError(t, err)
	d := service.NewDispatcher(cfg, hub, srv, ab.option())
	done := runDispatcher(t.Context(), d)

	require.NoError(t, hub.Command("say hello\r\n"))
	require.NoError(t, hub.Command("stop\n"))
	require.NoError(t, requireDone(t, done))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "say hello\n", string(b))
	require.True(t, srv.IsDead())
	ab.requireNone(t)
}

func TestDispatcherStopOnCancel(t *testing.T) {
	t.Parallel()
	cfg := model.Config{Server: serverConfig(t, gameServer)}
	hub := bus.NewHub()
	output := hub.Output.Consumer()
	ab := newAborts()

	srv, err := service.StartServer(t.Context(), cfg.Server, hub.Output.Producer(), ab.option())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := runDispatcher(ctx, service.NewDispatcher(cfg, hub, srv, ab.option()))
	waitFor(t, output, `Done (0.1s)! For help, type "help"`)
	cancel()

	require.NoError(t, requireDone(t, done))
	require.True(t, srv.IsDead())
	waitFor(t, output, "Stopping the server")
	ab.requireNone(t)
}

func TestDispatcherBackupNotConfigured(t *testing.T) {
	t.Parallel()
	cfg := model.Config{Server: serverConfig(t, gameServer)}
	hub := bus.NewHub()
	output := hub.Output.Consumer()
	ab := newAborts()

	srv, err := service.StartServer(t.Context(), cfg.Server, hub.Output.Producer(), ab.option())
	require.NoError(t, err)
	d := service.NewDispatcher(cfg, hub, srv, ab.option())
	done := runDispatcher(t.Context(), d)

	require.NoError(t, hub.Command("backup\n"))
	require.NoError(t, hub.Command("list\n"))
	// the server keeps running and still gets commands
	waitFor(t, output, "got: list")
	require.False(t, srv.IsDead())
	require.Same(t, srv, d.Server())

	require.NoError(t, hub.Command("stop\n"))
	require.NoError(t, requireDone(t, done))
	ab.requireNone(t)
}

func TestDispatcherBackupRestartsServer(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "level.dat"), []byte("level"), 0o644))
	dest := t.TempDir()
	cfg := model.Config{
		Server: serverConfig(t, gameServer),
		Backup: &model.Backup{
			Source:      src,
			Destination: dest,
			Name:        "Backup_%Y-%m-%d",
		},
	}
	hub := bus.NewHub()
	output := hub.Output.Consumer()
	ab := newAborts()
	clock := service.WithClock(func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	})

	first, err := service.StartServer(t.Context(), cfg.Server, hub.Output.Producer(), ab.option())
	require.NoError(t, err)
	d := service.NewDispatcher(cfg, hub, first, ab.option(), clock)
	done := runDispatcher(t.Context(), d)

	require.NoError(t, hub.Command("backup\n"))
	require.NoError(t, hub.Command("list\n"))
	waitFor(t, output, "Saved the game")
	waitFor(t, output, "Stopping the server")
	waitFor(t, output, "got: list")
	require.True(t, first.IsDead())

	_, err = os.Stat(filepath.Join(dest, "Backup_2024-05-01_0.tar.gz"))
	require.NoError(t, err)

	require.NoError(t, hub.Command("stop\n"))
	require.NoError(t, requireDone(t, done))
	second := d.Server()
	require.NotSame(t, first, second)
	require.NotEqual(t, first.ID(), second.ID())
	require.True(t, second.IsDead())
	ab.requireNone(t)
}

func TestDispatcherRestartFailure(t *testing.T) {
	t.Parallel()
	sh := serverConfig(t, "").Executable
	dir := t.TempDir()
	script := filepath.Join(dir, "server.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!"+sh+"\n"+gameServer), 0o755))

	cfg := model.Config{
		Server: model.Server{
			Executable:   script,
			StopCommand:  "stop",
			SaveCommand:  "save-all",
			StopTimeout:  "5s",
			DrainTimeout: "1s",
		},
		Backup: &model.Backup{
			Source:      dir,
			Destination: filepath.Join(t.TempDir(), "backups"),
			Name:        "Backup",
		},
	}
	hub := bus.NewHub()
	output := hub.Output.Consumer()
	ab := newAborts()

	srv, err := service.StartServer(t.Context(), cfg.Server, hub.Output.Producer(), ab.option())
	require.NoError(t, err)
	// sh has read the script once the banner is out
	waitFor(t, output, `Done (0.1s)! For help, type "help"`)
	// the server can't be started again once the executable is gone
	require.NoError(t, os.Remove(script))

	done := runDispatcher(t.Context(), service.NewDispatcher(cfg, hub, srv, ab.option()))
	require.NoError(t, hub.Command("backup\n"))

	err = requireDone(t, done)
	require.ErrorIs(t, err, service.ErrRestartFailed)
	require.True(t, srv.IsDead())
	ab.requireNone(t)
}
