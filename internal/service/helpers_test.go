package service_test

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/remote"
	"github.com/CZERTAINLY/Warden/internal/service"
)

// gameServer behaves like a console of a typical game server
const gameServer = `
echo "Done (0.1s)! For help, type \"help\""
while IFS= read -r line; do
  case "$line" in
    stop) echo "Stopping the server"; exit 0;;
    save-all) echo "Saved the game";;
    *) echo "got: $line";;
  esac
done
`

func serverConfig(t *testing.T, script string, args ...string) model.Server {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return model.Server{
		Executable:   sh,
		Args:         append([]string{"-c", script, "sh"}, args...),
		StopCommand:  "stop",
		SaveCommand:  "save-all",
		StopTimeout:  "5s",
		DrainTimeout: "1s",
	}
}

// aborts records calls of the abort function instead of exiting
type aborts struct {
	ch chan error
}

func newAborts() *aborts {
	return &aborts{ch: make(chan error, 8)}
}

func (a *aborts) option() service.Option {
	return service.WithAbort(func(_ context.Context, err error) {
		a.ch <- err
	})
}

func (a *aborts) requireNone(t *testing.T) {
	t.Helper()
	select {
	case err := <-a.ch:
		t.Fatalf("unexpected abort: %v", err)
	default:
	}
}

// waitFor reads output messages until one has the text
func waitFor(t *testing.T, c *bus.Consumer[bus.Message], text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	for {
		m, err := c.Recv(ctx)
		require.NoError(t, err, "waiting for %q", text)
		if m.Text == text {
			return
		}
	}
}

func recvInput(t *testing.T, c *bus.Consumer[string]) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	line, err := c.Recv(ctx)
	require.NoError(t, err)
	return line
}

type fakeGateway struct {
	updates []remote.Update
	polled  chan struct{}
	err     error // returned by SendMessage

	mx   sync.Mutex
	sent []string
}

func newFakeGateway(updates ...remote.Update) *fakeGateway {
	return &fakeGateway{
		updates: updates,
		polled:  make(chan struct{}),
	}
}

func (g *fakeGateway) SendMessage(_ context.Context, _ int64, text string) error {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, text)
	return nil
}

func (g *fakeGateway) Poll(ctx context.Context, handle func(context.Context, remote.Update)) error {
	for _, u := range g.updates {
		handle(ctx, u)
	}
	close(g.polled)
	<-ctx.Done()
	return nil
}

func (g *fakeGateway) texts() []string {
	g.mx.Lock()
	defer g.mx.Unlock()
	return append([]string(nil), g.sent...)
}
