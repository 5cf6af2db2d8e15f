package bus_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFIFO(t *testing.T) {
	t.Parallel()
	b := bus.New[bus.Message]()
	p := b.Producer()
	c := b.Consumer()

	for _, text := range []string{"m1", "m2", "m3"} {
		require.NoError(t, p.Send(bus.NewMessage(bus.Info, text)))
	}

	ctx := t.Context()
	for _, text := range []string{"m1", "m2", "m3"} {
		m, err := c.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, text, m.Text)
	}
}

func TestFIFOPerProducer(t *testing.T) {
	t.Parallel()
	const n = 200
	b := bus.New[string]()
	c := b.Consumer()

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c"} {
		p := b.Producer()
		wg.Go(func() {
			for i := range n {
				require.NoError(t, p.Send(fmt.Sprintf("%s:%d", name, i)))
			}
		})
	}

	next := map[string]int{}
	ctx := t.Context()
	for range 3 * n {
		v, err := c.Recv(ctx)
		require.NoError(t, err)
		var name string
		var i int
		_, err = fmt.Sscanf(v, "%1s:%d", &name, &i)
		require.NoError(t, err)
		require.Equal(t, next[name], i, "out of order for producer %s", name)
		next[name]++
	}
	wg.Wait()
}

func TestSecondConsumerPanics(t *testing.T) {
	t.Parallel()
	b := bus.New[string]()
	_ = b.Consumer()
	require.Panics(t, func() {
		_ = b.Consumer()
	})
}

func TestRecvContext(t *testing.T) {
	t.Parallel()
	b := bus.New[string]()
	c := b.Consumer()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecvWakesUp(t *testing.T) {
	t.Parallel()
	b := bus.New[string]()
	c := b.Consumer()

	done := make(chan string)
	go func() {
		v, _ := c.Recv(t.Context())
		done <- v
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Producer().Send("hello"))

	select {
	case v := <-done:
		require.Equal(t, "hello", v)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer was not woken up")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	b := bus.New[string]()
	p := b.Producer()
	c := b.Consumer()
	require.NoError(t, p.Send("queued"))
	c.Close()
	require.Zero(t, b.Len())
	require.ErrorIs(t, p.Send("late"), bus.ErrClosed)

	var zero bus.Producer[string]
	require.ErrorIs(t, zero.Send("nil"), bus.ErrClosed)
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	c := hub.Output.Consumer()
	require.NoError(t, hub.Publish(bus.Warning, "before"))
	require.NoError(t, hub.Output.Producer().Send(bus.Terminate()))

	ctx := t.Context()
	m, err := c.Recv(ctx)
	require.NoError(t, err)
	require.False(t, m.IsTerminate())
	require.Equal(t, "[WARN] before", m.String())

	m, err = c.Recv(ctx)
	require.NoError(t, err)
	require.True(t, m.IsTerminate())
}

func TestLevel(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given slog.Level
		then  bus.Level
		label string
	}{
		{slog.LevelError, bus.Error, "ERROR"},
		{slog.LevelWarn, bus.Warning, "WARN"},
		{slog.LevelInfo, bus.Info, "INFO"},
		{slog.LevelDebug, bus.Debug, "DEBUG"},
		{slog.LevelDebug - 4, bus.Debug, "DEBUG"},
	}

	for _, tc := range testCases {
		t.Run(tc.label, func(t *testing.T) {
			l := bus.LevelOf(tc.given)
			require.Equal(t, tc.then, l)
			require.Equal(t, tc.label, l.String())
		})
	}
	require.Equal(t, "[SERVER] Done (1.2s)!", bus.NewMessage(bus.Raw, "Done (1.2s)!").String())
}
