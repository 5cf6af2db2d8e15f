package service_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Warden/internal/bus"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/remote"
	"github.com/CZERTAINLY/Warden/internal/service"
)

func TestOutputSink(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	var console bytes.Buffer

	jobs, err := service.StartJobs(t.Context(), model.Config{}, hub,
		service.WithConsole(strings.NewReader(""), &console))
	require.NoError(t, err)

	require.NoError(t, hub.Publish(bus.Info, "server started"))
	require.NoError(t, hub.Output.Producer().Send(bus.NewMessage(bus.Raw, "Done (0.1s)!")))
	require.NoError(t, hub.Publish(bus.Error, "boom"))
	jobs.Terminate()
	jobs.Terminate()

	require.Equal(t, "[INFO] server started\n[SERVER] Done (0.1s)!\n[ERROR] boom\n", console.String())
	require.Error(t, hub.Publish(bus.Info, "after terminate"))
}

func TestConsoleInput(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	input := hub.Input.Consumer()

	jobs, err := service.StartJobs(t.Context(), model.Config{}, hub,
		service.WithConsole(strings.NewReader("say hi\r\nlist\nstop"), &bytes.Buffer{}))
	require.NoError(t, err)
	defer jobs.Terminate()

	require.Equal(t, "say hi\r\n", recvInput(t, input))
	require.Equal(t, "list\n", recvInput(t, input))
	require.Equal(t, "stop", recvInput(t, input))
}

func remoteConfig() model.Config {
	return model.Config{
		Remote: &model.Remote{
			Enabled:      true,
			Token:        "secret",
			AuthorizedID: 42,
			Buffer:       16,
		},
	}
}

func TestRemoteAuthorization(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	input := hub.Input.Consumer()
	gw := newFakeGateway(
		remote.Update{SenderID: 99, SenderName: "mallory", Text: "stop"},
		remote.Update{SenderID: 42, SenderName: "admin", Text: "list"},
	)

	jobs, err := service.StartJobs(t.Context(), remoteConfig(), hub,
		service.WithConsole(strings.NewReader(""), &bytes.Buffer{}),
		service.WithGateway(gw))
	require.NoError(t, err)
	defer jobs.Terminate()

	require.Equal(t, "list\n", recvInput(t, input))
	<-gw.polled
	_, ok := input.TryRecv()
	require.False(t, ok)
}

func TestRemoteRelay(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	gw := newFakeGateway()
	var console bytes.Buffer

	jobs, err := service.StartJobs(t.Context(), remoteConfig(), hub,
		service.WithConsole(strings.NewReader(""), &console),
		service.WithGateway(gw))
	require.NoError(t, err)

	require.NoError(t, hub.Publish(bus.Info, "hello"))
	require.NoError(t, hub.Output.Producer().Send(bus.NewMessage(bus.Raw, "<admin> hi")))
	jobs.Terminate()

	require.Equal(t, "[INFO] hello\n[SERVER] <admin> hi\n", console.String())
	require.Equal(t, "[INFO] hello\n[SERVER] <admin> hi", strings.Join(gw.texts(), "\n"))
}

func TestRemoteDeliveryFailure(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	gw := newFakeGateway()
	gw.err = errors.New("chat not found")
	var console bytes.Buffer

	jobs, err := service.StartJobs(t.Context(), remoteConfig(), hub,
		service.WithConsole(strings.NewReader(""), &console),
		service.WithGateway(gw))
	require.NoError(t, err)

	require.NoError(t, hub.Publish(bus.Info, "hello"))
	jobs.Terminate()

	require.Contains(t, console.String(), "[INFO] hello\n")
	require.Contains(t, console.String(), "[WARN] could not send log to remote chat: chat not found\n")
}

func TestScheduledBackup(t *testing.T) {
	t.Parallel()
	hub := bus.NewHub()
	input := hub.Input.Consumer()
	cfg := model.Config{
		Backup: &model.Backup{
			Source:      t.TempDir(),
			Destination: t.TempDir(),
			Name:        "Backup_%Y-%m-%d",
			Schedule:    &model.Schedule{Every: "1s"},
		},
	}

	jobs, err := service.StartJobs(t.Context(), cfg, hub,
		service.WithConsole(strings.NewReader(""), &bytes.Buffer{}))
	require.NoError(t, err)
	defer jobs.Terminate()

	require.Equal(t, "backup\n", recvInput(t, input))
}

func TestScheduleErrors(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Schedule
		then     string
	}{
		{
			scenario: "both",
			given:    model.Schedule{Cron: "@daily", Every: "1h"},
			then:     "backup.schedule: cron and every are mutually exclusive",
		},
		{
			scenario: "none",
			given:    model.Schedule{},
			then:     "backup.schedule: both cron and every are empty",
		},
		{
			scenario: "bad every",
			given:    model.Schedule{Every: "1w"},
			then:     `backup.schedule: parsing every: invalid duration "1w"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			schedule := tc.given
			cfg := model.Config{Backup: &model.Backup{Schedule: &schedule}}
			_, err := service.StartJobs(t.Context(), cfg, bus.NewHub(),
				service.WithConsole(strings.NewReader(""), &bytes.Buffer{}))
			require.EqualError(t, err, tc.then)
		})
	}
}
