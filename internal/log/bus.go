package log

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Warden/internal/bus"
)

// BusHandler turns log records into output bus messages. The message text is
// the record message followed by its attributes in logfmt. Records that
// cannot be published because the output consumer is gone are written to the
// fallback writer instead.
type BusHandler struct {
	out      bus.Producer[bus.Message]
	fallback io.Writer
	level    slog.Leveler
	state    *busState
	attrs    slog.Handler
}

type busState struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func NewBusHandler(out bus.Producer[bus.Message], fallback io.Writer, level slog.Leveler) *BusHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	state := &busState{}
	attrs := slog.NewTextHandler(&state.buf, &slog.HandlerOptions{
		Level: slog.LevelDebug - 4,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey, slog.LevelKey, slog.MessageKey:
				return slog.Attr{}
			}
			return a
		},
	})
	return &BusHandler{
		out:      out,
		fallback: fallback,
		level:    level,
		state:    state,
		attrs:    attrs,
	}
}

func (h *BusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	h.state.mx.Lock()
	h.state.buf.Reset()
	err := h.attrs.Handle(ctx, r)
	tail := strings.TrimSpace(h.state.buf.String())
	h.state.mx.Unlock()
	if err != nil {
		return err
	}

	text := r.Message
	if tail != "" {
		text += " " + tail
	}
	msg := bus.NewMessage(bus.LevelOf(r.Level), text)
	err = h.out.Send(msg)
	if errors.Is(err, bus.ErrClosed) && h.fallback != nil {
		_, err = io.WriteString(h.fallback, msg.String()+"\n")
	}
	return err
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = h.attrs.WithAttrs(attrs)
	return &h2
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	h2 := *h
	h2.attrs = h.attrs.WithGroup(name)
	return &h2
}

// NewBus returns the logger used while the output bus is alive.
func NewBus(out bus.Producer[bus.Message], fallback io.Writer, verbose bool) *slog.Logger {
	return slog.New(NewContextHandler(NewBusHandler(out, fallback, Level(verbose))))
}
