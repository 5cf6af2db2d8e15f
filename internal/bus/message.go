package bus

import (
	"fmt"
	"log/slog"
)

type Level int

const (
	Error Level = iota
	Warning
	Info
	Debug
	// Raw marks lines produced by the supervised server itself
	Raw
)

func (l Level) String() string {
	switch l {
	case Error:
		return "ERROR"
	case Warning:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Raw:
		return "SERVER"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// LevelOf maps slog levels to bus levels.
func LevelOf(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return Error
	case l >= slog.LevelWarn:
		return Warning
	case l >= slog.LevelInfo:
		return Info
	default:
		return Debug
	}
}

// Message is a value carried by the output bus. It is either a leveled text or
// the terminate sentinel.
type Message struct {
	Level     Level
	Text      string
	terminate bool
}

func NewMessage(level Level, text string) Message {
	return Message{Level: level, Text: text}
}

// Terminate returns the sentinel asking the output consumer to stop.
func Terminate() Message {
	return Message{terminate: true}
}

func (m Message) IsTerminate() bool {
	return m.terminate
}

// String formats a message as "[LEVEL] text".
func (m Message) String() string {
	if m.terminate {
		return "[TERMINATE]"
	}
	return "[" + m.Level.String() + "] " + m.Text
}

// Hub holds both buses of a warden process: leveled output and raw command
// input. It is built once at program start and passed to every component.
type Hub struct {
	Output *Bus[Message]
	Input  *Bus[string]
}

func NewHub() *Hub {
	return &Hub{
		Output: New[Message](),
		Input:  New[string](),
	}
}

// Publish sends a leveled text to the output bus.
func (h *Hub) Publish(level Level, text string) error {
	return h.Output.Producer().Send(NewMessage(level, text))
}

// Command sends a command line to the input bus.
func (h *Hub) Command(line string) error {
	return h.Input.Producer().Send(line)
}
