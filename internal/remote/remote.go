// Package remote implements the remote chat gateway used to mirror the
// server console and to receive commands from a single authorized user.
package remote

import (
	"context"
)

// Sender delivers a text message to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Update is an inbound text message.
type Update struct {
	SenderID   int64
	SenderName string
	Text       string
}

// Poller receives inbound messages until ctx is done. handle is called
// sequentially from the polling goroutine.
type Poller interface {
	Poll(ctx context.Context, handle func(context.Context, Update)) error
}

// Gateway is both directions of a remote chat.
type Gateway interface {
	Sender
	Poller
}
