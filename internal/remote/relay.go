package remote

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Relay forwards console lines to a chat without blocking the caller. Lines
// are buffered up to a fixed size and sent in batches which fit a single chat
// message. Lines which do not fit the buffer are dropped and the next batch
// reports how many were lost.
type Relay struct {
	sender  Sender
	chatID  int64
	onError func(error)

	mx      sync.Mutex
	closed  bool
	lines   chan string
	dropped int
}

// NewRelay returns a relay buffering up to size lines. onError is called
// from Run for every failed delivery and must not log through the relay
// itself.
func NewRelay(sender Sender, chatID int64, size int, onError func(error)) *Relay {
	if size <= 0 {
		size = 256
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Relay{
		sender:  sender,
		chatID:  chatID,
		onError: onError,
		lines:   make(chan string, size),
	}
}

// Push queues a line, returns false when it was dropped.
func (r *Relay) Push(line string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.lines <- line:
		return true
	default:
		r.dropped++
		return false
	}
}

// Close stops accepting lines. Run delivers what is already queued and returns.
func (r *Relay) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.lines)
}

// Run delivers queued lines until Close was called and the queue is empty, or
// ctx is done.
func (r *Relay) Run(ctx context.Context) {
	var pending string
	var havePending bool
	for {
		first := pending
		if !havePending {
			var ok bool
			select {
			case <-ctx.Done():
				return
			case first, ok = <-r.lines:
				if !ok {
					return
				}
			}
		}
		havePending = false

		var b strings.Builder
		if n := r.takeDropped(); n > 0 {
			b.WriteString("(dropped " + strconv.Itoa(n) + " lines)\n")
		}
		b.WriteString(first)

	batch:
		for {
			select {
			case next, ok := <-r.lines:
				if !ok {
					break batch
				}
				if b.Len()+1+len(next) > MaxMessageLength {
					pending, havePending = next, true
					break batch
				}
				b.WriteByte('\n')
				b.WriteString(next)
			default:
				break batch
			}
		}

		if err := r.sender.SendMessage(ctx, r.chatID, b.String()); err != nil {
			r.onError(err)
		}
	}
}

func (r *Relay) takeDropped() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	n := r.dropped
	r.dropped = 0
	return n
}
