package stream

import (
	"context"

	"github.com/trymwestin/simplisafe/internal/core/event"
)

// Handler reacts to a connection lifecycle change.
//
// Sync handlers run on the goroutine that observed the change, which may be
// the connection's read loop, so they should return quickly. Async handlers
// run on their own goroutine.
type Handler interface {
	Invoke(ctx context.Context)
}

// SyncHandler adapts a plain function.
type SyncHandler func()

// Invoke calls h inline.
func (h SyncHandler) Invoke(context.Context) { h() }

// AsyncHandler adapts a function that may block.
type AsyncHandler func(ctx context.Context)

// Invoke calls h on a new goroutine.
func (h AsyncHandler) Invoke(ctx context.Context) { go h(ctx) }

// EventHandler receives decoded stream events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev event.Event)
}

// SyncEventHandler adapts a plain function. It runs on the read loop and may
// make REST calls, including ones that refresh the token and reconnect the
// stream underneath it.
type SyncEventHandler func(ev event.Event)

// HandleEvent calls h inline.
func (h SyncEventHandler) HandleEvent(_ context.Context, ev event.Event) { h(ev) }

// AsyncEventHandler adapts a function that may block.
type AsyncEventHandler func(ctx context.Context, ev event.Event)

// HandleEvent calls h on a new goroutine.
func (h AsyncEventHandler) HandleEvent(ctx context.Context, ev event.Event) { go h(ctx, ev) }
