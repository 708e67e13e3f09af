package events

import (
	"context"
	"errors"
)

// ErrListenerClosed tells the hub a listener is gone and should be dropped.
var ErrListenerClosed = errors.New("listener closed")

// Listener consumes batches of events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Listener interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// Broadcast emits name with data through e. A nil emitter is ignored.
func Broadcast(e Emitter, name Name, data any) {
	if e == nil {
		return
	}
	e.Emit(Event{Name: name, Data: data})
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
