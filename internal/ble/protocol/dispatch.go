package protocol

import (
	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/event"
)

// Handler receives a decoded message.
type Handler func(Message)

// Dispatcher routes decoded messages to the handlers registered for their
// type. Each die session owns one. The zero value is ready to use.
type Dispatcher struct {
	handlers [TypeCount]event.List[Message]
}

// AddHandler registers h for messages of type t. Handlers for the same type
// run in registration order.
func (d *Dispatcher) AddHandler(t MessageType, h Handler) event.Handle {
	if t >= TypeCount {
		return 0
	}
	return d.handlers[t].Add(h)
}

// RemoveHandler unregisters the handler added under handle.
func (d *Dispatcher) RemoveHandler(t MessageType, handle event.Handle) bool {
	if t >= TypeCount {
		return false
	}
	return d.handlers[t].Remove(handle)
}

// HandlerCount returns how many handlers are registered for t.
func (d *Dispatcher) HandlerCount(t MessageType) int {
	if t >= TypeCount {
		return 0
	}
	return d.handlers[t].Len()
}

// Dispatch decodes raw and delivers it. Undecodable input is dropped: the
// firmware message set grows over time and old clients must keep working.
// It reports whether a message was decoded.
func (d *Dispatcher) Dispatch(raw []byte) bool {
	msg, err := Decode(raw)
	if err != nil {
		log.Debug().Err(err).Hex("raw", raw).Msg("protocol: dropping message")
		return false
	}
	d.Deliver(msg)
	return true
}

// Deliver invokes the handlers registered for msg's type on a snapshot, so
// handlers may add or remove handlers while running. A panicking handler is
// logged and skipped.
func (d *Dispatcher) Deliver(msg Message) {
	t := msg.Type()
	if t >= TypeCount {
		return
	}
	d.handlers[t].Emit(msg)
}
