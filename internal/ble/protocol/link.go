package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/event"
)

// ErrTimeout is returned when an expected message does not arrive in time.
var ErrTimeout = errors.New("protocol: timed out")

// DefaultRetryTimeout is the per-attempt wait used by SendWithAckRetry
// callers that have no better figure.
const DefaultRetryTimeout = 500 * time.Millisecond

// WriteFunc writes one encoded message to the die.
type WriteFunc func(ctx context.Context, b []byte) error

// MatchFunc filters candidate acknowledgements. A nil MatchFunc accepts any
// message of the expected type.
type MatchFunc func(Message) bool

// Link ties a dispatcher to the write path of one die and implements the
// request/acknowledge exchanges on top of them.
type Link struct {
	d     *Dispatcher
	write WriteFunc
	clock clockwork.Clock
}

// NewLink returns a Link that reads from d and writes with write. A nil
// clock means the real clock.
func NewLink(d *Dispatcher, write WriteFunc, clock clockwork.Clock) *Link {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Link{d: d, write: write, clock: clock}
}

// Dispatcher returns the dispatcher incoming messages are read from.
func (l *Link) Dispatcher() *Dispatcher { return l.d }

// Post encodes and writes msg without waiting for any answer.
func (l *Link) Post(ctx context.Context, msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := l.write(ctx, b); err != nil {
		return fmt.Errorf("protocol: write %s: %w", msg.Type(), err)
	}
	return nil
}

// SendWithAck writes msg and waits up to timeout for a message of type ack
// accepted by match. Exactly one outcome is returned: the acknowledgement,
// a write error, ErrTimeout or the context's cause. An acknowledgement that
// arrives after the wait ended is ignored.
func (l *Link) SendWithAck(ctx context.Context, msg Message, ack MessageType, timeout time.Duration, match MatchFunc) (Message, error) {
	got := make(chan Message, 1)
	h := l.d.AddHandler(ack, func(m Message) {
		if match != nil && !match(m) {
			return
		}
		select {
		case got <- m:
		default:
		}
	})
	defer l.d.RemoveHandler(ack, h)

	if err := l.Post(ctx, msg); err != nil {
		return nil, err
	}

	// synchronous transports may have answered during the write
	select {
	case m := <-got:
		return m, nil
	default:
	}

	timer := l.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-got:
		return m, nil
	case <-timer.Chan():
		return nil, fmt.Errorf("%w waiting for %s", ErrTimeout, ack)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// SendWithAckRetry repeats SendWithAck up to attempts times, each waiting
// timeout, and stops at the first acknowledgement. Only timeouts are
// retried; write failures are returned immediately.
func (l *Link) SendWithAckRetry(ctx context.Context, msg Message, ack MessageType, attempts int, timeout time.Duration, match MatchFunc) (Message, error) {
	attempts = max(attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var m Message
		m, err = l.SendWithAck(ctx, msg, ack, timeout, match)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}
		log.Debug().Stringer("type", msg.Type()).Int("attempt", attempt).Msg("protocol: no acknowledgement")
	}
	return nil, fmt.Errorf("%w after %d attempts", err, attempts)
}

// WaitFor waits for the next message of type t. A zero timeout waits until
// ctx is done.
func (l *Link) WaitFor(ctx context.Context, t MessageType, timeout time.Duration) (Message, error) {
	return l.Expect(t).Wait(ctx, timeout)
}

// Pending is a wait armed before the exchange that triggers it starts.
type Pending struct {
	l   *Link
	t   MessageType
	h   event.Handle
	got chan Message
}

// Expect registers interest in the next message of type t. The caller must
// finish with exactly one Wait or Cancel.
func (l *Link) Expect(t MessageType) *Pending {
	p := &Pending{l: l, t: t, got: make(chan Message, 1)}
	p.h = l.d.AddHandler(t, func(m Message) {
		select {
		case p.got <- m:
		default:
		}
	})
	return p
}

// Wait blocks like WaitFor and then unregisters the wait.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (Message, error) {
	defer p.Cancel()
	return p.l.await(ctx, p.got, p.t, timeout)
}

// Cancel unregisters the wait without blocking.
func (p *Pending) Cancel() {
	p.l.d.RemoveHandler(p.t, p.h)
}

func (l *Link) await(ctx context.Context, got <-chan Message, t MessageType, timeout time.Duration) (Message, error) {
	select {
	case m := <-got:
		return m, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := l.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}
	select {
	case m := <-got:
		return m, nil
	case <-expired:
		return nil, fmt.Errorf("%w waiting for %s", ErrTimeout, t)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
