package die

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
)

// beginOperation takes the operation slot. It fails at once when the
// session is not linked and otherwise waits for the running operation to
// finish. The returned context is cancelled with ErrDisconnected if the
// link drops; end must be called exactly once.
func (s *Session) beginOperation(ctx context.Context) (opCtx context.Context, end func(), err error) {
	if !s.State().linked() {
		return nil, nil, ErrNotConnected
	}
	select {
	case s.opSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, context.Cause(ctx)
	}

	s.mu.Lock()
	linkCtx, linked := s.linkCtx, s.info.State.linked()
	s.mu.Unlock()
	if !linked || linkCtx == nil || linkCtx.Err() != nil {
		<-s.opSlot
		return nil, nil, ErrNotConnected
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(linkCtx, func() { cancel(context.Cause(linkCtx)) })
	return opCtx, func() {
		stop()
		cancel(nil)
		<-s.opSlot
	}, nil
}

// perform runs fn as one operation.
func (s *Session) perform(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	opCtx, end, err := s.beginOperation(ctx)
	if err != nil {
		return fmt.Errorf("die: %s: %w", name, err)
	}
	defer end()
	if err := fn(opCtx); err != nil {
		return fmt.Errorf("die: %s: %w", name, err)
	}
	return nil
}

// request sends msg as one operation and returns the acknowledgement.
func request[T protocol.Message](ctx context.Context, s *Session, name string, msg protocol.Message, ack protocol.MessageType, timeout time.Duration) (T, error) {
	var out T
	err := s.perform(ctx, name, func(ctx context.Context) error {
		m, err := s.link.SendWithAck(ctx, msg, ack, timeout, nil)
		if err != nil {
			return err
		}
		v, ok := m.(T)
		if !ok {
			return fmt.Errorf("unexpected %T for %s", m, ack)
		}
		out = v
		return nil
	})
	return out, err
}

// post writes msg without taking the operation slot. Fire-and-forget
// messages may interleave with a running transfer.
func (s *Session) post(ctx context.Context, name string, msg protocol.Message) error {
	if !s.State().linked() {
		return fmt.Errorf("die: %s: %w", name, ErrNotConnected)
	}
	if err := s.link.Post(ctx, msg); err != nil {
		return fmt.Errorf("die: %s: %w", name, err)
	}
	return nil
}

// writeMessage is the link's write path: paced by the limiter, then
// written to the write characteristic of the current connection.
func (s *Session) writeMessage(ctx context.Context, b []byte) error {
	s.mu.Lock()
	w := s.write
	s.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return w.Write(b)
}

func (s *Session) bulkOptions(progress func(float64)) protocol.BulkOptions {
	return protocol.BulkOptions{
		Attempts: s.opts.Retries,
		Timeout:  s.opts.RetryTimeout,
		Progress: progress,
	}
}
