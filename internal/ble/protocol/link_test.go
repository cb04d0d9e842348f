package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wire records every message written through a Link and optionally answers
// it synchronously, the way a notification arrives on the transport.
type wire struct {
	mu      sync.Mutex
	sent    []Message
	respond func(Message)
	err     error
}

func (w *wire) write(_ context.Context, b []byte) error {
	if w.err != nil {
		return w.err
	}
	m, err := Decode(b)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.sent = append(w.sent, m)
	respond := w.respond
	w.mu.Unlock()
	if respond != nil {
		respond(m)
	}
	return nil
}

func (w *wire) messages() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Message(nil), w.sent...)
}

func (w *wire) count(t MessageType) int {
	n := 0
	for _, m := range w.messages() {
		if m.Type() == t {
			n++
		}
	}
	return n
}

func newTestLink(clock clockwork.Clock) (*Link, *Dispatcher, *wire) {
	d := &Dispatcher{}
	w := &wire{}
	return NewLink(d, w.write, clock), d, w
}

type result struct {
	msg Message
	err error
}

func TestSendWithAckReturnsAck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link, d, w := newTestLink(clock)
	w.respond = func(m Message) {
		if m.Type() == TypeRequestBatteryLevel {
			d.Deliver(&BatteryLevel{Level: 0.75})
		}
	}

	got, err := link.SendWithAck(context.Background(), &Empty{Kind: TypeRequestBatteryLevel}, TypeBatteryLevel, time.Second, nil)

	require.NoError(t, err)
	assert.Equal(t, &BatteryLevel{Level: 0.75}, got)
	assert.Zero(t, d.HandlerCount(TypeBatteryLevel), "ack handler must be removed")
}

func TestSendWithAckTimesOutAndIgnoresLateAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	link, d, _ := newTestLink(clock)

	done := make(chan result, 1)
	go func() {
		m, err := link.SendWithAck(ctx, &Empty{Kind: TypeRequestRssi}, TypeRssi, time.Second, nil)
		done <- result{m, err}
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	res := <-done
	assert.Nil(t, res.msg)
	assert.ErrorIs(t, res.err, ErrTimeout)

	// the die answers at 1.5s; nobody is listening any more
	clock.Advance(500 * time.Millisecond)
	assert.NotPanics(t, func() { d.Deliver(&Rssi{Value: -40}) })
	assert.Zero(t, d.HandlerCount(TypeRssi))
}

func TestSendWithAckExactlyOneOutcome(t *testing.T) {
	cases := []struct {
		name    string
		delay   time.Duration
		wantAck bool
	}{
		{"reply before deadline", 400 * time.Millisecond, true},
		{"reply after deadline", 1500 * time.Millisecond, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			clock := clockwork.NewFakeClock()
			link, d, _ := newTestLink(clock)

			done := make(chan result, 2)
			go func() {
				m, err := link.SendWithAck(ctx, &Empty{Kind: TypeRequestState}, TypeState, time.Second, nil)
				done <- result{m, err}
			}()
			require.NoError(t, clock.BlockUntilContext(ctx, 1))

			var res result
			if tc.wantAck {
				clock.Advance(tc.delay)
				d.Deliver(&State{State: RollOnFace, Face: 3})
				res = <-done
				assert.NoError(t, res.err)
				assert.Equal(t, &State{State: RollOnFace, Face: 3}, res.msg)
			} else {
				clock.Advance(time.Second)
				res = <-done
				clock.Advance(tc.delay - time.Second)
				d.Deliver(&State{State: RollOnFace, Face: 3})
				assert.ErrorIs(t, res.err, ErrTimeout)
				assert.Nil(t, res.msg)
			}
			select {
			case extra := <-done:
				t.Fatalf("second outcome reported: %+v", extra)
			case <-time.After(20 * time.Millisecond):
			}
		})
	}
}

func TestSendWithAckWriteError(t *testing.T) {
	link, d, w := newTestLink(clockwork.NewFakeClock())
	w.err = errors.New("gatt write failed")

	_, err := link.SendWithAck(context.Background(), &Empty{Kind: TypeWhoAreYou}, TypeIAmADie, time.Second, nil)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "gatt write failed")
	assert.Zero(t, d.HandlerCount(TypeIAmADie))
}

func TestSendWithAckMatchFiltersAcks(t *testing.T) {
	link, d, w := newTestLink(clockwork.NewFakeClock())
	w.respond = func(Message) {
		d.Deliver(&BulkDataAck{Offset: 0})
		d.Deliver(&BulkDataAck{Offset: 16})
	}

	got, err := link.SendWithAck(context.Background(), &BulkData{Offset: 16}, TypeBulkDataAck, time.Second,
		func(m Message) bool { return m.(*BulkDataAck).Offset == 16 })

	require.NoError(t, err)
	assert.Equal(t, uint16(16), got.(*BulkDataAck).Offset)
}

func TestSendWithAckContextCancelled(t *testing.T) {
	link, _, _ := newTestLink(clockwork.NewFakeClock())
	cause := errors.New("link lost")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	_, err := link.SendWithAck(ctx, &Empty{Kind: TypeRequestState}, TypeState, time.Second, nil)
	assert.ErrorIs(t, err, cause)
}

func TestSendWithAckRetrySilentDie(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	link, _, w := newTestLink(clock)

	const attempts = 3
	done := make(chan result, 1)
	go func() {
		m, err := link.SendWithAckRetry(ctx, &BulkSetup{Size: 8}, TypeBulkSetupAck, attempts, DefaultRetryTimeout, nil)
		done <- result{m, err}
	}()

	for range attempts {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(DefaultRetryTimeout)
	}

	res := <-done
	assert.ErrorIs(t, res.err, ErrTimeout)
	assert.Equal(t, attempts, w.count(TypeBulkSetup))
}

func TestSendWithAckRetryStopsAtFirstAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	link, d, w := newTestLink(clock)
	sends := 0
	w.respond = func(Message) {
		sends++
		if sends == 2 {
			d.Deliver(&Empty{Kind: TypeBulkSetupAck})
		}
	}

	done := make(chan result, 1)
	go func() {
		m, err := link.SendWithAckRetry(ctx, &BulkSetup{Size: 8}, TypeBulkSetupAck, 5, DefaultRetryTimeout, nil)
		done <- result{m, err}
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultRetryTimeout)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 2, w.count(TypeBulkSetup))
}

func TestWaitForWithoutTimeout(t *testing.T) {
	link, d, _ := newTestLink(clockwork.NewFakeClock())

	p := link.Expect(TypeNotifyUser)
	d.Deliver(&NotifyUser{OK: true})
	got, err := p.Wait(context.Background(), 0)

	require.NoError(t, err)
	assert.True(t, got.(*NotifyUser).OK)
	assert.Zero(t, d.HandlerCount(TypeNotifyUser))
}

func TestWaitForTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	link, _, _ := newTestLink(clock)

	done := make(chan result, 1)
	go func() {
		m, err := link.WaitFor(ctx, TypeFlashFinished, 3*time.Second)
		done <- result{m, err}
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(3 * time.Second)

	assert.ErrorIs(t, (<-done).err, ErrTimeout)
}
