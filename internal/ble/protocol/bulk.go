package protocol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTooLarge is returned for bulk buffers whose size does not fit BulkSetup.
var ErrTooLarge = errors.New("protocol: bulk buffer too large")

// BulkOptions tunes UploadBulk.
type BulkOptions struct {
	// Attempts per exchange (setup and each chunk).
	Attempts int
	// Timeout per attempt.
	Timeout time.Duration
	// Progress, if set, is called with the acknowledged fraction after
	// every chunk.
	Progress func(float64)
}

// UploadBulk sends data to the die: a BulkSetup announcing the size, then
// each chunk in strict lock-step, waiting for the BulkDataAck carrying that
// chunk's offset before sending the next. A failed transfer is not resumed;
// callers start over.
func (l *Link) UploadBulk(ctx context.Context, data []byte, opts BulkOptions) error {
	if len(data) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRetryTimeout
	}

	setup := &BulkSetup{Size: uint16(len(data))}
	if _, err := l.SendWithAckRetry(ctx, setup, TypeBulkSetupAck, opts.Attempts, opts.Timeout, nil); err != nil {
		return fmt.Errorf("protocol: bulk setup: %w", err)
	}

	for _, c := range SplitChunks(data, MaxChunkSize) {
		msg := &BulkData{Size: uint8(len(c.Data)), Offset: uint16(c.Offset)}
		copy(msg.Data[:], c.Data)

		want := msg.Offset
		match := func(m Message) bool { return m.(*BulkDataAck).Offset == want }
		if _, err := l.SendWithAckRetry(ctx, msg, TypeBulkDataAck, opts.Attempts, opts.Timeout, match); err != nil {
			return fmt.Errorf("protocol: bulk chunk at %d: %w", c.Offset, err)
		}

		if opts.Progress != nil {
			opts.Progress(float64(c.Offset+len(c.Data)) / float64(len(data)))
		}
	}
	return nil
}

// DownloadBulk receives a buffer the die sends. It waits, bounded only by
// ctx, for BulkSetup, then acknowledges it and every chunk. If request is
// not nil it is posted once the wait is armed, so the answer cannot be
// missed.
//
// Each chunk is acknowledged with the number of bytes received before it,
// which in lock-step equals the chunk's own offset. A repeated chunk is
// acknowledged again but not counted twice.
func (l *Link) DownloadBulk(ctx context.Context, request Message) ([]byte, error) {
	setup := l.Expect(TypeBulkSetup)
	if request != nil {
		if err := l.Post(ctx, request); err != nil {
			setup.Cancel()
			return nil, err
		}
	}
	m, err := setup.Wait(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("protocol: bulk download setup: %w", err)
	}
	size := int(m.(*BulkSetup).Size)
	buf := make([]byte, size)

	chunks := make(chan *BulkData, 8)
	h := l.d.AddHandler(TypeBulkData, func(m Message) {
		select {
		case chunks <- m.(*BulkData):
		default:
			log.Warn().Msg("protocol: bulk chunk backlog full, dropping chunk")
		}
	})
	defer l.d.RemoveHandler(TypeBulkData, h)

	if err := l.Post(ctx, &Empty{Kind: TypeBulkSetupAck}); err != nil {
		return nil, fmt.Errorf("protocol: bulk download: %w", err)
	}

	received := 0
	for received < size {
		var c *BulkData
		select {
		case c = <-chunks:
		case <-ctx.Done():
			return nil, fmt.Errorf("protocol: bulk download at %d of %d: %w", received, size, context.Cause(ctx))
		}

		offset := int(c.Offset)
		payload := c.Payload()
		switch {
		case offset == received && offset+len(payload) <= size:
			copy(buf[offset:], payload)
			received += len(payload)
		case offset < received:
			log.Debug().Int("offset", offset).Msg("protocol: repeated bulk chunk")
		default:
			log.Warn().Int("offset", offset).Int("received", received).Msg("protocol: unexpected bulk chunk")
			continue
		}

		if err := l.Post(ctx, &BulkDataAck{Offset: c.Offset}); err != nil {
			return nil, fmt.Errorf("protocol: bulk download ack: %w", err)
		}
	}
	return buf, nil
}
