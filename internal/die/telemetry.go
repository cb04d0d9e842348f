package die

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/event"
)

// SubscribeTelemetry registers fn for accelerometer frames. The first
// subscriber turns streaming on. Subscriptions outlive the link: streaming
// is turned back on each time the die is identified again.
func (s *Session) SubscribeTelemetry(ctx context.Context, fn func(protocol.AccelFrame)) (event.Handle, error) {
	s.telemetryMu.Lock()
	defer s.telemetryMu.Unlock()

	if s.telemetrySubs.Len() == 0 {
		if err := s.post(ctx, "start telemetry", &protocol.RequestTelemetry{Enable: true}); err != nil {
			return 0, err
		}
	}
	return s.telemetrySubs.Add(fn), nil
}

// UnsubscribeTelemetry removes a subscriber. Removing the last one turns
// streaming off; the subscriber is removed even if that write fails.
func (s *Session) UnsubscribeTelemetry(ctx context.Context, h event.Handle) error {
	s.telemetryMu.Lock()
	defer s.telemetryMu.Unlock()

	if !s.telemetrySubs.Remove(h) || s.telemetrySubs.Len() > 0 {
		return nil
	}
	return s.post(ctx, "stop telemetry", &protocol.RequestTelemetry{Enable: false})
}

func (s *Session) onTelemetry(m protocol.Message) {
	for _, f := range m.(*protocol.Telemetry).Frames {
		s.telemetrySubs.Emit(f)
	}
}

// resumeTelemetry re-enables streaming on a fresh link when subscribers
// are waiting.
func (s *Session) resumeTelemetry() {
	s.telemetryMu.Lock()
	defer s.telemetryMu.Unlock()
	if s.telemetrySubs.Len() == 0 {
		return
	}
	if err := s.post(context.Background(), "resume telemetry", &protocol.RequestTelemetry{Enable: true}); err != nil {
		log.Warn().Err(err).Str("die", s.String()).Msg("die: could not resume telemetry")
	}
}
