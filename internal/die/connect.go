package die

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/ble"
)

// Connect starts connecting to the die and returns at once; use WaitReady
// to wait for the outcome. Connecting an active session does nothing.
//
// Every attempt gets a new generation. Transport callbacks carry the
// generation they were started under and are ignored once it is stale,
// so a connect that completes after its timeout is discarded.
func (s *Session) Connect() error {
	s.mu.Lock()
	switch st := s.info.State; {
	case st == StateRemoved:
		s.mu.Unlock()
		return ErrRemoved
	case st == StateDisconnecting:
		s.mu.Unlock()
		return ErrBusy
	case st.Active():
		s.mu.Unlock()
		return nil
	}
	if s.info.Address == "" {
		s.mu.Unlock()
		return ErrNoAddress
	}

	s.gen++
	gen := s.gen
	ctx, stop := context.WithCancel(context.Background())
	s.connectStop = stop
	s.connectErr = nil
	s.info.LastError = ErrorNone
	s.connectTimer = s.clock.AfterFunc(s.opts.ConnectTimeout, func() { s.connectTimedOut(gen) })
	address := s.info.Address
	s.setStateLocked(StateConnecting)
	s.unlock()

	log.Info().Str("address", address).Msg("die: connecting")
	go s.establish(ctx, gen, address)
	return nil
}

func (s *Session) establish(ctx context.Context, gen uint64, address string) {
	conn, err := s.adapter.Connect(ctx, address)
	if err != nil {
		s.connectFailed(gen, fmt.Errorf("die: connect to %s: %w", address, err))
		return
	}
	// registered before discovery so a drop while still Connecting is seen
	conn.OnDisconnect(func() { s.linkLost(gen) })
	notify, write, err := s.discover(conn)
	if err == nil {
		err = notify.Subscribe(func(b []byte) { s.dispatcher.Dispatch(b) })
	}
	if err != nil {
		// fail first so the disconnect callback sees a stale generation
		s.connectFailed(gen, fmt.Errorf("die: setup %s: %w", address, err))
		_ = conn.Disconnect()
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.info.State != StateConnecting {
		s.mu.Unlock()
		log.Debug().Str("address", address).Msg("die: discarding late connection")
		_ = conn.Disconnect()
		return
	}
	s.stopConnectLocked()
	s.linkCtx, s.linkStop = context.WithCancelCause(context.Background())
	s.conn, s.write = conn, write
	s.setStateLocked(StateIdentifying)
	s.unlock()

	if err := s.UpdateInfo(context.Background()); err != nil {
		s.mu.Lock()
		// a Disconnect in progress owns the link now
		if s.gen != gen || s.info.State != StateIdentifying {
			s.mu.Unlock()
			return
		}
		log.Warn().Err(err).Str("address", address).Msg("die: identification failed")
		conn := s.failLocked(ErrorConnection, fmt.Errorf("die: identify: %w", err))
		s.unlock()
		if conn != nil {
			_ = conn.Disconnect()
		}
		return
	}

	s.resumeTelemetry()

	s.mu.Lock()
	if s.gen == gen && s.info.State == StateIdentifying {
		s.setStateLocked(StateReady)
		log.Info().Str("address", address).Str("die", s.info.Name).Msg("die: ready")
	}
	s.unlock()
}

func (s *Session) discover(conn ble.Connection) (notify, write ble.Characteristic, err error) {
	notify, err = conn.DiscoverCharacteristic(s.opts.ServiceUUID, s.opts.NotifyCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("notify characteristic: %w", err)
	}
	write, err = conn.DiscoverCharacteristic(s.opts.ServiceUUID, s.opts.WriteCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("write characteristic: %w", err)
	}
	return notify, write, nil
}

func (s *Session) connectTimedOut(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.info.State != StateConnecting {
		s.mu.Unlock()
		return
	}
	log.Warn().Str("address", s.info.Address).Dur("timeout", s.opts.ConnectTimeout).Msg("die: connect timed out")
	s.failLocked(ErrorConnection, ErrConnectTimeout)
	s.unlock()
}

func (s *Session) connectFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.info.State != StateConnecting {
		s.mu.Unlock()
		return
	}
	log.Warn().Err(err).Msg("die: connect failed")
	s.failLocked(ErrorConnection, err)
	s.unlock()
}

// linkLost handles the transport's disconnect callback.
func (s *Session) linkLost(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	switch st := s.info.State; {
	case st == StateDisconnecting:
		s.gen++
		s.teardownLocked(ErrDisconnected)
		s.setStateLocked(StateAvailable)
	case st.Active():
		log.Warn().Str("address", s.info.Address).Stringer("state", st).Msg("die: link lost")
		s.failLocked(ErrorDisconnected, ErrDisconnected)
	}
	s.unlock()
}

// failLocked moves to CommError and returns the connection, if any, for
// the caller to close after unlocking.
func (s *Session) failLocked(reason LastError, err error) ble.Connection {
	s.gen++
	s.connectErr = err
	s.info.LastError = reason
	conn := s.teardownLocked(err)
	s.setStateLocked(StateCommError)
	return conn
}

// teardownLocked stops any pending connect, fails in-flight operations with
// cause and forgets the link.
func (s *Session) teardownLocked(cause error) ble.Connection {
	s.stopConnectLocked()
	if s.linkStop != nil {
		s.linkStop(cause)
		s.linkStop = nil
	}
	conn := s.conn
	s.conn, s.write = nil, nil
	return conn
}

func (s *Session) stopConnectLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.connectStop != nil {
		s.connectStop()
		s.connectStop = nil
	}
}

// WaitReady blocks until the session is Ready, the connect attempt fails,
// or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, changed, err := s.info.State, s.changed, s.connectErr
		s.mu.Unlock()

		switch st {
		case StateReady:
			return nil
		case StateConnecting, StateIdentifying:
		case StateRemoved:
			return ErrRemoved
		default:
			if err != nil {
				return err
			}
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Disconnect closes the link. A connect still in progress is abandoned.
// The resulting state is Available, or CommError if the transport failed
// to disconnect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	st := s.info.State
	if !st.Active() {
		s.mu.Unlock()
		return nil
	}
	if s.conn == nil {
		// still connecting: nothing to close yet
		s.gen++
		s.connectErr = ErrDisconnected
		s.teardownLocked(ErrDisconnected)
		s.setStateLocked(StateAvailable)
		s.unlock()
		return nil
	}

	gen := s.gen
	conn := s.conn
	s.setStateLocked(StateDisconnecting)
	s.linkStop(ErrDisconnected)
	address := s.info.Address
	s.unlock()

	log.Info().Str("address", address).Msg("die: disconnecting")
	err := conn.Disconnect()

	s.mu.Lock()
	if s.gen == gen {
		// the transport did not report the disconnect itself
		s.gen++
		s.teardownLocked(ErrDisconnected)
		if err != nil {
			s.connectErr = err
			s.info.LastError = ErrorConnection
			s.setStateLocked(StateCommError)
		} else {
			s.connectErr = ErrDisconnected
			s.setStateLocked(StateAvailable)
		}
	}
	s.unlock()

	if err != nil {
		return fmt.Errorf("die: disconnect %s: %w", address, err)
	}
	return nil
}

// Forget disconnects and marks the session Removed. A removed session
// cannot connect again.
func (s *Session) Forget() error {
	err := s.Disconnect()
	s.mu.Lock()
	s.gen++
	s.teardownLocked(ErrRemoved)
	s.setStateLocked(StateRemoved)
	s.unlock()
	return err
}

// MarkMissing flags an idle die that a scan did not see. It reports whether
// the state changed.
func (s *Session) MarkMissing() bool {
	s.mu.Lock()
	switch s.info.State {
	case StateUnknown, StateAvailable, StateCommError:
		s.setStateLocked(StateMissing)
		s.unlock()
		return true
	}
	s.mu.Unlock()
	return false
}

// UpdateAdvertisement records what a scan saw. adv may be nil when the
// advertisement carried no Pixels data. Unknown and Missing dice become
// Available.
func (s *Session) UpdateAdvertisement(dev ble.Device, adv *ble.Advertisement) {
	s.mu.Lock()
	if s.info.State == StateRemoved {
		s.mu.Unlock()
		return
	}
	if dev.Address != "" {
		s.info.Address = dev.Address
	}
	if dev.Name != "" {
		s.info.Name = dev.Name
	}
	s.info.RSSI = dev.RSSI
	battery := s.info.BatteryLevel
	var roll *Roll
	if adv != nil {
		s.info.DeviceID = adv.DeviceID
		s.info.FaceCount = adv.FaceCount
		s.info.DesignAndColor = adv.DesignAndColor
		s.info.BatteryLevel = adv.BatteryLevel
		battery = adv.BatteryLevel
		r := Roll{State: adv.RollState, Face: adv.CurrentFace}
		if r != s.info.Roll {
			s.info.Roll = r
			roll = &r
		}
	}
	switch s.info.State {
	case StateUnknown, StateMissing:
		if s.info.Address != "" {
			s.setStateLocked(StateAvailable)
		}
	}
	s.unlock()

	s.RSSIChanged.Emit(dev.RSSI)
	if adv != nil {
		s.BatteryChanged.Emit(battery)
	}
	if roll != nil {
		s.RollChanged.Emit(*roll)
	}
}
