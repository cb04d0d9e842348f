// Package die drives one Pixels die over BLE: the connection state machine,
// identification, the single-operation lock and the high-level requests
// built on the protocol package.
package die

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/event"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// Identity is what is remembered about a die between runs.
type Identity struct {
	Name           string                  `json:"name"`
	Address        string                  `json:"address"`
	DeviceID       uint32                  `json:"device_id"`
	FaceCount      int                     `json:"face_count"`
	DesignAndColor protocol.DesignAndColor `json:"design_and_color"`
}

// Info is a snapshot of everything the session knows about its die.
type Info struct {
	Identity
	State     State
	LastError LastError

	CurrentBehaviorIndex int
	DataSetHash          uint32
	FlashSize            int
	FirmwareVersion      string

	// BatteryLevel is a ratio between 0 and 1, or -1 when unknown.
	BatteryLevel float32
	RSSI         int
	Roll         Roll
}

// Session owns the link to one die. Its methods are safe for concurrent
// use. At most one request or transfer runs at a time; others wait.
type Session struct {
	adapter ble.Adapter
	opts    Options
	clock   clockwork.Clock

	dispatcher protocol.Dispatcher
	link       *protocol.Link
	limiter    *rate.Limiter
	opSlot     chan struct{}

	mu           syncutil.Mutex
	info         Info
	gen          uint64
	conn         ble.Connection
	write        ble.Characteristic
	connectStop  context.CancelFunc
	connectTimer clockwork.Timer
	linkCtx      context.Context
	linkStop     context.CancelCauseFunc
	connectErr   error
	changed      chan struct{}
	pending      []StateChange

	telemetryMu   syncutil.Mutex
	telemetrySubs event.List[protocol.AccelFrame]

	// StateChanged fires after every state transition.
	StateChanged event.List[StateChange]
	// RollChanged fires for every roll state the die reports.
	RollChanged event.List[Roll]
	// BatteryChanged fires with each new battery level.
	BatteryChanged event.List[float32]
	// RSSIChanged fires with each new signal strength.
	RSSIChanged event.List[int]
}

// New returns an idle session. A die with no address has never been seen
// and starts Unknown; otherwise it starts Available.
func New(adapter ble.Adapter, id Identity, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		adapter: adapter,
		opts:    opts,
		clock:   opts.Clock,
		limiter: rate.NewLimiter(opts.WriteRate, 1),
		opSlot:  make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
	s.info.Identity = id
	s.info.BatteryLevel = -1
	if id.Address != "" {
		s.info.State = StateAvailable
	}
	s.link = protocol.NewLink(&s.dispatcher, s.writeMessage, s.clock)

	s.dispatcher.AddHandler(protocol.TypeState, s.onState)
	s.dispatcher.AddHandler(protocol.TypeTelemetry, s.onTelemetry)
	s.dispatcher.AddHandler(protocol.TypeBatteryLevel, s.onBatteryLevel)
	s.dispatcher.AddHandler(protocol.TypeRssi, s.onRSSI)
	s.dispatcher.AddHandler(protocol.TypeDebugLog, s.onDebugLog)
	s.dispatcher.AddHandler(protocol.TypeNotifyUser, s.onNotifyUser)
	return s
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Identity returns the persistent part of Info.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Identity
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.State
}

func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Address
}

// Dispatcher exposes the per-die dispatch table for callers that need raw
// messages.
func (s *Session) Dispatcher() *protocol.Dispatcher { return &s.dispatcher }

func (s *Session) String() string {
	id := s.Identity()
	if id.Name != "" {
		return id.Name
	}
	return fmt.Sprintf("%08x", id.DeviceID)
}

// setStateLocked records a transition to be announced by unlock.
func (s *Session) setStateLocked(st State) {
	if s.info.State == st {
		return
	}
	s.pending = append(s.pending, StateChange{Old: s.info.State, New: st})
	s.info.State = st
	close(s.changed)
	s.changed = make(chan struct{})
}

// unlock releases mu and then emits the transitions recorded while it was
// held, so handlers may call back into the session.
func (s *Session) unlock() {
	pending := s.pending
	s.pending = nil
	name := s.info.Name
	s.mu.Unlock()

	for _, c := range pending {
		log.Debug().Str("die", name).Stringer("from", c.Old).Stringer("to", c.New).Msg("die: state changed")
		s.StateChanged.Emit(c)
	}
}

func (s *Session) onState(m protocol.Message) {
	st := m.(*protocol.State)
	roll := Roll{State: st.State, Face: int(st.Face)}
	s.mu.Lock()
	s.info.Roll = roll
	s.mu.Unlock()
	s.RollChanged.Emit(roll)
}

func (s *Session) onBatteryLevel(m protocol.Message) {
	level := m.(*protocol.BatteryLevel).Level
	s.mu.Lock()
	s.info.BatteryLevel = level
	s.mu.Unlock()
	s.BatteryChanged.Emit(level)
}

func (s *Session) onRSSI(m protocol.Message) {
	rssi := int(m.(*protocol.Rssi).Value)
	s.mu.Lock()
	s.info.RSSI = rssi
	s.mu.Unlock()
	s.RSSIChanged.Emit(rssi)
}

func (s *Session) onDebugLog(m protocol.Message) {
	log.Debug().Str("die", s.String()).Str("text", m.(*protocol.DebugLog).Text()).Msg("die: debug log")
}

func (s *Session) onNotifyUser(m protocol.Message) {
	n := *m.(*protocol.NotifyUser)
	hook := s.opts.NotifyUser
	log.Info().Str("die", s.String()).Str("text", n.Text()).Msg("die: user notification")
	go func() {
		ok := true
		if hook != nil {
			ok = hook(n.Text(), n.OK, n.Cancel, time.Duration(n.TimeoutSeconds)*time.Second)
		}
		if err := s.post(context.Background(), "notify user ack", &protocol.NotifyUserAck{OK: ok}); err != nil {
			log.Warn().Err(err).Str("die", s.String()).Msg("die: could not answer user notification")
		}
	}()
}
