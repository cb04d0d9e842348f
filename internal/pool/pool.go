// Package pool shares die connections between independent users. Each
// ConnectDie takes a reference; the real disconnect happens only after the
// last reference has been released for the grace delay.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/event"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// ErrUnknownDie is returned for sessions the pool does not track.
var ErrUnknownDie = errors.New("pool: unknown die")

// Store persists the dice the pool knows about.
type Store interface {
	Load() ([]die.Identity, error)
	Save(id die.Identity) error
	Delete(deviceID uint32) error
}

type Options struct {
	Die die.Options
	// DisconnectDelay is how long a die stays connected after its last
	// reference is released.
	DisconnectDelay time.Duration
	// ReapInterval is how often Run looks for dice to disconnect.
	ReapInterval time.Duration
	// ScanTimeout is how long Refresh scans.
	ScanTimeout time.Duration
	// RefreshConcurrency bounds the dice Refresh talks to at once.
	RefreshConcurrency int
	Clock              clockwork.Clock
	// Store is optional.
	Store Store
}

func DefaultOptions() Options {
	return Options{
		Die:                die.DefaultOptions(),
		DisconnectDelay:    3 * time.Second,
		ReapInterval:       250 * time.Millisecond,
		ScanTimeout:        5 * time.Second,
		RefreshConcurrency: 4,
	}
}

type entry struct {
	session    *die.Session
	refs       int
	pending    bool
	releasedAt time.Time
}

// Pool owns every die session. All connect and disconnect decisions go
// through it.
type Pool struct {
	adapter ble.Adapter
	opts    Options
	clock   clockwork.Clock

	mu        syncutil.Mutex
	dice      []*entry
	scanCount int
	scanStop  context.CancelFunc
	scanDone  chan struct{}

	discovered event.List[*die.Session]

	// DieAdded fires when a die is first tracked.
	DieAdded event.List[*die.Session]
	// DieRemoved fires after ForgetDie.
	DieRemoved event.List[*die.Session]
}

// New returns an empty pool. Zero option fields take DefaultOptions values.
func New(adapter ble.Adapter, opts Options) *Pool {
	d := DefaultOptions()
	if opts.DisconnectDelay <= 0 {
		opts.DisconnectDelay = d.DisconnectDelay
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = d.ReapInterval
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = d.ScanTimeout
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = d.RefreshConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Die.Clock == nil {
		opts.Die.Clock = opts.Clock
	}
	return &Pool{adapter: adapter, opts: opts, clock: opts.Clock}
}

// Load adds the stored dice. They have no address until a scan sees them.
func (p *Pool) Load() error {
	if p.opts.Store == nil {
		return nil
	}
	ids, err := p.opts.Store.Load()
	if err != nil {
		return fmt.Errorf("pool: load: %w", err)
	}
	for _, id := range ids {
		id.Address = ""
		p.Add(id)
	}
	log.Debug().Int("count", len(ids)).Msg("pool: loaded known dice")
	return nil
}

// Add tracks a die and returns its session. A die with the same device id
// is returned instead of adding a duplicate.
func (p *Pool) Add(id die.Identity) *die.Session {
	p.mu.Lock()
	if id.DeviceID != 0 {
		for _, e := range p.dice {
			if e.session.Identity().DeviceID == id.DeviceID {
				p.mu.Unlock()
				return e.session
			}
		}
	}
	s := p.addLocked(id)
	p.mu.Unlock()
	p.DieAdded.Emit(s)
	return s
}

func (p *Pool) addLocked(id die.Identity) *die.Session {
	s := die.New(p.adapter, id, p.opts.Die)
	p.dice = append(p.dice, &entry{session: s})
	return s
}

// Dice returns every tracked session in the order they were added.
func (p *Pool) Dice() []*die.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*die.Session, len(p.dice))
	for i, e := range p.dice {
		out[i] = e.session
	}
	return out
}

// Find returns the first session match accepts.
func (p *Pool) Find(match func(die.Info) bool) (*die.Session, bool) {
	for _, s := range p.Dice() {
		if match(s.Info()) {
			return s, true
		}
	}
	return nil, false
}

// Refs returns the number of references held on s.
func (p *Pool) Refs(s *die.Session) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entryLocked(s); e != nil {
		return e.refs
	}
	return 0
}

func (p *Pool) entryLocked(s *die.Session) *entry {
	for _, e := range p.dice {
		if e.session == s {
			return e
		}
	}
	return nil
}

// ConnectDie takes a reference on s and waits until it is Ready. Only the
// first reference on an idle die starts a transport connect; later callers
// share it. On failure the caller's reference is released.
func (p *Pool) ConnectDie(ctx context.Context, s *die.Session) error {
	p.mu.Lock()
	e := p.entryLocked(s)
	if e == nil {
		p.mu.Unlock()
		return ErrUnknownDie
	}
	e.refs++
	e.pending = false
	if !s.State().Active() {
		if err := s.Connect(); err != nil {
			p.releaseLocked(e)
			p.mu.Unlock()
			return fmt.Errorf("pool: connect %s: %w", s, err)
		}
	}
	p.mu.Unlock()

	if err := s.WaitReady(ctx); err != nil {
		_ = p.DisconnectDie(s)
		return fmt.Errorf("pool: connect %s: %w", s, err)
	}
	p.save(s)
	return nil
}

// DisconnectDie releases a reference taken by ConnectDie. Releasing the
// last one schedules the disconnect after the grace delay.
func (p *Pool) DisconnectDie(s *die.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(s)
	if e == nil {
		return ErrUnknownDie
	}
	if e.refs == 0 {
		log.Warn().Str("die", s.String()).Msg("pool: release without a reference")
		return nil
	}
	p.releaseLocked(e)
	return nil
}

func (p *Pool) releaseLocked(e *entry) {
	e.refs--
	if e.refs == 0 {
		e.pending = true
		e.releasedAt = p.clock.Now()
	}
}

// reap disconnects dice released for at least the grace delay. The pool
// lock is held across the disconnect so no ConnectDie can slip in.
func (p *Pool) reap() {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.dice {
		if !e.pending || now.Sub(e.releasedAt) < p.opts.DisconnectDelay {
			continue
		}
		e.pending = false
		log.Debug().Str("die", e.session.String()).Msg("pool: releasing connection")
		if err := e.session.Disconnect(); err != nil {
			log.Warn().Err(err).Str("die", e.session.String()).Msg("pool: disconnect failed")
		}
	}
}

// Run reaps released dice every ReapInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.reap()
		}
	}
}

// ForgetDie disconnects s, stops tracking it and deletes it from the store.
func (p *Pool) ForgetDie(s *die.Session) error {
	p.mu.Lock()
	e := p.entryLocked(s)
	if e == nil {
		p.mu.Unlock()
		return ErrUnknownDie
	}
	p.dice = slices.DeleteFunc(p.dice, func(x *entry) bool { return x == e })
	err := s.Forget()
	p.mu.Unlock()

	if st := p.opts.Store; st != nil {
		if id := s.Identity(); id.DeviceID != 0 {
			if derr := st.Delete(id.DeviceID); derr != nil {
				err = errors.Join(err, fmt.Errorf("pool: forget: %w", derr))
			}
		}
	}
	p.DieRemoved.Emit(s)
	return err
}

// Close stops scanning and disconnects every die now, ignoring references.
func (p *Pool) Close() error {
	p.mu.Lock()
	stop, done := p.scanStop, p.scanDone
	p.scanStop, p.scanDone, p.scanCount = nil, nil, 0
	p.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, e := range p.dice {
		e.refs, e.pending = 0, false
		if err := e.session.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) save(s *die.Session) {
	st := p.opts.Store
	if st == nil {
		return
	}
	id := s.Identity()
	if id.DeviceID == 0 {
		return
	}
	if err := st.Save(id); err != nil {
		log.Warn().Err(err).Str("die", s.String()).Msg("pool: could not save die")
	}
}
