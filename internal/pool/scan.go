package pool

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/event"
)

// BeginScanForDice registers onDiscovered for dice seen while scanning.
// The first registration starts the transport scan; later ones share it.
// onDiscovered runs on the scan goroutine.
func (p *Pool) BeginScanForDice(onDiscovered func(*die.Session)) event.Handle {
	if onDiscovered == nil {
		onDiscovered = func(*die.Session) {}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.discovered.Add(onDiscovered)
	p.scanCount++
	if p.scanCount == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		p.scanStop, p.scanDone = cancel, done
		log.Debug().Msg("pool: starting scan")
		go p.scan(ctx, done)
	}
	return h
}

// StopScanForDice removes a registration. The scan stops when the last one
// is removed; StopScanForDice then returns once it has ended.
func (p *Pool) StopScanForDice(h event.Handle) {
	p.mu.Lock()
	if !p.discovered.Remove(h) {
		p.mu.Unlock()
		return
	}
	p.scanCount--
	var stop context.CancelFunc
	var done chan struct{}
	if p.scanCount == 0 {
		stop, done = p.scanStop, p.scanDone
		p.scanStop, p.scanDone = nil, nil
	}
	p.mu.Unlock()

	if stop != nil {
		stop()
		<-done
		log.Debug().Msg("pool: scan stopped")
	}
}

// Scanning reports whether a transport scan is running.
func (p *Pool) Scanning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanStop != nil
}

func (p *Pool) scan(ctx context.Context, done chan struct{}) {
	defer close(done)
	err := p.adapter.Scan(ctx, p.opts.Die.ServiceUUID, p.onDevice)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("pool: scan failed")
	}
}

func (p *Pool) onDevice(dev ble.Device) {
	var adv *ble.Advertisement
	if a, err := ble.ParseAdvertisement(dev.ManufacturerData); err == nil {
		adv = &a
	} else {
		log.Debug().Err(err).Str("address", dev.Address).Msg("pool: advertisement without die data")
	}

	s, added := p.match(dev, adv)
	s.UpdateAdvertisement(dev, adv)
	if added {
		log.Info().Str("address", dev.Address).Str("name", dev.Name).Msg("pool: new die")
		p.DieAdded.Emit(s)
		p.save(s)
	}
	p.discovered.Emit(s)
}

// match finds the session for a discovered device by address, then device
// id, then name, and creates one if none matches.
func (p *Pool) match(dev ble.Device, adv *ble.Advertisement) (*die.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]die.Identity, len(p.dice))
	for i, e := range p.dice {
		ids[i] = e.session.Identity()
	}
	for i, id := range ids {
		if id.Address != "" && id.Address == dev.Address {
			return p.dice[i].session, false
		}
	}
	if adv != nil && adv.DeviceID != 0 {
		for i, id := range ids {
			if id.DeviceID == adv.DeviceID {
				return p.dice[i].session, false
			}
		}
	}
	if dev.Name != "" {
		for i, id := range ids {
			if id.Address == "" && id.Name == dev.Name {
				return p.dice[i].session, false
			}
		}
	}
	return p.addLocked(die.Identity{Name: dev.Name, Address: dev.Address}), true
}
