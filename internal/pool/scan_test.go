package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/die"
)

type sightings struct {
	mu   sync.Mutex
	seen []*die.Session
}

func (s *sightings) add(d *die.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, d)
}

func (s *sightings) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestScanArbitration(t *testing.T) {
	f := newFixture(t)

	var first, second sightings
	h1 := f.p.BeginScanForDice(first.add)
	require.Eventually(t, func() bool { return f.adapter.Delivered() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, first.len())

	h2 := f.p.BeginScanForDice(second.add)
	assert.Equal(t, 1, f.adapter.Scans(), "nested begin must not start another scan")

	f.p.StopScanForDice(h1)
	assert.True(t, f.p.Scanning())
	assert.Equal(t, 1, f.adapter.ActiveScans())

	f.p.StopScanForDice(h2)
	assert.False(t, f.p.Scanning())
	assert.Zero(t, f.adapter.ActiveScans())

	// stale handle
	f.p.StopScanForDice(h2)
	assert.False(t, f.p.Scanning())

	h3 := f.p.BeginScanForDice(nil)
	require.Eventually(t, func() bool { return f.adapter.Scans() == 2 }, time.Second, time.Millisecond)
	f.p.StopScanForDice(h3)
}

func TestScanAddsDiscoveredDice(t *testing.T) {
	f := newFixture(t)
	var added sightings
	f.p.DieAdded.Add(added.add)

	h := f.p.BeginScanForDice(nil)
	require.Eventually(t, func() bool { return f.adapter.Delivered() == 2 }, time.Second, time.Millisecond)
	f.p.StopScanForDice(h)

	dice := f.p.Dice()
	require.Len(t, dice, 2)
	assert.Equal(t, 2, added.len())

	a, ok := f.p.Find(func(i die.Info) bool { return i.Address == addrA })
	require.True(t, ok)
	info := a.Info()
	assert.Equal(t, "Alpha", info.Name)
	assert.Equal(t, uint32(0xA), info.DeviceID)
	assert.Equal(t, die.StateAvailable, info.State)
	assert.Equal(t, -50, info.RSSI)

	_, saved := f.store.get(0xA)
	assert.True(t, saved)

	// a second scan finds the same sessions
	h = f.p.BeginScanForDice(nil)
	require.Eventually(t, func() bool { return f.adapter.Delivered() == 4 }, time.Second, time.Millisecond)
	f.p.StopScanForDice(h)
	assert.Len(t, f.p.Dice(), 2)
}

func TestScanMatchesStoredDieByDeviceID(t *testing.T) {
	f := newFixture(t, die.Identity{Name: "Renamed", DeviceID: 0xB})
	require.NoError(t, f.p.Load())
	stored := f.p.Dice()[0]
	require.Equal(t, die.StateUnknown, stored.State())

	h := f.p.BeginScanForDice(nil)
	require.Eventually(t, func() bool { return f.adapter.Delivered() == 2 }, time.Second, time.Millisecond)
	f.p.StopScanForDice(h)

	assert.Len(t, f.p.Dice(), 2)
	assert.Equal(t, addrB, stored.Address())
	assert.Equal(t, die.StateAvailable, stored.State())

	require.NoError(t, f.p.ConnectDie(waitCtx(t), stored))
	assert.Equal(t, 1, f.adapter.Connects(addrB))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	absent := f.p.Add(die.Identity{Name: "Gamma", DeviceID: 0xC})
	gone := f.p.Add(die.Identity{Name: "Delta", Address: "AA:00:00:00:00:09"})

	done := make(chan error, 1)
	go func() { done <- f.p.Refresh(context.Background()) }()

	require.Eventually(t, func() bool { return f.adapter.Delivered() == 2 }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(5 * time.Second)
	require.NoError(t, <-done)

	assert.Equal(t, die.StateMissing, absent.State())
	assert.Equal(t, die.StateMissing, gone.State())
	assert.False(t, f.p.Scanning())

	for _, s := range f.p.Dice() {
		if s == absent || s == gone {
			continue
		}
		info := s.Info()
		assert.Equal(t, die.StateReady, info.State, info.Name)
		assert.InDelta(t, 0.8, info.BatteryLevel, 1e-6)
		assert.Equal(t, -55, info.RSSI)
		assert.Equal(t, 0, f.p.Refs(s))
	}
	assert.Equal(t, 1, f.dieA.Count(protocol.TypeRequestBatteryLevel))

	// released links close after the grace delay
	f.clock.Advance(3 * time.Second)
	f.p.reap()
	for _, s := range f.p.Dice() {
		assert.NotEqual(t, die.StateReady, s.State())
	}
}

func TestRefreshCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.p.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.p.Scanning())
}
