package die

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
)

func TestOperationsRequireLink(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.s.Ping(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.s.GetBatteryLevel(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, h.s.PlayAnimation(ctx, 0, 0, false), ErrNotConnected)
	assert.ErrorIs(t, h.s.UploadBulkData(ctx, []byte{1}, nil), ErrNotConnected)
	assert.Empty(t, h.die.Received())
}

func TestQueries(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	ctx := context.Background()

	var mu sync.Mutex
	var levels []float32
	h.s.BatteryChanged.Add(func(v float32) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, v)
	})

	level, err := h.s.GetBatteryLevel(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, level, 1e-6)
	assert.InDelta(t, 0.8, h.s.Info().BatteryLevel, 1e-6)
	mu.Lock()
	assert.Len(t, levels, 1)
	mu.Unlock()

	rssi, err := h.s.GetRSSI(ctx)
	require.NoError(t, err)
	assert.Equal(t, -55, rssi)
	assert.Equal(t, -55, h.s.Info().RSSI)

	color, err := h.s.GetDefaultAnimSetColor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00FF8000), color)

	roll, err := h.s.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, Roll{State: protocol.RollOnFace, Face: 1}, roll)
}

func TestSettersUpdateInfo(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.s.SetDesignAndColor(ctx, protocol.DesignV5Gold))
	require.NoError(t, h.s.SetCurrentBehavior(ctx, 2))
	require.NoError(t, h.s.Rename(ctx, "Lucky Seven"))

	info := h.s.Info()
	assert.Equal(t, protocol.DesignV5Gold, info.DesignAndColor)
	assert.Equal(t, 2, info.CurrentBehaviorIndex)
	assert.Equal(t, "Lucky Seven", info.Name)
	assert.Equal(t, "Lucky Seven", h.die.Name())
}

func TestRenameTruncates(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	require.NoError(t, h.s.Rename(context.Background(), "a name that is far too long"))
	assert.Equal(t, "a name that is f", h.die.Name())
	assert.Equal(t, "a name that is f", h.s.Info().Name)
}

func TestFlashAndDefaultAnimSet(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.s.Flash(ctx, 3, 0xFF0000))
	require.NoError(t, h.s.ProgramDefaultAnimSet(ctx, 0x00FF00))
	assert.Equal(t, 1, h.die.Count(protocol.TypeFlash))
	assert.Equal(t, 1, h.die.Count(protocol.TypeProgramDefaultAnimSet))
}

func TestAckTimeout(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	h.die.Silence(protocol.TypeFlash)

	errc := make(chan error, 1)
	go func() { errc <- h.s.Flash(context.Background(), 1, 0) }()
	h.blockUntilTimers(t, 1)
	h.clock.Advance(2 * time.Second)
	assert.Never(t, func() bool { return len(errc) > 0 }, 20*time.Millisecond, time.Millisecond)
	h.clock.Advance(time.Second)

	assert.ErrorIs(t, <-errc, protocol.ErrTimeout)
	assert.Equal(t, StateReady, h.s.State())
}

func TestPosts(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	empty := func(k protocol.MessageType) protocol.Message { return &protocol.Empty{Kind: k} }
	tests := []struct {
		name string
		run  func(ctx context.Context) error
		want protocol.Message
	}{
		{"play", func(ctx context.Context) error { return h.s.PlayAnimation(ctx, 3, 1, true) },
			&protocol.PlayAnim{Index: 3, RemapFace: 1, Loop: true}},
		{"play event", func(ctx context.Context) error { return h.s.PlayAnimationEvent(ctx, 2, 0, false) },
			&protocol.PlayAnimEvent{Event: 2}},
		{"stop", func(ctx context.Context) error { return h.s.StopAnimation(ctx, 3, 1) },
			&protocol.StopAnim{Index: 3, RemapFace: 1}},
		{"attract", h.s.StartAttractMode, empty(protocol.TypeAttractMode)},
		{"hardware test", h.s.StartHardwareTest, empty(protocol.TypeTestHardware)},
		{"calibrate", h.s.StartCalibration, empty(protocol.TypeCalibrate)},
		{"calibrate face", func(ctx context.Context) error { return h.s.CalibrateFace(ctx, 5) },
			&protocol.CalibrateFace{Face: 5}},
		{"standard", h.s.SetStandardMode, empty(protocol.TypeSetStandardState)},
		{"led animator", h.s.SetLEDAnimatorMode, empty(protocol.TypeSetLEDAnimState)},
		{"battle", h.s.SetBattleMode, empty(protocol.TypeSetBattleState)},
		{"debug anim", h.s.DebugAnimController, empty(protocol.TypeDebugAnimController)},
		{"print normals", func(ctx context.Context) error { return h.s.PrintNormals(ctx, 4) },
			&protocol.PrintNormals{Face: 4}},
		{"reset params", h.s.ResetParams, empty(protocol.TypeProgramDefaultParameters)},
		{"all leds", func(ctx context.Context) error { return h.s.SetAllLEDsToColor(ctx, 0x123456) },
			&protocol.SetAllLEDsToColor{Color: 0x123456}},
		{"sleep", h.s.Sleep, empty(protocol.TypeSleep)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.run(context.Background()))
			got := h.die.Received()
			require.NotEmpty(t, got)
			assert.Equal(t, tt.want, got[len(got)-1])
		})
	}
}

func TestOperationsRunOneAtATime(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	h.die.Silence(protocol.TypeRequestBatteryLevel)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := h.s.GetBatteryLevel(ctx)
		first <- err
	}()
	h.blockUntilTimers(t, 1)

	second := make(chan error, 1)
	go func() {
		_, err := h.s.Ping(ctx)
		second <- err
	}()
	assert.Never(t, func() bool { return h.die.Count(protocol.TypeRequestState) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(5 * time.Second)
	assert.ErrorIs(t, <-first, protocol.ErrTimeout)
	require.NoError(t, <-second)
	assert.Equal(t, 2, h.die.Count(protocol.TypeRequestState))
}

func TestWaitingForOperationHonorsContext(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	h.die.Silence(protocol.TypeRequestBatteryLevel)

	first := make(chan error, 1)
	go func() {
		_, err := h.s.GetBatteryLevel(context.Background())
		first <- err
	}()
	h.blockUntilTimers(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.s.Ping(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	h.clock.Advance(5 * time.Second)
	assert.ErrorIs(t, <-first, protocol.ErrTimeout)
}

func TestOperationFailsWhenLinkDrops(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	h.die.Silence(protocol.TypeRequestBatteryLevel)

	errc := make(chan error, 1)
	go func() {
		_, err := h.s.GetBatteryLevel(context.Background())
		errc <- err
	}()
	h.blockUntilTimers(t, 1)

	h.adapter.LastConnection().SimulateDisconnect()
	assert.ErrorIs(t, <-errc, ErrDisconnected)
	assert.Equal(t, StateCommError, h.s.State())
}

func TestRollEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	rolls := make(chan Roll, 4)
	h.s.RollChanged.Add(func(r Roll) { rolls <- r })
	h.die.Send(&protocol.State{State: protocol.RollRolling, Face: 3})

	assert.Equal(t, Roll{State: protocol.RollRolling, Face: 3}, <-rolls)
	assert.Equal(t, Roll{State: protocol.RollRolling, Face: 3}, h.s.Info().Roll)
}

func TestTelemetrySubscriptions(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	ctx := context.Background()

	var mu sync.Mutex
	var a, b []protocol.AccelFrame
	ha, err := h.s.SubscribeTelemetry(ctx, func(f protocol.AccelFrame) {
		mu.Lock()
		defer mu.Unlock()
		a = append(a, f)
	})
	require.NoError(t, err)
	assert.True(t, h.die.TelemetryEnabled())

	hb, err := h.s.SubscribeTelemetry(ctx, func(f protocol.AccelFrame) {
		mu.Lock()
		defer mu.Unlock()
		b = append(b, f)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.die.Count(protocol.TypeRequestTelemetry))

	h.die.Send(&protocol.Telemetry{Frames: [2]protocol.AccelFrame{{X: 1}, {X: 2}}})
	mu.Lock()
	assert.Len(t, a, 2)
	assert.Len(t, b, 2)
	mu.Unlock()

	require.NoError(t, h.s.UnsubscribeTelemetry(ctx, ha))
	assert.True(t, h.die.TelemetryEnabled())
	require.NoError(t, h.s.UnsubscribeTelemetry(ctx, hb))
	assert.False(t, h.die.TelemetryEnabled())
	assert.Equal(t, 2, h.die.Count(protocol.TypeRequestTelemetry))

	// unknown handle is ignored
	require.NoError(t, h.s.UnsubscribeTelemetry(ctx, hb))
	assert.Equal(t, 2, h.die.Count(protocol.TypeRequestTelemetry))
}

func TestTelemetryResumesAfterReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	ctx := context.Background()

	frames := make(chan protocol.AccelFrame, 2)
	_, err := h.s.SubscribeTelemetry(ctx, func(f protocol.AccelFrame) { frames <- f })
	require.NoError(t, err)

	h.adapter.LastConnection().SimulateDisconnect()
	require.Equal(t, StateCommError, h.s.State())

	h.connect(t)
	assert.Equal(t, 2, h.die.Count(protocol.TypeRequestTelemetry))
	got := h.die.Received()
	var last *protocol.RequestTelemetry
	for _, m := range got {
		if rt, ok := m.(*protocol.RequestTelemetry); ok {
			last = rt
		}
	}
	require.NotNil(t, last)
	assert.True(t, last.Enable)

	h.die.Send(&protocol.Telemetry{Frames: [2]protocol.AccelFrame{{X: 7}, {X: 8}}})
	assert.Equal(t, int16(7), (<-frames).X)
	assert.Equal(t, int16(8), (<-frames).X)
}

func TestNotifyUserAnswered(t *testing.T) {
	prompts := make(chan string, 1)
	h := newHarness(t, Options{
		NotifyUser: func(text string, ok, cancel bool, timeout time.Duration) bool {
			prompts <- text
			return false
		},
	})
	h.connect(t)

	n := &protocol.NotifyUser{TimeoutSeconds: 30, OK: true, Cancel: true}
	copy(n.Data[:], "Face up?")
	h.die.Send(n)

	assert.Equal(t, "Face up?", <-prompts)
	require.Eventually(t, func() bool { return h.die.Count(protocol.TypeNotifyUserAck) == 1 }, time.Second, time.Millisecond)
	got := h.die.Received()
	assert.Equal(t, &protocol.NotifyUserAck{OK: false}, got[len(got)-1])
}

func TestDebugLogDoesNotDisturbSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	m := &protocol.DebugLog{}
	copy(m.Data[:], "hello")
	h.die.Send(m)

	_, err := h.s.Ping(context.Background())
	require.NoError(t, err)
}
