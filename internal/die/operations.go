package die

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
)

// GetDieInfo asks the die to identify itself and records the answer.
func (s *Session) GetDieInfo(ctx context.Context) (Info, error) {
	m, err := request[*protocol.IAmADie](ctx, s, "who are you", &protocol.Empty{Kind: protocol.TypeWhoAreYou}, protocol.TypeIAmADie, s.opts.QueryTimeout)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	s.info.FaceCount = int(m.FaceCount)
	s.info.DesignAndColor = m.DesignAndColor
	s.info.DeviceID = m.DeviceID
	s.info.CurrentBehaviorIndex = int(m.CurrentBehaviorIndex)
	s.info.DataSetHash = m.DataSetHash
	s.info.FlashSize = int(m.FlashSize)
	s.info.FirmwareVersion = m.Version()
	info := s.info
	s.mu.Unlock()
	return info, nil
}

// Ping requests the current roll state. The answer also reaches
// RollChanged subscribers.
func (s *Session) Ping(ctx context.Context) (Roll, error) {
	m, err := request[*protocol.State](ctx, s, "ping", &protocol.Empty{Kind: protocol.TypeRequestState}, protocol.TypeState, s.opts.QueryTimeout)
	if err != nil {
		return Roll{}, err
	}
	return Roll{State: m.State, Face: int(m.Face)}, nil
}

// UpdateInfo refreshes identification and roll state. It is the
// identification step of Connect.
func (s *Session) UpdateInfo(ctx context.Context) error {
	if _, err := s.GetDieInfo(ctx); err != nil {
		return err
	}
	_, err := s.Ping(ctx)
	return err
}

// GetBatteryLevel returns the charge ratio between 0 and 1.
func (s *Session) GetBatteryLevel(ctx context.Context) (float32, error) {
	m, err := request[*protocol.BatteryLevel](ctx, s, "battery level", &protocol.Empty{Kind: protocol.TypeRequestBatteryLevel}, protocol.TypeBatteryLevel, s.opts.QueryTimeout)
	if err != nil {
		return 0, err
	}
	return m.Level, nil
}

// GetRSSI returns the signal strength the die measures.
func (s *Session) GetRSSI(ctx context.Context) (int, error) {
	m, err := request[*protocol.Rssi](ctx, s, "rssi", &protocol.Empty{Kind: protocol.TypeRequestRssi}, protocol.TypeRssi, s.opts.QueryTimeout)
	if err != nil {
		return 0, err
	}
	return int(m.Value), nil
}

func (s *Session) SetDesignAndColor(ctx context.Context, dc protocol.DesignAndColor) error {
	_, err := request[*protocol.Empty](ctx, s, "set design", &protocol.SetDesignAndColor{DesignAndColor: dc}, protocol.TypeSetDesignAndColorAck, s.opts.AckTimeout)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.info.DesignAndColor = dc
	s.mu.Unlock()
	return nil
}

func (s *Session) SetCurrentBehavior(ctx context.Context, index int) error {
	_, err := request[*protocol.Empty](ctx, s, "set behavior", &protocol.SetCurrentBehavior{Index: uint8(index)}, protocol.TypeSetCurrentBehaviorAck, s.opts.AckTimeout)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.info.CurrentBehaviorIndex = index
	s.mu.Unlock()
	return nil
}

// Rename stores a new advertised name on the die. Names longer than
// protocol.MaxNameSize bytes are cut at a character boundary.
func (s *Session) Rename(ctx context.Context, name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("die: rename: invalid name %q", name)
	}
	msg := protocol.NewSetName(name)
	if _, err := request[*protocol.Empty](ctx, s, "rename", msg, protocol.TypeSetNameAck, s.opts.AckTimeout); err != nil {
		return err
	}
	s.mu.Lock()
	s.info.Name = msg.String()
	s.mu.Unlock()
	return nil
}

// Flash blinks every LED count times with color (0xRRGGBB) and waits for
// the die to finish.
func (s *Session) Flash(ctx context.Context, count int, color uint32) error {
	_, err := request[*protocol.Empty](ctx, s, "flash", &protocol.Flash{FlashCount: uint8(count), Color: color}, protocol.TypeFlashFinished, s.opts.AckTimeout)
	return err
}

// ProgramDefaultAnimSet restores the factory animations in color.
func (s *Session) ProgramDefaultAnimSet(ctx context.Context, color uint32) error {
	_, err := request[*protocol.Empty](ctx, s, "program default anim set", &protocol.ProgramDefaultAnimSet{Color: color}, protocol.TypeProgramDefaultAnimSetFinished, s.opts.ProgrammingTimeout)
	return err
}

func (s *Session) GetDefaultAnimSetColor(ctx context.Context) (uint32, error) {
	m, err := request[*protocol.DefaultAnimSetColor](ctx, s, "default anim set color", &protocol.Empty{Kind: protocol.TypeRequestDefaultAnimSetColor}, protocol.TypeDefaultAnimSetColor, s.opts.AckTimeout)
	if err != nil {
		return 0, err
	}
	return m.Color, nil
}

// Fire-and-forget commands. They return once the message is written.

func (s *Session) PlayAnimation(ctx context.Context, index, remapFace int, loop bool) error {
	return s.post(ctx, "play animation", &protocol.PlayAnim{Index: uint8(index), RemapFace: uint8(remapFace), Loop: loop})
}

func (s *Session) PlayAnimationEvent(ctx context.Context, evt, remapFace int, loop bool) error {
	return s.post(ctx, "play animation event", &protocol.PlayAnimEvent{Event: uint8(evt), RemapFace: uint8(remapFace), Loop: loop})
}

func (s *Session) StopAnimation(ctx context.Context, index, remapFace int) error {
	return s.post(ctx, "stop animation", &protocol.StopAnim{Index: uint8(index), RemapFace: uint8(remapFace)})
}

func (s *Session) StartAttractMode(ctx context.Context) error {
	return s.postEmpty(ctx, "attract mode", protocol.TypeAttractMode)
}

func (s *Session) StartHardwareTest(ctx context.Context) error {
	return s.postEmpty(ctx, "hardware test", protocol.TypeTestHardware)
}

func (s *Session) StartCalibration(ctx context.Context) error {
	return s.postEmpty(ctx, "calibrate", protocol.TypeCalibrate)
}

func (s *Session) CalibrateFace(ctx context.Context, face int) error {
	return s.post(ctx, "calibrate face", &protocol.CalibrateFace{Face: uint8(face)})
}

func (s *Session) SetStandardMode(ctx context.Context) error {
	return s.postEmpty(ctx, "standard mode", protocol.TypeSetStandardState)
}

func (s *Session) SetLEDAnimatorMode(ctx context.Context) error {
	return s.postEmpty(ctx, "led animator mode", protocol.TypeSetLEDAnimState)
}

func (s *Session) SetBattleMode(ctx context.Context) error {
	return s.postEmpty(ctx, "battle mode", protocol.TypeSetBattleState)
}

func (s *Session) DebugAnimController(ctx context.Context) error {
	return s.postEmpty(ctx, "debug anim controller", protocol.TypeDebugAnimController)
}

func (s *Session) PrintNormals(ctx context.Context, face int) error {
	return s.post(ctx, "print normals", &protocol.PrintNormals{Face: uint8(face)})
}

// ResetParams restores the factory parameters. The die answers when done
// but nothing waits for it.
func (s *Session) ResetParams(ctx context.Context) error {
	return s.postEmpty(ctx, "reset params", protocol.TypeProgramDefaultParameters)
}

func (s *Session) SetAllLEDsToColor(ctx context.Context, color uint32) error {
	return s.post(ctx, "set all leds", &protocol.SetAllLEDsToColor{Color: color})
}

// Sleep puts the die to sleep; it drops the link shortly after.
func (s *Session) Sleep(ctx context.Context) error {
	return s.postEmpty(ctx, "sleep", protocol.TypeSleep)
}

func (s *Session) postEmpty(ctx context.Context, name string, t protocol.MessageType) error {
	return s.post(ctx, name, &protocol.Empty{Kind: t})
}
