package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

var le = binary.LittleEndian

// Message is one fixed-layout wire message. The set is closed: every
// implementation lives in this package and has exactly one encoded length.
type Message interface {
	Type() MessageType
	size() int
	put(b []byte)
	get(b []byte)
}

// MaxChunkSize is the payload capacity of a single BulkData message.
const MaxChunkSize = 16

// Empty is any message that carries nothing beyond its type tag, such as
// WhoAreYou, RequestState or BulkSetupAck.
type Empty struct {
	Kind MessageType
}

func (m *Empty) Type() MessageType { return m.Kind }
func (m *Empty) size() int         { return 1 }
func (m *Empty) put([]byte)        {}
func (m *Empty) get(b []byte)      { m.Kind = MessageType(b[0]) }

// IAmADie answers WhoAreYou with the die's identity.
type IAmADie struct {
	FaceCount            uint8
	DesignAndColor       DesignAndColor
	CurrentBehaviorIndex uint8
	DeviceID             uint32
	DataSetHash          uint32
	FlashSize            uint16
	VersionInfo          [6]byte
}

func (m *IAmADie) Type() MessageType { return TypeIAmADie }
func (m *IAmADie) size() int         { return 20 }

func (m *IAmADie) put(b []byte) {
	b[1] = m.FaceCount
	b[2] = uint8(m.DesignAndColor)
	b[3] = m.CurrentBehaviorIndex
	le.PutUint32(b[4:], m.DeviceID)
	le.PutUint32(b[8:], m.DataSetHash)
	le.PutUint16(b[12:], m.FlashSize)
	copy(b[14:20], m.VersionInfo[:])
}

func (m *IAmADie) get(b []byte) {
	m.FaceCount = b[1]
	m.DesignAndColor = DesignAndColor(b[2])
	m.CurrentBehaviorIndex = b[3]
	m.DeviceID = le.Uint32(b[4:])
	m.DataSetHash = le.Uint32(b[8:])
	m.FlashSize = le.Uint16(b[12:])
	copy(m.VersionInfo[:], b[14:20])
}

// Version returns the firmware build string with trailing NULs removed.
func (m *IAmADie) Version() string {
	return string(bytes.TrimRight(m.VersionInfo[:], "\x00"))
}

// State reports the current roll state and the face that is up.
type State struct {
	State RollState
	Face  uint8
}

func (m *State) Type() MessageType { return TypeState }
func (m *State) size() int         { return 3 }
func (m *State) put(b []byte)      { b[1], b[2] = uint8(m.State), m.Face }
func (m *State) get(b []byte)      { m.State, m.Face = RollState(b[1]), b[2] }

// AccelFrame is one accelerometer sample.
type AccelFrame struct {
	X, Y, Z   int16
	DeltaTime uint16
}

const accelFrameSize = 8

// Telemetry is pushed by the die while telemetry is enabled.
type Telemetry struct {
	Frames [2]AccelFrame
}

func (m *Telemetry) Type() MessageType { return TypeTelemetry }
func (m *Telemetry) size() int         { return 1 + 2*accelFrameSize }

func (m *Telemetry) put(b []byte) {
	for i, f := range m.Frames {
		p := b[1+i*accelFrameSize:]
		le.PutUint16(p[0:], uint16(f.X))
		le.PutUint16(p[2:], uint16(f.Y))
		le.PutUint16(p[4:], uint16(f.Z))
		le.PutUint16(p[6:], f.DeltaTime)
	}
}

func (m *Telemetry) get(b []byte) {
	for i := range m.Frames {
		p := b[1+i*accelFrameSize:]
		m.Frames[i] = AccelFrame{
			X:         int16(le.Uint16(p[0:])),
			Y:         int16(le.Uint16(p[2:])),
			Z:         int16(le.Uint16(p[4:])),
			DeltaTime: le.Uint16(p[6:]),
		}
	}
}

// BulkSetup announces a bulk transfer of Size bytes.
type BulkSetup struct {
	Size uint16
}

func (m *BulkSetup) Type() MessageType { return TypeBulkSetup }
func (m *BulkSetup) size() int         { return 3 }
func (m *BulkSetup) put(b []byte)      { le.PutUint16(b[1:], m.Size) }
func (m *BulkSetup) get(b []byte)      { m.Size = le.Uint16(b[1:]) }

// BulkData carries one chunk of a bulk transfer. Only the first Size bytes
// of Data are meaningful.
type BulkData struct {
	Size   uint8
	Offset uint16
	Data   [MaxChunkSize]byte
}

func (m *BulkData) Type() MessageType { return TypeBulkData }
func (m *BulkData) size() int         { return 4 + MaxChunkSize }

func (m *BulkData) put(b []byte) {
	b[1] = m.Size
	le.PutUint16(b[2:], m.Offset)
	copy(b[4:], m.Data[:])
}

func (m *BulkData) get(b []byte) {
	m.Size = b[1]
	m.Offset = le.Uint16(b[2:])
	copy(m.Data[:], b[4:4+MaxChunkSize])
}

// Payload returns the meaningful part of Data.
func (m *BulkData) Payload() []byte {
	return m.Data[:min(int(m.Size), MaxChunkSize)]
}

// BulkDataAck acknowledges the chunk at Offset.
type BulkDataAck struct {
	Offset uint16
}

func (m *BulkDataAck) Type() MessageType { return TypeBulkDataAck }
func (m *BulkDataAck) size() int         { return 3 }
func (m *BulkDataAck) put(b []byte)      { le.PutUint16(b[1:], m.Offset) }
func (m *BulkDataAck) get(b []byte)      { m.Offset = le.Uint16(b[1:]) }

// TransferAnimSet describes the sections of the dataset that follows as a
// bulk upload.
type TransferAnimSet struct {
	PaletteSize          uint16
	RGBKeyFrameCount     uint16
	RGBTrackCount        uint16
	KeyFrameCount        uint16
	TrackCount           uint16
	AnimationCount       uint16
	AnimationSize        uint16
	ConditionCount       uint16
	ConditionSize        uint16
	ActionCount          uint16
	ActionSize           uint16
	RuleCount            uint16
	BehaviorCount        uint16
	CurrentBehaviorIndex uint16
	HeatTrackIndex       uint16
}

func (m *TransferAnimSet) Type() MessageType { return TypeTransferAnimSet }
func (m *TransferAnimSet) size() int         { return 1 + 15*2 }

func (m *TransferAnimSet) fields() []*uint16 {
	return []*uint16{
		&m.PaletteSize, &m.RGBKeyFrameCount, &m.RGBTrackCount,
		&m.KeyFrameCount, &m.TrackCount,
		&m.AnimationCount, &m.AnimationSize,
		&m.ConditionCount, &m.ConditionSize,
		&m.ActionCount, &m.ActionSize,
		&m.RuleCount, &m.BehaviorCount,
		&m.CurrentBehaviorIndex, &m.HeatTrackIndex,
	}
}

func (m *TransferAnimSet) put(b []byte) {
	for i, f := range m.fields() {
		le.PutUint16(b[1+2*i:], *f)
	}
}

func (m *TransferAnimSet) get(b []byte) {
	for i, f := range m.fields() {
		*f = le.Uint16(b[1+2*i:])
	}
}

// TransferAnimSetAck reports whether the die has room for the dataset.
type TransferAnimSetAck struct {
	Result uint8
}

func (m *TransferAnimSetAck) Type() MessageType { return TypeTransferAnimSetAck }
func (m *TransferAnimSetAck) size() int         { return 2 }
func (m *TransferAnimSetAck) put(b []byte)      { b[1] = m.Result }
func (m *TransferAnimSetAck) get(b []byte)      { m.Result = b[1] }

// TransferSettings announces a settings blob of Size bytes.
type TransferSettings struct {
	Size uint16
}

func (m *TransferSettings) Type() MessageType { return TypeTransferSettings }
func (m *TransferSettings) size() int         { return 3 }
func (m *TransferSettings) put(b []byte)      { le.PutUint16(b[1:], m.Size) }
func (m *TransferSettings) get(b []byte)      { m.Size = le.Uint16(b[1:]) }

// TransferTestAnimSet describes a single preview animation. The die answers
// UpToDate when it already holds data with the same Hash.
type TransferTestAnimSet struct {
	PaletteSize      uint16
	RGBKeyFrameCount uint16
	RGBTrackCount    uint16
	KeyFrameCount    uint16
	TrackCount       uint16
	AnimationSize    uint16
	Hash             uint32
}

func (m *TransferTestAnimSet) Type() MessageType { return TypeTransferTestAnimSet }
func (m *TransferTestAnimSet) size() int         { return 17 }

func (m *TransferTestAnimSet) put(b []byte) {
	le.PutUint16(b[1:], m.PaletteSize)
	le.PutUint16(b[3:], m.RGBKeyFrameCount)
	le.PutUint16(b[5:], m.RGBTrackCount)
	le.PutUint16(b[7:], m.KeyFrameCount)
	le.PutUint16(b[9:], m.TrackCount)
	le.PutUint16(b[11:], m.AnimationSize)
	le.PutUint32(b[13:], m.Hash)
}

func (m *TransferTestAnimSet) get(b []byte) {
	m.PaletteSize = le.Uint16(b[1:])
	m.RGBKeyFrameCount = le.Uint16(b[3:])
	m.RGBTrackCount = le.Uint16(b[5:])
	m.KeyFrameCount = le.Uint16(b[7:])
	m.TrackCount = le.Uint16(b[9:])
	m.AnimationSize = le.Uint16(b[11:])
	m.Hash = le.Uint32(b[13:])
}

type TransferTestAnimSetAck struct {
	Result TestAnimResult
}

func (m *TransferTestAnimSetAck) Type() MessageType { return TypeTransferTestAnimSetAck }
func (m *TransferTestAnimSetAck) size() int         { return 2 }
func (m *TransferTestAnimSetAck) put(b []byte)      { b[1] = uint8(m.Result) }
func (m *TransferTestAnimSetAck) get(b []byte)      { m.Result = TestAnimResult(b[1]) }

// DebugLog is a line of firmware log output.
type DebugLog struct {
	Data [19]byte
}

func (m *DebugLog) Type() MessageType { return TypeDebugLog }
func (m *DebugLog) size() int         { return 20 }
func (m *DebugLog) put(b []byte)      { copy(b[1:], m.Data[:]) }
func (m *DebugLog) get(b []byte)      { copy(m.Data[:], b[1:20]) }

func (m *DebugLog) Text() string { return cString(m.Data[:]) }

type PlayAnim struct {
	Index     uint8
	RemapFace uint8
	Loop      bool
}

func (m *PlayAnim) Type() MessageType { return TypePlayAnim }
func (m *PlayAnim) size() int         { return 4 }
func (m *PlayAnim) put(b []byte)      { b[1], b[2], b[3] = m.Index, m.RemapFace, boolByte(m.Loop) }
func (m *PlayAnim) get(b []byte)      { m.Index, m.RemapFace, m.Loop = b[1], b[2], b[3] != 0 }

type PlayAnimEvent struct {
	Event     uint8
	RemapFace uint8
	Loop      bool
}

func (m *PlayAnimEvent) Type() MessageType { return TypePlayAnimEvent }
func (m *PlayAnimEvent) size() int         { return 4 }
func (m *PlayAnimEvent) put(b []byte)      { b[1], b[2], b[3] = m.Event, m.RemapFace, boolByte(m.Loop) }
func (m *PlayAnimEvent) get(b []byte)      { m.Event, m.RemapFace, m.Loop = b[1], b[2], b[3] != 0 }

type StopAnim struct {
	Index     uint8
	RemapFace uint8
}

func (m *StopAnim) Type() MessageType { return TypeStopAnim }
func (m *StopAnim) size() int         { return 3 }
func (m *StopAnim) put(b []byte)      { b[1], b[2] = m.Index, m.RemapFace }
func (m *StopAnim) get(b []byte)      { m.Index, m.RemapFace = b[1], b[2] }

type RequestTelemetry struct {
	Enable bool
}

func (m *RequestTelemetry) Type() MessageType { return TypeRequestTelemetry }
func (m *RequestTelemetry) size() int         { return 2 }
func (m *RequestTelemetry) put(b []byte)      { b[1] = boolByte(m.Enable) }
func (m *RequestTelemetry) get(b []byte)      { m.Enable = b[1] != 0 }

// ProgramDefaultAnimSet asks the die to rebuild its factory dataset using
// Color.
type ProgramDefaultAnimSet struct {
	Color uint32
}

func (m *ProgramDefaultAnimSet) Type() MessageType { return TypeProgramDefaultAnimSet }
func (m *ProgramDefaultAnimSet) size() int         { return 5 }
func (m *ProgramDefaultAnimSet) put(b []byte)      { le.PutUint32(b[1:], m.Color) }
func (m *ProgramDefaultAnimSet) get(b []byte)      { m.Color = le.Uint32(b[1:]) }

type Flash struct {
	FlashCount uint8
	Color      uint32
}

func (m *Flash) Type() MessageType { return TypeFlash }
func (m *Flash) size() int         { return 6 }

func (m *Flash) put(b []byte) {
	b[1] = m.FlashCount
	le.PutUint32(b[2:], m.Color)
}

func (m *Flash) get(b []byte) {
	m.FlashCount = b[1]
	m.Color = le.Uint32(b[2:])
}

type DefaultAnimSetColor struct {
	Color uint32
}

func (m *DefaultAnimSetColor) Type() MessageType { return TypeDefaultAnimSetColor }
func (m *DefaultAnimSetColor) size() int         { return 5 }
func (m *DefaultAnimSetColor) put(b []byte)      { le.PutUint32(b[1:], m.Color) }
func (m *DefaultAnimSetColor) get(b []byte)      { m.Color = le.Uint32(b[1:]) }

// BatteryLevel is a charge ratio between 0 and 1.
type BatteryLevel struct {
	Level float32
}

func (m *BatteryLevel) Type() MessageType { return TypeBatteryLevel }
func (m *BatteryLevel) size() int         { return 5 }
func (m *BatteryLevel) put(b []byte)      { le.PutUint32(b[1:], math.Float32bits(m.Level)) }
func (m *BatteryLevel) get(b []byte)      { m.Level = math.Float32frombits(le.Uint32(b[1:])) }

type Rssi struct {
	Value int16
}

func (m *Rssi) Type() MessageType { return TypeRssi }
func (m *Rssi) size() int         { return 3 }
func (m *Rssi) put(b []byte)      { le.PutUint16(b[1:], uint16(m.Value)) }
func (m *Rssi) get(b []byte)      { m.Value = int16(le.Uint16(b[1:])) }

type CalibrateFace struct {
	Face uint8
}

func (m *CalibrateFace) Type() MessageType { return TypeCalibrateFace }
func (m *CalibrateFace) size() int         { return 2 }
func (m *CalibrateFace) put(b []byte)      { b[1] = m.Face }
func (m *CalibrateFace) get(b []byte)      { m.Face = b[1] }

// NotifyUser asks the application to show Text to the user and answer with
// NotifyUserAck.
type NotifyUser struct {
	TimeoutSeconds uint8
	OK             bool
	Cancel         bool
	Data           [16]byte
}

func (m *NotifyUser) Type() MessageType { return TypeNotifyUser }
func (m *NotifyUser) size() int         { return 20 }

func (m *NotifyUser) put(b []byte) {
	b[1], b[2], b[3] = m.TimeoutSeconds, boolByte(m.OK), boolByte(m.Cancel)
	copy(b[4:], m.Data[:])
}

func (m *NotifyUser) get(b []byte) {
	m.TimeoutSeconds, m.OK, m.Cancel = b[1], b[2] != 0, b[3] != 0
	copy(m.Data[:], b[4:20])
}

func (m *NotifyUser) Text() string { return cString(m.Data[:]) }

type NotifyUserAck struct {
	OK bool
}

func (m *NotifyUserAck) Type() MessageType { return TypeNotifyUserAck }
func (m *NotifyUserAck) size() int         { return 2 }
func (m *NotifyUserAck) put(b []byte)      { b[1] = boolByte(m.OK) }
func (m *NotifyUserAck) get(b []byte)      { m.OK = b[1] != 0 }

type SetDesignAndColor struct {
	DesignAndColor DesignAndColor
}

func (m *SetDesignAndColor) Type() MessageType { return TypeSetDesignAndColor }
func (m *SetDesignAndColor) size() int         { return 2 }
func (m *SetDesignAndColor) put(b []byte)      { b[1] = uint8(m.DesignAndColor) }
func (m *SetDesignAndColor) get(b []byte)      { m.DesignAndColor = DesignAndColor(b[1]) }

type SetCurrentBehavior struct {
	Index uint8
}

func (m *SetCurrentBehavior) Type() MessageType { return TypeSetCurrentBehavior }
func (m *SetCurrentBehavior) size() int         { return 2 }
func (m *SetCurrentBehavior) put(b []byte)      { b[1] = m.Index }
func (m *SetCurrentBehavior) get(b []byte)      { m.Index = b[1] }

// MaxNameSize is the longest die name the firmware stores.
const MaxNameSize = 16

type SetName struct {
	Name [MaxNameSize]byte
}

func (m *SetName) Type() MessageType { return TypeSetName }
func (m *SetName) size() int         { return 1 + MaxNameSize }
func (m *SetName) put(b []byte)      { copy(b[1:], m.Name[:]) }
func (m *SetName) get(b []byte)      { copy(m.Name[:], b[1:1+MaxNameSize]) }

func (m *SetName) String() string { return cString(m.Name[:]) }

type PrintNormals struct {
	Face uint8
}

func (m *PrintNormals) Type() MessageType { return TypePrintNormals }
func (m *PrintNormals) size() int         { return 2 }
func (m *PrintNormals) put(b []byte)      { b[1] = m.Face }
func (m *PrintNormals) get(b []byte)      { m.Face = b[1] }

type SetAllLEDsToColor struct {
	Color uint32
}

func (m *SetAllLEDsToColor) Type() MessageType { return TypeSetAllLEDsToColor }
func (m *SetAllLEDsToColor) size() int         { return 5 }
func (m *SetAllLEDsToColor) put(b []byte)      { le.PutUint32(b[1:], m.Color) }
func (m *SetAllLEDsToColor) get(b []byte)      { m.Color = le.Uint32(b[1:]) }

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
