package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for a tag outside the known message set.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrShortMessage is returned when a buffer is shorter than its layout.
	ErrShortMessage = errors.New("protocol: message too short")
	// ErrLayout is returned when a message value does not match the layout
	// registered for its type, e.g. Empty{Kind: TypeIAmADie}.
	ErrLayout = errors.New("protocol: message does not match layout")
)

// emptyTypes carry no payload and decode to *Empty.
var emptyTypes = [...]MessageType{
	TypeWhoAreYou,
	TypeBulkSetupAck,
	TypeTransferAnimSetFinished,
	TypeTransferSettingsAck,
	TypeTransferSettingsFinished,
	TypeTransferTestAnimSetFinished,
	TypeRequestState,
	TypeRequestAnimSet,
	TypeRequestSettings,
	TypeProgramDefaultAnimSetFinished,
	TypeFlashFinished,
	TypeRequestDefaultAnimSetColor,
	TypeRequestBatteryLevel,
	TypeRequestRssi,
	TypeCalibrate,
	TypeTestHardware,
	TypeSetStandardState,
	TypeSetLEDAnimState,
	TypeSetBattleState,
	TypeProgramDefaultParameters,
	TypeProgramDefaultParametersFinished,
	TypeSetDesignAndColorAck,
	TypeSetCurrentBehaviorAck,
	TypeSetNameAck,
	TypeSleep,
	TypeAttractMode,
	TypeDebugAnimController,
}

var constructors [TypeCount]func() Message

func init() {
	for _, t := range emptyTypes {
		constructors[t] = func() Message { return &Empty{Kind: t} }
	}
	register := func(fn func() Message) {
		constructors[fn().Type()] = fn
	}
	register(func() Message { return &IAmADie{} })
	register(func() Message { return &State{} })
	register(func() Message { return &Telemetry{} })
	register(func() Message { return &BulkSetup{} })
	register(func() Message { return &BulkData{} })
	register(func() Message { return &BulkDataAck{} })
	register(func() Message { return &TransferAnimSet{} })
	register(func() Message { return &TransferAnimSetAck{} })
	register(func() Message { return &TransferSettings{} })
	register(func() Message { return &TransferTestAnimSet{} })
	register(func() Message { return &TransferTestAnimSetAck{} })
	register(func() Message { return &DebugLog{} })
	register(func() Message { return &PlayAnim{} })
	register(func() Message { return &PlayAnimEvent{} })
	register(func() Message { return &StopAnim{} })
	register(func() Message { return &RequestTelemetry{} })
	register(func() Message { return &ProgramDefaultAnimSet{} })
	register(func() Message { return &Flash{} })
	register(func() Message { return &DefaultAnimSetColor{} })
	register(func() Message { return &BatteryLevel{} })
	register(func() Message { return &Rssi{} })
	register(func() Message { return &CalibrateFace{} })
	register(func() Message { return &NotifyUser{} })
	register(func() Message { return &NotifyUserAck{} })
	register(func() Message { return &SetDesignAndColor{} })
	register(func() Message { return &SetCurrentBehavior{} })
	register(func() Message { return &SetName{} })
	register(func() Message { return &PrintNormals{} })
	register(func() Message { return &SetAllLEDsToColor{} })
}

// New returns a zero message of type t, or nil if t is not a known type.
func New(t MessageType) Message {
	if t >= TypeCount || constructors[t] == nil {
		return nil
	}
	return constructors[t]()
}

// Size returns the encoded length of messages of type t, tag included.
func Size(t MessageType) (int, bool) {
	m := New(t)
	if m == nil {
		return 0, false
	}
	return m.size(), true
}

// Encode returns the wire bytes for m.
func Encode(m Message) ([]byte, error) {
	t := m.Type()
	want, ok := Size(t)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	if m.size() != want {
		return nil, fmt.Errorf("%w: %T as %s", ErrLayout, m, t)
	}
	b := make([]byte, want)
	b[0] = byte(t)
	m.put(b)
	return b, nil
}

// Decode parses one message. Bytes past the layout length are ignored so
// newer firmware can append fields.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, ErrShortMessage
	}
	t := MessageType(b[0])
	m := New(t)
	if m == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
	if len(b) < m.size() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, t, m.size(), len(b))
	}
	m.get(b)
	return m, nil
}
