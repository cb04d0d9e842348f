// Package protocol implements the Pixels die message set: fixed-layout
// binary messages tagged by a leading type byte, a per-die dispatch table,
// request/acknowledge exchanges and the chunked bulk transfer.
package protocol

import "fmt"

// MessageType is the leading tag byte of every message. The numbering is
// shared with the die firmware and must not be reordered.
type MessageType uint8

const (
	TypeNone MessageType = iota
	TypeWhoAreYou
	TypeIAmADie
	TypeState
	TypeTelemetry
	TypeBulkSetup
	TypeBulkSetupAck
	TypeBulkData
	TypeBulkDataAck
	TypeTransferAnimSet
	TypeTransferAnimSetAck
	TypeTransferAnimSetFinished
	TypeTransferSettings
	TypeTransferSettingsAck
	TypeTransferSettingsFinished
	TypeTransferTestAnimSet
	TypeTransferTestAnimSetAck
	TypeTransferTestAnimSetFinished
	TypeDebugLog
	TypePlayAnim
	TypePlayAnimEvent
	TypeStopAnim
	TypeRequestState
	TypeRequestAnimSet
	TypeRequestSettings
	TypeRequestTelemetry
	TypeProgramDefaultAnimSet
	TypeProgramDefaultAnimSetFinished
	TypeFlash
	TypeFlashFinished
	TypeRequestDefaultAnimSetColor
	TypeDefaultAnimSetColor
	TypeRequestBatteryLevel
	TypeBatteryLevel
	TypeRequestRssi
	TypeRssi
	TypeCalibrate
	TypeCalibrateFace
	TypeNotifyUser
	TypeNotifyUserAck
	TypeTestHardware
	TypeSetStandardState
	TypeSetLEDAnimState
	TypeSetBattleState
	TypeProgramDefaultParameters
	TypeProgramDefaultParametersFinished
	TypeSetDesignAndColor
	TypeSetDesignAndColorAck
	TypeSetCurrentBehavior
	TypeSetCurrentBehaviorAck
	TypeSetName
	TypeSetNameAck
	TypeSleep
	TypeAttractMode
	TypePrintNormals
	TypeSetAllLEDsToColor
	TypeDebugAnimController

	// TypeCount is one past the last known type.
	TypeCount
)

var typeNames = [TypeCount]string{
	"None", "WhoAreYou", "IAmADie", "State", "Telemetry",
	"BulkSetup", "BulkSetupAck", "BulkData", "BulkDataAck",
	"TransferAnimSet", "TransferAnimSetAck", "TransferAnimSetFinished",
	"TransferSettings", "TransferSettingsAck", "TransferSettingsFinished",
	"TransferTestAnimSet", "TransferTestAnimSetAck", "TransferTestAnimSetFinished",
	"DebugLog", "PlayAnim", "PlayAnimEvent", "StopAnim",
	"RequestState", "RequestAnimSet", "RequestSettings", "RequestTelemetry",
	"ProgramDefaultAnimSet", "ProgramDefaultAnimSetFinished",
	"Flash", "FlashFinished",
	"RequestDefaultAnimSetColor", "DefaultAnimSetColor",
	"RequestBatteryLevel", "BatteryLevel", "RequestRssi", "Rssi",
	"Calibrate", "CalibrateFace", "NotifyUser", "NotifyUserAck",
	"TestHardware", "SetStandardState", "SetLEDAnimState", "SetBattleState",
	"ProgramDefaultParameters", "ProgramDefaultParametersFinished",
	"SetDesignAndColor", "SetDesignAndColorAck",
	"SetCurrentBehavior", "SetCurrentBehaviorAck",
	"SetName", "SetNameAck", "Sleep", "AttractMode", "PrintNormals",
	"SetAllLEDsToColor", "DebugAnimController",
}

func (t MessageType) String() string {
	if t < TypeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// DesignAndColor identifies the physical variant of a die.
type DesignAndColor uint8

const (
	DesignUnknown DesignAndColor = iota
	DesignV3Orange
	DesignV4BlackClear
	DesignV4WhiteClear
	DesignV5Grey
	DesignV5White
	DesignV5Black
	DesignV5Gold
)

func (d DesignAndColor) String() string {
	switch d {
	case DesignV3Orange:
		return "V3_Orange"
	case DesignV4BlackClear:
		return "V4_BlackClear"
	case DesignV4WhiteClear:
		return "V4_WhiteClear"
	case DesignV5Grey:
		return "V5_Grey"
	case DesignV5White:
		return "V5_White"
	case DesignV5Black:
		return "V5_Black"
	case DesignV5Gold:
		return "V5_Gold"
	default:
		return "Unknown"
	}
}

// RollState is the die's own view of its motion.
type RollState uint8

const (
	RollUnknown RollState = iota
	RollOnFace
	RollHandling
	RollRolling
	RollCrooked
)

func (r RollState) String() string {
	switch r {
	case RollOnFace:
		return "OnFace"
	case RollHandling:
		return "Handling"
	case RollRolling:
		return "Rolling"
	case RollCrooked:
		return "Crooked"
	default:
		return "Unknown"
	}
}

// TestAnimResult is the die's answer to a TransferTestAnimSet request.
type TestAnimResult uint8

const (
	TestAnimDownload TestAnimResult = iota
	TestAnimUpToDate
	TestAnimNoMemory
)

func (a TestAnimResult) String() string {
	switch a {
	case TestAnimDownload:
		return "Download"
	case TestAnimUpToDate:
		return "UpToDate"
	case TestAnimNoMemory:
		return "NoMemory"
	default:
		return fmt.Sprintf("TestAnimResult(%d)", uint8(a))
	}
}
