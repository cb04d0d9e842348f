package ble

import (
	"encoding/binary"
	"errors"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
)

// ErrAdvertisement is returned for manufacturer data that is not a Pixels
// advertisement.
var ErrAdvertisement = errors.New("ble: not a pixels advertisement")

const advertisementSize = 9

// Advertisement is the die state broadcast in manufacturer data, available
// without connecting.
type Advertisement struct {
	DesignAndColor protocol.DesignAndColor
	FaceCount      int
	DeviceID       uint32
	RollState      protocol.RollState
	CurrentFace    int
	// BatteryLevel is between 0 and 1.
	BatteryLevel float32
}

// ParseAdvertisement decodes the manufacturer data of a die advertisement:
// design u8, face count u8, device id u32, roll state u8, face u8, battery u8.
func ParseAdvertisement(data []byte) (Advertisement, error) {
	if len(data) < advertisementSize {
		return Advertisement{}, ErrAdvertisement
	}
	return Advertisement{
		DesignAndColor: protocol.DesignAndColor(data[0]),
		FaceCount:      int(data[1]),
		DeviceID:       binary.LittleEndian.Uint32(data[2:6]),
		RollState:      protocol.RollState(data[6]),
		CurrentFace:    int(data[7]),
		BatteryLevel:   float32(data[8]) / 255,
	}, nil
}

// Bytes encodes a as manufacturer data. Used by simulators.
func (a Advertisement) Bytes() []byte {
	b := make([]byte, advertisementSize)
	b[0] = uint8(a.DesignAndColor)
	b[1] = uint8(a.FaceCount)
	binary.LittleEndian.PutUint32(b[2:6], a.DeviceID)
	b[6] = uint8(a.RollState)
	b[7] = uint8(a.CurrentFace)
	b[8] = uint8(a.BatteryLevel*255 + 0.5)
	return b
}
