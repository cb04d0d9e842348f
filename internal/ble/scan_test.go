package ble_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/ble/bletest"
)

func TestScanForDevices(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.AddDie("AA:BB:CC:DD:EE:01", "Pixel D20", bletest.NewDie(0x0101))
	adapter.AddDie("AA:BB:CC:DD:EE:02", "Pixel D6", bletest.NewDie(0x0202))

	devices, err := ble.ScanForDevices(context.Background(), adapter, ble.ServiceUUID, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Pixel D20", devices[0].Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", devices[1].Address)

	adv, err := ble.ParseAdvertisement(devices[1].ManufacturerData)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0202), adv.DeviceID)
	assert.Zero(t, adapter.ActiveScans())
}

func TestScanForDevicesEmpty(t *testing.T) {
	devices, err := ble.ScanForDevices(context.Background(), bletest.NewAdapter(), ble.ServiceUUID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, devices)
}
