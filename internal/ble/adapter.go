// Package ble connects to Pixels dice over Bluetooth Low Energy. It defines
// the transport the die sessions need and implements it with
// tinygo.org/x/bluetooth.
package ble

import "context"

// Pixels die GATT UUIDs. Notifications arrive on the notify characteristic;
// messages to the die go to the write characteristic.
const (
	ServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	WriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device is one advertisement seen during a scan.
type Device struct {
	Name    string
	Address string
	RSSI    int
	// ManufacturerData is the raw manufacturer-specific advertisement
	// payload, without the company identifier.
	ManufacturerData []byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports peripherals advertising serviceUUID to onDiscovered,
	// possibly more than once each, until ctx is done.
	Scan(ctx context.Context, serviceUUID string, onDiscovered func(Device)) error
	// Connect establishes a connection to the device at address.
	Connect(ctx context.Context, address string) (Connection, error)
}
