package ble

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both are carried as the
// Address string.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          syncutil.Mutex
	connections map[string]*tinyGoConnection // keyed by address
}

// NewTinyGoAdapter creates a BLE adapter on the system default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		address := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[address]
		delete(a.connections, address)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string, onDiscovered func(Device)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil {
				log.Debug().Err(err).Msg("ble: stop scan")
			}
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		dev := Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		if md := result.ManufacturerData(); len(md) > 0 {
			dev.ManufacturerData = md[0].Data
		}
		onDiscovered(dev)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect keeps running; drop the link if it
		// eventually comes up.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, context.Cause(ctx))
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{device: result.device}

		// Track this connection so the adapter-level disconnect handler
		// can find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device

	mu           syncutil.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// the stack may reuse buf once we return
		cb(append([]byte(nil), buf...))
	})
}
