package ble

import (
	"context"
	"fmt"
	"time"
)

// ScanForDevices scans for dice for the given duration and returns each
// device once, with its most recent advertisement.
func ScanForDevices(ctx context.Context, adapter Adapter, serviceUUID string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var devices []Device
	index := make(map[string]int)
	found := make(chan Device)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(ctx, serviceUUID, func(d Device) {
			select {
			case found <- d:
			case <-ctx.Done():
			}
		})
	}()

	for {
		select {
		case d := <-found:
			if i, ok := index[d.Address]; ok {
				devices[i] = d
				continue
			}
			index[d.Address] = len(devices)
			devices = append(devices, d)
		case err := <-scanErr:
			if err != nil {
				return nil, fmt.Errorf("ble: scan: %w", err)
			}
			return devices, nil
		}
	}
}
