// Package bletest provides in-memory fakes of the ble transport and a
// scripted die that answers the Pixels message set.
package bletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// Characteristic records writes and delivers notifications.
type Characteristic struct {
	mu         syncutil.Mutex
	writes     [][]byte
	subscriber func([]byte)
	onWrite    func([]byte)

	// WriteErr, if set, fails every write.
	WriteErr error
}

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), data...)
	c.writes = append(c.writes, cp)
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(cp)
	}
	return nil
}

func (c *Characteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriber = cb
	return nil
}

// Notify sends data to the subscriber, if any.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	cb := c.subscriber
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Writes returns a copy of everything written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// SetWriteErr makes subsequent writes fail with err.
func (c *Characteristic) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteErr = err
}

// Connection simulates one BLE link.
type Connection struct {
	Address string
	Notify  *Characteristic
	Write   *Characteristic

	mu           syncutil.Mutex
	disconnectCb func()
	disconnects  int
	discovers    int
	closed       bool

	// async delivers disconnect callbacks on their own goroutine, after
	// Disconnect has returned, the way CoreBluetooth and BlueZ do.
	async        bool
	discoverGate chan struct{}
}

func newConnection(address string, async bool, discoverGate chan struct{}) *Connection {
	return &Connection{
		Address:      address,
		Notify:       &Characteristic{},
		Write:        &Characteristic{},
		async:        async,
		discoverGate: discoverGate,
	}
}

func (c *Connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	c.mu.Lock()
	c.discovers++
	gate := c.discoverGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("bletest: unknown service %q", serviceUUID)
	}
	switch charUUID {
	case ble.NotifyCharUUID:
		return c.Notify, nil
	case ble.WriteCharUUID:
		return c.Write, nil
	default:
		return nil, fmt.Errorf("bletest: unknown characteristic %q", charUUID)
	}
}

// Disconnect closes the link and, like a real stack, reports it through
// the disconnect callback.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	already := c.closed
	c.closed = true
	cb := c.disconnectCb
	async := c.async
	c.mu.Unlock()
	if cb == nil || already {
		return nil
	}
	if async {
		go cb()
	} else {
		cb()
	}
	return nil
}

func (c *Connection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect drops the link from the peripheral side.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	c.closed = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Discovers returns how many characteristic lookups have started.
func (c *Connection) Discovers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovers
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Send encodes m and delivers it as a notification.
func (c *Connection) Send(m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		panic(err)
	}
	c.Notify.Notify(b)
}

// Adapter simulates the BLE adapter. Dice registered with AddDie are
// advertised by Scan and answer on their connections.
type Adapter struct {
	mu          syncutil.Mutex
	dice        map[string]*Die
	devices     []ble.Device
	conns       []*Connection
	connects    map[string]int
	scans       int
	activeScans int
	delivered   int
	connectErr  error
	gate        chan struct{}

	asyncDisconnect bool
	discoverGate    chan struct{}
}

// NewAdapter returns an adapter with no dice.
func NewAdapter() *Adapter {
	return &Adapter{
		dice:     make(map[string]*Die),
		connects: make(map[string]int),
	}
}

// AddDie makes d reachable at address and advertised under name.
func (a *Adapter) AddDie(address, name string, d *Die) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dice[address] = d
	a.devices = append(a.devices, ble.Device{
		Name:             name,
		Address:          address,
		RSSI:             -50,
		ManufacturerData: d.Advertisement().Bytes(),
	})
}

// SetConnectErr makes subsequent connects fail with err.
func (a *Adapter) SetConnectErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// HoldConnects makes Connect block, ignoring its context, until the
// returned function is called. It simulates a stack whose connect cannot
// be cancelled.
func (a *Adapter) HoldConnects() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.gate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.gate = nil
			a.mu.Unlock()
			close(gate)
		})
	}
}

// SetAsyncDisconnect makes connections created from now on report their
// own Disconnect asynchronously.
func (a *Adapter) SetAsyncDisconnect(async bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asyncDisconnect = async
}

// HoldDiscovery makes characteristic discovery on new connections block
// until the returned function is called.
func (a *Adapter) HoldDiscovery() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.discoverGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.discoverGate = nil
			a.mu.Unlock()
			close(gate)
		})
	}
}

func (a *Adapter) Enable() error { return nil }

func (a *Adapter) Scan(ctx context.Context, _ string, onDiscovered func(ble.Device)) error {
	a.mu.Lock()
	a.scans++
	a.activeScans++
	devices := append([]ble.Device(nil), a.devices...)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.activeScans--
		a.mu.Unlock()
	}()

	for _, d := range devices {
		onDiscovered(d)
		a.mu.Lock()
		a.delivered++
		a.mu.Unlock()
	}
	<-ctx.Done()
	return nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	a.connects[address]++
	err := a.connectErr
	gate := a.gate
	d := a.dice[address]
	a.mu.Unlock()

	if gate != nil {
		<-gate
	} else if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("bletest: no die at %s", address)
	}

	a.mu.Lock()
	conn := newConnection(address, a.asyncDisconnect, a.discoverGate)
	a.mu.Unlock()
	d.attach(conn)

	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

// Connects returns how many times Connect was called for address.
func (a *Adapter) Connects(address string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects[address]
}

// Connections returns every connection handed out, oldest first.
func (a *Adapter) Connections() []*Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Connection(nil), a.conns...)
}

// LastConnection returns the most recent connection, or nil.
func (a *Adapter) LastConnection() *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

// Scans returns how many scans were started.
func (a *Adapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Delivered returns how many advertisements scans have reported and the
// callback has returned from.
func (a *Adapter) Delivered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delivered
}

// ActiveScans returns how many scans are still running.
func (a *Adapter) ActiveScans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeScans
}

// Compile-time checks.
var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.Connection     = (*Connection)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
)
