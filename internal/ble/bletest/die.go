package bletest

import (
	"github.com/chaz8081/pixels-central/internal/ble"
	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

// Die answers requests the way the firmware does. Responses are delivered
// synchronously from inside the write that triggered them.
type Die struct {
	mu       syncutil.Mutex
	conn     *Connection
	info     protocol.IAmADie
	roll     protocol.State
	battery  float32
	rssi     int16
	name     string
	silent   map[protocol.MessageType]bool
	received []protocol.Message

	animSetResult  uint8
	testAnimResult protocol.TestAnimResult
	telemetry      bool
	outgoing       []byte // blob served for RequestSettings / RequestAnimSet
	uploads        [][]byte

	// receiving side of a bulk upload
	bulk       []byte
	bulkGot    int
	bulkActive bool
	finish     protocol.MessageType

	// sending side of a bulk download
	sendBuf    []byte
	sendOffset int
}

// NewDie returns a six-sided die with the given device id.
func NewDie(deviceID uint32) *Die {
	d := &Die{
		info: protocol.IAmADie{
			FaceCount:      6,
			DesignAndColor: protocol.DesignV5Grey,
			DeviceID:       deviceID,
			DataSetHash:    0x1234,
			FlashSize:      4096,
		},
		roll:          protocol.State{State: protocol.RollOnFace, Face: 1},
		battery:       0.8,
		rssi:          -55,
		silent:        make(map[protocol.MessageType]bool),
		animSetResult: 1,
	}
	copy(d.info.VersionInfo[:], "10.4")
	return d
}

// Advertisement returns what the die broadcasts while not connected.
func (d *Die) Advertisement() ble.Advertisement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ble.Advertisement{
		DesignAndColor: d.info.DesignAndColor,
		FaceCount:      int(d.info.FaceCount),
		DeviceID:       d.info.DeviceID,
		RollState:      d.roll.State,
		CurrentFace:    int(d.roll.Face),
		BatteryLevel:   d.battery,
	}
}

// Silence makes the die record but never answer messages of type t.
func (d *Die) Silence(t protocol.MessageType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent[t] = true
}

// Unsilence undoes Silence.
func (d *Die) Unsilence(t protocol.MessageType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.silent, t)
}

// SetAnimSetResult sets the TransferAnimSetAck result; 0 means no room.
func (d *Die) SetAnimSetResult(result uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.animSetResult = result
}

// SetTestAnimResult sets the answer to TransferTestAnimSet.
func (d *Die) SetTestAnimResult(r protocol.TestAnimResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.testAnimResult = r
}

// SetOutgoing sets the blob the die sends for RequestSettings and
// RequestAnimSet.
func (d *Die) SetOutgoing(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outgoing = append([]byte(nil), b...)
}

// SetBattery sets the reported battery level.
func (d *Die) SetBattery(level float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.battery = level
}

// Uploads returns every completed bulk upload, oldest first.
func (d *Die) Uploads() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.uploads...)
}

// Name returns the last name set with SetName.
func (d *Die) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// TelemetryEnabled reports the last RequestTelemetry setting.
func (d *Die) TelemetryEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.telemetry
}

// Received returns every message the die decoded, oldest first.
func (d *Die) Received() []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Message(nil), d.received...)
}

// Count returns how many messages of type t the die received.
func (d *Die) Count(t protocol.MessageType) int {
	n := 0
	for _, m := range d.Received() {
		if m.Type() == t {
			n++
		}
	}
	return n
}

// Send pushes an unsolicited message, e.g. Telemetry or NotifyUser, over
// the current connection.
func (d *Die) Send(m protocol.Message) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		conn.Send(m)
	}
}

func (d *Die) attach(conn *Connection) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	conn.Write.mu.Lock()
	conn.Write.onWrite = func(b []byte) { d.handle(conn, b) }
	conn.Write.mu.Unlock()
}

func (d *Die) handle(conn *Connection, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return
	}
	for _, reply := range d.replies(msg) {
		conn.Send(reply)
	}
}

func (d *Die) replies(msg protocol.Message) []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.received = append(d.received, msg)
	if d.silent[msg.Type()] {
		return nil
	}

	empty := func(t protocol.MessageType) protocol.Message { return &protocol.Empty{Kind: t} }

	switch m := msg.(type) {
	case *protocol.SetDesignAndColor:
		d.info.DesignAndColor = m.DesignAndColor
		return []protocol.Message{empty(protocol.TypeSetDesignAndColorAck)}
	case *protocol.SetCurrentBehavior:
		d.info.CurrentBehaviorIndex = m.Index
		return []protocol.Message{empty(protocol.TypeSetCurrentBehaviorAck)}
	case *protocol.SetName:
		d.name = m.String()
		return []protocol.Message{empty(protocol.TypeSetNameAck)}
	case *protocol.Flash:
		return []protocol.Message{empty(protocol.TypeFlashFinished)}
	case *protocol.ProgramDefaultAnimSet:
		return []protocol.Message{empty(protocol.TypeProgramDefaultAnimSetFinished)}
	case *protocol.RequestTelemetry:
		d.telemetry = m.Enable
		return nil
	case *protocol.TransferAnimSet:
		if d.animSetResult != 0 {
			d.finish = protocol.TypeTransferAnimSetFinished
		}
		return []protocol.Message{&protocol.TransferAnimSetAck{Result: d.animSetResult}}
	case *protocol.TransferTestAnimSet:
		if d.testAnimResult == protocol.TestAnimDownload {
			d.finish = protocol.TypeTransferTestAnimSetFinished
		}
		return []protocol.Message{&protocol.TransferTestAnimSetAck{Result: d.testAnimResult}}
	case *protocol.TransferSettings:
		d.finish = protocol.TypeTransferSettingsFinished
		return []protocol.Message{empty(protocol.TypeTransferSettingsAck)}
	case *protocol.BulkSetup:
		d.bulk = make([]byte, m.Size)
		d.bulkGot = 0
		d.bulkActive = true
		out := []protocol.Message{empty(protocol.TypeBulkSetupAck)}
		if m.Size == 0 {
			out = append(out, d.completeUpload()...)
		}
		return out
	case *protocol.BulkData:
		if !d.bulkActive {
			return nil
		}
		if int(m.Offset) == d.bulkGot {
			n := copy(d.bulk[m.Offset:], m.Payload())
			d.bulkGot += n
		}
		out := []protocol.Message{&protocol.BulkDataAck{Offset: m.Offset}}
		if d.bulkGot >= len(d.bulk) {
			out = append(out, d.completeUpload()...)
		}
		return out
	case *protocol.BulkDataAck:
		return d.nextChunk(int(m.Offset))
	case *protocol.NotifyUserAck:
		return nil
	case *protocol.Empty:
		return d.emptyReply(m.Kind)
	}
	return nil
}

func (d *Die) emptyReply(t protocol.MessageType) []protocol.Message {
	switch t {
	case protocol.TypeWhoAreYou:
		info := d.info
		return []protocol.Message{&info}
	case protocol.TypeRequestState:
		roll := d.roll
		return []protocol.Message{&roll}
	case protocol.TypeRequestBatteryLevel:
		return []protocol.Message{&protocol.BatteryLevel{Level: d.battery}}
	case protocol.TypeRequestRssi:
		return []protocol.Message{&protocol.Rssi{Value: d.rssi}}
	case protocol.TypeRequestDefaultAnimSetColor:
		return []protocol.Message{&protocol.DefaultAnimSetColor{Color: 0x00FF8000}}
	case protocol.TypeRequestSettings, protocol.TypeRequestAnimSet:
		d.sendBuf = d.outgoing
		d.sendOffset = -1
		return []protocol.Message{&protocol.BulkSetup{Size: uint16(len(d.sendBuf))}}
	case protocol.TypeBulkSetupAck:
		if d.sendBuf == nil || d.sendOffset != -1 {
			return nil
		}
		d.sendOffset = 0
		return d.chunkAt(0)
	}
	return nil
}

func (d *Die) completeUpload() []protocol.Message {
	d.uploads = append(d.uploads, d.bulk)
	d.bulkActive = false
	if d.finish == protocol.TypeNone {
		return nil
	}
	finish := d.finish
	d.finish = protocol.TypeNone
	return []protocol.Message{&protocol.Empty{Kind: finish}}
}

func (d *Die) nextChunk(acked int) []protocol.Message {
	if d.sendBuf == nil || acked != d.sendOffset {
		return nil
	}
	d.sendOffset += min(protocol.MaxChunkSize, len(d.sendBuf)-d.sendOffset)
	if d.sendOffset >= len(d.sendBuf) {
		d.sendBuf = nil
		return nil
	}
	return d.chunkAt(d.sendOffset)
}

func (d *Die) chunkAt(offset int) []protocol.Message {
	if offset >= len(d.sendBuf) {
		d.sendBuf = nil
		return nil
	}
	n := min(protocol.MaxChunkSize, len(d.sendBuf)-offset)
	c := &protocol.BulkData{Size: uint8(n), Offset: uint16(offset)}
	copy(c.Data[:], d.sendBuf[offset:offset+n])
	return []protocol.Message{c}
}
