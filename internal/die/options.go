package die

import (
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/chaz8081/pixels-central/internal/ble"
)

// NotifyFunc shows a die-initiated prompt to the user and returns the
// answer sent back in NotifyUserAck. It runs on its own goroutine.
type NotifyFunc func(text string, ok, cancel bool, timeout time.Duration) bool

// Options tunes a Session. Zero fields take the DefaultOptions value.
type Options struct {
	ServiceUUID    string
	NotifyCharUUID string
	WriteCharUUID  string

	// ConnectTimeout bounds the wait for the link and characteristics.
	ConnectTimeout time.Duration
	// QueryTimeout bounds identification, battery and RSSI requests.
	QueryTimeout time.Duration
	// AckTimeout bounds acknowledged settings changes.
	AckTimeout time.Duration
	// RetryTimeout is the per-attempt wait inside bulk transfers.
	RetryTimeout time.Duration
	Retries      int
	// ProgrammingTimeout bounds the wait for the die to finish writing
	// flash after an upload.
	ProgrammingTimeout time.Duration

	// WriteRate paces writes to the die; zero means unlimited.
	WriteRate rate.Limit

	Clock      clockwork.Clock
	NotifyUser NotifyFunc
}

// DefaultOptions returns the timings the firmware is known to tolerate.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:        ble.ServiceUUID,
		NotifyCharUUID:     ble.NotifyCharUUID,
		WriteCharUUID:      ble.WriteCharUUID,
		ConnectTimeout:     8 * time.Second,
		QueryTimeout:       5 * time.Second,
		AckTimeout:         3 * time.Second,
		RetryTimeout:       500 * time.Millisecond,
		Retries:            3,
		ProgrammingTimeout: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.NotifyCharUUID == "" {
		o.NotifyCharUUID = d.NotifyCharUUID
	}
	if o.WriteCharUUID == "" {
		o.WriteCharUUID = d.WriteCharUUID
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = d.QueryTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = d.RetryTimeout
	}
	if o.Retries <= 0 {
		o.Retries = d.Retries
	}
	if o.ProgrammingTimeout <= 0 {
		o.ProgrammingTimeout = d.ProgrammingTimeout
	}
	if o.WriteRate <= 0 {
		o.WriteRate = rate.Inf
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}
