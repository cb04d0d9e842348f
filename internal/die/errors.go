package die

import "errors"

var (
	// ErrNotConnected is returned by operations started while the session
	// has no identified link.
	ErrNotConnected = errors.New("die: not connected")
	// ErrDisconnected is the cause seen by operations interrupted by the
	// link going down.
	ErrDisconnected = errors.New("die: disconnected")
	// ErrConnectTimeout is recorded when a connect attempt outlives
	// Options.ConnectTimeout.
	ErrConnectTimeout = errors.New("die: connect timed out")
	// ErrRemoved is returned by sessions that have been forgotten.
	ErrRemoved = errors.New("die: removed")
	// ErrNoAddress is returned when connecting a die never seen in a scan.
	ErrNoAddress = errors.New("die: no known address")
	// ErrBusy is returned by Connect while a disconnect is in progress.
	ErrBusy = errors.New("die: disconnect in progress")
	// ErrNoMemory is returned when the die has no room for an upload.
	ErrNoMemory = errors.New("die: not enough memory")
	// ErrTransferRejected is returned for transfer answers the session
	// does not recognize.
	ErrTransferRejected = errors.New("die: transfer rejected")
)
