//go:build deadlock

package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

type Mutex = deadlock.Mutex

func init() {
	// uploads keep the operation slot for tens of seconds but never hold a
	// mutex across the wire
	deadlock.Opts.DeadlockTimeout = 30 * time.Second
}
