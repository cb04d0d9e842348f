// Package syncutil holds the mutex type every lock in pixels-central uses.
// A normal build gets sync.Mutex; `go build -tags deadlock` swaps in
// go-deadlock so lock-order mistakes between pool, session and publisher
// are reported instead of hanging.
package syncutil
