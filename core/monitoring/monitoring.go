// Package monitoring reports unexpected failures to an error tracker. The
// package-level functions forward to the monitor installed with Init, so
// deep code can report without carrying a dependency around.
package monitoring

import (
	"sync"
	"time"
)

// Monitor defines methods used for error reporting.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	CapturePanic(v any)
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) CapturePanic(any)                          {}
func (NopMonitor) Flush(time.Duration)                       {}

var (
	mu      sync.RWMutex
	current Monitor = NopMonitor{}
)

// Init sets the global monitor implementation. A nil monitor restores the
// no-op one.
func Init(m Monitor) {
	if m == nil {
		m = NopMonitor{}
	}
	mu.Lock()
	current = m
	mu.Unlock()
}

func get() Monitor {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// CaptureException records the error with optional tags.
func CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	get().CaptureException(err, tags)
}

// Recover reports a panic and re-raises it. It must be deferred directly:
//
//	defer monitoring.Recover()
func Recover() {
	if r := recover(); r != nil {
		m := get()
		m.CapturePanic(r)
		m.Flush(2 * time.Second)
		panic(r)
	}
}

// Flush flushes buffered events.
func Flush(d time.Duration) {
	get().Flush(d)
}
