package process

import "sync"

// CrashMonitor records the first exit that was not caused by ForceStop.
type CrashMonitor struct {
	m       sync.Mutex
	crashed bool
	event   ExitEvent
	done    chan struct{}
}

func NewCrashMonitor() *CrashMonitor {
	return &CrashMonitor{done: make(chan struct{})}
}

func (c *CrashMonitor) ProcessExited(ev ExitEvent) {
	if ev.Forced {
		return
	}
	c.m.Lock()
	defer c.m.Unlock()
	if c.crashed {
		return
	}
	c.crashed = true
	c.event = ev
	close(c.done)
}

// Crashed reports whether an unexpected exit was recorded, and if so, its event.
func (c *CrashMonitor) Crashed() (ExitEvent, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.event, c.crashed
}

// Done is closed once a crash has been recorded. The record is visible through Crashed by then.
func (c *CrashMonitor) Done() <-chan struct{} {
	return c.done
}
