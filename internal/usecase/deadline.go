package usecase

import (
	"sync"
	"time"

	"readaloud/internal/ports"
)

type systemClock struct{}

// SystemClock is the wall clock backed by time.AfterFunc.
func SystemClock() ports.Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) ports.Timer {
	return time.AfterFunc(d, f)
}

// deadline is a single cancellable deferred action. It can be armed once;
// disarming is idempotent and safe after the action has fired.
type deadline struct {
	clock ports.Clock

	mu     sync.Mutex
	timer  ports.Timer
	armed  bool
	used   bool
	fired  bool
	expiry time.Time
}

func newDeadline(clock ports.Clock) *deadline {
	return &deadline{clock: clock}
}

// Arm schedules onExpire after d. It reports false if the deadline was armed before.
func (d *deadline) Arm(after time.Duration, onExpire func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used {
		return false
	}
	d.used = true
	d.armed = true
	d.expiry = d.clock.Now().Add(after)
	d.timer = d.clock.AfterFunc(after, func() {
		d.mu.Lock()
		if !d.armed {
			d.mu.Unlock()
			return
		}
		d.armed = false
		d.fired = true
		d.mu.Unlock()
		onExpire()
	})
	return true
}

// Disarm cancels the pending action. It reports whether the action was still pending.
func (d *deadline) Disarm() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return false
	}
	d.armed = false
	if d.timer != nil {
		d.timer.Stop()
	}
	return true
}

func (d *deadline) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *deadline) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

func (d *deadline) Expiry() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expiry
}
