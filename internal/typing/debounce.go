package typing

import (
	"sync"
	"time"

	"github.com/TPCP-Project/tpcp-chat/internal/utils"
)

// DefaultQuietInterval is how long after the last keystroke stop_typing is
// sent.
const DefaultQuietInterval = time.Second

// Debouncer drives the outbound typing signals of one conversation: start
// on every keystroke and a single stop after the quiet interval.
type Debouncer struct {
	quiet   time.Duration
	clock   utils.Clock
	onStart func()
	onStop  func()

	mu     sync.Mutex
	timer  utils.Timer
	gen    uint64
	active bool
}

func NewDebouncer(quiet time.Duration, clock utils.Clock, onStart, onStop func()) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	return &Debouncer{quiet: quiet, clock: clock, onStart: onStart, onStop: onStop}
}

// Keystroke emits start and reschedules the pending stop.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.active = true
	d.timer = d.clock.AfterFunc(d.quiet, func() { d.fire(gen) })
	d.mu.Unlock()
	d.onStart()
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()
	d.onStop()
}

// Flush sends the pending stop now, if any.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.cancelLocked()
	d.mu.Unlock()
	d.onStop()
}

// Stop drops the pending stop without sending it.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.cancelLocked()
	d.mu.Unlock()
}

func (d *Debouncer) cancelLocked() {
	d.gen++
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a stop is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
