package docsync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FlushScheduler defers the flush of accumulated writes to the end of the
// current tick. The context schedules at most one flush at a time.
type FlushScheduler interface {
	Schedule(fn func())
}

// runs scheduled functions after `delay` on the clock
type ClockScheduler struct {
	clock clockwork.Clock
	delay time.Duration
}

func NewClockScheduler(clock clockwork.Clock, delay time.Duration) *ClockScheduler {
	return &ClockScheduler{
		clock: clock,
		delay: delay,
	}
}

func (self *ClockScheduler) Schedule(fn func()) {
	self.clock.AfterFunc(self.delay, fn)
}

// ManualScheduler queues scheduled functions until `Run`. For callers that
// drive their own loop, and for tests.
type ManualScheduler struct {
	mutex     sync.Mutex
	scheduled []func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (self *ManualScheduler) Schedule(fn func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.scheduled = append(self.scheduled, fn)
}

func (self *ManualScheduler) Pending() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.scheduled)
}

// Run calls scheduled functions until none are left, including functions
// scheduled while running. Returns the number called.
func (self *ManualScheduler) Run() int {
	n := 0
	for {
		var scheduled []func()
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			scheduled = self.scheduled
			self.scheduled = nil
		}()
		if len(scheduled) == 0 {
			return n
		}
		for _, fn := range scheduled {
			fn()
			n += 1
		}
	}
}
