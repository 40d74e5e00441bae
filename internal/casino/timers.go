package casino

import (
	"sync"
	"time"
)

// Scheduler fires at most one deferred callback per session. Scheduling a
// session that already has a pending callback replaces it; completing or
// cancelling a session should cancel its timer.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: map[string]*time.Timer{}}
}

// Schedule arms a callback for the session after the delay.
func (scheduler *Scheduler) Schedule(sessionID string, delay time.Duration, fn func()) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if existing, ok := scheduler.timers[sessionID]; ok {
		existing.Stop()
	}
	scheduler.timers[sessionID] = time.AfterFunc(delay, func() {
		scheduler.mu.Lock()
		delete(scheduler.timers, sessionID)
		scheduler.mu.Unlock()
		fn()
	})
}

// Cancel disarms the pending callback for a session, if any.
func (scheduler *Scheduler) Cancel(sessionID string) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if timer, ok := scheduler.timers[sessionID]; ok {
		timer.Stop()
		delete(scheduler.timers, sessionID)
	}
}

// Stop disarms every pending callback.
func (scheduler *Scheduler) Stop() {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	for sessionID, timer := range scheduler.timers {
		timer.Stop()
		delete(scheduler.timers, sessionID)
	}
}
