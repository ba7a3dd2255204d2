// SPDX-License-Identifier: GPL-3.0-or-later
package trigger

import (
	"sync"
	"time"

	"github.com/mailwatch/go-imap-watch/log"

	"github.com/sirupsen/logrus"
)

// Trigger coalesces bursts of Notify calls into a single run of its action.
// Every Notify pushes the fire time out to minDelay from now, but the total
// wait never exceeds maxDelay from the first Notify of the burst. The action
// always runs on its own goroutine, never on the notifier's.
type Trigger struct {
	mu sync.Mutex

	action   func()
	minDelay time.Duration
	maxDelay time.Duration

	scheduled   bool
	firstNotify time.Time
	timer       *time.Timer
	// seq invalidates timers that were superseded by a reset or cancel but
	// already popped and are waiting on mu.
	seq      uint64
	disposed bool

	registry *Registry

	l *logrus.Logger
}

// New creates a trigger and registers it with registry. A maxDelay below
// minDelay is raised to minDelay.
func New(registry *Registry, minDelay, maxDelay time.Duration, action func()) *Trigger {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	t := &Trigger{
		action:   action,
		minDelay: minDelay,
		maxDelay: maxDelay,
		registry: registry,
		l:        log.Logger(log.LOG_TRIGGER),
	}
	registry.add(t)
	return t
}

// Notify requests that the action run soon. Safe for any number of
// concurrent callers.
func (t *Trigger) Notify() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}

	if t.minDelay == 0 {
		t.fireLocked()
		return
	}

	now := time.Now()
	if !t.scheduled {
		t.scheduled = true
		t.firstNotify = now
		t.scheduleLocked(t.minDelay)
		return
	}

	// Extend to minDelay from now, capped by the burst ceiling.
	remaining := t.firstNotify.Add(t.maxDelay).Sub(now)
	delay := t.minDelay
	if delay > remaining {
		delay = remaining
	}

	if delay <= 0 {
		t.fireLocked()
		return
	}

	t.scheduleLocked(delay)
}

// RunNow cancels any pending schedule and runs the action immediately, still
// off the caller's goroutine.
func (t *Trigger) RunNow() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return
	}

	t.fireLocked()
}

// Cancel abandons any pending schedule without running the action.
func (t *Trigger) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
}

// Dispose cancels the trigger and removes it from its registry. A disposed
// trigger ignores further Notify and RunNow calls.
func (t *Trigger) Dispose() {
	t.mu.Lock()
	alreadyDisposed := t.disposed
	t.cancelLocked()
	t.disposed = true
	t.mu.Unlock()

	if !alreadyDisposed {
		t.registry.remove(t)
	}
}

func (t *Trigger) scheduleLocked(delay time.Duration) {
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, func() {
		t.timerFired(seq)
	})
}

func (t *Trigger) timerFired(seq uint64) {
	t.mu.Lock()
	if t.disposed || !t.scheduled || seq != t.seq {
		t.mu.Unlock()
		return
	}
	t.scheduled = false
	t.mu.Unlock()

	t.l.Debug("Debounce delay elapsed, running action")
	t.action()
}

func (t *Trigger) fireLocked() {
	t.cancelLocked()
	go t.action()
}

func (t *Trigger) cancelLocked() {
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.scheduled = false
}
