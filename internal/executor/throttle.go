package executor

import (
	"sync"
	"time"
)

// DefaultThrottleWindow is the minimum interval between message edits on
// the streaming chat path.
const DefaultThrottleWindow = 900 * time.Millisecond

// editThrottle rate-limits streaming edits. An update inside the window is
// stashed and a single deferred edit is scheduled for the remaining time,
// replacing any previously scheduled one. The newest content always wins
// and is never dropped.
type editThrottle struct {
	window time.Duration
	edit   func(content string)

	mu       sync.Mutex
	lastEdit time.Time
	pending  string
	deferred bool
	timer    *time.Timer
	stopped  bool
}

func newEditThrottle(window time.Duration, edit func(content string)) *editThrottle {
	return &editThrottle{window: window, edit: edit}
}

// Update records new content. It either edits immediately (window elapsed)
// or schedules the edit for when the window reopens.
func (t *editThrottle) Update(content string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	elapsed := now.Sub(t.lastEdit)

	if elapsed >= t.window {
		t.lastEdit = now
		t.deferred = false
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.mu.Unlock()

		t.edit(content)
		return
	}

	t.pending = content
	t.deferred = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window-elapsed, t.fire)
	t.mu.Unlock()
}

// fire flushes the stashed update when the deferred timer expires.
func (t *editThrottle) fire() {
	t.mu.Lock()
	if t.stopped || !t.deferred {
		t.mu.Unlock()
		return
	}
	content := t.pending
	t.deferred = false
	t.lastEdit = time.Now()
	t.mu.Unlock()

	t.edit(content)
}

// Reset drops any scheduled edit and reopens the window, used when a new
// message replaces the one being edited.
func (t *editThrottle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deferred = false
	t.lastEdit = time.Time{}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Stop cancels any scheduled edit permanently. The caller re-sends the
// final content itself after the stream completes.
func (t *editThrottle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.deferred = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
