package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type editLog struct {
	mu    sync.Mutex
	edits []string
}

func (l *editLog) record(content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edits = append(l.edits, content)
}

func (l *editLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.edits...)
}

func TestThrottleFirstUpdateEditsImmediately(t *testing.T) {
	log := &editLog{}
	th := newEditThrottle(time.Hour, log.record)

	th.Update("hello")

	assert.Equal(t, []string{"hello"}, log.snapshot())
}

func TestThrottleCoalescesBurstToLastUpdate(t *testing.T) {
	log := &editLog{}
	th := newEditThrottle(50*time.Millisecond, log.record)

	th.Update("a")
	th.Update("ab")
	th.Update("abc")

	// Only the immediate first edit has run so far.
	assert.Equal(t, []string{"a"}, log.snapshot())

	// The deferred edit must deliver the newest content.
	require.Eventually(t, func() bool {
		edits := log.snapshot()
		return len(edits) == 2 && edits[1] == "abc"
	}, time.Second, 5*time.Millisecond)
}

func TestThrottleReschedulingKeepsSingleDeferredEdit(t *testing.T) {
	log := &editLog{}
	th := newEditThrottle(60*time.Millisecond, log.record)

	th.Update("a")
	for _, content := range []string{"b", "c", "d", "e"} {
		th.Update(content)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)

	edits := log.snapshot()
	require.Len(t, edits, 2, "burst must collapse into one deferred edit")
	assert.Equal(t, "e", edits[1])
}

func TestThrottleStopCancelsDeferredEdit(t *testing.T) {
	log := &editLog{}
	th := newEditThrottle(50*time.Millisecond, log.record)

	th.Update("a")
	th.Update("ab")
	th.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"a"}, log.snapshot())

	// Updates after Stop are ignored.
	th.Update("late")
	assert.Equal(t, []string{"a"}, log.snapshot())
}

func TestThrottleResetReopensWindow(t *testing.T) {
	log := &editLog{}
	th := newEditThrottle(time.Hour, log.record)

	th.Update("a")
	th.Update("ab")
	th.Reset()
	th.Update("fresh")

	time.Sleep(20 * time.Millisecond)

	edits := log.snapshot()
	assert.Equal(t, []string{"a", "fresh"}, edits, "reset must drop the stashed edit and allow an immediate one")
}
