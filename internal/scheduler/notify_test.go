package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploycal/internal/model"
)

type fakeUpcoming struct {
	mu    sync.Mutex
	group []model.Window
}

func (f *fakeUpcoming) Next(time.Time) []model.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.group
}

func (f *fakeUpcoming) set(ws ...model.Window) {
	f.mu.Lock()
	f.group = ws
	f.mu.Unlock()
}

type fireRecorder struct {
	ch chan uint64
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan uint64, 16)}
}

func (r *fireRecorder) fire(gen uint64) { r.ch <- gen }

func TestRearmWithNothingUpcoming(t *testing.T) {
	n := NewNotifier(&fakeUpcoming{}, DefaultSkew, newFireRecorder().fire)
	assert.Equal(t, Unarmed, n.Rearm(time.Now()))
	assert.Equal(t, Unarmed, n.State())
	assert.True(t, n.Deadline().IsZero())
}

func TestRearmAddsSkew(t *testing.T) {
	now := time.Now()
	up := &fakeUpcoming{}
	up.set(model.Window{ID: "a", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})

	n := NewNotifier(up, DefaultSkew, newFireRecorder().fire)
	defer n.Stop()

	assert.Equal(t, Armed, n.Rearm(now))
	assert.Equal(t, now.Add(time.Hour+DefaultSkew), n.Deadline())
}

func TestRearmClampsPastStart(t *testing.T) {
	now := time.Now()
	up := &fakeUpcoming{}
	up.set(model.Window{ID: "a", Start: now.Add(-time.Minute), End: now.Add(time.Hour)})

	n := NewNotifier(up, 2*time.Second, newFireRecorder().fire)
	defer n.Stop()

	n.Rearm(now)
	assert.Equal(t, now.Add(2*time.Second), n.Deadline())
}

func TestTimerFiresAndClaims(t *testing.T) {
	rec := newFireRecorder()
	up := &fakeUpcoming{}
	now := time.Now()
	up.set(model.Window{ID: "a", Start: now.Add(20 * time.Millisecond), End: now.Add(time.Hour)})

	n := NewNotifier(up, 0, rec.fire)
	defer n.Stop()
	require.Equal(t, Armed, n.Rearm(now))

	select {
	case gen := <-rec.ch:
		assert.True(t, n.Claim(gen))
		assert.Equal(t, Firing, n.State())
		assert.False(t, n.Claim(gen), "a fire can only be claimed once")
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestRearmCancelsPendingTimer(t *testing.T) {
	rec := newFireRecorder()
	up := &fakeUpcoming{}
	now := time.Now()
	up.set(model.Window{ID: "a", Start: now.Add(30 * time.Millisecond), End: now.Add(time.Hour)})

	n := NewNotifier(up, 0, rec.fire)
	defer n.Stop()

	n.Rearm(now)
	up.set(model.Window{ID: "b", Start: now.Add(60 * time.Millisecond), End: now.Add(time.Hour)})
	n.Rearm(now)

	select {
	case gen := <-rec.ch:
		assert.True(t, n.Claim(gen))
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	// The first timer was canceled; nothing else may arrive.
	select {
	case gen := <-rec.ch:
		t.Fatalf("unexpected second fire (gen %d)", gen)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStaleGenerationIsRejected(t *testing.T) {
	now := time.Now()
	up := &fakeUpcoming{}
	up.set(model.Window{ID: "a", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})

	n := NewNotifier(up, 0, newFireRecorder().fire)
	defer n.Stop()

	n.Rearm(now)
	stale := n.gen
	n.Rearm(now)

	assert.False(t, n.Claim(stale))
	assert.Equal(t, Armed, n.State())
	assert.False(t, n.Claim(n.gen), "a timer that has not gone off can't be claimed")
}

func TestRearmKeepsFiredTimer(t *testing.T) {
	rec := newFireRecorder()
	up := &fakeUpcoming{}
	now := time.Now()
	up.set(model.Window{ID: "a", Start: now.Add(20 * time.Millisecond), End: now.Add(time.Hour)})

	n := NewNotifier(up, 0, rec.fire)
	defer n.Stop()
	require.Equal(t, Armed, n.Rearm(now))

	var gen uint64
	select {
	case gen = <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	// A refresh lands before the fire handler gets to claim; the store has
	// already moved on to the following group.
	up.set(model.Window{ID: "b", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})
	assert.Equal(t, Armed, n.Rearm(time.Now()))
	assert.True(t, n.Claim(gen))

	// After the claim a re-arm aims at the following group.
	assert.Equal(t, Armed, n.Rearm(time.Now()))
	assert.WithinDuration(t, now.Add(time.Hour), n.Deadline(), 50*time.Millisecond)
}

func TestRearmKeepsOpenedGroupDuringSkew(t *testing.T) {
	rec := newFireRecorder()
	up := &fakeUpcoming{}
	now := time.Now()
	start := now.Add(10 * time.Millisecond)
	up.set(model.Window{ID: "a", Start: start, End: now.Add(time.Hour)})

	n := NewNotifier(up, 300*time.Millisecond, rec.fire)
	defer n.Stop()
	require.Equal(t, Armed, n.Rearm(now))
	deadline := n.Deadline()

	// Window "a" opened; its timer is still waiting out the skew.
	up.set(model.Window{ID: "b", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})
	assert.Equal(t, Armed, n.Rearm(start.Add(time.Millisecond)))
	assert.Equal(t, deadline, n.Deadline())

	select {
	case gen := <-rec.ch:
		assert.True(t, n.Claim(gen))
	case <-time.After(2 * time.Second):
		t.Fatal("pending timer was dropped by the re-arm")
	}
}

func TestRearmReplacesTimerBeforeGroupOpens(t *testing.T) {
	up := &fakeUpcoming{}
	now := time.Now()
	up.set(model.Window{ID: "a", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})

	n := NewNotifier(up, DefaultSkew, newFireRecorder().fire)
	defer n.Stop()
	n.Rearm(now)

	up.set(model.Window{ID: "b", Start: now.Add(30 * time.Minute), End: now.Add(time.Hour)})
	n.Rearm(now.Add(time.Minute))
	assert.Equal(t, now.Add(30*time.Minute+DefaultSkew), n.Deadline())
}

func TestStop(t *testing.T) {
	rec := newFireRecorder()
	up := &fakeUpcoming{}
	n := NewNotifier(up, 0, rec.fire)

	// Stopping an unarmed notifier is fine, and so is stopping twice.
	n.Stop()
	n.Stop()

	now := time.Now()
	up.set(model.Window{ID: "a", Start: now.Add(10 * time.Millisecond), End: now.Add(time.Hour)})
	assert.Equal(t, Unarmed, n.Rearm(now), "a stopped notifier never re-arms")

	select {
	case <-rec.ch:
		t.Fatal("stopped notifier fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestStopCancelsFromAnotherGoroutine(t *testing.T) {
	rec := newFireRecorder()
	up := &fakeUpcoming{}
	now := time.Now()
	up.set(model.Window{ID: "a", Start: now.Add(50 * time.Millisecond), End: now.Add(time.Hour)})

	n := NewNotifier(up, 0, rec.fire)
	n.Rearm(now)

	done := make(chan struct{})
	go func() {
		n.Stop()
		close(done)
	}()
	<-done

	assert.Equal(t, Unarmed, n.State())
	select {
	case gen := <-rec.ch:
		assert.False(t, n.Claim(gen))
	case <-time.After(120 * time.Millisecond):
	}
}

func TestNegativeSkewIsZero(t *testing.T) {
	n := NewNotifier(&fakeUpcoming{}, -time.Second, newFireRecorder().fire)
	assert.Equal(t, time.Duration(0), n.skew)
}

func TestNotifyStateString(t *testing.T) {
	assert.Equal(t, "unarmed", Unarmed.String())
	assert.Equal(t, "armed", Armed.String())
	assert.Equal(t, "firing", Firing.String())
}
