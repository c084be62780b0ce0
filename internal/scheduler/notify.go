package scheduler

import (
	"sync"
	"time"

	appLog "deploycal/internal/log"
	"deploycal/internal/model"
)

// DefaultSkew is added to every notification delay so the timer never fires
// marginally before a window opens.
const DefaultSkew = 5 * time.Second

// NotifyState is the lifecycle of the notification timer.
type NotifyState int

const (
	// Unarmed means no future window is known.
	Unarmed NotifyState = iota
	// Armed means a timer is pending for the next window group.
	Armed
	// Firing means a fire was claimed and its handler is running.
	Firing
)

func (s NotifyState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	default:
		return "unarmed"
	}
}

// Upcoming answers which windows open next.
type Upcoming interface {
	Next(now time.Time) []model.Window
}

// FireFunc is invoked on the timer goroutine with the generation of the
// timer that fired. The receiver must Claim the generation before acting.
type FireFunc func(gen uint64)

// Notifier keeps at most one pending one-shot timer aimed at the start of
// the next window group. Every arm bumps a generation counter; a timer whose
// generation is no longer current is ignored when it fires.
//
// Once the armed group has opened, or its timer has gone off, Rearm leaves
// the timer alone until the fire is claimed, so a refresh landing between a
// window's start and the fire handler can never swallow that notification.
type Notifier struct {
	upcoming Upcoming
	skew     time.Duration
	fire     FireFunc

	mu         sync.Mutex
	timer      *time.Timer
	gen        uint64
	state      NotifyState
	deadline   time.Time
	armedStart time.Time
	fired      bool // timer went off, fire not yet claimed
	stopped    bool
}

// NewNotifier creates an unarmed Notifier. A negative skew is treated as zero.
func NewNotifier(upcoming Upcoming, skew time.Duration, fire FireFunc) *Notifier {
	if skew < 0 {
		skew = 0
	}
	return &Notifier{
		upcoming: upcoming,
		skew:     skew,
		fire:     fire,
	}
}

// Rearm cancels any pending timer and, if a future window exists, arms a new
// one for max(0, start-now)+skew. A timer whose group has already opened is
// kept until its fire is claimed. It returns the resulting state.
func (n *Notifier) Rearm(now time.Time) NotifyState {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return n.state
	}
	if n.duePending(now) {
		appLog.Debug("notification due; keeping pending timer",
			"deadline", n.deadline,
			"fired", n.fired,
		)
		return n.state
	}

	n.cancelLocked()

	group := n.upcoming.Next(now)
	if len(group) == 0 {
		appLog.Debug("no upcoming windows; notification timer unarmed")
		return n.state
	}

	delay := group[0].Start.Sub(now)
	if delay < 0 {
		delay = 0
	}
	delay += n.skew

	gen := n.gen
	n.timer = time.AfterFunc(delay, func() { n.expire(gen) })
	n.state = Armed
	n.deadline = now.Add(delay)
	n.armedStart = group[0].Start

	appLog.Debug("notification timer armed",
		"delay", delay,
		"deadline", n.deadline,
		"windows", len(group),
		"first", group[0].ID,
	)
	return n.state
}

// Claim marks the timer of generation gen as firing. It reports false if the
// timer has not gone off, or if the notifier was stopped or re-armed since
// that timer was set.
func (n *Notifier) Claim(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped || gen != n.gen || !n.fired {
		return false
	}
	n.timer = nil
	n.fired = false
	n.state = Firing
	n.deadline = time.Time{}
	n.armedStart = time.Time{}
	return true
}

// expire runs on the timer goroutine. It records the fire before handing it
// to the fire func, which may have to wait for a refresh in progress.
func (n *Notifier) expire(gen uint64) {
	n.mu.Lock()
	if n.stopped || gen != n.gen || n.state != Armed {
		n.mu.Unlock()
		return
	}
	n.fired = true
	n.mu.Unlock()

	n.fire(gen)
}

// duePending reports whether an armed timer belongs to a group that has
// already opened or has gone off without being claimed.
func (n *Notifier) duePending(now time.Time) bool {
	if n.state != Armed {
		return false
	}
	return n.fired || !n.armedStart.After(now)
}

// Stop cancels any pending timer. Safe to call repeatedly and from any
// goroutine; after Stop, Rearm never arms again.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelLocked()
	n.stopped = true
}

// State reports the current timer state.
func (n *Notifier) State() NotifyState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Deadline is when the pending timer fires; zero if unarmed.
func (n *Notifier) Deadline() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deadline
}

func (n *Notifier) cancelLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
	n.state = Unarmed
	n.deadline = time.Time{}
	n.armedStart = time.Time{}
	n.fired = false
}
