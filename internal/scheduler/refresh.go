package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "deploycal/internal/log"
)

// DefaultRefreshInterval is how often the calendar page is re-read.
const DefaultRefreshInterval = 15 * time.Minute

// RefreshState is the lifecycle of the periodic refresh.
type RefreshState int

const (
	// Idle means no schedule is registered.
	Idle RefreshState = iota
	// Scheduled means the job waits for its next tick.
	Scheduled
	// Refreshing means the job is running.
	Refreshing
)

func (s RefreshState) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Refreshing:
		return "firing"
	default:
		return "idle"
	}
}

// Refresher runs job on a fixed interval until stopped. Failures are the
// job's business; the interval never changes and there is no backoff.
type Refresher struct {
	interval time.Duration
	job      func()

	mu    sync.Mutex
	c     *cron.Cron
	state RefreshState
}

// NewRefresher creates an idle Refresher. Intervals under one second are
// rounded up to one second by cron.Every.
func NewRefresher(interval time.Duration, job func()) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{interval: interval, job: job}
}

// Start schedules the periodic job. Calling Start while scheduled is a no-op.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(r.interval), cron.FuncJob(r.run))
	c.Start()

	r.c = c
	r.state = Scheduled
	appLog.Info("refresh schedule started", "interval", r.interval)
}

// Stop cancels the schedule without waiting for a running job. Idempotent,
// and a no-op while idle.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return
	}
	r.c.Stop()
	r.c = nil
	r.state = Idle
	appLog.Info("refresh schedule stopped")
}

// State reports the current schedule state.
func (r *Refresher) State() RefreshState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Interval is the fixed period between runs.
func (r *Refresher) Interval() time.Duration { return r.interval }

func (r *Refresher) run() {
	r.mu.Lock()
	if r.c == nil {
		r.mu.Unlock()
		return
	}
	r.state = Refreshing
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.c != nil {
			r.state = Scheduled
		}
		r.mu.Unlock()
	}()

	r.job()
}

// cronLogger routes cron's internal logging through our logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
