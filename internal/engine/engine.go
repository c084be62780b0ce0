package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"deploycal/internal/deploycal"
	appLog "deploycal/internal/log"
	"deploycal/internal/model"
	"deploycal/internal/scheduler"
	"deploycal/internal/store"
)

const DefaultFetchTimeout = 30 * time.Second

var (
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrStopped        = errors.New("engine: stopped")
)

// NotifyFunc receives the windows open at the moment a notification timer
// fires. It runs on the timer goroutine and must not block indefinitely.
type NotifyFunc func(events []model.Window)

// Config is the immutable engine configuration.
type Config struct {
	UpdateInterval time.Duration // default 15m
	Skew           time.Duration // default 5s; use WithoutSkew for none
	FetchTimeout   time.Duration // default 30s
	PageURL        string        // used when the fetcher can't resolve one
}

type Option func(*Engine)

// WithClock overrides time.Now. Timers still run on the real clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithoutSkew disables the notification skew, mainly for tests.
func WithoutSkew() Option {
	return func(e *Engine) { e.noSkew = true }
}

// Status summarizes the engine for operators.
type Status struct {
	Refresh      scheduler.RefreshState
	Notify       scheduler.NotifyState
	NotifyAt     time.Time
	LastRefresh  time.Time // last attempt, successful or not
	LastSuccess  time.Time // last snapshot replacement
	LastError    string
	Windows      int
	PageURL      string
	RefreshEvery time.Duration
}

// Engine ties the fetcher, parser, store and both schedulers together.
// Every fetch-parse-replace(-rearm) sequence runs under mu, so the periodic
// refresh, a manual refresh and a notification fire never interleave.
type Engine struct {
	cfg     Config
	fetcher deploycal.PageFetcher
	store   *store.Store
	now     func() time.Time
	noSkew  bool

	refresher *scheduler.Refresher
	notifier  *scheduler.Notifier

	mu       sync.Mutex
	pageURL  string
	callback NotifyFunc
	lastErr  error
	lastRun  time.Time

	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New builds an engine around fetcher. Nothing runs until Start.
func New(cfg Config, fetcher deploycal.PageFetcher, opts ...Option) *Engine {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = scheduler.DefaultRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	e := &Engine{
		fetcher: fetcher,
		store:   store.New(),
		now:     time.Now,
		pageURL: cfg.PageURL,
	}
	for _, o := range opts {
		o(e)
	}
	switch {
	case e.noSkew:
		cfg.Skew = 0
	case cfg.Skew <= 0:
		cfg.Skew = scheduler.DefaultSkew
	}
	e.cfg = cfg

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.refresher = scheduler.NewRefresher(cfg.UpdateInterval, e.onRefreshTimer)
	e.notifier = scheduler.NewNotifier(e.store, cfg.Skew, e.onNotifyTimer)
	return e
}

// Start registers cb, loads the calendar once and arms both timers. A failed
// initial load is logged; the engine keeps running with an empty snapshot
// and retries on the next periodic refresh.
func (e *Engine) Start(ctx context.Context, cb NotifyFunc) error {
	e.lifeMu.Lock()
	switch {
	case e.stopped:
		e.lifeMu.Unlock()
		return ErrStopped
	case e.started:
		e.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.lifeMu.Unlock()

	e.ResolvePageURL(ctx)

	e.mu.Lock()
	e.callback = cb
	if err := e.refreshLocked(ctx); err != nil {
		appLog.Error("initial calendar load failed", err)
	}
	e.rearmLocked()
	e.mu.Unlock()

	e.refresher.Start()
	appLog.Info("deployment calendar engine started",
		"page_url", e.PageURL(),
		"interval", e.cfg.UpdateInterval,
		"skew", e.cfg.Skew,
	)
	return nil
}

// Stop cancels both timers and any in-flight fetch. Idempotent.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return
	}
	e.stopped = true
	e.lifeMu.Unlock()

	e.refresher.Stop()
	e.notifier.Stop()
	e.cancel()
	appLog.Info("deployment calendar engine stopped")
}

// Events returns the full grouped snapshot.
func (e *Engine) Events() model.Snapshot {
	return e.store.All()
}

// CurrentEvents returns the windows open at now.
func (e *Engine) CurrentEvents(now time.Time) []model.Window {
	return e.store.Current(now)
}

// NextEvents returns the next group of windows starting after now.
func (e *Engine) NextEvents(now time.Time) []model.Window {
	return e.store.Next(now)
}

// Refresh synchronously re-reads the calendar. On failure the previous
// snapshot stays in place and the error is returned. With forceRearm the
// notification timer is recomputed afterwards regardless of the outcome.
func (e *Engine) Refresh(ctx context.Context, forceRearm bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.refreshLocked(ctx)
	if forceRearm {
		e.rearmLocked()
	}
	return err
}

// Replay invokes the notification callback for every group in start order,
// as if each window had just opened. Timers are not touched.
func (e *Engine) Replay(pause time.Duration) int {
	e.mu.Lock()
	cb := e.callback
	e.mu.Unlock()
	if cb == nil {
		return 0
	}

	snap := e.store.All()
	starts := snap.Starts()
	for i, start := range starts {
		if i > 0 && pause > 0 {
			time.Sleep(pause)
		}
		cb(snap[start])
	}
	return len(starts)
}

// PageURL is the page the window links point at.
func (e *Engine) PageURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pageURL
}

// Status reports scheduler states and refresh bookkeeping.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		LastRefresh:  e.lastRun,
		PageURL:      e.pageURL,
		RefreshEvery: e.cfg.UpdateInterval,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	st.Refresh = e.refresher.State()
	st.Notify = e.notifier.State()
	st.NotifyAt = e.notifier.Deadline()
	st.LastSuccess = e.store.UpdatedAt()
	st.Windows = e.store.Len()
	return st
}

func (e *Engine) onRefreshTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.refreshLocked(e.ctx); err != nil {
		appLog.Error("scheduled calendar refresh failed; keeping previous data", err)
	}
	e.rearmLocked()
}

// onNotifyTimer re-reads the page right before notifying so edits made after
// the timer was armed (moved, removed or newly staffed windows) are honored,
// then notifies with what is open now rather than what was expected.
func (e *Engine) onNotifyTimer(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.notifier.Claim(gen) {
		appLog.Debug("stale notification timer ignored", "gen", int64(gen))
		return
	}
	appLog.Info("deploy timer kicked; attempting to notify")

	if err := e.refreshLocked(e.ctx); err != nil {
		appLog.Error("pre-notification refresh failed; using previous data", err)
	}

	events := e.store.Current(e.now())
	appLog.Debug("notifying", "events", len(events))
	if e.callback != nil {
		e.callback(events)
	}

	// Always re-arm, even after a failed refresh, so a transient error can
	// never leave a known future window without a timer.
	e.rearmLocked()
}

func (e *Engine) refreshLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = e.ctx
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	e.lastRun = e.now()
	appLog.Debug("collecting new deployment information from the server")

	body, err := e.fetcher.Fetch(fctx)
	if err == nil && len(body) == 0 {
		err = &deploycal.FetchError{Err: deploycal.ErrEmptyPage}
	}
	if err != nil {
		e.lastErr = err
		return err
	}

	snap, err := deploycal.Parse(e.pageURL, body)
	if err != nil {
		e.lastErr = err
		return err
	}

	e.store.Replace(snap)
	e.lastErr = nil
	appLog.Info("calendar refreshed", "groups", len(snap), "windows", snap.Len())
	return nil
}

func (e *Engine) rearmLocked() {
	e.notifier.Rearm(e.now())
}

// ResolvePageURL asks the fetcher, if it can, where the calendar page is
// viewable. On failure the configured page URL stays in use.
func (e *Engine) ResolvePageURL(ctx context.Context) {
	r, ok := e.fetcher.(deploycal.PageURLResolver)
	if !ok {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	u, err := r.PageURL(rctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		appLog.Error("could not resolve calendar page URL", err, "fallback", e.pageURL)
		return
	}
	e.pageURL = u
}
