package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"deploycal/internal/config"
	"deploycal/internal/engine"
	"deploycal/internal/ics"
	appLog "deploycal/internal/log"
	"deploycal/internal/model"
)

// Calendar is the slice of the engine the HTTP API needs.
type Calendar interface {
	Events() model.Snapshot
	CurrentEvents(now time.Time) []model.Window
	NextEvents(now time.Time) []model.Window
	Refresh(ctx context.Context, forceRearm bool) error
	Status() engine.Status
	Replay(pause time.Duration) int
}

// Server provides read-only access to the deployment calendar plus a manual
// refresh trigger.
type Server struct {
	cfg   *config.Config
	cal   Calendar
	debug bool
	now   func() time.Time
	r     chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, cal Calendar, debug bool) *Server {
	s := &Server{
		cfg:   cfg,
		cal:   cal,
		debug: debug,
		now:   time.Now,
	}
	s.r = s.routes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.r
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password is treated as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuth guards every route it wraps with HTTP Basic Auth.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="deploycal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves the API on cfg.Listen until ctx is canceled.
func StartServer(ctx context.Context, cfg *config.Config, cal Calendar, debug bool) error {
	s := NewServer(cfg, cal, debug)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen, "debug", debug)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// /health is always reachable without credentials.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled")
			r.Use(s.basicAuth)
		}
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/events/current", s.handleCurrent)
		r.Get("/api/events/next", s.handleNext)
		r.Get("/api/status", s.handleStatus)
		r.Post("/api/refresh", s.handleRefresh)
		r.Get("/calendar.ics", s.handleICS)
		if s.debug {
			r.Post("/api/debug/replay", s.handleReplay)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// WindowJSON is the JSON shape of a window, shared with the preview output.
type WindowJSON struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Window    string    `json:"window"`
	Deployers []string  `json:"deployers"`
	Owners    []string  `json:"owners"`
}

// groupDTO is one start instant with all windows opening then.
type groupDTO struct {
	Start   time.Time    `json:"start"`
	Windows []WindowJSON `json:"windows"`
}

type eventsResponse struct {
	Groups []groupDTO `json:"groups"`
	Count  int        `json:"count"`
}

type listResponse struct {
	At      time.Time    `json:"at"`
	Windows []WindowJSON `json:"windows"`
}

type statusResponse struct {
	Refresh      string     `json:"refresh"`
	Notify       string     `json:"notify"`
	NotifyAt     *time.Time `json:"notify_at,omitempty"`
	LastRefresh  *time.Time `json:"last_refresh,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Windows      int        `json:"windows"`
	PageURL      string     `json:"page_url"`
	RefreshEvery string     `json:"refresh_every"`
}

// NewWindowJSON converts a window for JSON output.
func NewWindowJSON(w model.Window) WindowJSON {
	d := WindowJSON{
		ID:        w.ID,
		URL:       w.URL,
		Start:     w.Start,
		End:       w.End,
		Window:    w.Description,
		Deployers: w.Deployers,
		Owners:    w.Owners,
	}
	if d.Deployers == nil {
		d.Deployers = []string{}
	}
	if d.Owners == nil {
		d.Owners = []string{}
	}
	return d
}

func toDTOs(ws []model.Window) []WindowJSON {
	out := make([]WindowJSON, 0, len(ws))
	for _, w := range ws {
		out = append(out, NewWindowJSON(w))
	}
	return out
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	snap := s.cal.Events()
	resp := eventsResponse{Groups: make([]groupDTO, 0, len(snap))}
	for _, start := range snap.Starts() {
		resp.Groups = append(resp.Groups, groupDTO{Start: start, Windows: toDTOs(snap[start])})
	}
	resp.Count = snap.Len()
	writeJSON(w, http.StatusOK, resp)
}

// at reads an optional ?at=RFC3339 query parameter, defaulting to now.
func (s *Server) at(r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return s.now().UTC(), true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid at parameter; want RFC3339")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{At: now, Windows: toDTOs(s.cal.CurrentEvents(now))})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	now, ok := s.at(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid at parameter; want RFC3339")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{At: now, Windows: toDTOs(s.cal.NextEvents(now))})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.cal.Status()
	resp := statusResponse{
		Refresh:      st.Refresh.String(),
		Notify:       st.Notify.String(),
		LastError:    st.LastError,
		Windows:      st.Windows,
		PageURL:      st.PageURL,
		RefreshEvery: st.RefreshEvery.String(),
	}
	if !st.NotifyAt.IsZero() {
		resp.NotifyAt = &st.NotifyAt
	}
	if !st.LastRefresh.IsZero() {
		resp.LastRefresh = &st.LastRefresh
	}
	if !st.LastSuccess.IsZero() {
		resp.LastSuccess = &st.LastSuccess
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh is the HTTP form of the "refresh" command: re-read the page
// now and recompute the notification timer.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.cal.Refresh(r.Context(), true); err != nil {
		appLog.Error("manual refresh failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"refreshed": true,
		"windows":   s.cal.Events().Len(),
	})
}

func (s *Server) handleICS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := ics.Export(w, s.cal.Events(), ics.ExportConfig{}); err != nil {
		appLog.Error("ics export failed", err)
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, _ *http.Request) {
	n := s.cal.Replay(0)
	writeJSON(w, http.StatusOK, map[string]int{"groups": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
