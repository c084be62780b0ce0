package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deploycal/internal/capture"
	"deploycal/internal/config"
	"deploycal/internal/deploycal"
	"deploycal/internal/engine"
	appLog "deploycal/internal/log"
	"deploycal/internal/model"
	"deploycal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
	verbose    bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"api_url", conf.Wiki.APIURL,
		"page", conf.Wiki.Page,
		"fetch_mode", conf.Wiki.FetchMode,
		"update_interval_minutes", conf.UpdateIntervalMinutes,
		"notification_skew_seconds", conf.NotificationSkewSeconds,
		"once", flags.once,
		"debug", flags.debug,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	fetcher, pageURL := buildFetcher(conf)
	ecfg := conf.EngineConfig()
	if ecfg.PageURL == "" {
		ecfg.PageURL = pageURL
	}
	eng := engine.New(ecfg, fetcher)

	if flags.once {
		if err := runOnce(ctx, eng); err != nil {
			appLog.Error("preview failed", err)
			os.Exit(1)
		}
		return
	}

	if err := eng.Start(ctx, onDeploymentEvent); err != nil {
		appLog.Error("failed to start engine", err)
		os.Exit(1)
	}
	defer eng.Stop()

	if conf.Listen != "" {
		go func() {
			if err := web.StartServer(ctx, conf, eng, flags.debug); err != nil {
				appLog.Error("HTTP server failed", err, "listen", conf.Listen)
				cancel()
			}
		}()
	}

	<-ctx.Done()

	eng.Stop()
	// Give the HTTP server a moment to drain.
	time.Sleep(100 * time.Millisecond)
	appLog.Info("deploycal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/deploycal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch the calendar once, print every window as JSON and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug endpoints (event replay)")
	flag.BoolVar(&cfg.verbose, "v", false, "Verbose (debug) logging")

	flag.Parse()

	return cfg
}

// buildFetcher picks the page source for the configured mode and returns a
// fallback page URL for deep links.
func buildFetcher(conf *config.Config) (deploycal.PageFetcher, string) {
	mw := deploycal.NewMediaWikiFetcher(deploycal.MediaWikiConfig{
		APIURL:            conf.Wiki.APIURL,
		Page:              conf.Wiki.Page,
		Timeout:           conf.FetchTimeout(),
		RequestsPerMinute: conf.Wiki.RequestsPerMinute,
	})
	fallback := mw.FallbackPageURL()

	switch conf.Wiki.FetchMode {
	case config.FetchModeBrowser:
		u := conf.Wiki.PageURL
		if u == "" {
			u = fallback
		}
		return capture.NewBrowserFetcher(u, conf.FetchTimeout()), u
	case config.FetchModeFile:
		return &deploycal.FileFetcher{Path: conf.Wiki.FilePath, BaseURL: conf.Wiki.PageURL}, fallback
	default:
		return mw, fallback
	}
}

// runOnce performs a single refresh and prints each window as a JSON line.
func runOnce(ctx context.Context, eng *engine.Engine) error {
	eng.ResolvePageURL(ctx)
	if err := eng.Refresh(ctx, false); err != nil {
		return err
	}
	snap := eng.Events()
	enc := json.NewEncoder(os.Stdout)
	for _, start := range snap.Starts() {
		for _, w := range snap[start] {
			if err := enc.Encode(web.NewWindowJSON(w)); err != nil {
				return err
			}
		}
	}
	return nil
}

// onDeploymentEvent is the notification hook. Delivering the message to a
// chat channel is the chat client's job; here every opening window is logged.
func onDeploymentEvent(events []model.Window) {
	if len(events) == 0 {
		appLog.Info("deployment timer fired but no window is open (removed or moved?)")
		return
	}
	for _, ev := range events {
		appLog.Info("deployment window open",
			"id", ev.ID,
			"window", ev.Description,
			"deployers", commaJoin(ev.Deployers),
			"owners", commaJoin(ev.Owners),
			"url", ev.URL,
			"ends", ev.End,
		)
	}
}

// commaJoin joins handles as "a", "a and b" or "a, b, and c".
func commaJoin(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return fmt.Sprintf("%s, and %s", strings.Join(items[:len(items)-1], ", "), items[len(items)-1])
	}
}
