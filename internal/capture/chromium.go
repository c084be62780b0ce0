package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"deploycal/internal/deploycal"
	appLog "deploycal/internal/log"
)

// DefaultTimeoutSec bounds a whole browser capture when no timeout is set.
const DefaultTimeoutSec = 45

// CaptureOptions defines parameters for a Chromium-based page capture.
type CaptureOptions struct {
	// URL of the rendered calendar page, e.g.
	// "https://wikitech.wikimedia.org/wiki/Deployments".
	URL string

	// ReadySelector is waited on before the DOM is read. If empty,
	// "body" is used.
	ReadySelector string

	// Timeout bounds the entire capture operation. If zero, a sane default
	// (DefaultTimeoutSec) is used.
	Timeout time.Duration
}

// CapturePageHTML launches a headless Chromium instance via chromedp,
// navigates to opts.URL, waits until opts.ReadySelector is present and
// returns the document's outer HTML.
//
// This is the fallback for wikis that block API access but serve the
// rendered page to browsers.
func CapturePageHTML(parentCtx context.Context, opts CaptureOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("capture: URL is required")
	}
	if opts.ReadySelector == "" {
		opts.ReadySelector = "body"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}

	// Create a new chromedp context.
	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	// Apply timeout to the entire capture sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(opts.URL),
		chromedp.WaitReady(opts.ReadySelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return html, nil
}

// BrowserFetcher is a deploycal.PageFetcher backed by CapturePageHTML.
type BrowserFetcher struct {
	Options CaptureOptions
}

// NewBrowserFetcher returns a fetcher rendering pageURL in headless Chromium.
func NewBrowserFetcher(pageURL string, timeout time.Duration) *BrowserFetcher {
	return &BrowserFetcher{Options: CaptureOptions{
		URL:     pageURL,
		Timeout: timeout,
	}}
}

func (b *BrowserFetcher) Fetch(ctx context.Context) ([]byte, error) {
	appLog.Debug("browser capture start", "url", b.Options.URL)
	html, err := CapturePageHTML(ctx, b.Options)
	if err != nil {
		return nil, &deploycal.FetchError{Op: "browser", Err: err}
	}
	if html == "" {
		return nil, &deploycal.FetchError{Op: "browser", Err: deploycal.ErrEmptyPage}
	}
	return []byte(html), nil
}

// PageURL is the captured URL itself.
func (b *BrowserFetcher) PageURL(_ context.Context) (string, error) {
	return b.Options.URL, nil
}
