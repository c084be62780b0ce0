package deploycal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appLog "deploycal/internal/log"
)

// PageFetcher retrieves the rendered calendar markup on demand.
// Implementations return a *FetchError on failure and never return an
// empty body without an error.
type PageFetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// PageURLResolver is implemented by fetchers that can tell where the page
// is viewable, for building per-window deep links.
type PageURLResolver interface {
	PageURL(ctx context.Context) (string, error)
}

// MediaWikiConfig describes the wiki that hosts the calendar page.
type MediaWikiConfig struct {
	// APIURL is the api.php endpoint, e.g. "https://wikitech.wikimedia.org/w/api.php".
	APIURL string
	// Page is the title of the calendar page, e.g. "Deployments".
	Page string
	// Timeout bounds a single HTTP request. Zero means 30s.
	Timeout time.Duration
	// RequestsPerMinute limits outgoing API calls. Zero disables limiting.
	RequestsPerMinute int
	// UserAgent is sent with every request; MediaWiki rejects anonymous agents.
	UserAgent string
}

// MediaWikiFetcher reads the rendered HTML of a wiki page through the
// MediaWiki action API.
type MediaWikiFetcher struct {
	cfg     MediaWikiConfig
	client  *http.Client
	limiter *rate.Limiter
}

const defaultUserAgent = "deploycal/0.1 (deployment calendar notifier)"

// NewMediaWikiFetcher creates a fetcher for cfg.Page on cfg.APIURL.
func NewMediaWikiFetcher(cfg MediaWikiConfig) *MediaWikiFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	f := &MediaWikiFetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
	if cfg.RequestsPerMinute > 0 {
		f.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}
	return f
}

// parseResponse is the subset of action=parse output we need.
type parseResponse struct {
	Parse struct {
		Title string `json:"title"`
		Text  struct {
			Content string `json:"*"`
		} `json:"text"`
	} `json:"parse"`
	Error *apiError `json:"error,omitempty"`
}

type queryResponse struct {
	Query struct {
		Pages map[string]struct {
			Title   string  `json:"title"`
			FullURL string  `json:"fullurl"`
			Missing *string `json:"missing,omitempty"`
		} `json:"pages"`
	} `json:"query"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *apiError) Error() string {
	return "mediawiki api error " + e.Code + ": " + e.Info
}

// Fetch returns the rendered page HTML. It uses a raw POST to action=parse
// rather than GET so intermediate caches never serve a stale rendering.
func (f *MediaWikiFetcher) Fetch(ctx context.Context) ([]byte, error) {
	form := url.Values{
		"action":        {"parse"},
		"page":          {f.cfg.Page},
		"prop":          {"text"},
		"format":        {"json"},
		"formatversion": {"1"},
	}

	var out parseResponse
	if err := f.call(ctx, http.MethodPost, form, &out); err != nil {
		return nil, &FetchError{Op: "parse", Err: err}
	}
	if out.Error != nil {
		return nil, &FetchError{Op: "parse", Err: out.Error}
	}

	body := out.Parse.Text.Content
	if strings.TrimSpace(body) == "" {
		return nil, &FetchError{Op: "parse", Err: ErrEmptyPage}
	}

	appLog.Debug("calendar page fetched", "page", f.cfg.Page, "bytes", len(body))
	return []byte(body), nil
}

// PageURL asks the wiki for the canonical URL of the calendar page.
func (f *MediaWikiFetcher) PageURL(ctx context.Context) (string, error) {
	q := url.Values{
		"action": {"query"},
		"titles": {f.cfg.Page},
		"prop":   {"info"},
		"inprop": {"url"},
		"format": {"json"},
	}

	var out queryResponse
	if err := f.call(ctx, http.MethodGet, q, &out); err != nil {
		return "", &FetchError{Op: "query", Err: err}
	}
	if out.Error != nil {
		return "", &FetchError{Op: "query", Err: out.Error}
	}
	for _, p := range out.Query.Pages {
		if p.Missing != nil || p.FullURL == "" {
			continue
		}
		return p.FullURL, nil
	}
	return "", &FetchError{Op: "query", Err: fmt.Errorf("page %q not found", f.cfg.Page)}
}

// FallbackPageURL derives a page URL from the API endpoint when the wiki
// can't be queried, e.g. https://host/w/api.php -> https://host/wiki/Page.
func (f *MediaWikiFetcher) FallbackPageURL() string {
	u, err := url.Parse(f.cfg.APIURL)
	if err != nil || u.Host == "" {
		return f.cfg.Page
	}
	title := strings.ReplaceAll(f.cfg.Page, " ", "_")
	return u.Scheme + "://" + u.Host + "/wiki/" + url.PathEscape(title)
}

func (f *MediaWikiFetcher) call(ctx context.Context, method string, params url.Values, out any) error {
	if f.cfg.APIURL == "" {
		return errors.New("api url is empty")
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, f.cfg.APIURL, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		req, err = http.NewRequestWithContext(ctx, method, f.cfg.APIURL+"?"+params.Encode(), nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// FileFetcher reads calendar markup from a local file. Handy for replaying
// a saved page during development.
type FileFetcher struct {
	Path    string
	BaseURL string
}

func (f *FileFetcher) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &FetchError{Op: "read", Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &FetchError{Op: "read", Err: ErrEmptyPage}
	}
	return data, nil
}

func (f *FileFetcher) PageURL(_ context.Context) (string, error) {
	if f.BaseURL != "" {
		return f.BaseURL, nil
	}
	return "file://" + f.Path, nil
}
