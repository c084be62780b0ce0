package deploycal

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	appLog "deploycal/internal/log"
	"deploycal/internal/model"
)

// CSS selectors for the deployment calendar template.
const (
	selectItem      = ".deploycal-item"
	selectWindow    = ".deploycal-item-window"
	selectDeployers = ".deploycal-item-deployer .ircnick"
	selectOwners    = ".deploycal-item-changes .ircnick"

	attrStart = "data-utcstart"
	attrEnd   = "data-utcend"
)

const (
	// UnnamedWindow is used when an item has no window text element.
	UnnamedWindow = "Unnamed window"

	// placeholderOwner is what the calendar template renders when nobody
	// has added themselves to a window yet.
	placeholderOwner = "irc-nickname"

	backportWarning = "Your patch may or may not be deployed at the " +
		"sole discretion of the deployer"
)

var (
	reMaxPatches = regexp.MustCompile(`\(Max \d+ patches\)`)
	reNewlines   = regexp.MustCompile(`\s*\n\s*`)
)

// Timestamps must carry a zone offset; zone-naive values are rejected.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

// Parse converts rendered calendar markup into a Snapshot grouped by start
// instant. pageURL is used to build each window's deep link.
//
// Any item lacking a start/end attribute, carrying a malformed or zone-naive
// timestamp, or ending before it starts fails the whole parse with a
// *ParseError so that a half-broken page never replaces good data.
func Parse(pageURL string, markup []byte) (model.Snapshot, error) {
	if len(bytes.TrimSpace(markup)) == 0 {
		return nil, &ParseError{Err: ErrEmptyPage}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	snap := make(model.Snapshot)
	var perr error
	doc.Find(selectItem).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		w, err := parseItem(pageURL, item)
		if err != nil {
			perr = err
			return false
		}
		snap.Add(w)
		return true
	})
	if perr != nil {
		return nil, perr
	}

	appLog.Debug("calendar parse completed", "groups", len(snap), "windows", snap.Len())
	return snap, nil
}

func parseItem(pageURL string, item *goquery.Selection) (model.Window, error) {
	id, _ := item.Attr("id")

	start, err := itemTime(item, attrStart)
	if err != nil {
		return model.Window{}, &ParseError{ItemID: id, Err: err}
	}
	end, err := itemTime(item, attrEnd)
	if err != nil {
		return model.Window{}, &ParseError{ItemID: id, Err: err}
	}
	if start.After(end) {
		return model.Window{}, &ParseError{
			ItemID: id,
			Err:    fmt.Errorf("start %s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}
	}

	return model.Window{
		ID:          id,
		URL:         pageURL + "#" + id,
		Start:       start,
		End:         end,
		Description: windowText(item.Find(selectWindow)),
		Deployers:   handles(item.Find(selectDeployers), ""),
		Owners:      handles(item.Find(selectOwners), placeholderOwner),
	}, nil
}

func itemTime(item *goquery.Selection, attr string) (time.Time, error) {
	raw, ok := item.Attr(attr)
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, fmt.Errorf("missing %s attribute", attr)
	}
	return parseTimestamp(raw)
}

// parseTimestamp parses an ISO-8601 instant with a zone offset and
// normalizes it to UTC.
func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid or zone-naive timestamp %q", v)
}

// windowText joins every descendant text node of the first window element,
// collapses each newline (with its surrounding indentation) to one space
// and strips calendar boilerplate.
func windowText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return UnnamedWindow
	}
	text := reNewlines.ReplaceAllString(sel.First().Text(), " ")
	text = reMaxPatches.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, backportWarning, "")
	return strings.TrimSpace(text)
}

func handles(sel *goquery.Selection, skip string) []string {
	out := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		h := strings.TrimSpace(s.Text())
		if h == "" || (skip != "" && h == skip) {
			return
		}
		out = append(out, h)
	})
	return out
}
