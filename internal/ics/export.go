package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"deploycal/internal/model"
)

const productID = "-//deploycal//Deployment calendar//EN"

// ExportConfig controls the generated calendar feed.
type ExportConfig struct {
	// Name is shown by calendar clients as the feed title.
	Name string
	// Now is used for DTSTAMP; zero means time.Now().
	Now time.Time
}

// BuildCalendar converts a snapshot into an iCalendar document with one
// VEVENT per window. Groups are emitted in start order and windows keep
// source order within a group.
func BuildCalendar(snap model.Snapshot, cfg ExportConfig) *ical.Calendar {
	if cfg.Name == "" {
		cfg.Name = "Deployments"
	}
	stamp := cfg.Now
	if stamp.IsZero() {
		stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName(cfg.Name)

	for _, start := range snap.Starts() {
		for i, w := range snap[start] {
			ev := cal.AddEvent(eventUID(w, i))
			ev.SetDtStampTime(stamp.UTC())
			ev.SetStartAt(w.Start.UTC())
			ev.SetEndAt(w.End.UTC())
			ev.SetSummary(w.Description)
			if d := eventDescription(w); d != "" {
				ev.SetDescription(d)
			}
			if w.URL != "" {
				ev.SetURL(w.URL)
			}
		}
	}
	return cal
}

// Export writes snap as an iCalendar feed to w.
func Export(w io.Writer, snap model.Snapshot, cfg ExportConfig) error {
	if err := BuildCalendar(snap, cfg).SerializeTo(w); err != nil {
		return fmt.Errorf("ics: serialize: %w", err)
	}
	return nil
}

// eventUID must stay unique even though the page may repeat ids; idx is the
// window's position within its start group.
func eventUID(w model.Window, idx int) string {
	id := w.ID
	if id == "" {
		id = "window"
	}
	return fmt.Sprintf("%s-%d-%d@deploycal", id, w.Start.Unix(), idx)
}

func eventDescription(w model.Window) string {
	var b strings.Builder
	if len(w.Deployers) > 0 {
		b.WriteString("Deployers: " + strings.Join(w.Deployers, ", "))
	}
	if len(w.Owners) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Changes: " + strings.Join(w.Owners, ", "))
	}
	return b.String()
}
