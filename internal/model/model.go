package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Window represents a single scheduled deployment window as listed on the
// deployment calendar page.
type Window struct {
	ID  string // item id from the source document
	URL string // deep link back to the calendar entry

	// Start / End are UTC instants. Start is never after End.
	Start time.Time
	End   time.Time

	// Description is the window label with calendar boilerplate removed.
	Description string

	// Deployers execute the window; Owners have changes included in it.
	// Both keep the order in which they appear on the page.
	Deployers []string
	Owners    []string
}

// Contains reports whether t falls inside [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s: (%s -> %s) %s; %s for %s",
		w.ID,
		w.Start.Format(time.RFC3339),
		w.End.Format(time.RFC3339),
		w.Description,
		strings.Join(w.Deployers, ", "),
		strings.Join(w.Owners, ", "),
	)
}

// Snapshot groups windows by their exact start instant. Keys are UTC; each
// group keeps source order. Windows sharing a start are never collapsed.
type Snapshot map[time.Time][]Window

// Add appends w to the group for its start instant.
func (s Snapshot) Add(w Window) {
	key := w.Start.UTC()
	s[key] = append(s[key], w)
}

// Starts returns the group keys in ascending order.
func (s Snapshot) Starts() []time.Time {
	keys := make([]time.Time, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

// Len returns the total number of windows across all groups.
func (s Snapshot) Len() int {
	n := 0
	for _, g := range s {
		n += len(g)
	}
	return n
}

// Clone returns a deep copy so callers can't mutate a published snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, g := range s {
		out[k] = cloneWindows(g)
	}
	return out
}

func cloneWindows(ws []Window) []Window {
	out := make([]Window, len(ws))
	for i, w := range ws {
		w.Deployers = cloneStrings(w.Deployers)
		w.Owners = cloneStrings(w.Owners)
		out[i] = w
	}
	return out
}

// cloneStrings keeps nil and empty distinct.
func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// CloneWindows copies a window list including its handle slices.
func CloneWindows(ws []Window) []Window {
	if len(ws) == 0 {
		return []Window{}
	}
	return cloneWindows(ws)
}
