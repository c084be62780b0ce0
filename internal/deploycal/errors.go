package deploycal

import (
	"errors"
	"fmt"
)

// ErrEmptyPage is returned (wrapped in a FetchError) when the source
// answered but delivered no markup.
var ErrEmptyPage = errors.New("empty page content")

// FetchError reports that the calendar source could not be reached or read.
type FetchError struct {
	Op  string // e.g. "parse", "query", "read"
	Err error
}

func (e *FetchError) Error() string {
	if e.Op == "" {
		return "deploycal: fetch: " + e.Err.Error()
	}
	return fmt.Sprintf("deploycal: fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports malformed or incomplete calendar markup.
type ParseError struct {
	ItemID string // empty if the failure is not tied to a single item
	Err    error
}

func (e *ParseError) Error() string {
	if e.ItemID == "" {
		return "deploycal: parse: " + e.Err.Error()
	}
	return fmt.Sprintf("deploycal: parse item %q: %v", e.ItemID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
