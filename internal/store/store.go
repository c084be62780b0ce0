// Package store holds the currently published calendar snapshot.
package store

import (
	"sync/atomic"
	"time"

	"deploycal/internal/model"
)

type published struct {
	snap      model.Snapshot
	starts    []time.Time // sorted keys of snap
	updatedAt time.Time
}

// Store publishes snapshots by atomic pointer swap. A published snapshot is
// never mutated, so concurrent readers always see one complete mapping.
type Store struct {
	cur atomic.Pointer[published]
}

// New returns a Store holding an empty snapshot.
func New() *Store {
	s := &Store{}
	s.cur.Store(&published{snap: model.Snapshot{}})
	return s
}

// Replace publishes snap wholesale. The store keeps its own copy.
func (s *Store) Replace(snap model.Snapshot) {
	c := snap.Clone()
	s.cur.Store(&published{
		snap:      c,
		starts:    c.Starts(),
		updatedAt: time.Now(),
	})
}

// All returns a copy of the full snapshot.
func (s *Store) All() model.Snapshot {
	return s.cur.Load().snap.Clone()
}

// Len returns the number of windows in the published snapshot.
func (s *Store) Len() int {
	return s.cur.Load().snap.Len()
}

// UpdatedAt reports when the snapshot was last replaced; zero if never.
func (s *Store) UpdatedAt() time.Time {
	return s.cur.Load().updatedAt
}

// Current returns every window with Start <= now <= End, across all start
// groups, ordered by start and then source order.
func (s *Store) Current(now time.Time) []model.Window {
	p := s.cur.Load()
	found := make([]model.Window, 0)
	for _, start := range p.starts {
		if start.After(now) {
			break
		}
		for _, w := range p.snap[start] {
			if w.Contains(now) {
				found = append(found, w)
			}
		}
	}
	return model.CloneWindows(found)
}

// Next returns the whole group at the earliest start strictly after now,
// or an empty list if nothing is scheduled.
func (s *Store) Next(now time.Time) []model.Window {
	p := s.cur.Load()
	for _, start := range p.starts {
		if start.After(now) {
			return model.CloneWindows(p.snap[start])
		}
	}
	return []model.Window{}
}
