package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploycal/internal/model"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse("2006-01-02T15:04Z07:00", s)
	require.NoError(t, err)
	return v.UTC()
}

func win(t *testing.T, id, start, end string, deployers, owners []string) model.Window {
	return model.Window{
		ID:        id,
		Start:     at(t, start),
		End:       at(t, end),
		Deployers: deployers,
		Owners:    owners,
	}
}

func ids(ws []model.Window) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ID)
	}
	return out
}

// scenario: A and B share a start, C starts later, D is long past.
func scenario(t *testing.T) model.Snapshot {
	snap := model.Snapshot{}
	snap.Add(win(t, "D", "2023-12-31T08:00Z", "2023-12-31T09:00Z", []string{}, []string{}))
	snap.Add(win(t, "A", "2024-01-01T20:00Z", "2024-01-01T21:00Z", []string{}, []string{"alice"}))
	snap.Add(win(t, "B", "2024-01-01T20:00Z", "2024-01-01T22:00Z", []string{"bob"}, []string{}))
	snap.Add(win(t, "C", "2024-01-01T21:30Z", "2024-01-01T23:00Z", []string{}, []string{}))
	return snap
}

func TestEmptyStore(t *testing.T) {
	s := New()
	now := at(t, "2024-01-01T19:00Z")
	assert.Empty(t, s.All())
	assert.Empty(t, s.Current(now))
	assert.Empty(t, s.Next(now))
	assert.NotNil(t, s.Next(now))
	assert.True(t, s.UpdatedAt().IsZero())
}

func TestNextReturnsWholeTieGroup(t *testing.T) {
	s := New()
	s.Replace(scenario(t))

	next := s.Next(at(t, "2024-01-01T19:00Z"))
	assert.Equal(t, []string{"A", "B"}, ids(next))
	assert.Equal(t, []string{"alice"}, next[0].Owners)
	assert.Equal(t, []string{"bob"}, next[1].Deployers)
}

func TestNextIsStrictlyAfterNow(t *testing.T) {
	s := New()
	s.Replace(scenario(t))

	// At exactly 20:00 the A/B group has started, so the next one is C.
	assert.Equal(t, []string{"C"}, ids(s.Next(at(t, "2024-01-01T20:00Z"))))
	assert.Equal(t, []string{"C"}, ids(s.Next(at(t, "2024-01-01T21:29Z"))))
	assert.Empty(t, s.Next(at(t, "2024-01-01T21:30Z")))
	assert.Empty(t, s.Next(at(t, "2025-01-01T00:00Z")))
}

func TestCurrent(t *testing.T) {
	s := New()
	s.Replace(scenario(t))

	cases := []struct {
		now string
		exp []string
	}{
		{"2024-01-01T19:59Z", []string{}},
		{"2024-01-01T20:00Z", []string{"A", "B"}},
		{"2024-01-01T20:30Z", []string{"A", "B"}},
		{"2024-01-01T21:00Z", []string{"A", "B"}}, // end is inclusive
		{"2024-01-01T21:01Z", []string{"B"}},
		// B and C come from different start groups but overlap.
		{"2024-01-01T21:45Z", []string{"B", "C"}},
		{"2024-01-01T22:30Z", []string{"C"}},
		{"2024-01-02T00:00Z", []string{}},
	}
	for _, c := range cases {
		t.Run(c.now, func(t *testing.T) {
			assert.Equal(t, c.exp, ids(s.Current(at(t, c.now))))
		})
	}
}

func TestReplaceIsWholesale(t *testing.T) {
	s := New()
	s.Replace(scenario(t))

	next := model.Snapshot{}
	next.Add(win(t, "Z", "2024-02-01T10:00Z", "2024-02-01T11:00Z", []string{}, []string{}))
	s.Replace(next)

	all := s.All()
	assert.Equal(t, 1, all.Len())
	assert.Equal(t, []string{"Z"}, ids(s.Next(at(t, "2024-01-01T19:00Z"))))
	assert.False(t, s.UpdatedAt().IsZero())
}

func TestPublishedSnapshotIsIsolated(t *testing.T) {
	s := New()
	snap := scenario(t)
	s.Replace(snap)

	// Mutating the caller's map or a returned copy never leaks into the store.
	delete(snap, at(t, "2024-01-01T20:00Z"))
	got := s.Next(at(t, "2024-01-01T19:00Z"))
	got[0].Owners[0] = "mallory"
	all := s.All()
	all[at(t, "2024-01-01T20:00Z")][1].ID = "X"

	assert.Equal(t, []string{"A", "B"}, ids(s.Next(at(t, "2024-01-01T19:00Z"))))
	assert.Equal(t, []string{"alice"}, s.Next(at(t, "2024-01-01T19:00Z"))[0].Owners)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := New()
	first := scenario(t)
	second := model.Snapshot{}
	for i := 0; i < 10; i++ {
		second.Add(win(t, "E", "2024-01-01T20:00Z", "2024-01-01T23:00Z", []string{}, []string{}))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				s.Replace(first)
			} else {
				s.Replace(second)
			}
		}
		close(stop)
	}()

	now := at(t, "2024-01-01T19:00Z")
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := len(s.Next(now))
				// Either the A/B pair or all ten E windows; never a mix.
				if n != 0 && n != 2 && n != 10 {
					t.Errorf("observed partial group of %d windows", n)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLen(t *testing.T) {
	s := New()
	s.Replace(scenario(t))
	assert.Equal(t, 4, s.Len())
}
