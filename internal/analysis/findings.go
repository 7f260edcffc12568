package analysis

import (
	"sort"
	"sync"
	"time"
)

// DefaultDedupWindow is the sliding merge window for repeated findings.
const DefaultDedupWindow = time.Hour

// Store merges findings keyed on (event type, device identity) inside a
// sliding time window. Device identity may be empty for system-scope
// events.
type Store struct {
	mu     sync.Mutex
	window time.Duration
	byKey  map[storeKey]*Finding
	order  []*Finding
}

type storeKey struct {
	eventType string
	deviceMAC string
}

// NewStore builds a store with the given dedup window; zero or negative
// falls back to the default.
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Store{
		window: window,
		byKey:  make(map[storeKey]*Finding),
	}
}

// Add merges f into the store at instant t. When a finding with the same
// key was last seen within the window, its occurrence count grows, its
// last-seen extends and the source event ids union; otherwise f starts a
// fresh entry. Returns the stored finding.
func (s *Store) Add(f *Finding, t time.Time) *Finding {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey{eventType: f.EventType, deviceMAC: f.DeviceMAC}
	if prev, ok := s.byKey[key]; ok && !t.After(prev.LastSeen.Add(s.window)) {
		prev.OccurrenceCount++
		if t.After(prev.LastSeen) {
			prev.LastSeen = t
		}
		prev.SourceEventIDs = unionIDs(prev.SourceEventIDs, f.SourceEventIDs)
		return prev
	}

	f.OccurrenceCount = 1
	f.FirstSeen = t
	f.LastSeen = t
	s.byKey[key] = f
	s.order = append(s.order, f)
	return f
}

// Findings returns every stored finding ordered by severity descending,
// then last-seen descending.
func (s *Store) Findings() []*Finding {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Finding, len(s.order))
	copy(out, s.order)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Len returns the number of distinct findings.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func unionIDs(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			a = append(a, id)
		}
	}
	return a
}
