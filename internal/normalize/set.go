package normalize

import "plannersync/internal/models"

// Set is an insertion-ordered collection of NormalizedEvents keyed by their
// DedupKey. The first event added for a key wins.
type Set struct {
	index  map[models.DedupKey]int
	events []models.NormalizedEvent
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{index: make(map[models.DedupKey]int)}
}

// Add inserts ev unless an event with the same key is already present.
// It reports whether ev was inserted.
func (s *Set) Add(ev models.NormalizedEvent) bool {
	if _, exists := s.index[ev.Key]; exists {
		return false
	}
	s.index[ev.Key] = len(s.events)
	s.events = append(s.events, ev)
	return true
}

// Contains reports whether an event with key is present.
func (s *Set) Contains(key models.DedupKey) bool {
	_, ok := s.index[key]
	return ok
}

// Len returns the number of events.
func (s *Set) Len() int {
	return len(s.events)
}

// Events returns the events in insertion order.
func (s *Set) Events() []models.NormalizedEvent {
	out := make([]models.NormalizedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Merge adds every event of other, in order, and returns how many were new.
func (s *Set) Merge(other *Set) int {
	if other == nil {
		return 0
	}
	added := 0
	for _, ev := range other.events {
		if s.Add(ev) {
			added++
		}
	}
	return added
}
