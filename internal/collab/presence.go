package collab

import (
	"sort"
	"sync"
	"time"
)

// cursorPalette is the fixed set of colors cursors are rendered with.
// Assignment is a pure function of the user identifier, so every client
// computes the same color for the same participant without coordination.
var cursorPalette = []string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#008080",
	"#9a6324",
}

// ColorOf returns the deterministic cursor color for a user identifier.
func ColorOf(userID UserID) string {
	sum := 0
	for _, b := range []byte(userID.String()) {
		sum += int(b)
	}
	return cursorPalette[sum%len(cursorPalette)]
}

// CursorEntry is the tracked presence state for one remote participant.
type CursorEntry struct {
	UserID      string
	DisplayName string
	Position    int
	Color       string
	UpdatedAt   time.Time
}

// PresenceTracker maintains the cursor positions of remote participants
// within one document. Stale entries are evicted by the caller via
// EvictOlderThan; the tracker never schedules its own eviction.
type PresenceTracker struct {
	mu      sync.RWMutex
	entries map[string]CursorEntry
	clock   func() time.Time
}

// NewPresenceTracker constructs an empty tracker.
func NewPresenceTracker(clock func() time.Time) *PresenceTracker {
	if clock == nil {
		clock = time.Now
	}
	return &PresenceTracker{
		entries: make(map[string]CursorEntry),
		clock:   clock,
	}
}

// Upsert records the latest cursor position for a participant.
func (tracker *PresenceTracker) Upsert(update CursorUpdate) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	displayName := update.DisplayName
	if displayName == "" {
		displayName = update.UserID
	}
	tracker.entries[update.UserID] = CursorEntry{
		UserID:      update.UserID,
		DisplayName: displayName,
		Position:    update.Position,
		Color:       ColorOf(UserID(update.UserID)),
		UpdatedAt:   tracker.clock(),
	}
}

// Remove drops a participant, typically when they leave the document.
func (tracker *PresenceTracker) Remove(userID string) {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	delete(tracker.entries, userID)
}

// Snapshot returns the tracked cursors ordered by user identifier.
func (tracker *PresenceTracker) Snapshot() []CursorEntry {
	tracker.mu.RLock()
	defer tracker.mu.RUnlock()
	entries := make([]CursorEntry, 0, len(tracker.entries))
	for _, entry := range tracker.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// EvictOlderThan removes entries that have not been refreshed within ttl
// and returns the user identifiers that were dropped.
func (tracker *PresenceTracker) EvictOlderThan(ttl time.Duration) []string {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	cutoff := tracker.clock().Add(-ttl)
	var evicted []string
	for userID, entry := range tracker.entries {
		if entry.UpdatedAt.Before(cutoff) {
			delete(tracker.entries, userID)
			evicted = append(evicted, userID)
		}
	}
	sort.Strings(evicted)
	return evicted
}
