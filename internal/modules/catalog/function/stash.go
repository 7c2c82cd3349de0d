package function

import (
	"sync"
	"time"
)

const stashTTL = 5 * time.Minute

// StashEntry is the last search an agent ran: the intent and what was
// returned. An execution that picks one of these functions turns the entry
// into implicit feedback.
type StashEntry struct {
	Intent        string
	FunctionNames []string
}

type stashRecord struct {
	entry    StashEntry
	storedAt time.Time
}

// Stash holds the per-agent last-search entries in a process-wide TTL map.
// One instance is shared between the search service (writer) and the
// executor (consumer).
type Stash struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]stashRecord
}

func NewStash() *Stash {
	return &Stash{ttl: stashTTL, entries: make(map[string]stashRecord)}
}

// Put replaces the agent's stash entry and opportunistically sweeps expired
// neighbours.
func (s *Stash) Put(agentID, intent string, functionNames []string) {
	if agentID == "" {
		return
	}
	names := make([]string, len(functionNames))
	copy(names, functionNames)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, rec := range s.entries {
		if now.Sub(rec.storedAt) > s.ttl {
			delete(s.entries, id)
		}
	}
	s.entries[agentID] = stashRecord{
		entry:    StashEntry{Intent: intent, FunctionNames: names},
		storedAt: now,
	}
}

// Consume removes and returns the agent's entry. Expired entries are removed
// but not returned.
func (s *Stash) Consume(agentID string) (StashEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[agentID]
	if !ok {
		return StashEntry{}, false
	}
	delete(s.entries, agentID)
	if time.Since(rec.storedAt) > s.ttl {
		return StashEntry{}, false
	}
	return rec.entry, true
}

// Len reports the live entry count (used by tests).
func (s *Stash) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
