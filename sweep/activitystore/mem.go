package activitystore

import (
	"context"
	"sync"
	"time"
)

type memEvent struct {
	actorID  string
	entityID string
	at       time.Time
}

// In-memory activity store for tests and single-node deployments. Holds a
// bounded retention of raw events and scans on read; sweeps run at most a few
// times an hour, so reads are not hot.
type MemActivityStore struct {
	lk        sync.Mutex
	events    map[string][]memEvent
	Retention time.Duration
}

var _ ActivityStore = (*MemActivityStore)(nil)

func NewMemActivityStore() *MemActivityStore {
	return &MemActivityStore{
		events:    make(map[string][]memEvent),
		Retention: 14 * 24 * time.Hour,
	}
}

func (s *MemActivityStore) RecordEvent(ctx context.Context, eventType, actorID, entityID string, at time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	evts := append(s.events[eventType], memEvent{actorID: actorID, entityID: entityID, at: at})

	// drop events past retention, preserving order
	cutoff := time.Now().Add(-s.Retention)
	for len(evts) > 0 && evts[0].at.Before(cutoff) {
		evts = evts[1:]
	}
	s.events[eventType] = evts
	return nil
}

func (s *MemActivityStore) CountEvents(ctx context.Context, eventType, actorID string, since time.Time) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	count := 0
	for _, e := range s.events[eventType] {
		if e.actorID == actorID && !e.at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemActivityStore) CountDistinct(ctx context.Context, eventType, actorID string, since time.Time) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	seen := make(map[string]bool)
	for _, e := range s.events[eventType] {
		if e.actorID == actorID && !e.at.Before(since) {
			seen[e.entityID] = true
		}
	}
	return len(seen), nil
}

func (s *MemActivityStore) ActiveActors(ctx context.Context, eventType string, since time.Time) ([]string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.events[eventType] {
		if !e.at.Before(since) && !seen[e.actorID] {
			seen[e.actorID] = true
			out = append(out, e.actorID)
		}
	}
	return out, nil
}
