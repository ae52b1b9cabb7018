// Rolling per-actor activity stats backing the anomaly sweeps. Events are
// bucketed by hour; sweeps query counts over a lookback window grouped by
// actor.
package activitystore

import (
	"context"
	"time"
)

type ActivityStore interface {
	// Records one behavioral event (eg, order_rejected) for an actor.
	RecordEvent(ctx context.Context, eventType, actorID, entityID string, at time.Time) error

	// Number of events of the given type for an actor since the given time.
	CountEvents(ctx context.Context, eventType, actorID string, since time.Time) (int, error)

	// Number of distinct entities touched by events of the given type for an
	// actor since the given time.
	CountDistinct(ctx context.Context, eventType, actorID string, since time.Time) (int, error)

	// Actors with at least one event of the given type since the given time.
	ActiveActors(ctx context.Context, eventType string, since time.Time) ([]string, error)
}

func hourBucket(t time.Time) string {
	return t.UTC().Format(time.RFC3339)[0:13]
}

// Hour bucket keys covering since..now, oldest first.
func hourBuckets(since, now time.Time) []string {
	var out []string
	for t := since.UTC().Truncate(time.Hour); !t.After(now); t = t.Add(time.Hour) {
		out = append(out, hourBucket(t))
	}
	return out
}
