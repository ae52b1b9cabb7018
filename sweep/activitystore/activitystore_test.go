package activitystore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemActivityStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemActivityStore()
	now := time.Now()
	weekAgo := now.Add(-7 * 24 * time.Hour)

	c, err := s.CountEvents(ctx, "order_rejected", "actor-1", weekAgo)
	assert.NoError(err)
	assert.Equal(0, c)

	for i := 0; i < 9; i++ {
		assert.NoError(s.RecordEvent(ctx, "order_rejected", "actor-1", fmt.Sprintf("order-%d", i), now.Add(-time.Duration(i)*time.Hour)))
	}
	// same entity twice: counts as two events, one distinct
	assert.NoError(s.RecordEvent(ctx, "order_rejected", "actor-1", "order-0", now))

	c, err = s.CountEvents(ctx, "order_rejected", "actor-1", weekAgo)
	assert.NoError(err)
	assert.Equal(10, c)

	d, err := s.CountDistinct(ctx, "order_rejected", "actor-1", weekAgo)
	assert.NoError(err)
	assert.Equal(9, d)

	// window filtering
	c, err = s.CountEvents(ctx, "order_rejected", "actor-1", now.Add(-90*time.Minute))
	assert.NoError(err)
	assert.Equal(3, c)

	// other actors and event types are isolated
	c, err = s.CountEvents(ctx, "order_rejected", "actor-2", weekAgo)
	assert.NoError(err)
	assert.Equal(0, c)
	c, err = s.CountEvents(ctx, "refund_issued", "actor-1", weekAgo)
	assert.NoError(err)
	assert.Equal(0, c)

	actors, err := s.ActiveActors(ctx, "order_rejected", weekAgo)
	assert.NoError(err)
	assert.Equal([]string{"actor-1"}, actors)
}

func TestMemActivityStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := NewMemActivityStore()
	now := time.Now()

	// writes and reads from several goroutines; run with `-race`
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			actor := fmt.Sprintf("actor-%d", g%2)
			for i := 0; i < 25; i++ {
				assert.NoError(s.RecordEvent(ctx, "refund_issued", actor, fmt.Sprintf("r-%d-%d", g, i), now))
				_, err := s.CountEvents(ctx, "refund_issued", actor, now.Add(-time.Hour))
				assert.NoError(err)
			}
		}(g)
	}
	wg.Wait()

	c, err := s.CountEvents(ctx, "refund_issued", "actor-0", now.Add(-time.Hour))
	assert.NoError(err)
	assert.Equal(50, c)
	actors, err := s.ActiveActors(ctx, "refund_issued", now.Add(-time.Hour))
	assert.NoError(err)
	assert.Equal(2, len(actors))
}

func TestHourBuckets(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	buckets := hourBuckets(now.Add(-2*time.Hour), now)
	assert.Equal([]string{"2025-06-01T10", "2025-06-01T11", "2025-06-01T12"}, buckets)
}
