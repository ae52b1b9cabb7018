package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingDirectory struct {
	inner Directory
	calls atomic.Int64
}

func (d *countingDirectory) ResolveActor(ctx context.Context, actorID string) (*ActorInfo, error) {
	d.calls.Add(1)
	return d.inner.ResolveActor(ctx, actorID)
}

func TestCacheDirectory(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := NewMemDirectory()
	mem.Add(ActorInfo{ActorID: "actor-1", DisplayName: "Alice Vendor", Role: "seller"})
	counting := &countingDirectory{inner: mem}
	dir := NewCacheDirectory(counting, 100, time.Hour, time.Minute)

	info, err := dir.ResolveActor(ctx, "actor-1")
	assert.NoError(err)
	assert.Equal("Alice Vendor", info.DisplayName)
	assert.Equal("seller", info.Role)

	// second lookup comes from cache
	_, err = dir.ResolveActor(ctx, "actor-1")
	assert.NoError(err)
	assert.Equal(int64(1), counting.calls.Load())

	// failed lookups are cached too
	_, err = dir.ResolveActor(ctx, "nobody")
	assert.ErrorIs(err, ErrActorNotFound)
	_, err = dir.ResolveActor(ctx, "nobody")
	assert.ErrorIs(err, ErrActorNotFound)
	assert.Equal(int64(2), counting.calls.Load())

	// purge forces the next lookup upstream
	dir.Purge("actor-1")
	_, err = dir.ResolveActor(ctx, "actor-1")
	assert.NoError(err)
	assert.Equal(int64(3), counting.calls.Load())
}

func TestCacheDirectoryConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mem := NewMemDirectory()
	for _, id := range []string{"a", "b"} {
		mem.Add(ActorInfo{ActorID: id, DisplayName: id, Role: "buyer"})
	}
	dir := NewCacheDirectory(mem, 100, time.Hour, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b"}[i%2]
			info, err := dir.ResolveActor(ctx, id)
			assert.NoError(err)
			assert.Equal(id, info.ActorID)
		}(i)
	}
	wg.Wait()
}
