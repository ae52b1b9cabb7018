package activitystore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisCountPrefix string = "act/"
var redisDistinctPrefix string = "actdist/"
var redisActorsPrefix string = "actors/"

// Redis-backed activity store. Counts are plain per-hour counters, distinct
// entity counts are HyperLogLogs, and the actor roster per hour is a set.
// Everything expires after the retention window.
type RedisActivityStore struct {
	Client    *redis.Client
	Retention time.Duration
}

var _ ActivityStore = (*RedisActivityStore)(nil)

func NewRedisActivityStore(redisURL string) (*RedisActivityStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisActivityStore{
		Client:    rdb,
		Retention: 14 * 24 * time.Hour,
	}, nil
}

func (s *RedisActivityStore) RecordEvent(ctx context.Context, eventType, actorID, entityID string, at time.Time) error {
	bucket := hourBucket(at)

	// update all three structures in a single redis round-trip
	multi := s.Client.Pipeline()

	key := redisCountPrefix + eventType + "/" + actorID + "/" + bucket
	multi.Incr(ctx, key)
	multi.Expire(ctx, key, s.Retention)

	key = redisDistinctPrefix + eventType + "/" + actorID + "/" + bucket
	multi.PFAdd(ctx, key, entityID)
	multi.Expire(ctx, key, s.Retention)

	key = redisActorsPrefix + eventType + "/" + bucket
	multi.SAdd(ctx, key, actorID)
	multi.Expire(ctx, key, s.Retention)

	_, err := multi.Exec(ctx)
	return err
}

func (s *RedisActivityStore) CountEvents(ctx context.Context, eventType, actorID string, since time.Time) (int, error) {
	buckets := hourBuckets(since, time.Now())
	multi := s.Client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(buckets))
	for _, b := range buckets {
		cmds = append(cmds, multi.Get(ctx, redisCountPrefix+eventType+"/"+actorID+"/"+b))
	}
	if _, err := multi.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}
	total := 0
	for _, cmd := range cmds {
		c, err := cmd.Int()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

func (s *RedisActivityStore) CountDistinct(ctx context.Context, eventType, actorID string, since time.Time) (int, error) {
	buckets := hourBuckets(since, time.Now())
	keys := make([]string, 0, len(buckets))
	for _, b := range buckets {
		keys = append(keys, redisDistinctPrefix+eventType+"/"+actorID+"/"+b)
	}
	c, err := s.Client.PFCount(ctx, keys...).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return int(c), nil
}

func (s *RedisActivityStore) ActiveActors(ctx context.Context, eventType string, since time.Time) ([]string, error) {
	buckets := hourBuckets(since, time.Now())
	keys := make([]string, 0, len(buckets))
	for _, b := range buckets {
		keys = append(keys, redisActorsPrefix+eventType+"/"+b)
	}
	actors, err := s.Client.SUnion(ctx, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return actors, nil
}
