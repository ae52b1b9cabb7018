package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hearth-social/vigil/ledger"
	"github.com/hearth-social/vigil/moderation"
	"github.com/hearth-social/vigil/sweep/activitystore"
)

func testEngine(t *testing.T) (*Engine, *activitystore.MemActivityStore, *moderation.CaseManager) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	l, err := ledger.NewLedger(db, slog.Default())
	require.NoError(t, err)
	cm, err := moderation.NewCaseManager(db, l, slog.Default(), nil)
	require.NoError(t, err)
	store := activitystore.NewMemActivityStore()
	eng, err := NewEngine(db, store, cm, slog.Default())
	require.NoError(t, err)
	return eng, store, cm
}

var rejectionSweep = Definition{
	Name:                 "high_rejection_rate",
	Metric:               MetricRate,
	EventType:            "order_rejected",
	DenominatorEventType: "order_received",
	Threshold:            0.8,
	LookbackHours:        168,
	MinSampleSize:        10,
	SuggestedAction:      "quality_review",
}

func seedRejections(t *testing.T, store *activitystore.MemActivityStore, actor string, orders, rejections int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < orders; i++ {
		entity := fmt.Sprintf("%s-order-%d", actor, i)
		require.NoError(t, store.RecordEvent(ctx, "order_received", actor, entity, now.Add(-time.Duration(i)*time.Hour)))
		if i < rejections {
			require.NoError(t, store.RecordEvent(ctx, "order_rejected", actor, entity, now.Add(-time.Duration(i)*time.Hour)))
		}
	}
}

func TestSweepRateThreshold(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, store, cm := testEngine(t)
	require.NoError(t, eng.AddDefinition(rejectionSweep))

	// actor-1: 9 of 10 rejected, over threshold and over min sample
	seedRejections(t, store, "actor-1", 10, 9)
	// actor-2: 7 of 10 rejected, under threshold
	seedRejections(t, store, "actor-2", 10, 7)
	// actor-3: 5 of 5 rejected, too few orders to judge
	seedRejections(t, store, "actor-3", 5, 5)

	results, err := eng.RunSweep(ctx, "high_rejection_rate")
	assert.NoError(err)
	if assert.Equal(1, len(results)) {
		res := results[0]
		assert.Equal("actor-1", res.ActorID)
		assert.Equal(10, res.SampleSize)
		assert.InDelta(0.9, res.ObservedValue, 0.0001)
		if assert.NotNil(res.CaseID) {
			c, err := cm.GetCase(ctx, *res.CaseID)
			assert.NoError(err)
			assert.Equal("quality_review", c.ReasonCode)
			assert.Equal(2, c.Priority)
			assert.Equal(moderation.CaseStatusOpen, c.Status)
		}
	}

	// a second run in the same window reuses the row and the case
	again, err := eng.RunSweep(ctx, "high_rejection_rate")
	assert.NoError(err)
	if assert.Equal(1, len(again)) {
		assert.Equal(results[0].ID, again[0].ID)
		assert.Equal(*results[0].CaseID, *again[0].CaseID)
	}

	var caseCount int64
	assert.NoError(eng.db.Model(&moderation.Case{}).Count(&caseCount).Error)
	assert.Equal(int64(1), caseCount)
}

func TestSweepCountAndDistinct(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, store, _ := testEngine(t)
	now := time.Now()

	require.NoError(t, eng.AddDefinition(Definition{
		Name:            "refund_burst",
		Metric:          MetricCount,
		EventType:       "refund_issued",
		Threshold:       5,
		LookbackHours:   24,
		MinSampleSize:   5,
		SuggestedAction: "refund_abuse",
	}))
	require.NoError(t, eng.AddDefinition(Definition{
		Name:            "mass_messaging",
		Metric:          MetricDistinct,
		EventType:       "message_sent",
		Threshold:       3,
		LookbackHours:   24,
		MinSampleSize:   3,
		SuggestedAction: "spam",
	}))

	// five refunds crosses the count threshold exactly
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordEvent(ctx, "refund_issued", "actor-r", fmt.Sprintf("refund-%d", i), now))
	}
	// six messages to two recipients stays under the distinct threshold
	for i := 0; i < 6; i++ {
		require.NoError(t, store.RecordEvent(ctx, "message_sent", "actor-m", fmt.Sprintf("recipient-%d", i%2), now))
	}

	results, err := eng.RunAll(ctx)
	assert.NoError(err)
	if assert.Equal(1, len(results)) {
		assert.Equal("refund_burst", results[0].SweepName)
		assert.Equal("actor-r", results[0].ActorID)
		assert.Equal(float64(5), results[0].ObservedValue)
	}
}

func TestSweepConcurrentDedup(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, store, _ := testEngine(t)
	require.NoError(t, eng.AddDefinition(rejectionSweep))
	seedRejections(t, store, "actor-1", 10, 9)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.RunSweep(ctx, "high_rejection_rate")
			assert.NoError(err)
		}()
	}
	wg.Wait()

	var resultCount, caseCount int64
	assert.NoError(eng.db.Model(&Result{}).Count(&resultCount).Error)
	assert.NoError(eng.db.Model(&moderation.Case{}).Count(&caseCount).Error)
	assert.Equal(int64(1), resultCount)
	assert.Equal(int64(1), caseCount)
}

func TestSweepDefinitionValidation(t *testing.T) {
	assert := assert.New(t)
	eng, _, _ := testEngine(t)

	assert.ErrorIs(eng.AddDefinition(Definition{Name: "bad", Metric: "median"}), ErrInvalidDefinition)
	assert.ErrorIs(eng.AddDefinition(Definition{
		Name: "bad_rate", Metric: MetricRate, EventType: "x",
		Threshold: 1.5, LookbackHours: 1, MinSampleSize: 1, SuggestedAction: "spam",
	}), ErrInvalidDefinition)
	assert.ErrorIs(eng.AddDefinition(Definition{
		Name: "no_denominator", Metric: MetricRate, EventType: "x",
		Threshold: 0.5, LookbackHours: 1, MinSampleSize: 1, SuggestedAction: "spam",
	}), ErrInvalidDefinition)

	_, err := eng.RunSweep(context.Background(), "never_registered")
	assert.ErrorIs(err, ErrInvalidDefinition)
}

func TestSweepRunAllContinuesPastFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, store, _ := testEngine(t)
	now := time.Now()

	require.NoError(t, eng.AddDefinition(Definition{
		Name:            "good_sweep",
		Metric:          MetricCount,
		EventType:       "refund_issued",
		Threshold:       2,
		LookbackHours:   24,
		MinSampleSize:   2,
		SuggestedAction: "refund_abuse",
	}))
	// a definition that validated at load time but references a reason code
	// that no longer exists fails at run time
	require.NoError(t, eng.AddDefinition(Definition{
		Name:            "broken_sweep",
		Metric:          MetricCount,
		EventType:       "refund_issued",
		Threshold:       1,
		LookbackHours:   24,
		MinSampleSize:   1,
		SuggestedAction: "retired_reason",
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordEvent(ctx, "refund_issued", "actor-r", fmt.Sprintf("refund-%d", i), now))
	}

	results, err := eng.RunAll(ctx)
	assert.Error(err)
	if assert.Equal(1, len(results)) {
		assert.Equal("good_sweep", results[0].SweepName)
	}
}

func TestSweepMarkFalsePositive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, store, cm := testEngine(t)
	require.NoError(t, eng.AddDefinition(rejectionSweep))
	seedRejections(t, store, "actor-1", 10, 9)

	results, err := eng.RunSweep(ctx, "high_rejection_rate")
	require.NoError(t, err)
	require.Equal(t, 1, len(results))

	assert.NoError(eng.MarkFalsePositive(ctx, results[0].ID, "mod-7"))
	// idempotent: second call is a no-op, no extra audit entry
	tail, err := cm.Ledger().Tail(ctx)
	assert.NoError(err)
	assert.NoError(eng.MarkFalsePositive(ctx, results[0].ID, "mod-7"))
	tail2, err := cm.Ledger().Tail(ctx)
	assert.NoError(err)
	assert.Equal(tail.Seq, tail2.Seq)

	listed, err := eng.ListResults(ctx, "high_rejection_rate", 10)
	assert.NoError(err)
	if assert.Equal(1, len(listed)) {
		assert.True(listed[0].FalsePositive)
	}

	assert.ErrorIs(eng.MarkFalsePositive(ctx, 99999, "mod-7"), moderation.ErrNotFound)
}
