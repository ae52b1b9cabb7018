package moderation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hearth-social/vigil/ledger"
)

func testFixture(t *testing.T) (*gorm.DB, *ledger.Ledger, *CaseManager) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	l, err := ledger.NewLedger(db, slog.Default())
	require.NoError(t, err)
	cm, err := NewCaseManager(db, l, slog.Default(), nil)
	require.NoError(t, err)
	return db, l, cm
}

func TestCaseSLA(t *testing.T) {
	assert := assert.New(t)

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Case{Priority: 4, Status: CaseStatusOpen, CreatedAt: created}
	assert.Equal(created.Add(2*time.Hour), c.SLADeadline())
	assert.False(c.Breached(created.Add(1*time.Hour)))
	assert.True(c.Breached(created.Add(3*time.Hour)))

	// priority 1, never assigned, 72h and one minute later
	c1 := Case{Priority: 1, Status: CaseStatusOpen, CreatedAt: created}
	assert.Equal(created.Add(72*time.Hour), c1.SLADeadline())
	assert.False(c1.Breached(created.Add(72 * time.Hour)))
	assert.True(c1.Breached(created.Add(72*time.Hour + time.Minute)))

	// resolved cases never breach
	c.Status = CaseStatusResolved
	assert.False(c.Breached(created.Add(100 * time.Hour)))
}

func TestCreateCaseValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, _, cm := testFixture(t)

	_, err := cm.CreateCase(ctx, CreateCaseParams{ActorID: "mod-1", ReasonCode: "spam", Priority: 7})
	assert.ErrorIs(err, ErrValidation)
	_, err = cm.CreateCase(ctx, CreateCaseParams{ActorID: "mod-1", ReasonCode: "nonsense", Priority: 2})
	assert.ErrorIs(err, ErrValidation)
	_, err = cm.CreateCase(ctx, CreateCaseParams{ReasonCode: "spam", Priority: 2})
	assert.ErrorIs(err, ErrValidation)
}

func TestCreateCaseIdempotency(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, l, cm := testFixture(t)

	c1, err := cm.CreateCase(ctx, CreateCaseParams{
		ActorID:        "sweep",
		ReasonCode:     "quality_review",
		Priority:       2,
		IdempotencyKey: "sweep/high_rejection/actor-1/1234",
	})
	assert.NoError(err)
	assert.Equal(CaseStatusOpen, c1.Status)

	c2, err := cm.CreateCase(ctx, CreateCaseParams{
		ActorID:        "sweep",
		ReasonCode:     "quality_review",
		Priority:       2,
		IdempotencyKey: "sweep/high_rejection/actor-1/1234",
	})
	assert.NoError(err)
	assert.Equal(c1.ID, c2.ID)

	// only one case_created audit record
	tail, err := l.Tail(ctx)
	assert.NoError(err)
	if assert.NotNil(tail) {
		assert.Equal(uint64(0), tail.Seq)
	}

	// a different key creates a fresh case
	c3, err := cm.CreateCase(ctx, CreateCaseParams{
		ActorID:        "sweep",
		ReasonCode:     "quality_review",
		Priority:       2,
		IdempotencyKey: "sweep/high_rejection/actor-2/1234",
	})
	assert.NoError(err)
	assert.NotEqual(c1.ID, c3.ID)
}

func TestAssignConflict(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, _, cm := testFixture(t)

	c, err := cm.CreateCase(ctx, CreateCaseParams{ActorID: "mod-1", ReasonCode: "spam", Priority: 3})
	assert.NoError(err)

	assigned, err := cm.Assign(ctx, c.ID, "mod-2")
	assert.NoError(err)
	assert.Equal(CaseStatusAssigned, assigned.Status)
	if assert.NotNil(assigned.Assignee) {
		assert.Equal("mod-2", *assigned.Assignee)
	}

	// already assigned: caller refreshes and retries
	_, err = cm.Assign(ctx, c.ID, "mod-3")
	assert.ErrorIs(err, ErrConflict)

	_, err = cm.Assign(ctx, 9999, "mod-2")
	assert.ErrorIs(err, ErrNotFound)
}

func TestResolveWritesActionAndAudit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db, l, cm := testFixture(t)

	c, err := cm.CreateCase(ctx, CreateCaseParams{ActorID: "mod-1", ReasonCode: "harassment", Priority: 3})
	assert.NoError(err)
	_, err = cm.Assign(ctx, c.ID, "mod-2")
	assert.NoError(err)

	resolved, err := cm.Resolve(ctx, ResolveCaseParams{
		CaseID:      c.ID,
		ModeratorID: "mod-2",
		Outcome:     "block",
		Notes:       "repeat offender",
		TargetKind:  "user",
		TargetID:    "u-55",
	})
	assert.NoError(err)
	assert.Equal(CaseStatusResolved, resolved.Status)
	assert.NotNil(resolved.ResolvedAt)

	var action Action
	assert.NoError(db.Where("case_id = ?", c.ID).First(&action).Error)
	assert.Equal("block", action.ActionType)
	assert.Equal("u-55", action.TargetID)
	assert.Equal(3, action.Severity)

	recs, err := l.Range(ctx, 0, 10)
	assert.NoError(err)
	var events []string
	for _, r := range recs {
		events = append(events, r.EventType)
	}
	assert.Equal([]string{"case_created", "case_assigned", "case_resolved"}, events)

	// resolving again is a state error
	_, err = cm.Resolve(ctx, ResolveCaseParams{CaseID: c.ID, ModeratorID: "mod-2", Outcome: "dismissed"})
	assert.ErrorIs(err, ErrInvalidStateTransition)
}

func TestResolveRefusedWhenLedgerHalted(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	db, l, cm := testFixture(t)

	c, err := cm.CreateCase(ctx, CreateCaseParams{ActorID: "mod-1", ReasonCode: "spam", Priority: 2})
	assert.NoError(err)

	// break the chain behind the ledger's back; verification halts appends
	var origMeta string
	assert.NoError(db.Raw("SELECT metadata FROM audit_records WHERE seq = 0").Scan(&origMeta).Error)
	assert.NoError(db.Exec("UPDATE audit_records SET metadata = '{\"x\":1}' WHERE seq = 0").Error)
	ok, _, err := l.VerifyIntegrity(ctx, 0, 0)
	assert.NoError(err)
	assert.False(ok)

	// no audit append means no state change: the whole operation is refused
	_, err = cm.Resolve(ctx, ResolveCaseParams{CaseID: c.ID, ModeratorID: "mod-2", Outcome: "dismissed"})
	assert.ErrorIs(err, ledger.ErrChainIntegrity)

	fresh, err := cm.GetCase(ctx, c.ID)
	assert.NoError(err)
	assert.Equal(CaseStatusOpen, fresh.Status)
	assert.Nil(fresh.ResolvedAt)

	// operator repairs and resumes; the retry of the whole logical operation
	// succeeds
	assert.NoError(db.Exec("UPDATE audit_records SET metadata = ? WHERE seq = 0", origMeta).Error)
	l.ResumeAppends()
	_, err = cm.Resolve(ctx, ResolveCaseParams{CaseID: c.ID, ModeratorID: "mod-2", Outcome: "dismissed"})
	assert.NoError(err)
}

func TestTakeAction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, l, cm := testFixture(t)

	action, rec, err := cm.TakeAction(ctx, ActionParams{
		ActorID:    "mod-1",
		ActionType: "block",
		TargetKind: "user",
		TargetID:   "u-9",
		ReasonCode: "fraud",
		Duration:   48 * time.Hour,
	})
	assert.NoError(err)
	assert.Equal(4, action.Severity)
	if assert.NotNil(action.ExpiresAt) {
		assert.Equal(action.CreatedAt.Add(48*time.Hour), *action.ExpiresAt)
	}
	if assert.NotNil(rec) {
		assert.Equal("action_block", rec.EventType)
		assert.Equal("u-9", rec.EntityID)
	}

	ok, _, err := l.VerifyIntegrity(ctx, 0, 0)
	assert.NoError(err)
	assert.True(ok)

	_, _, err = cm.TakeAction(ctx, ActionParams{ActorID: "mod-1", ActionType: "block", TargetKind: "user", TargetID: "u-9", ReasonCode: "nope"})
	assert.ErrorIs(err, ErrValidation)
}
