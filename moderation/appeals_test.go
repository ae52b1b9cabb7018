package moderation

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hearth-social/vigil/ledger"
)

func appealsFixture(t *testing.T) (*CaseManager, *Appeals, *Action) {
	t.Helper()
	db, l, cm := testFixture(t)
	ap := NewAppeals(db, l, cm, slog.Default(), nil)
	action, _, err := cm.TakeAction(context.Background(), ActionParams{
		ActorID:    "mod-1",
		ActionType: "block",
		TargetKind: "user",
		TargetID:   "u-1",
		ReasonCode: "harassment",
	})
	require.NoError(t, err)
	return cm, ap, action
}

func TestAppealLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cm, ap, action := appealsFixture(t)

	appeal, err := ap.Open(ctx, OpenAppealParams{
		ActionID:    action.ID,
		AppellantID: "u-1",
		Statement:   "this was a misunderstanding",
	})
	assert.NoError(err)
	assert.Equal(AppealStatusPending, appeal.Status)
	assert.Equal(2, appeal.Priority)

	// one live appeal per action
	_, err = ap.Open(ctx, OpenAppealParams{ActionID: action.ID, AppellantID: "u-1"})
	assert.ErrorIs(err, ErrConflict)

	// implicit transition on first inspection; repeat inspections no-op
	reviewed, err := ap.BeginReview(ctx, appeal.ID, "mod-2")
	assert.NoError(err)
	assert.Equal(AppealStatusUnderReview, reviewed.Status)
	assert.NotNil(reviewed.ReviewStartedAt)
	again, err := ap.BeginReview(ctx, appeal.ID, "mod-3")
	assert.NoError(err)
	assert.Equal(reviewed.ReviewStartedAt, again.ReviewStartedAt)

	decided, err := ap.Decide(ctx, DecideAppealParams{
		AppealID:    appeal.ID,
		ModeratorID: "mod-2",
		Decision:    AppealStatusApproved,
		Reason:      "evidence did not hold up",
	})
	assert.NoError(err)
	assert.Equal(AppealStatusApproved, decided.Status)
	assert.True(decided.ActionReversed)

	// the compensating reversal landed on the action
	fresh, err := cm.GetAction(ctx, action.ID)
	assert.NoError(err)
	assert.True(fresh.Reversed())
	if assert.NotNil(fresh.ReversedBy) {
		assert.Equal("mod-2", *fresh.ReversedBy)
	}
}

func TestAppealDecidedExactlyOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cm, ap, action := appealsFixture(t)

	appeal, err := ap.Open(ctx, OpenAppealParams{ActionID: action.ID, AppellantID: "u-1"})
	assert.NoError(err)

	_, err = ap.Decide(ctx, DecideAppealParams{
		AppealID:    appeal.ID,
		ModeratorID: "mod-2",
		Decision:    AppealStatusDenied,
		Reason:      "action stands",
	})
	assert.NoError(err)

	tailBefore, err := cm.Ledger().Tail(ctx)
	assert.NoError(err)

	// second decision: rejected, no state change, no new audit record
	_, err = ap.Decide(ctx, DecideAppealParams{
		AppealID:    appeal.ID,
		ModeratorID: "mod-3",
		Decision:    AppealStatusApproved,
		Reason:      "changed my mind",
	})
	assert.ErrorIs(err, ErrInvalidStateTransition)

	fresh, err := ap.GetAppeal(ctx, appeal.ID)
	assert.NoError(err)
	assert.Equal(AppealStatusDenied, fresh.Status)
	assert.False(fresh.ActionReversed)

	tailAfter, err := cm.Ledger().Tail(ctx)
	assert.NoError(err)
	assert.Equal(tailBefore.Seq, tailAfter.Seq)

	// denied means no reversal
	a, err := cm.GetAction(ctx, action.ID)
	assert.NoError(err)
	assert.False(a.Reversed())

	// reviewing a decided appeal is also a state error
	_, err = ap.BeginReview(ctx, appeal.ID, "mod-2")
	assert.ErrorIs(err, ErrInvalidStateTransition)
}

func TestAppealReversalIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cm, ap, action := appealsFixture(t)

	appeal, err := ap.Open(ctx, OpenAppealParams{ActionID: action.ID, AppellantID: "u-1"})
	assert.NoError(err)
	_, err = ap.Decide(ctx, DecideAppealParams{
		AppealID:    appeal.ID,
		ModeratorID: "mod-2",
		Decision:    AppealStatusPartialApproval,
		Reason:      "duration reduced",
	})
	assert.NoError(err)

	first, err := cm.GetAction(ctx, action.ID)
	assert.NoError(err)
	assert.True(first.Reversed())
	reversedAt := *first.ReversedAt

	// re-invoking the reversal path (eg, retry after partial failure) must
	// not re-apply or overwrite the original reversal
	err = cm.Ledger().RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		reversedNow, err := reverseActionTx(tx, action.ID, "mod-9", "retry", reversedAt.Add(1))
		assert.NoError(err)
		assert.False(reversedNow)
		return nil
	})
	assert.NoError(err)

	fresh, err := cm.GetAction(ctx, action.ID)
	assert.NoError(err)
	assert.Equal(reversedAt, *fresh.ReversedAt)
	if assert.NotNil(fresh.ReversedBy) {
		assert.Equal("mod-2", *fresh.ReversedBy)
	}
}

func TestAppealValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, ap, action := appealsFixture(t)

	_, err := ap.Open(ctx, OpenAppealParams{ActionID: 9999, AppellantID: "u-1"})
	assert.ErrorIs(err, ErrNotFound)
	_, err = ap.Open(ctx, OpenAppealParams{ActionID: action.ID})
	assert.ErrorIs(err, ErrValidation)
	_, err = ap.Open(ctx, OpenAppealParams{ActionID: action.ID, AppellantID: "u-1", Priority: 9})
	assert.ErrorIs(err, ErrValidation)

	appeal, err := ap.Open(ctx, OpenAppealParams{ActionID: action.ID, AppellantID: "u-1"})
	assert.NoError(err)
	_, err = ap.Decide(ctx, DecideAppealParams{AppealID: appeal.ID, ModeratorID: "mod-2", Decision: AppealStatusPending})
	assert.ErrorIs(err, ErrValidation)
	_, err = ap.Decide(ctx, DecideAppealParams{AppealID: appeal.ID, Decision: AppealStatusDenied})
	assert.ErrorIs(err, ErrValidation)
}
