package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/hearth-social/vigil/ledger"
	"github.com/hearth-social/vigil/notify"
)

// Default appeal priority unless escalated.
const defaultAppealPriority = 2

// Finite-state appeal lifecycle over a prior moderation action:
//
//	pending -> under_review -> {approved | denied | partial_approval}
//
// Terminal decisions are made exactly once; approved and partial_approval
// decisions trigger an idempotent compensating reversal of the original
// action. Every transition appends exactly one audit record.
type Appeals struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	cases    *CaseManager
	logger   *slog.Logger
	notifier notify.Notifier
}

func NewAppeals(db *gorm.DB, lgr *ledger.Ledger, cases *CaseManager, logger *slog.Logger, notifier notify.Notifier) *Appeals {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &notify.NullNotifier{}
	}
	return &Appeals{
		db:       db,
		ledger:   lgr,
		cases:    cases,
		logger:   logger.With("system", "appeals"),
		notifier: notifier,
	}
}

type OpenAppealParams struct {
	ActionID    uint64
	AppellantID string
	Statement   string
	// Optional; zero means the default priority. Escalations (eg, for
	// severity-4 actions) may pass a higher value.
	Priority int
}

// Opens an appeal against an existing moderation action. One live appeal per
// action: a second open while the first is undecided is a conflict, and a
// decided appeal is never re-opened.
func (ap *Appeals) Open(ctx context.Context, params OpenAppealParams) (*Appeal, error) {
	if params.AppellantID == "" {
		return nil, fmt.Errorf("%w: appellant required", ErrValidation)
	}
	priority := params.Priority
	if priority == 0 {
		priority = defaultAppealPriority
	}
	if priority < 1 || priority > 4 {
		return nil, fmt.Errorf("%w: priority must be 1-4", ErrValidation)
	}
	if _, err := ap.cases.GetAction(ctx, params.ActionID); err != nil {
		return nil, err
	}

	var existing Appeal
	err := ap.db.WithContext(ctx).
		Where("action_id = ? AND status IN ?", params.ActionID, []AppealStatus{AppealStatusPending, AppealStatusUnderReview}).
		First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: action %d already has an undecided appeal", ErrConflict, params.ActionID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	appeal := Appeal{
		ActionID:    params.ActionID,
		AppellantID: params.AppellantID,
		Statement:   params.Statement,
		Status:      AppealStatusPending,
		Priority:    priority,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	err = ap.ledger.RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		if err := tx.Create(&appeal).Error; err != nil {
			return err
		}
		_, err := append(params.AppellantID, "appeal_opened", "appeal", fmt.Sprintf("%d", appeal.ID), map[string]any{
			"action_id": params.ActionID,
			"priority":  priority,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &appeal, nil
}

func (ap *Appeals) GetAppeal(ctx context.Context, appealID uint64) (*Appeal, error) {
	var a Appeal
	err := ap.db.WithContext(ctx).Where("id = ?", appealID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: appeal %d", ErrNotFound, appealID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Marks the implicit pending -> under_review transition on first moderator
// inspection. Idempotent: repeat inspections of an appeal already under review
// are no-ops. Inspecting a decided appeal is a state error.
func (ap *Appeals) BeginReview(ctx context.Context, appealID uint64, moderatorID string) (*Appeal, error) {
	var out *Appeal
	err := ap.ledger.RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		var a Appeal
		if err := tx.Where("id = ?", appealID).First(&a).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: appeal %d", ErrNotFound, appealID)
			}
			return err
		}
		if a.Status == AppealStatusUnderReview {
			out = &a
			return nil
		}
		if !canTransitionAppeal(a.Status, AppealStatusUnderReview) {
			return fmt.Errorf("%w: appeal %d is %s", ErrInvalidStateTransition, appealID, a.Status)
		}
		now := time.Now().UTC().Truncate(time.Microsecond)
		a.Status = AppealStatusUnderReview
		a.ReviewStartedAt = &now
		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		if _, err := append(moderatorID, "appeal_review_started", "appeal", fmt.Sprintf("%d", a.ID), nil); err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type DecideAppealParams struct {
	AppealID    uint64
	ModeratorID string
	Decision    AppealStatus // approved, denied or partial_approval
	Reason      string
}

// Decides an appeal, exactly once. approved and partial_approval reverse the
// original action before the appeal is marked reversed; the reversal is
// idempotent so a retry after partial failure cannot double-apply. A second
// decision attempt fails with ErrInvalidStateTransition and leaves both the
// appeal and the ledger untouched.
func (ap *Appeals) Decide(ctx context.Context, params DecideAppealParams) (*Appeal, error) {
	if params.ModeratorID == "" {
		return nil, fmt.Errorf("%w: moderator required", ErrValidation)
	}
	if !params.Decision.Terminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal decision", ErrValidation, params.Decision)
	}

	var out *Appeal
	err := ap.ledger.RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		var a Appeal
		if err := tx.Where("id = ?", params.AppealID).First(&a).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: appeal %d", ErrNotFound, params.AppealID)
			}
			return err
		}
		if !canTransitionAppeal(a.Status, params.Decision) {
			return fmt.Errorf("%w: appeal %d is %s, decision already made", ErrInvalidStateTransition, params.AppealID, a.Status)
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		reversed := false
		if params.Decision == AppealStatusApproved || params.Decision == AppealStatusPartialApproval {
			reversedNow, err := reverseActionTx(tx, a.ActionID, params.ModeratorID, params.Reason, now)
			if err != nil {
				return err
			}
			reversed = true
			if reversedNow {
				actionReversedCount.Inc()
			}
			a.ActionReversed = true
		}

		a.Status = params.Decision
		a.DecisionReason = &params.Reason
		a.DecidedBy = &params.ModeratorID
		a.DecidedAt = &now
		if err := tx.Save(&a).Error; err != nil {
			return err
		}

		if _, err := append(params.ModeratorID, "appeal_decided", "appeal", fmt.Sprintf("%d", a.ID), map[string]any{
			"decision":  string(params.Decision),
			"action_id": a.ActionID,
			"reversed":  reversed,
		}); err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	appealDecidedCount.WithLabelValues(string(params.Decision)).Inc()
	ap.notifier.Notify(ctx, out.AppellantID, "appeal_decided", map[string]any{
		"appeal_id": out.ID,
		"decision":  string(params.Decision),
	})
	return out, nil
}
