// Moderation case lifecycle, actions, and the appeals workflow. All state
// changes are combined with their audit record in a single ledger transaction;
// partial application (state changed but not audited, or vice versa) is
// impossible.
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

// Creates, assigns and resolves moderation cases, and records moderation
// actions. Writes through the audit ledger; because every mutation carries a
// ledger append, mutations are serialized by the ledger's single-writer lock
// and need no row locking of their own.
type CaseManager struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	logger   *slog.Logger
	notifier notify.Notifier
}

func NewCaseManager(db *gorm.DB, lgr *ledger.Ledger, logger *slog.Logger, notifier notify.Notifier) (*CaseManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &notify.NullNotifier{}
	}
	if err := db.AutoMigrate(&Reason{}, &Action{}, &Case{}, &Appeal{}); err != nil {
		return nil, fmt.Errorf("migrating moderation tables: %w", err)
	}
	for _, r := range defaultReasons {
		var existing Reason
		err := db.Where("code = ?", r.Code).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = db.Create(&r).Error
		}
		if err != nil {
			return nil, fmt.Errorf("seeding reason %s: %w", r.Code, err)
		}
	}
	return &CaseManager{
		db:       db,
		ledger:   lgr,
		logger:   logger.With("system", "moderation"),
		notifier: notifier,
	}, nil
}

func (cm *CaseManager) Ledger() *ledger.Ledger {
	return cm.ledger
}

// Looks up a reason code, returning ErrValidation for unknown codes.
func (cm *CaseManager) GetReason(ctx context.Context, code string) (*Reason, error) {
	var r Reason
	err := cm.db.WithContext(ctx).Where("code = ?", code).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: unknown reason code %q", ErrValidation, code)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type CreateCaseParams struct {
	ActorID      string // who is opening the case (moderator or sweep identity)
	ReasonCode   string
	EvidenceRefs []string
	Priority     int
	// Optional. When set, an existing case with the same key is returned
	// instead of creating a duplicate. Used by the sweep engine.
	IdempotencyKey string
}

func (cm *CaseManager) CreateCase(ctx context.Context, params CreateCaseParams) (*Case, error) {
	if params.ActorID == "" {
		return nil, fmt.Errorf("%w: actor required", ErrValidation)
	}
	if params.Priority < 1 || params.Priority > 4 {
		return nil, fmt.Errorf("%w: priority must be 1-4", ErrValidation)
	}
	if _, err := cm.GetReason(ctx, params.ReasonCode); err != nil {
		return nil, err
	}

	if params.IdempotencyKey != "" {
		existing, err := cm.findCaseByKey(ctx, params.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			caseDedupedCount.Inc()
			return existing, nil
		}
	}

	c := Case{
		Priority:     params.Priority,
		Status:       CaseStatusOpen,
		ReasonCode:   params.ReasonCode,
		EvidenceRefs: marshalRefs(params.EvidenceRefs),
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	if params.IdempotencyKey != "" {
		key := params.IdempotencyKey
		c.IdempotencyKey = &key
	}

	err := cm.ledger.RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		_, err := append(params.ActorID, "case_created", "case", fmt.Sprintf("%d", c.ID), map[string]any{
			"reason_code": params.ReasonCode,
			"priority":    params.Priority,
		})
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a cross-process race on the idempotency key; the winner's case
		// is the case
		existing, lookupErr := cm.findCaseByKey(ctx, params.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			caseDedupedCount.Inc()
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	caseCreatedCount.WithLabelValues(params.ReasonCode).Inc()
	return &c, nil
}

func (cm *CaseManager) findCaseByKey(ctx context.Context, key string) (*Case, error) {
	var existing Case
	err := cm.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (cm *CaseManager) GetCase(ctx context.Context, caseID uint64) (*Case, error) {
	var c Case
	err := cm.db.WithContext(ctx).Where("id = ?", caseID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: case %d", ErrNotFound, caseID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Assigns an open case to a moderator. Conflict unless the case is open.
func (cm *CaseManager) Assign(ctx context.Context, caseID uint64, moderatorID string) (*Case, error) {
	if moderatorID == "" {
		return nil, fmt.Errorf("%w: moderator required", ErrValidation)
	}
	var out *Case
	err := cm.ledger.RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		var c Case
		if err := tx.Where("id = ?", caseID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: case %d", ErrNotFound, caseID)
			}
			return err
		}
		if c.Status != CaseStatusOpen {
			return fmt.Errorf("%w: case %d is %s, not open", ErrConflict, caseID, c.Status)
		}
		c.Status = CaseStatusAssigned
		c.Assignee = &moderatorID
		if err := tx.Save(&c).Error; err != nil {
			return err
		}
		if _, err := append(moderatorID, "case_assigned", "case", fmt.Sprintf("%d", c.ID), map[string]any{
			"assignee": moderatorID,
		}); err != nil {
			return err
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Outcomes that imply a moderation action against the case's subject.
var outcomeActionTypes = map[string]string{
	"warn":    "warn",
	"block":   "block",
	"suspend": "suspend",
}

var validOutcomes = map[string]bool{
	"dismissed": true,
	"warn":      true,
	"block":     true,
	"suspend":   true,
}

type ResolveCaseParams struct {
	CaseID      uint64
	ModeratorID string
	Outcome     string
	Notes       string
	// Target of the implied action, required for outcomes other than
	// "dismissed".
	TargetKind string
	TargetID   string
}

// Resolves a case. The state transition, the implied moderation action (if the
// outcome carries one), and the audit record land in one transaction: all
// succeed or none do.
func (cm *CaseManager) Resolve(ctx context.Context, params ResolveCaseParams) (*Case, error) {
	if params.ModeratorID == "" {
		return nil, fmt.Errorf("%w: moderator required", ErrValidation)
	}
	if !validOutcomes[params.Outcome] {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrValidation, params.Outcome)
	}
	actionType, impliesAction := outcomeActionTypes[params.Outcome]
	if impliesAction && (params.TargetKind == "" || params.TargetID == "") {
		return nil, fmt.Errorf("%w: outcome %q requires a target", ErrValidation, params.Outcome)
	}

	var out *Case
	err := cm.ledger.RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		var c Case
		if err := tx.Where("id = ?", params.CaseID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: case %d", ErrNotFound, params.CaseID)
			}
			return err
		}
		if c.Status == CaseStatusResolved {
			return fmt.Errorf("%w: case %d already resolved", ErrInvalidStateTransition, params.CaseID)
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		c.Status = CaseStatusResolved
		c.Outcome = &params.Outcome
		c.Notes = &params.Notes
		c.ResolvedAt = &now
		if err := tx.Save(&c).Error; err != nil {
			return err
		}

		meta := map[string]any{
			"outcome": params.Outcome,
		}
		if impliesAction {
			reason, err := cm.GetReason(ctx, c.ReasonCode)
			if err != nil {
				return err
			}
			action := Action{
				ActorID:    params.ModeratorID,
				ActionType: actionType,
				TargetKind: params.TargetKind,
				TargetID:   params.TargetID,
				ReasonCode: c.ReasonCode,
				Severity:   reason.Severity,
				CaseID:     &c.ID,
				CreatedAt:  now,
			}
			if err := tx.Create(&action).Error; err != nil {
				return err
			}
			meta["action_id"] = action.ID
			meta["action_type"] = actionType
			actionTakenCount.WithLabelValues(actionType).Inc()
		}

		if _, err := append(params.ModeratorID, "case_resolved", "case", fmt.Sprintf("%d", c.ID), meta); err != nil {
			return err
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	caseResolvedCount.WithLabelValues(params.Outcome).Inc()
	if out.Assignee != nil {
		cm.notifier.Notify(ctx, *out.Assignee, "case_resolved", map[string]any{"case_id": out.ID})
	}
	return out, nil
}

type ActionParams struct {
	ActorID      string
	ActionType   string
	TargetKind   string
	TargetID     string
	ReasonCode   string
	EvidenceRefs []string
	Duration     time.Duration // zero means indefinite
	CaseID       *uint64
}

// Records a direct moderation action (block, unblock, warn, ...) and its audit
// record atomically. Returns the created action and the linked audit record.
func (cm *CaseManager) TakeAction(ctx context.Context, params ActionParams) (*Action, *ledger.AuditRecord, error) {
	if params.ActorID == "" || params.ActionType == "" || params.TargetKind == "" || params.TargetID == "" {
		return nil, nil, fmt.Errorf("%w: actor, action type and target required", ErrValidation)
	}
	reason, err := cm.GetReason(ctx, params.ReasonCode)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	action := Action{
		ActorID:      params.ActorID,
		ActionType:   params.ActionType,
		TargetKind:   params.TargetKind,
		TargetID:     params.TargetID,
		ReasonCode:   params.ReasonCode,
		Severity:     reason.Severity,
		EvidenceRefs: marshalRefs(params.EvidenceRefs),
		CaseID:       params.CaseID,
		CreatedAt:    now,
	}
	if params.Duration > 0 {
		secs := int64(params.Duration.Seconds())
		expires := now.Add(params.Duration)
		action.DurationSecs = &secs
		action.ExpiresAt = &expires
	}

	var rec *ledger.AuditRecord
	err = cm.ledger.RunInTx(ctx, func(tx *gorm.DB, append ledger.AppendFunc) error {
		if err := tx.Create(&action).Error; err != nil {
			return err
		}
		var aerr error
		rec, aerr = append(params.ActorID, "action_"+params.ActionType, params.TargetKind, params.TargetID, map[string]any{
			"action_id":   action.ID,
			"reason_code": params.ReasonCode,
			"severity":    reason.Severity,
		})
		return aerr
	})
	if err != nil {
		return nil, nil, err
	}
	actionTakenCount.WithLabelValues(params.ActionType).Inc()
	return &action, rec, nil
}

func (cm *CaseManager) GetAction(ctx context.Context, actionID uint64) (*Action, error) {
	var a Action
	err := cm.db.WithContext(ctx).Where("id = ?", actionID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: action %d", ErrNotFound, actionID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Compensating reversal of a previously-taken action (unblock, restore
// visibility). Idempotent: reversing an already-reversed action is a no-op, so
// the appeals workflow can safely retry after a partial failure. Runs inside
// the caller's transaction.
func reverseActionTx(tx *gorm.DB, actionID uint64, reversedBy, reason string, at time.Time) (reversedNow bool, err error) {
	var a Action
	if err := tx.Where("id = ?", actionID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: action %d", ErrNotFound, actionID)
		}
		return false, err
	}
	if a.Reversed() {
		return false, nil
	}
	a.ReversedAt = &at
	a.ReversedBy = &reversedBy
	a.ReversedReason = &reason
	if err := tx.Save(&a).Error; err != nil {
		return false, err
	}
	return true, nil
}
