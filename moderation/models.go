package moderation

import (
	"encoding/json"
	"time"
)

type CaseStatus string

const (
	CaseStatusOpen     = CaseStatus("open")
	CaseStatusAssigned = CaseStatus("assigned")
	CaseStatusResolved = CaseStatus("resolved")
)

// Static reference data: why an action or case exists. Severity runs 1
// (lowest) to 4 (highest) and drives default case priority for sweeps.
type Reason struct {
	Code     string `gorm:"primaryKey" json:"code"`
	Category string `gorm:"not null" json:"category"`
	Severity int    `gorm:"not null" json:"severity"`
}

// An action taken against a target (block, suspend, warn, ...). Immutable once
// audited, except for the reversal fields, which are set at most once by an
// approved appeal and audited themselves.
type Action struct {
	ID           uint64     `gorm:"primaryKey" json:"id"`
	ActorID      string     `gorm:"not null" json:"actor_id"`
	ActionType   string     `gorm:"not null" json:"action_type"`
	TargetKind   string     `gorm:"not null" json:"target_kind"`
	TargetID     string     `gorm:"not null;index" json:"target_id"`
	ReasonCode   string     `gorm:"not null" json:"reason_code"`
	Severity     int        `gorm:"not null" json:"severity"`
	EvidenceRefs string     `json:"evidence_refs"`
	DurationSecs *int64     `json:"duration_secs,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CaseID       *uint64    `gorm:"index" json:"case_id,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`

	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	ReversedBy     *string    `json:"reversed_by,omitempty"`
	ReversedReason *string    `json:"reversed_reason,omitempty"`
}

// Reports whether the action has been reversed by an appeal.
func (a *Action) Reversed() bool {
	return a.ReversedAt != nil
}

func (a *Action) Evidence() []string {
	return unmarshalRefs(a.EvidenceRefs)
}

type Case struct {
	ID             uint64     `gorm:"primaryKey" json:"id"`
	Priority       int        `gorm:"not null" json:"priority"`
	Status         CaseStatus `gorm:"not null;index" json:"status"`
	ReasonCode     string     `gorm:"not null" json:"reason_code"`
	EvidenceRefs   string     `json:"evidence_refs"`
	Assignee       *string    `json:"assignee,omitempty"`
	IdempotencyKey *string    `gorm:"uniqueIndex" json:"idempotency_key,omitempty"`
	Outcome        *string    `json:"outcome,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func (c *Case) Evidence() []string {
	return unmarshalRefs(c.EvidenceRefs)
}

// Fixed SLA table, priority to response window.
var slaByPriority = map[int]time.Duration{
	4: 2 * time.Hour,
	3: 8 * time.Hour,
	2: 24 * time.Hour,
	1: 72 * time.Hour,
}

func SLADuration(priority int) time.Duration {
	d, ok := slaByPriority[priority]
	if !ok {
		// unknown priorities get the most relaxed window
		return slaByPriority[1]
	}
	return d
}

func (c *Case) SLADeadline() time.Time {
	return c.CreatedAt.Add(SLADuration(c.Priority))
}

// Breach is a derived property, recomputed on read, never stored.
func (c *Case) Breached(now time.Time) bool {
	return c.Status != CaseStatusResolved && now.After(c.SLADeadline())
}

type AppealStatus string

const (
	AppealStatusPending         = AppealStatus("pending")
	AppealStatusUnderReview     = AppealStatus("under_review")
	AppealStatusApproved        = AppealStatus("approved")
	AppealStatusDenied          = AppealStatus("denied")
	AppealStatusPartialApproval = AppealStatus("partial_approval")
)

func (s AppealStatus) Terminal() bool {
	switch s {
	case AppealStatusApproved, AppealStatusDenied, AppealStatusPartialApproval:
		return true
	}
	return false
}

// Explicit transition table, checked before every appeal mutation. A decision
// may be made from pending (moderator decides on first look) or under_review;
// terminal states have no outgoing transitions.
var appealTransitions = map[AppealStatus][]AppealStatus{
	AppealStatusPending: {
		AppealStatusUnderReview,
		AppealStatusApproved,
		AppealStatusDenied,
		AppealStatusPartialApproval,
	},
	AppealStatusUnderReview: {
		AppealStatusApproved,
		AppealStatusDenied,
		AppealStatusPartialApproval,
	},
}

func canTransitionAppeal(from, to AppealStatus) bool {
	for _, next := range appealTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Appeal struct {
	ID              uint64       `gorm:"primaryKey" json:"id"`
	ActionID        uint64       `gorm:"not null;index" json:"action_id"`
	AppellantID     string       `gorm:"not null" json:"appellant_id"`
	Statement       string       `json:"statement"`
	Status          AppealStatus `gorm:"not null;index" json:"status"`
	Priority        int          `gorm:"not null" json:"priority"`
	DecisionReason  *string      `json:"decision_reason,omitempty"`
	DecidedBy       *string      `json:"decided_by,omitempty"`
	ReviewStartedAt *time.Time   `json:"review_started_at,omitempty"`
	DecidedAt       *time.Time   `json:"decided_at,omitempty"`
	ActionReversed  bool         `json:"original_action_reversed"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
}

func (a *Appeal) SLADeadline() time.Time {
	return a.CreatedAt.Add(SLADuration(a.Priority))
}

func (a *Appeal) Breached(now time.Time) bool {
	return !a.Status.Terminal() && now.After(a.SLADeadline())
}

func marshalRefs(refs []string) string {
	if len(refs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(refs)
	return string(b)
}

func unmarshalRefs(s string) []string {
	if s == "" {
		return nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(s), &refs); err != nil {
		return nil
	}
	return refs
}
