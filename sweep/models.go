package sweep

import (
	"time"
)

// Outcome of one sweep evaluation for one actor in one window. The unique
// index is the idempotency key: re-running the same sweep over the same
// window, concurrently or not, lands on the same row and therefore the same
// case.
type Result struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	SweepName     string    `gorm:"not null;uniqueIndex:idx_sweep_actor_window" json:"sweep_name"`
	ActorID       string    `gorm:"not null;uniqueIndex:idx_sweep_actor_window" json:"actor_id"`
	WindowStart   time.Time `gorm:"not null;uniqueIndex:idx_sweep_actor_window" json:"window_start"`
	RunAt         time.Time `gorm:"not null" json:"run_at"`
	ObservedValue float64   `gorm:"not null" json:"observed_value"`
	SampleSize    int       `gorm:"not null" json:"sample_size"`
	CaseID        *uint64   `gorm:"index" json:"case_id,omitempty"`
	// human feedback, set after review
	FalsePositive bool `gorm:"not null;default:false" json:"false_positive"`
}

func (Result) TableName() string {
	return "sweep_results"
}
