package ledger

import (
	"time"
)

// A single row in the append-only, hash-chained audit log. Records are created
// once and never mutated or deleted; every sensitive action elsewhere in the
// system writes through [Ledger.RunInTx] so the row is durable in the same
// transaction as the action it describes.
//
// RecordHash covers every other field, and PrevHash of record N equals
// RecordHash of record N-1 (record 0 chains from a fixed genesis constant), so
// any retroactive edit is detectable by VerifyIntegrity.
type AuditRecord struct {
	Seq        uint64    `gorm:"column:seq;primaryKey;autoIncrement:false" json:"sequence_number"`
	PrevHash   string    `gorm:"not null" json:"previous_hash"`
	RecordHash string    `gorm:"not null" json:"record_hash"`
	ActorID    string    `gorm:"not null;index" json:"actor_id"`
	EventType  string    `gorm:"not null;index" json:"event_type"`
	EntityKind string    `gorm:"not null" json:"entity_kind"`
	EntityID   string    `gorm:"not null;index" json:"entity_id"`
	Metadata   string    `gorm:"not null" json:"metadata"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}

// Trailer appended to a canonical export of a ledger range.
type ExportTrailer struct {
	FirstSeq    uint64 `json:"first_sequence_number"`
	LastSeq     uint64 `json:"last_sequence_number"`
	RecordCount int    `json:"record_count"`
}
