package attest

import (
	"time"
)

// Signed statement that the audit ledger records for a time period hashed to
// ContentHash at attestation time. Verification re-exports the same sequence
// range and recomputes the hash, so any later tampering with the underlying
// records surfaces as a mismatch.
type Attestation struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	PeriodStart time.Time `gorm:"not null;index" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null" json:"period_end"`
	FirstSeq    uint64    `gorm:"not null" json:"first_seq"`
	LastSeq     uint64    `gorm:"not null" json:"last_seq"`
	RecordCount int       `gorm:"not null" json:"record_count"`
	// hex sha256 of the canonical export bytes
	ContentHash string `gorm:"not null" json:"content_hash"`
	// base64 low-S ECDSA signature over the export bytes
	Signature string `gorm:"not null" json:"signature"`
	// did:key of the signing key, sufficient to verify without key lookup
	SignerKeyID string    `gorm:"not null" json:"signer_key_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Attestation) TableName() string {
	return "attestations"
}
