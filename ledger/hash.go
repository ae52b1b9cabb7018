package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	sha256 "github.com/minio/sha256-simd"
)

// PrevHash of the very first record. Fixed constant, not derived from any
// stored state, so an empty ledger always chains from the same root.
var GenesisHash = func() string {
	sum := sha256.Sum256([]byte("vigil-audit-genesis"))
	return hex.EncodeToString(sum[:])
}()

// Canonical hash preimage: fixed field order, newline separated, timestamps
// in UTC RFC3339Nano. Metadata is already canonical JSON by the time it is in
// the record (see canonicalMetadata).
func recordPreimage(rec *AuditRecord) []byte {
	s := strconv.FormatUint(rec.Seq, 10) + "\n" +
		rec.PrevHash + "\n" +
		rec.ActorID + "\n" +
		rec.EventType + "\n" +
		rec.EntityKind + "\n" +
		rec.EntityID + "\n" +
		rec.Metadata + "\n" +
		rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	return []byte(s)
}

func computeRecordHash(rec *AuditRecord) string {
	sum := sha256.Sum256(recordPreimage(rec))
	return hex.EncodeToString(sum[:])
}

// Serializes metadata deterministically. encoding/json sorts map keys, which
// is what makes the record hash reproducible on re-verification; anything not
// JSON-serializable is rejected up front.
func canonicalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("audit metadata not serializable: %w", err)
	}
	return string(b), nil
}
