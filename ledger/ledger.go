// Append-only, hash-chained audit ledger. The foundation every moderation
// component writes through: case transitions, appeal decisions, moderation
// actions, and sweep findings all become [AuditRecord] rows here.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("ledger")

// Maximum records returned by a single Range call. Larger spans are paged by
// the caller (Export does this internally).
const MaxRangeSize = 10_000

const verifyPageSize = 1000
const exportPageSize = 1000

// Appends one record inside the surrounding transaction. Provided to
// [Ledger.RunInTx] callbacks.
type AppendFunc func(actor, eventType, entityKind, entityID string, metadata map[string]any) (*AuditRecord, error)

// Single-writer, multi-reader hash-chained record store. Appends are strictly
// serialized: one logical append (or append-carrying transaction) in flight at
// a time, so sequence numbers are gapless and each record chains from the
// previous one. Reads never take the append lock.
//
// Once a chain break has been observed, further appends are refused until an
// operator calls ResumeAppends after manual repair.
type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger

	appendLk sync.Mutex
	halted   atomic.Bool
}

func NewLedger(db *gorm.DB, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrating audit records: %w", err)
	}
	return &Ledger{
		db:     db,
		logger: logger.With("system", "ledger"),
	}, nil
}

// Serializes with all other appends and runs fn inside one database
// transaction. fn may combine its own state changes with ledger appends; if fn
// returns an error the whole transaction rolls back and the sequence counter
// does not advance, so the caller can safely retry the entire logical
// operation.
func (l *Ledger) RunInTx(ctx context.Context, fn func(tx *gorm.DB, append AppendFunc) error) error {
	ctx, span := tracer.Start(ctx, "ledger.RunInTx")
	defer span.End()

	l.appendLk.Lock()
	defer l.appendLk.Unlock()

	// checked under the append lock, so a break reported while we waited for
	// the lock still refuses this append
	if l.halted.Load() {
		return fmt.Errorf("%w: appends halted pending manual repair", ErrChainIntegrity)
	}

	start := time.Now()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tailLoaded := false
		var nextSeq uint64
		var prevHash string

		appendFn := func(actor, eventType, entityKind, entityID string, metadata map[string]any) (*AuditRecord, error) {
			if actor == "" || eventType == "" || entityKind == "" || entityID == "" {
				return nil, fmt.Errorf("%w: missing required field", ErrBadRecord)
			}
			meta, err := canonicalMetadata(metadata)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}

			if !tailLoaded {
				var last AuditRecord
				err := tx.Order("seq DESC").First(&last).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					nextSeq = 0
					prevHash = GenesisHash
				} else if err != nil {
					return nil, fmt.Errorf("reading ledger tail: %w", err)
				} else {
					nextSeq = last.Seq + 1
					prevHash = last.RecordHash
				}
				tailLoaded = true
			}

			rec := AuditRecord{
				Seq:        nextSeq,
				PrevHash:   prevHash,
				ActorID:    actor,
				EventType:  eventType,
				EntityKind: entityKind,
				EntityID:   entityID,
				Metadata:   meta,
				CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
			}
			rec.RecordHash = computeRecordHash(&rec)
			if err := tx.Create(&rec).Error; err != nil {
				return nil, fmt.Errorf("persisting audit record: %w", err)
			}
			nextSeq = rec.Seq + 1
			prevHash = rec.RecordHash
			appendCount.WithLabelValues(eventType).Inc()
			return &rec, nil
		}

		return fn(tx, appendFn)
	})
	appendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		appendErrorCount.Inc()
		return err
	}
	return nil
}

// Appends a single record as its own transaction. The returned record is
// already durable.
func (l *Ledger) Append(ctx context.Context, actor, eventType, entityKind, entityID string, metadata map[string]any) (*AuditRecord, error) {
	var out *AuditRecord
	err := l.RunInTx(ctx, func(tx *gorm.DB, append AppendFunc) error {
		rec, err := append(actor, eventType, entityKind, entityID, metadata)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Returns records fromSeq..toSeq inclusive, in ascending sequence order. Spans
// larger than MaxRangeSize are rejected; page with repeated calls or use
// Export.
func (l *Ledger) Range(ctx context.Context, fromSeq, toSeq uint64) ([]AuditRecord, error) {
	if toSeq < fromSeq {
		return nil, fmt.Errorf("%w: to_seq before from_seq", ErrBadRange)
	}
	if toSeq-fromSeq+1 > MaxRangeSize {
		return nil, fmt.Errorf("%w: span exceeds %d records", ErrBadRange, MaxRangeSize)
	}
	var recs []AuditRecord
	err := l.db.WithContext(ctx).
		Where("seq >= ? AND seq <= ?", fromSeq, toSeq).
		Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Returns the most recent record, or nil for an empty ledger.
func (l *Ledger) Tail(ctx context.Context) (*AuditRecord, error) {
	var last AuditRecord
	err := l.db.WithContext(ctx).Order("seq DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

// Returns the first and last sequence numbers of records created in
// [start, end). found is false when the period contains no records.
func (l *Ledger) SeqBounds(ctx context.Context, start, end time.Time) (first, last uint64, found bool, err error) {
	var rec AuditRecord
	q := l.db.WithContext(ctx).Where("created_at >= ? AND created_at < ?", start, end)
	e := q.Session(&gorm.Session{}).Order("seq ASC").First(&rec).Error
	if errors.Is(e, gorm.ErrRecordNotFound) {
		return 0, 0, false, nil
	}
	if e != nil {
		return 0, 0, false, e
	}
	first = rec.Seq
	if e := q.Session(&gorm.Session{}).Order("seq DESC").First(&rec).Error; e != nil {
		return 0, 0, false, e
	}
	return first, rec.Seq, true, nil
}

// Recomputes each record's hash from its fields and walks the chain linkage
// over fromSeq..toSeq (toSeq of zero means "through the tail"). The first
// mismatch or sequence gap is reported and verification stops; nothing is ever
// silently patched. A detected break halts all further appends.
func (l *Ledger) VerifyIntegrity(ctx context.Context, fromSeq, toSeq uint64) (bool, *uint64, error) {
	ctx, span := tracer.Start(ctx, "ledger.VerifyIntegrity")
	defer span.End()

	tail, err := l.Tail(ctx)
	if err != nil {
		return false, nil, err
	}
	if tail == nil {
		verifyCount.WithLabelValues("ok").Inc()
		return true, nil, nil
	}
	if toSeq == 0 || toSeq > tail.Seq {
		toSeq = tail.Seq
	}
	if fromSeq > toSeq {
		return false, nil, fmt.Errorf("%w: from_seq beyond ledger tail", ErrBadRange)
	}

	// expected PrevHash of the first record in the range
	expectedPrev := GenesisHash
	if fromSeq > 0 {
		var pred AuditRecord
		err := l.db.WithContext(ctx).Where("seq = ?", fromSeq-1).First(&pred).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// records are never pruned, so an absent predecessor is itself a
			// sequence gap
			return l.reportBreak(fromSeq-1, "sequence gap")
		} else if err != nil {
			return false, nil, err
		} else {
			expectedPrev = pred.RecordHash
		}
	}

	expectedSeq := fromSeq
	for expectedSeq <= toSeq {
		if err := ctx.Err(); err != nil {
			return false, nil, err
		}
		pageEnd := expectedSeq + verifyPageSize - 1
		if pageEnd > toSeq {
			pageEnd = toSeq
		}
		var recs []AuditRecord
		err := l.db.WithContext(ctx).
			Where("seq >= ? AND seq <= ?", expectedSeq, pageEnd).
			Order("seq ASC").
			Find(&recs).Error
		if err != nil {
			return false, nil, err
		}
		if len(recs) == 0 {
			return l.reportBreak(expectedSeq, "sequence gap")
		}
		for i := range recs {
			rec := &recs[i]
			if rec.Seq != expectedSeq {
				return l.reportBreak(expectedSeq, "sequence gap")
			}
			if rec.PrevHash != expectedPrev {
				return l.reportBreak(rec.Seq, "previous hash mismatch")
			}
			if computeRecordHash(rec) != rec.RecordHash {
				return l.reportBreak(rec.Seq, "record hash mismatch")
			}
			expectedPrev = rec.RecordHash
			expectedSeq++
		}
	}

	verifyCount.WithLabelValues("ok").Inc()
	return true, nil, nil
}

func (l *Ledger) reportBreak(seq uint64, reason string) (bool, *uint64, error) {
	l.halted.Store(true)
	chainBreakCount.Inc()
	verifyCount.WithLabelValues("broken").Inc()
	// this is tampering or corruption, not a normal retryable condition
	l.logger.Error("AUDIT CHAIN BROKEN, appends halted", "seq", seq, "reason", reason)
	return false, &seq, nil
}

// Reports whether appends are currently refused due to an observed chain
// break.
func (l *Ledger) Halted() bool {
	return l.halted.Load()
}

// Operator acknowledgment that the chain has been manually repaired.
func (l *Ledger) ResumeAppends() {
	l.halted.Store(false)
	l.logger.Warn("ledger appends resumed by operator")
}

// Streams the canonical export of fromSeq..toSeq to w: a JSON array of records
// in ascending sequence order, a newline, then the trailer object. This is the
// exact byte format attestations hash and sign.
func (l *Ledger) Export(ctx context.Context, w io.Writer, fromSeq, toSeq uint64) (*ExportTrailer, error) {
	ctx, span := tracer.Start(ctx, "ledger.Export")
	defer span.End()

	if toSeq < fromSeq {
		return nil, fmt.Errorf("%w: to_seq before from_seq", ErrBadRange)
	}

	trailer := ExportTrailer{FirstSeq: fromSeq, LastSeq: toSeq}
	if _, err := io.WriteString(w, "["); err != nil {
		return nil, err
	}
	cursor := fromSeq
	for cursor <= toSeq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pageEnd := cursor + exportPageSize - 1
		if pageEnd > toSeq {
			pageEnd = toSeq
		}
		recs, err := l.Range(ctx, cursor, pageEnd)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			break
		}
		for i := range recs {
			if trailer.RecordCount > 0 {
				if _, err := io.WriteString(w, ","); err != nil {
					return nil, err
				}
			}
			b, err := json.Marshal(&recs[i])
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(b); err != nil {
				return nil, err
			}
			trailer.RecordCount++
		}
		cursor = recs[len(recs)-1].Seq + 1
	}
	exportRecordCount.Add(float64(trailer.RecordCount))

	if _, err := io.WriteString(w, "]\n"); err != nil {
		return nil, err
	}
	tb, err := json.Marshal(&trailer)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(tb); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return nil, err
	}
	return &trailer, nil
}
