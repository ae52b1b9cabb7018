// Periodic signed attestations over ranges of the audit ledger, so external
// parties can hold a compact proof of what the ledger contained at a point in
// time.
package attest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sha256 "github.com/minio/sha256-simd"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/hearth-social/vigil/keys"
	"github.com/hearth-social/vigil/ledger"
)

var tracer = otel.Tracer("attest")

// Returned when the requested period contains no ledger records.
var ErrEmptyPeriod = errors.New("attestation period contains no records")

// Returned when an attestation's content hash or signature no longer checks
// out against the live ledger.
var ErrAttestationMismatch = errors.New("attestation does not match ledger contents")

type Service struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	signer keys.PrivateKey
	keyID  string
	logger *slog.Logger
}

func NewService(db *gorm.DB, l *ledger.Ledger, signer keys.PrivateKey, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pub, err := signer.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("deriving attestation public key: %w", err)
	}
	if err := db.AutoMigrate(&Attestation{}); err != nil {
		return nil, fmt.Errorf("migrating attestations: %w", err)
	}
	return &Service{
		db:     db,
		ledger: l,
		signer: signer,
		keyID:  pub.DIDKey(),
		logger: logger.With("system", "attest"),
	}, nil
}

// did:key of the currently configured signing key.
func (s *Service) SignerKeyID() string {
	return s.keyID
}

// Attests the ledger records created in [periodStart, periodEnd): verifies the
// chain over that range, exports it canonically, hashes and signs the export,
// and persists the attestation. A broken chain refuses attestation rather than
// signing over known-bad records.
func (s *Service) Attest(ctx context.Context, periodStart, periodEnd time.Time) (*Attestation, error) {
	ctx, span := tracer.Start(ctx, "attest.Attest")
	defer span.End()

	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("attestation period end must be after start")
	}

	first, last, found, err := s.ledger.SeqBounds(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s to %s", ErrEmptyPeriod, periodStart.Format(time.RFC3339), periodEnd.Format(time.RFC3339))
	}

	ok, brokenSeq, err := s.ledger.VerifyIntegrity(ctx, first, last)
	if err != nil {
		return nil, err
	}
	if !ok {
		attestCount.WithLabelValues("refused").Inc()
		return nil, fmt.Errorf("%w: refusing to attest, chain broken at seq %d", ledger.ErrChainIntegrity, *brokenSeq)
	}

	content, trailer, err := s.exportRange(ctx, first, last)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(content)
	sig, err := s.signer.HashAndSign(content)
	if err != nil {
		return nil, fmt.Errorf("signing attestation: %w", err)
	}

	att := Attestation{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		FirstSeq:    trailer.FirstSeq,
		LastSeq:     trailer.LastSeq,
		RecordCount: trailer.RecordCount,
		ContentHash: hex.EncodeToString(hash[:]),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		SignerKeyID: s.keyID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&att).Error; err != nil {
		return nil, err
	}
	attestCount.WithLabelValues("ok").Inc()
	s.logger.Info("attestation created", "id", att.ID, "firstSeq", att.FirstSeq, "lastSeq", att.LastSeq, "records", att.RecordCount)
	return &att, nil
}

// Checks an attestation against supplied canonical export bytes: recomputes
// the content hash and verifies the signature with the attestation's embedded
// did:key. Needs no database or ledger access, so a holder of the attestation
// and an export copy can verify them independently of the live system.
// Returns nil only when hash and signature both hold; any altered byte of the
// export fails the hash comparison.
func VerifyExport(att *Attestation, export []byte) error {
	hash := sha256.Sum256(export)
	if hex.EncodeToString(hash[:]) != att.ContentHash {
		verifyAttCount.WithLabelValues("mismatch").Inc()
		return fmt.Errorf("%w: content hash does not match export", ErrAttestationMismatch)
	}
	pub, err := keys.ParsePublicDIDKey(att.SignerKeyID)
	if err != nil {
		return fmt.Errorf("parsing attestation signer key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(att.Signature)
	if err != nil {
		return fmt.Errorf("decoding attestation signature: %w", err)
	}
	if err := pub.HashAndVerify(export, sig); err != nil {
		verifyAttCount.WithLabelValues("bad_signature").Inc()
		return fmt.Errorf("%w: %w", ErrAttestationMismatch, err)
	}
	verifyAttCount.WithLabelValues("ok").Inc()
	return nil
}

// Checks a stored attestation against the live ledger: re-exports the attested
// sequence range and runs [VerifyExport] over the result. This detects
// after-the-fact tampering with attested records; use [VerifyExport] directly
// to check a held export copy.
func (s *Service) Verify(ctx context.Context, attestationID uint64) error {
	ctx, span := tracer.Start(ctx, "attest.Verify")
	defer span.End()

	att, err := s.Get(ctx, attestationID)
	if err != nil {
		return err
	}

	content, trailer, err := s.exportRange(ctx, att.FirstSeq, att.LastSeq)
	if err != nil {
		return err
	}
	if trailer.RecordCount != att.RecordCount {
		verifyAttCount.WithLabelValues("mismatch").Inc()
		return fmt.Errorf("%w: record count changed (%d != %d)", ErrAttestationMismatch, trailer.RecordCount, att.RecordCount)
	}
	return VerifyExport(att, content)
}

func (s *Service) Get(ctx context.Context, attestationID uint64) (*Attestation, error) {
	var att Attestation
	err := s.db.WithContext(ctx).Where("id = ?", attestationID).First(&att).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("attestation %d not found", attestationID)
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// Lists attestations, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Attestation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Attestation
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) exportRange(ctx context.Context, firstSeq, lastSeq uint64) ([]byte, *ledger.ExportTrailer, error) {
	var buf bytes.Buffer
	trailer, err := s.ledger.Export(ctx, &buf, firstSeq, lastSeq)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), trailer, nil
}
