// Cryptographic signing keys used for ledger attestations.
//
// Only the K-256 / secp256k1 curve is currently supported. "Low-S" signatures
// are enforced both when creating signatures and during verification, so there
// is exactly one valid signature for a given key and content.
package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Signing key, with secret material in memory.
type PrivateKey interface {
	Equal(other PrivateKey) bool

	PublicKey() (PublicKey, error)

	// Hashes the content with SHA-256, then signs the digest, returning a
	// binary signature. Callers are responsible for any string encoding.
	HashAndSign(content []byte) ([]byte, error)
}

// A [PrivateKey] whose secret material can be serialized out.
type PrivateKeyExportable interface {
	PrivateKey

	Bytes() []byte
	Multibase() string
}

type PublicKey interface {
	Equal(other PublicKey) bool

	// Compressed binary encoding of the key.
	Bytes() []byte

	// Hashes the content with SHA-256, then verifies the signature over the
	// digest. Returns nil for valid signatures, [ErrInvalidSignature] for bad
	// ones.
	HashAndVerify(content, sig []byte) error

	// did:key string encoding of the public key: compressed bytes, prefixed
	// with the curve multicodec, base58btc encoded.
	DIDKey() string
}

// Parses a public key from its did:key string encoding, as stored in an
// attestation's signer key ID.
func ParsePublicDIDKey(didKey string) (PublicKey, error) {
	encoded, ok := strings.CutPrefix(didKey, "did:key:z")
	if !ok {
		return nil, fmt.Errorf("string is not a supported did:key: %s", didKey)
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid did:key base58btc encoding: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("did:key too short")
	}
	// multicodec secp256k1-pub, code 0xE7, varint bytes: [0xE7, 0x01]
	if raw[0] != 0xE7 || raw[1] != 0x01 {
		return nil, fmt.Errorf("unsupported did:key multicodec prefix")
	}
	return ParsePublicBytesK256(raw[2:])
}
