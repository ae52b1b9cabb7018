package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
	secp256k1 "gitlab.com/yawning/secp256k1-voi"
	secp256k1secec "gitlab.com/yawning/secp256k1-voi/secec"
)

// Implements [PrivateKeyExportable] for the K-256 / secp256k1 curve. Secret
// key material is naively stored in memory.
type PrivateKeyK256 struct {
	privK256 *secp256k1secec.PrivateKey
}

// Implements [PublicKey] for the K-256 / secp256k1 curve.
type PublicKeyK256 struct {
	pubK256 *secp256k1secec.PublicKey
}

var _ PrivateKey = (*PrivateKeyK256)(nil)
var _ PrivateKeyExportable = (*PrivateKeyK256)(nil)
var _ PublicKey = (*PublicKeyK256)(nil)

var k256Options = &secp256k1secec.ECDSAOptions{
	// Used to *verify* digest, not to re-hash
	Hash: crypto.SHA256,
	// Use `[R | S]` encoding.
	Encoding: secp256k1secec.EncodingCompact,
	// Reject signature mallability: attestation signatures must be unique
	// for a given key and content.
	RejectMalleable: true,
}

// Creates a secure new cryptographic key from scratch.
func GeneratePrivateKeyK256() (*PrivateKeyK256, error) {
	key, err := secp256k1secec.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("K-256/secp256k1 key generation failed: %w", err)
	}
	return &PrivateKeyK256{privK256: key}, nil
}

// Loads a [PrivateKeyK256] from raw bytes, as exported by the Bytes method.
// Any string encoding (hex, base64, multibase) must be removed first.
func ParsePrivateBytesK256(data []byte) (*PrivateKeyK256, error) {
	sk, err := secp256k1secec.NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 private key: %w", err)
	}
	return &PrivateKeyK256{privK256: sk}, nil
}

// Loads a [PrivateKeyK256] from its multibase string encoding.
func ParsePrivateMultibaseK256(encoded string) (*PrivateKeyK256, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("not a multibase base58btc string")
	}
	raw, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid multibase encoding: %w", err)
	}
	// multicodec secp256k1-priv, code 0x1301, varint bytes: [0x81, 0x26]
	if len(raw) < 2 || raw[0] != 0x81 || raw[1] != 0x26 {
		return nil, fmt.Errorf("unsupported multicodec prefix for K-256 private key")
	}
	return ParsePrivateBytesK256(raw[2:])
}

// Note that the naive == operator does not work for key equality checks.
func (k *PrivateKeyK256) Equal(other PrivateKey) bool {
	otherK256, ok := other.(*PrivateKeyK256)
	if ok {
		return k.privK256.Equal(otherK256.privK256)
	}
	return false
}

// Serializes the secret key material to the "compact" raw encoding, 32 bytes
// long, with no enclosing structure.
func (k *PrivateKeyK256) Bytes() []byte {
	return k.privK256.Bytes()
}

// Multibase string encoding of the private key, including a multicodec indicator.
func (k *PrivateKeyK256) Multibase() string {
	kbytes := k.Bytes()
	kbytes = append([]byte{0x81, 0x26}, kbytes...)
	return "z" + base58.Encode(kbytes)
}

func (k *PrivateKeyK256) PublicKey() (PublicKey, error) {
	pub := PublicKeyK256{pubK256: k.privK256.PublicKey()}
	if err := pub.ensureBytes(); err != nil {
		return nil, err
	}
	return &pub, nil
}

// First hashes the raw bytes with SHA-256, then signs the digest, returning a
// binary "low-S" signature, 64 bytes long.
func (k *PrivateKeyK256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	return k.privK256.Sign(rand.Reader, hash[:], k256Options)
}

// Loads a [PublicKeyK256] from raw bytes in the "compressed" curve format, as
// exported by the Bytes method.
func ParsePublicBytesK256(data []byte) (*PublicKeyK256, error) {
	// NewPublicKey accepts any valid encoding, while we explicitly want
	// compressed, so use the explicit point decompression routine.
	p, err := secp256k1.NewIdentityPoint().SetCompressedBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 public key: %w", err)
	}
	pubK, err := secp256k1secec.NewPublicKeyFromPoint(p)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256/secp256k1 public key: %w", err)
	}
	pub := PublicKeyK256{pubK256: pubK}
	if err := pub.ensureBytes(); err != nil {
		return nil, err
	}
	return &pub, nil
}

func (k *PublicKeyK256) Equal(other PublicKey) bool {
	otherK256, ok := other.(*PublicKeyK256)
	if ok {
		return k.pubK256.Equal(otherK256.pubK256)
	}
	return false
}

// verifies that this public key is safe to export as bytes later on
func (k *PublicKeyK256) ensureBytes() error {
	p := k.pubK256.Point()
	if p.IsIdentity() != 0 {
		return fmt.Errorf("unexpected invalid K-256/secp256k1 public key (internal)")
	}
	return nil
}

// Serializes the key in to "compressed" binary format.
func (k *PublicKeyK256) Bytes() []byte {
	p := k.pubK256.Point()
	return p.CompressedBytes()
}

// First hashes the content with SHA-256, then verifies the digest. Requires a
// "low-S" signature.
func (k *PublicKeyK256) HashAndVerify(content, sig []byte) error {
	hash := sha256.Sum256(content)
	if !k.pubK256.Verify(hash[:], sig, k256Options) {
		return ErrInvalidSignature
	}
	return nil
}

func (k *PublicKeyK256) DIDKey() string {
	kbytes := k.Bytes()
	kbytes = append([]byte{0xE7, 0x01}, kbytes...)
	return "did:key:z" + base58.Encode(kbytes)
}
