package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestK256SignVerify(t *testing.T) {
	assert := assert.New(t)

	priv, err := GeneratePrivateKeyK256()
	assert.NoError(err)
	pub, err := priv.PublicKey()
	assert.NoError(err)

	msg := []byte("moderation ledger export bytes")
	sig, err := priv.HashAndSign(msg)
	assert.NoError(err)
	assert.Equal(64, len(sig))
	assert.NoError(pub.HashAndVerify(msg, sig))

	// any change to the content invalidates the signature
	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0x01
	assert.ErrorIs(pub.HashAndVerify(tampered, sig), ErrInvalidSignature)

	// and any change to the signature
	badSig := append([]byte{}, sig...)
	badSig[10] ^= 0x01
	assert.ErrorIs(pub.HashAndVerify(msg, badSig), ErrInvalidSignature)
}

func TestK256KeyEncoding(t *testing.T) {
	assert := assert.New(t)

	priv, err := GeneratePrivateKeyK256()
	assert.NoError(err)
	pub, err := priv.PublicKey()
	assert.NoError(err)

	privAgain, err := ParsePrivateBytesK256(priv.Bytes())
	assert.NoError(err)
	assert.True(priv.Equal(privAgain))

	privMB, err := ParsePrivateMultibaseK256(priv.Multibase())
	assert.NoError(err)
	assert.True(priv.Equal(privMB))

	pubAgain, err := ParsePublicBytesK256(pub.Bytes())
	assert.NoError(err)
	assert.True(pub.Equal(pubAgain))

	fromDID, err := ParsePublicDIDKey(pub.DIDKey())
	assert.NoError(err)
	assert.True(pub.Equal(fromDID))

	_, err = ParsePublicDIDKey("did:key:zzzznotakey")
	assert.Error(err)
	_, err = ParsePublicDIDKey("did:web:example.com")
	assert.Error(err)
}
