package sealed

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	rootPub   ed25519.PublicKey
	rootPriv  ed25519.PrivateKey
	alice     *crypto.KeyPair
	bob       *crypto.KeyPair
	aliceCert []byte
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	cert := IssueSenderCertificate(priv, SenderCertificate{
		Sender:       "9d0652a3-dcc3-4d11-975f-74d61598733f",
		SenderDevice: 2,
		Expires:      now.Add(24 * time.Hour),
		IdentityKey:  alice.Public,
	})
	return &fixture{rootPub: pub, rootPriv: priv, alice: alice, bob: bob, aliceCert: cert, now: now}
}

func TestSealOpenRoundTrip(t *testing.T) {
	f := newFixture(t)

	msg, err := Seal(f.alice, f.bob.Public, f.aliceCert, 3, []byte("inner whisper ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, byte(Version), msg[0])

	opened, err := Open(f.bob, f.rootPub, f.now, msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), opened.Type)
	assert.Equal(t, []byte("inner whisper ciphertext"), opened.Ciphertext)
	assert.Equal(t, "9d0652a3-dcc3-4d11-975f-74d61598733f", opened.Certificate.Sender)
	assert.Equal(t, uint32(2), opened.Certificate.SenderDevice)
	assert.Equal(t, f.alice.Public, opened.Certificate.IdentityKey)
}

func TestOpenChecksCertificateExpiry(t *testing.T) {
	f := newFixture(t)
	msg, err := Seal(f.alice, f.bob.Public, f.aliceCert, 1, []byte("x"))
	require.NoError(t, err)

	_, err = Open(f.bob, f.rootPub, f.now.Add(48*time.Hour), msg)
	assert.ErrorIs(t, err, ErrExpiredCertificate)

	_, err = Open(f.bob, f.rootPub, f.now, msg)
	assert.NoError(t, err)
}

func TestOpenRejectsWrongRecipient(t *testing.T) {
	f := newFixture(t)
	msg, err := Seal(f.alice, f.bob.Public, f.aliceCert, 1, []byte("x"))
	require.NoError(t, err)

	eve, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = Open(eve, f.rootPub, f.now, msg)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpenRejectsCertificateForAnotherKey(t *testing.T) {
	f := newFixture(t)
	mallory, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// Mallory presents Alice's certificate under her own static key.
	msg, err := Seal(mallory, f.bob.Public, f.aliceCert, 1, []byte("x"))
	require.NoError(t, err)

	_, err = Open(f.bob, f.rootPub, f.now, msg)
	assert.ErrorIs(t, err, ErrSenderKeyMismatch)
}

func TestOpenRejectsUntrustedIssuer(t *testing.T) {
	f := newFixture(t)
	otherRoot, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg, err := Seal(f.alice, f.bob.Public, f.aliceCert, 1, []byte("x"))
	require.NoError(t, err)

	_, err = Open(f.bob, otherRoot, f.now, msg)
	assert.ErrorIs(t, err, ErrInvalidCertificate)
}

func TestOpenRejectsTampering(t *testing.T) {
	f := newFixture(t)
	msg, err := Seal(f.alice, f.bob.Public, f.aliceCert, 1, []byte("payload"))
	require.NoError(t, err)

	for _, i := range []int{1, 20, 40, len(msg) / 2, len(msg) - 1} {
		bad := append([]byte{}, msg...)
		bad[i] ^= 0x01
		_, err := Open(f.bob, f.rootPub, f.now, bad)
		assert.Error(t, err, "byte %d", i)
	}

	_, err = Open(f.bob, f.rootPub, f.now, append([]byte{0x22}, msg[1:]...))
	assert.ErrorIs(t, err, ErrUnknownVersion)
	_, err = Open(f.bob, f.rootPub, f.now, nil)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestSealRejectsOversizedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := Seal(f.alice, f.bob.Public, f.aliceCert, 1, make([]byte, MaxSealedPayload))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParseSenderCertificateRejectsGarbage(t *testing.T) {
	_, err := ParseSenderCertificate([]byte{0x0a, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	_, err = ParseSenderCertificate(nil)
	assert.ErrorIs(t, err, ErrInvalidCertificate)
}

func TestCertificateVerify(t *testing.T) {
	f := newFixture(t)
	cert, err := ParseSenderCertificate(f.aliceCert)
	require.NoError(t, err)
	assert.Equal(t, f.aliceCert, cert.Serialized())

	assert.NoError(t, cert.Verify(f.rootPub, f.now))
	assert.ErrorIs(t, cert.Verify(f.rootPub, cert.Expires), ErrExpiredCertificate)
	assert.ErrorIs(t, cert.Verify(f.rootPub[:5], f.now), ErrInvalidCertificate)

	cert.SenderDevice = 7
	assert.ErrorIs(t, cert.Verify(f.rootPub, f.now), ErrInvalidCertificate)
}

func TestDeriveAccessKey(t *testing.T) {
	profileKey := make([]byte, crypto.ProfileKeyLength)
	for i := range profileKey {
		profileKey[i] = byte(i)
	}

	a, err := DeriveAccessKey(profileKey)
	require.NoError(t, err)
	assert.Len(t, a, AccessKeyLength)

	b, err := DeriveAccessKey(profileKey)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	profileKey[0] ^= 1
	c, err := DeriveAccessKey(profileKey)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = DeriveAccessKey(profileKey[:16])
	assert.ErrorIs(t, err, crypto.ErrInvalidKeyLength)
}

func TestUnidentifiedAccessHeader(t *testing.T) {
	_, err := NewUnidentifiedAccess([]byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, crypto.ErrInvalidKeyLength)

	ua, err := NewUnidentifiedAccess(make([]byte, AccessKeyLength), []byte("cert"))
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAA==", ua.HeaderValue())
}
