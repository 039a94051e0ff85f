package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioningRoundTrip(t *testing.T) {
	device, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("identity key pair and profile key for the new device")
	env, err := ProvisioningCipher{}.Seal(device.Public, message)
	require.NoError(t, err)

	got, err := ProvisioningCipher{}.Open(device, env)
	require.NoError(t, err)
	assert.Equal(t, message, got)
}

func TestProvisioningRejectsWrongKey(t *testing.T) {
	device, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	env, err := ProvisioningCipher{}.Seal(device.Public, []byte("secret"))
	require.NoError(t, err)

	_, err = ProvisioningCipher{}.Open(other, env)
	assert.ErrorIs(t, err, ErrBadMAC)
}

func TestProvisioningRejectsTamperedBody(t *testing.T) {
	device, err := GenerateKeyPair()
	require.NoError(t, err)

	env, err := ProvisioningCipher{}.Seal(device.Public, []byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte{}, env...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = ProvisioningCipher{}.Open(device, tampered)
	assert.True(t, IsAuthenticationError(err))

	_, err = ProvisioningCipher{}.Open(device, []byte{0x0a, 0x01})
	assert.Error(t, err)
}

func TestKeyPairAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := a.SharedSecret(b.Public)
	require.NoError(t, err)
	ba, err := b.SharedSecret(a.Public)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	again, err := FromSecretKey(a.Private)
	require.NoError(t, err)
	assert.Equal(t, a.Public, again.Public)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err)

	require.NoError(t, WipeKeyPair(a))
	assert.Equal(t, [32]byte{}, a.Private)
}
