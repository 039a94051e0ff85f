package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, isZeroKey(kp.Private))

	require.NoError(t, WipeKeyPair(kp))
	assert.True(t, isZeroKey(kp.Private))
	assert.False(t, isZeroKey(kp.Public), "public half is left alone")

	buf := []byte{1, 2, 3}
	ZeroBytes(buf)
	assert.Equal(t, []byte{0, 0, 0}, buf)

	assert.NoError(t, SecureWipe([]byte{}))
	assert.ErrorIs(t, SecureWipe(nil), ErrNilKeyMaterial)
	assert.ErrorIs(t, WipeKeyPair(nil), ErrNilKeyMaterial)
	ZeroBytes(nil)
}
