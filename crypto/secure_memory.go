package crypto

import (
	"errors"
	"runtime"
)

// ErrNilKeyMaterial is returned when asked to wipe nothing.
var ErrNilKeyMaterial = errors.New("cannot wipe nil key material")

// SecureWipe overwrites key material with zeros.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilKeyMaterial
	}
	clear(data)
	// Keep the store from being optimised away.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for callers that do not care about nil input.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases the private half of kp.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilKeyMaterial
	}
	return SecureWipe(kp.Private[:])
}
