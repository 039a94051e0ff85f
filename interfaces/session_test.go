package interfaces

import (
	"errors"
	"fmt"
	"testing"

	"github.com/opd-ai/whisperpipe/push"
	"github.com/stretchr/testify/assert"
)

func TestUntrustedIdentityErrorUnwraps(t *testing.T) {
	addr := push.Address{E164: "+14155550100"}
	err := fmt.Errorf("encrypt: %w", &UntrustedIdentityError{Address: addr, IdentityKey: []byte{1}})

	var ui *UntrustedIdentityError
	assert.True(t, errors.As(err, &ui))
	assert.Equal(t, addr, ui.Address)
	assert.Contains(t, err.Error(), "+14155550100")
}

func TestAdapters(t *testing.T) {
	var got []SecurityEvent
	var l SecurityEventListener = SecurityEventFunc(func(ev SecurityEvent) { got = append(got, ev) })
	l.OnSecurityEvent(SecurityEvent{Kind: SessionsReset})
	assert.Len(t, got, 1)
	assert.Equal(t, "sessions-reset", got[0].Kind.String())
	assert.Equal(t, "session-bootstrapped", SessionBootstrapped.String())

	sentinel := errors.New("journal full")
	var o EnvelopeObserver = EnvelopeObserverFunc(func(*push.Envelope) error { return sentinel })
	assert.ErrorIs(t, o.OnEnvelope(&push.Envelope{}), sentinel)
}
