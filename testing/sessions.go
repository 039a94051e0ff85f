package testing

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/opd-ai/whisperpipe/framing"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/sirupsen/logrus"
)

// ErrDuplicateMessage is returned when a simulated ciphertext is replayed.
var ErrDuplicateMessage = errors.New("duplicate message")

// SimSignature is the signature a simulated bundle must carry for its
// signed pre-key to verify.
func SimSignature(identityKey, signedPreKey []byte) []byte {
	h := sha256.New()
	h.Write(identityKey)
	h.Write(signedPreKey)
	return h.Sum(nil)
}

type simSession struct {
	registrationID uint32
	sent           uint64
	received       uint64
	// confirmed is set once the peer has answered, after which messages
	// no longer carry the pre-key bundle.
	confirmed bool
}

// SimulatedSessions is a deterministic stand-in for a double-ratchet
// session store. Ciphertexts are framed but not encrypted: the simulation
// models session lifecycle, pre-key bootstrapping, identity pinning and
// replay detection, not confidentiality.
type SimulatedSessions struct {
	mu             sync.Mutex
	identity       *crypto.KeyPair
	registrationID uint32
	sessions       map[string]*simSession
	trusted        map[string][32]byte

	// FailEncrypt, when set, is returned by every Encrypt call.
	FailEncrypt error
}

// NewSimulatedSessions creates a store with a fresh identity key.
func NewSimulatedSessions(registrationID uint32) (*SimulatedSessions, error) {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &SimulatedSessions{
		identity:       kp,
		registrationID: registrationID,
		sessions:       make(map[string]*simSession),
		trusted:        make(map[string][32]byte),
	}, nil
}

func sessionKey(addr push.Address, deviceID uint32) string {
	return addr.Identifier() + "." + strconv.FormatUint(uint64(deviceID), 10)
}

// RegistrationID returns the local registration id.
func (s *SimulatedSessions) RegistrationID() uint32 {
	return s.registrationID
}

// Bundle returns a valid pre-key bundle for one of our devices, as the
// service would publish it.
func (s *SimulatedSessions) Bundle(deviceID uint32) *push.PreKeyBundle {
	spk := []byte("signed-pre-key-" + strconv.FormatUint(uint64(deviceID), 10))
	return &push.PreKeyBundle{
		RegistrationID:        s.registrationID,
		DeviceID:              deviceID,
		PreKeyID:              deviceID,
		PreKey:                []byte("pre-key"),
		SignedPreKeyID:        deviceID,
		SignedPreKey:          spk,
		SignedPreKeySignature: SimSignature(s.identity.Public[:], spk),
		IdentityKey:           append([]byte{}, s.identity.Public[:]...),
	}
}

// LocalIdentity implements interfaces.IdentityKeys.
func (s *SimulatedSessions) LocalIdentity() *crypto.KeyPair {
	return s.identity
}

// RemoteIdentity implements interfaces.IdentityKeys.
func (s *SimulatedSessions) RemoteIdentity(addr push.Address) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.trusted[addr.Identifier()]
	return k, ok
}

// Trust pins key as the identity of addr, replacing any earlier pin.
func (s *SimulatedSessions) Trust(addr push.Address, key [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[addr.Identifier()] = key
}

// pin records key for addr unless a different key is already trusted.
// The caller holds s.mu.
func (s *SimulatedSessions) pin(addr push.Address, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("%w: identity key is %d bytes", interfaces.ErrInvalidKey, len(key))
	}
	var k [32]byte
	copy(k[:], key)
	if pinned, ok := s.trusted[addr.Identifier()]; ok && pinned != k {
		return &interfaces.UntrustedIdentityError{Address: addr, IdentityKey: append([]byte{}, key...)}
	}
	s.trusted[addr.Identifier()] = k
	return nil
}

// HasSession implements interfaces.SessionCrypto.
func (s *SimulatedSessions) HasSession(addr push.Address, deviceID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionKey(addr, deviceID)]
	return ok
}

// CreateSession implements interfaces.SessionCrypto.
func (s *SimulatedSessions) CreateSession(addr push.Address, deviceID uint32, bundle *push.PreKeyBundle) error {
	if string(bundle.SignedPreKeySignature) != string(SimSignature(bundle.IdentityKey, bundle.SignedPreKey)) {
		return interfaces.ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pin(addr, bundle.IdentityKey); err != nil {
		return err
	}
	s.sessions[sessionKey(addr, deviceID)] = &simSession{registrationID: bundle.RegistrationID}
	return nil
}

// DeleteSession implements interfaces.SessionCrypto.
func (s *SimulatedSessions) DeleteSession(addr push.Address, deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(addr, deviceID))
}

// DeleteAllSessions implements interfaces.SessionCrypto.
func (s *SimulatedSessions) DeleteAllSessions(addr push.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := addr.Identifier() + "."
	for k := range s.sessions {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.sessions, k)
		}
	}
}

// SubDeviceSessions implements interfaces.SessionCrypto.
func (s *SimulatedSessions) SubDeviceSessions(addr push.Address) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := addr.Identifier() + "."
	var out []uint32
	for k := range s.sessions {
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		d, err := strconv.ParseUint(k[len(prefix):], 10, 32)
		if err == nil && uint32(d) != push.DefaultDeviceID {
			out = append(out, uint32(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encrypt implements interfaces.SessionCrypto.
func (s *SimulatedSessions) Encrypt(addr push.Address, deviceID uint32, plaintext []byte) (*interfaces.Ciphertext, error) {
	if s.FailEncrypt != nil {
		return nil, s.FailEncrypt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(addr, deviceID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoSession, sessionKey(addr, deviceID))
	}
	sess.sent++

	var e framing.Encoder
	e.BytesField(1, s.identity.Public[:])
	e.UintAlways(2, uint64(s.registrationID))
	e.UintAlways(3, sess.sent)
	e.BytesField(4, append([]byte{}, plaintext...))

	typ := push.EnvelopePreKeyBundle
	if sess.confirmed {
		typ = push.EnvelopeCiphertext
	}
	return &interfaces.Ciphertext{Type: typ, Body: e.Bytes(), RemoteRegistrationID: sess.registrationID}, nil
}

// Decrypt implements interfaces.SessionCrypto.
func (s *SimulatedSessions) Decrypt(addr push.Address, deviceID uint32, ciphertext []byte, typ push.EnvelopeType) ([]byte, error) {
	var (
		identity       []byte
		registrationID uint32
		counter        uint64
		plaintext      []byte
	)
	err := framing.ParseFields(ciphertext, func(f framing.Field) error {
		switch f.Num {
		case 1:
			identity = f.CopyBytes()
		case 2:
			registrationID = uint32(f.Uint)
		case 3:
			counter = f.Uint
		case 4:
			plaintext = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(addr, deviceID)
	sess, ok := s.sessions[key]

	switch typ {
	case push.EnvelopePreKeyBundle:
		if err := s.pin(addr, identity); err != nil {
			return nil, err
		}
		if !ok || counter == 1 {
			sess = &simSession{registrationID: registrationID}
			s.sessions[key] = sess
		}
	case push.EnvelopeCiphertext:
		if !ok {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrNoSession, key)
		}
	default:
		return nil, fmt.Errorf("unsupported ciphertext type %s", typ)
	}

	if counter <= sess.received {
		return nil, fmt.Errorf("%w: counter %d", ErrDuplicateMessage, counter)
	}
	sess.received = counter
	sess.confirmed = true
	return plaintext, nil
}
