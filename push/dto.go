package push

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// OutgoingEnvelope is the ciphertext for one destination device. It is
// built for a single send attempt and never reused, because every
// encryption advances the session's ratchet state.
type OutgoingEnvelope struct {
	Type                      EnvelopeType `json:"type"`
	DestinationDeviceID       uint32       `json:"destinationDeviceId"`
	DestinationRegistrationID uint32       `json:"destinationRegistrationId"`
	Content                   []byte       `json:"content"`
	Silent                    bool         `json:"silent"`
}

// OutgoingEnvelopeList is the body of PUT /v1/messages/{destination}.
type OutgoingEnvelopeList struct {
	Destination string              `json:"destination"`
	Relay       string              `json:"relay,omitempty"`
	Timestamp   uint64              `json:"timestamp"`
	Messages    []*OutgoingEnvelope `json:"messages"`
	Online      bool                `json:"online"`
}

// SendMessageResponse is the 200 body of a message send.
type SendMessageResponse struct {
	NeedsSync bool `json:"needsSync"`
}

// MismatchedDevices is the 409 body of a message send.
type MismatchedDevices struct {
	MissingDevices []uint32 `json:"missingDevices"`
	ExtraDevices   []uint32 `json:"extraDevices"`
}

// StaleDevices is the 410 body of a message send.
type StaleDevices struct {
	StaleDevices []uint32 `json:"staleDevices"`
}

// PreKeyBundle is the public key material needed to start a session with
// one device without that device being online.
type PreKeyBundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	PreKeyID              uint32
	PreKey                []byte
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	IdentityKey           []byte
}

// HasPreKey reports whether a one-time pre-key was supplied.
func (b *PreKeyBundle) HasPreKey() bool {
	return b.PreKey != nil
}

type preKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature,omitempty"`
}

type preKeyDevice struct {
	DeviceID       uint32        `json:"deviceId"`
	RegistrationID uint32        `json:"registrationId"`
	SignedPreKey   *preKeyEntity `json:"signedPreKey"`
	PreKey         *preKeyEntity `json:"preKey"`
}

// PreKeyResponse is the body of GET /v2/keys/{identifier}/{device}.
type PreKeyResponse struct {
	IdentityKey string         `json:"identityKey"`
	Devices     []preKeyDevice `json:"devices"`
}

// Bundles converts the response into one bundle per device.
func (r *PreKeyResponse) Bundles() ([]*PreKeyBundle, error) {
	identity, err := decodeKey(r.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}

	bundles := make([]*PreKeyBundle, 0, len(r.Devices))
	for _, d := range r.Devices {
		b := &PreKeyBundle{
			RegistrationID: d.RegistrationID,
			DeviceID:       d.DeviceID,
			IdentityKey:    identity,
		}
		if d.SignedPreKey == nil {
			return nil, fmt.Errorf("device %d: missing signed pre-key", d.DeviceID)
		}
		b.SignedPreKeyID = d.SignedPreKey.KeyID
		if b.SignedPreKey, err = decodeKey(d.SignedPreKey.PublicKey); err != nil {
			return nil, fmt.Errorf("device %d signed pre-key: %w", d.DeviceID, err)
		}
		if b.SignedPreKeySignature, err = decodeKey(d.SignedPreKey.Signature); err != nil {
			return nil, fmt.Errorf("device %d signature: %w", d.DeviceID, err)
		}
		if d.PreKey != nil {
			b.PreKeyID = d.PreKey.KeyID
			if b.PreKey, err = decodeKey(d.PreKey.PublicKey); err != nil {
				return nil, fmt.Errorf("device %d pre-key: %w", d.DeviceID, err)
			}
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// NewPreKeyResponse is the inverse of Bundles, used by simulated services.
func NewPreKeyResponse(bundles []*PreKeyBundle) *PreKeyResponse {
	r := &PreKeyResponse{}
	for _, b := range bundles {
		if r.IdentityKey == "" {
			r.IdentityKey = base64.RawStdEncoding.EncodeToString(b.IdentityKey)
		}
		d := preKeyDevice{
			DeviceID:       b.DeviceID,
			RegistrationID: b.RegistrationID,
			SignedPreKey: &preKeyEntity{
				KeyID:     b.SignedPreKeyID,
				PublicKey: base64.RawStdEncoding.EncodeToString(b.SignedPreKey),
				Signature: base64.RawStdEncoding.EncodeToString(b.SignedPreKeySignature),
			},
		}
		if b.HasPreKey() {
			d.PreKey = &preKeyEntity{KeyID: b.PreKeyID, PublicKey: base64.RawStdEncoding.EncodeToString(b.PreKey)}
		}
		r.Devices = append(r.Devices, d)
	}
	return r
}

// decodeKey accepts padded or unpadded standard base64, as the service
// emits the unpadded form.
func decodeKey(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func decodeJSON(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
