package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/opd-ai/whisperpipe/sealed"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	id := uuid.New()

	a, err := ParseAddress(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, a.UUID)
	assert.Equal(t, id.String(), a.Identifier())

	a, err = ParseAddress(" +14155550100 ")
	require.NoError(t, err)
	assert.Equal(t, "+14155550100", a.E164)
	assert.False(t, a.HasUUID())

	for _, bad := range []string{"", "+", "14155550100", "+1415abc", "not-a-uuid"} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestAddressEquality(t *testing.T) {
	id := uuid.New()
	full := NewAddress(id, "+14155550100")
	bare := NewAddress(id, "")
	alias := Address{E164: "+14155550100"}

	assert.True(t, full.Equal(bare))
	assert.True(t, full.Equal(full.WithRelay("federated")))
	assert.False(t, full.Equal(alias), "uuid and alias-only addresses are different identities")
	assert.True(t, full.Matches(alias))
	assert.True(t, alias.Matches(full))
	assert.False(t, NewAddress(uuid.New(), "").Matches(bare))
	assert.True(t, Address{}.IsZero())
	assert.Contains(t, full.String(), "+14155550100")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &Envelope{
		Type:            EnvelopePreKeyBundle,
		Source:          NewAddress(uuid.New(), "+14155550100").WithRelay("relay.example"),
		SourceDevice:    3,
		Timestamp:       1700000000123,
		Content:         []byte{1, 2, 3},
		ServerGUID:      "guid",
		ServerTimestamp: 1700000000999,
	}

	out, err := UnmarshalEnvelope(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.IsPreKey())
	assert.True(t, out.HasContent())
	assert.False(t, out.HasLegacyMessage())
	assert.Equal(t, "PREKEY_BUNDLE", out.Type.String())
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte{0x0a, 0xff})
	assert.Error(t, err)
}

func TestPreKeyResponseAcceptsPaddedAndUnpadded(t *testing.T) {
	body := `{
		"identityKey": "BQIDBA==",
		"devices": [{
			"deviceId": 1, "registrationId": 42,
			"signedPreKey": {"keyId": 7, "publicKey": "AQID", "signature": "BAUG"},
			"preKey": {"keyId": 9, "publicKey": "CQo"}
		}, {
			"deviceId": 2, "registrationId": 43,
			"signedPreKey": {"keyId": 8, "publicKey": "AQID", "signature": "BAUG"}
		}]
	}`
	var r PreKeyResponse
	require.NoError(t, json.Unmarshal([]byte(body), &r))

	bundles, err := r.Bundles()
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, []byte{5, 2, 3, 4}, bundles[0].IdentityKey)
	assert.Equal(t, []byte{9, 10}, bundles[0].PreKey)
	assert.True(t, bundles[0].HasPreKey())
	assert.False(t, bundles[1].HasPreKey())
	assert.Equal(t, uint32(43), bundles[1].RegistrationID)

	again, err := NewPreKeyResponse(bundles).Bundles()
	require.NoError(t, err)
	assert.Equal(t, bundles, again)
}

func TestOutgoingEnvelopeListJSON(t *testing.T) {
	list := &OutgoingEnvelopeList{
		Destination: "+14155550100",
		Timestamp:   5,
		Messages: []*OutgoingEnvelope{{
			Type:                      EnvelopeCiphertext,
			DestinationDeviceID:       2,
			DestinationRegistrationID: 77,
			Content:                   []byte("ct"),
		}},
	}
	b, err := json.Marshal(list)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.NotContains(t, raw, "relay")
	msg := raw["messages"].([]interface{})[0].(map[string]interface{})
	assert.EqualValues(t, 1, msg["type"])
	assert.EqualValues(t, 2, msg["destinationDeviceId"])
	assert.EqualValues(t, 77, msg["destinationRegistrationId"])
	assert.Equal(t, "Y3Q=", msg["content"])
}

type fakeRoundTripper struct {
	mu       sync.Mutex
	requests []*transport.Request
	respond  func(*transport.Request) (*transport.Response, error)
}

func (f *fakeRoundTripper) Do(_ context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func preKeyBody(t *testing.T, devices ...uint32) []byte {
	var bundles []*PreKeyBundle
	for _, d := range devices {
		bundles = append(bundles, &PreKeyBundle{
			DeviceID:              d,
			RegistrationID:        100 + d,
			SignedPreKeyID:        1,
			SignedPreKey:          []byte{1},
			SignedPreKeySignature: []byte{2},
			IdentityKey:           []byte{3},
		})
	}
	b, err := json.Marshal(NewPreKeyResponse(bundles))
	require.NoError(t, err)
	return b
}

func TestFetchPreKeysPaths(t *testing.T) {
	body := preKeyBody(t, 1, 2)
	rt := &fakeRoundTripper{respond: func(*transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: 200, Body: body}, nil
	}}
	c := NewServiceClient(rt)
	addr := Address{E164: "+14155550100"}

	bundles, err := c.FetchPreKeys(context.Background(), addr, DefaultDeviceID, nil)
	require.NoError(t, err)
	assert.Len(t, bundles, 2)

	_, err = c.FetchPreKeys(context.Background(), addr.WithRelay("r1"), 3, nil)
	require.NoError(t, err)

	access, err := sealed.NewUnidentifiedAccess(make([]byte, sealed.AccessKeyLength), nil)
	require.NoError(t, err)
	_, err = c.FetchPreKeys(context.Background(), addr, 2, access)
	require.NoError(t, err)

	bundle, err := c.FetchPreKey(context.Background(), addr, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bundle.DeviceID)

	require.Len(t, rt.requests, 4)
	assert.Equal(t, "/v2/keys/+14155550100/*", rt.requests[0].Path)
	assert.Equal(t, http.MethodGet, rt.requests[0].Verb)
	assert.Equal(t, "/v2/keys/+14155550100/3?relay=r1", rt.requests[1].Path)
	v, ok := rt.requests[2].Header(transport.UnidentifiedAccessHeader)
	assert.True(t, ok)
	assert.Equal(t, access.HeaderValue(), v)
	_, ok = rt.requests[0].Header(transport.UnidentifiedAccessHeader)
	assert.False(t, ok)
	assert.Equal(t, "/v2/keys/+14155550100/2", rt.requests[3].Path)
}

func TestFetchPreKeysStatusErrors(t *testing.T) {
	status := uint32(404)
	rt := &fakeRoundTripper{respond: func(*transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: status}, nil
	}}
	c := NewServiceClient(rt)
	addr := NewAddress(uuid.New(), "")

	_, err := c.FetchPreKeys(context.Background(), addr, 1, nil)
	var unregistered *UnregisteredError
	require.True(t, errors.As(err, &unregistered))
	assert.True(t, unregistered.Address.Equal(addr))

	status = 401
	_, err = c.FetchPreKeys(context.Background(), addr, 1, nil)
	assert.ErrorIs(t, err, ErrAuthorizationFailed)

	status = 429
	_, err = c.FetchPreKeys(context.Background(), addr, 1, nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	status = 500
	_, err = c.FetchPreKeys(context.Background(), addr, 1, nil)
	var re *ResponseError
	assert.True(t, errors.As(err, &re))
}

func TestNewSendRequest(t *testing.T) {
	addr := NewAddress(uuid.New(), "+14155550100")
	list := &OutgoingEnvelopeList{Destination: addr.Identifier(), Timestamp: 9}

	req, err := NewSendRequest(addr, list, nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, req.Verb)
	assert.Equal(t, "/v1/messages/"+addr.UUID.String(), req.Path)
	ct, _ := req.Header("content-type")
	assert.Equal(t, "application/json", ct)

	var decoded OutgoingEnvelopeList
	require.NoError(t, json.Unmarshal(req.Body, &decoded))
	assert.Equal(t, uint64(9), decoded.Timestamp)

	access, err := sealed.NewUnidentifiedAccess(bytes.Repeat([]byte{1}, sealed.AccessKeyLength), nil)
	require.NoError(t, err)
	req, err = NewSendRequest(addr, list, access)
	require.NoError(t, err)
	_, ok := req.Header(transport.UnidentifiedAccessHeader)
	assert.True(t, ok)
}

func TestDecodeSendBodies(t *testing.T) {
	r, err := DecodeSendResponse(nil)
	require.NoError(t, err)
	assert.False(t, r.NeedsSync)

	r, err = DecodeSendResponse([]byte(`{"needsSync":true}`))
	require.NoError(t, err)
	assert.True(t, r.NeedsSync)

	m, err := DecodeMismatchedDevices([]byte(`{"missingDevices":[2,3],"extraDevices":[4]}`))
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, m.MissingDevices)
	assert.Equal(t, []uint32{4}, m.ExtraDevices)

	s, err := DecodeStaleDevices([]byte(`{"staleDevices":[5]}`))
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, s.StaleDevices)

	_, err = DecodeStaleDevices([]byte(`{`))
	assert.Error(t, err)
}

type cdn struct {
	mu      sync.Mutex
	objects map[string][]byte
	lengths map[string]int64
}

func newCDN(t *testing.T) (*cdn, *httptest.Server) {
	c := &cdn{objects: map[string][]byte{}, lengths: map[string]int64{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "user" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			b, _ := io.ReadAll(r.Body)
			c.objects[r.URL.Path] = b
			c.lengths[r.URL.Path] = r.ContentLength
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			b, ok := c.objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(b)
		}
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func TestAttachmentUploadDownload(t *testing.T) {
	c, srv := newCDN(t)
	store, err := NewAttachmentStore(AttachmentConfig{CDNURL: srv.URL + "/", Login: "user", Password: "pw"})
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("attachment data "), 1000)
	ptr, err := store.Upload(context.Background(), bytes.NewReader(plaintext), int64(len(plaintext)), "text/plain")
	require.NoError(t, err)
	assert.Len(t, ptr.Key, crypto.AttachmentKeyLength)
	assert.Len(t, ptr.Digest, crypto.DigestLength)
	assert.Equal(t, uint32(len(plaintext)), ptr.Size)
	assert.Equal(t, "text/plain", ptr.ContentType)

	c.mu.Lock()
	require.Len(t, c.objects, 1)
	for path, obj := range c.objects {
		assert.True(t, strings.HasPrefix(path, "/attachments/"))
		assert.EqualValues(t, crypto.AttachmentCiphertextLength(int64(len(plaintext))), len(obj))
		assert.EqualValues(t, len(obj), c.lengths[path])
	}
	c.mu.Unlock()

	var out bytes.Buffer
	n, err := store.Download(context.Background(), ptr, &out)
	require.NoError(t, err)
	assert.EqualValues(t, len(plaintext), n)
	assert.Equal(t, plaintext, out.Bytes())
}

func TestAttachmentDownloadRejectsWrongDigest(t *testing.T) {
	_, srv := newCDN(t)
	store, err := NewAttachmentStore(AttachmentConfig{CDNURL: srv.URL, Login: "user"})
	require.NoError(t, err)

	ptr, err := store.Upload(context.Background(), strings.NewReader("hello"), 5, "")
	require.NoError(t, err)
	ptr.Digest[0] ^= 1

	var out bytes.Buffer
	_, err = store.Download(context.Background(), ptr, &out)
	var authErr *crypto.AuthenticationError
	assert.True(t, errors.As(err, &authErr))
	assert.Zero(t, out.Len())
}

func TestAttachmentErrors(t *testing.T) {
	_, err := NewAttachmentStore(AttachmentConfig{CDNURL: "ftp://cdn"})
	assert.Error(t, err)

	_, srv := newCDN(t)
	store, err := NewAttachmentStore(AttachmentConfig{CDNURL: srv.URL})
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, ErrAuthorizationFailed)

	_, err = store.Upload(context.Background(), strings.NewReader("x"), -1, "")
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)
}

func TestLogin(t *testing.T) {
	id := uuid.MustParse("9d0652a3-dcc3-4d11-975f-74d61598733f")
	addr := NewAddress(id, "+14155550100")
	assert.Equal(t, id.String(), Login(addr, DefaultDeviceID))
	assert.Equal(t, id.String()+".3", Login(addr, 3))
	assert.Equal(t, "+14155550100.2", Login(Address{E164: "+14155550100"}, 2))
}
