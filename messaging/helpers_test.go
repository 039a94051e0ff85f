package messaging

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/whisperpipe/envelope"
	"github.com/opd-ai/whisperpipe/interfaces"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/sealed"
	simtest "github.com/opd-ai/whisperpipe/testing"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.UnixMilli(1700000000000)

type world struct {
	svc       *simtest.SimulatedService
	trustPub  ed25519.PublicKey
	trustPriv ed25519.PrivateKey
}

func newWorld(t *testing.T) *world {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	svc := simtest.NewSimulatedService()
	t.Cleanup(svc.Close)
	return &world{svc: svc, trustPub: pub, trustPriv: priv}
}

// account is one registered account seen from one of its devices.
type account struct {
	addr      push.Address
	password  string
	accessKey []byte
	device    uint32
	sessions  *simtest.SimulatedSessions
	rt        *recordingTransport
	cipher    *envelope.Cipher
	events    *eventLog
	sender    *Sender
}

func newSessions(t *testing.T, registrationID uint32) *simtest.SimulatedSessions {
	t.Helper()
	s, err := simtest.NewSimulatedSessions(registrationID)
	require.NoError(t, err)
	return s
}

// register creates an account with a primary device.
func (w *world) register(t *testing.T, registrationID uint32) *account {
	t.Helper()
	addr := push.NewAddress(uuid.New(), "")
	accessKey := make([]byte, sealed.AccessKeyLength)
	_, err := rand.Read(accessKey)
	require.NoError(t, err)

	a := &account{addr: addr, password: "pw-" + addr.Identifier()[:8], accessKey: accessKey}
	w.svc.Register(addr, a.password, accessKey)
	return w.device(t, a, push.DefaultDeviceID, newSessions(t, registrationID))
}

// device links another device to a's account and returns a view of the
// account from that device.
func (w *world) device(t *testing.T, a *account, device uint32, sessions *simtest.SimulatedSessions) *account {
	t.Helper()
	w.svc.AddDevice(a.addr, device, sessions)

	rt, err := transport.NewHTTPTransport(transport.HTTPConfig{
		ServiceURL: w.svc.URL(),
		Login:      push.Login(a.addr, device),
		Password:   a.password,
	})
	require.NoError(t, err)

	view := &account{
		addr:      a.addr,
		password:  a.password,
		accessKey: a.accessKey,
		device:    device,
		sessions:  sessions,
		rt:        &recordingTransport{rt: rt},
		events:    &eventLog{},
	}
	view.cipher = envelope.NewCipher(envelope.CipherConfig{
		LocalAddress: a.addr,
		DeviceID:     device,
		Sessions:     sessions,
		Identities:   sessions,
		TrustRoot:    w.trustPub,
	})
	view.sender, err = NewSender(SenderConfig{
		LocalAddress: a.addr,
		DeviceID:     device,
		Now:          func() time.Time { return fixedNow },
	}, SenderDeps{
		Cipher:   view.cipher,
		Sessions: sessions,
		PreKeys:  push.NewServiceClient(view.rt),
		OneShot:  view.rt,
		Events:   view.events,
	})
	require.NoError(t, err)
	t.Cleanup(view.sender.Close)
	return view
}

// access returns sealed sender access from "from" to "to".
func (w *world) access(t *testing.T, from, to *account) *sealed.UnidentifiedAccess {
	t.Helper()
	cert := sealed.IssueSenderCertificate(w.trustPriv, sealed.SenderCertificate{
		Sender:       from.addr.Identifier(),
		SenderDevice: from.device,
		Expires:      time.Now().Add(time.Hour),
		IdentityKey:  from.sessions.LocalIdentity().Public,
	})
	a, err := sealed.NewUnidentifiedAccess(to.accessKey, cert)
	require.NoError(t, err)
	return a
}

// connect gives from a session with one device of to.
func connect(t *testing.T, from, to *account, device uint32) {
	t.Helper()
	require.NoError(t, from.sessions.CreateSession(to.addr, device, to.sessions.Bundle(device)))
}

// decryptMailbox drains and decrypts everything queued for a's device.
func (w *world) decryptMailbox(t *testing.T, a *account) []*envelope.Decrypted {
	t.Helper()
	var out []*envelope.Decrypted
	for _, env := range w.svc.Mailbox(a.addr, a.device) {
		d, err := a.cipher.Decrypt(context.Background(), env)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

// recordingTransport remembers every request it forwards.
type recordingTransport struct {
	rt transport.RoundTripper

	mu   sync.Mutex
	reqs []*transport.Request
}

func (r *recordingTransport) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.rt.Do(ctx, req)
}

func (r *recordingTransport) sentLists(t *testing.T) []push.OutgoingEnvelopeList {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []push.OutgoingEnvelopeList
	for _, req := range r.reqs {
		if req.Verb != "PUT" {
			continue
		}
		var l push.OutgoingEnvelopeList
		require.NoError(t, json.Unmarshal(req.Body, &l))
		out = append(out, l)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []interfaces.SecurityEvent
}

func (l *eventLog) OnSecurityEvent(ev interfaces.SecurityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []interfaces.SecurityEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []interfaces.SecurityEventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

// openPipe connects an identified pipe for a's device.
func (w *world) openPipe(t *testing.T, a *account) *transport.Pipe {
	t.Helper()
	dialer, err := transport.NewWebsocketDialer(nil, nil, time.Second)
	require.NoError(t, err)
	p, err := transport.NewPipe(transport.PipeConfig{
		Name:       "identified",
		ServiceURL: w.svc.URL(),
		Login:      push.Login(a.addr, a.device),
		Password:   a.password,
	}, dialer)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(p.Disconnect)
	require.Eventually(t, p.IsOpen, 5*time.Second, 10*time.Millisecond)
	return p
}
