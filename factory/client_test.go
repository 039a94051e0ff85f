package factory

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/whisperpipe/config"
	"github.com/opd-ai/whisperpipe/content"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/sealed"
	simtest "github.com/opd-ai/whisperpipe/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type party struct {
	addr     push.Address
	sessions *simtest.SimulatedSessions
	client   *Client
}

func newParty(t *testing.T, svc *simtest.SimulatedService, registrationID uint32, reg prometheus.Registerer, disableSealed bool) *party {
	t.Helper()
	addr := push.NewAddress(uuid.New(), "")
	accessKey := make([]byte, sealed.AccessKeyLength)
	_, err := rand.Read(accessKey)
	require.NoError(t, err)
	svc.Register(addr, "pw", accessKey)

	sessions, err := simtest.NewSimulatedSessions(registrationID)
	require.NoError(t, err)
	svc.AddDevice(addr, push.DefaultDeviceID, sessions)

	cfg := &config.Config{
		Service:     &config.Service{URL: svc.URL()},
		Credentials: &config.Credentials{UUID: addr.UUID.String(), Password: "pw"},
		Pipe:        &config.Pipe{BackoffStepMillis: 10, DisableSealed: disableSealed},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	c, err := New(cfg, Deps{Sessions: sessions, Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &party{addr: addr, sessions: sessions, client: c}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Deps{})
	assert.Error(t, err)

	cfg := &config.Config{}
	cfg.SetDefaults()
	_, err = New(cfg, Deps{})
	assert.Error(t, err, "sessions are required")

	sessions, err := simtest.NewSimulatedSessions(1)
	require.NoError(t, err)
	_, err = New(cfg, Deps{Sessions: sessions})
	assert.Error(t, err, "no local address configured")
}

func TestClientSendsAndReceivesOverPipes(t *testing.T) {
	svc := simtest.NewSimulatedService()
	t.Cleanup(svc.Close)
	reg := prometheus.NewRegistry()

	alice := newParty(t, svc, 1, reg, false)
	bob := newParty(t, svc, 2, reg, true)
	require.NotNil(t, alice.client.Sealed)
	assert.Nil(t, bob.client.Sealed)

	ctx := context.Background()
	require.NoError(t, alice.client.Connect(ctx))
	require.NoError(t, bob.client.Connect(ctx))
	require.Eventually(t, func() bool {
		return alice.client.Identified.IsOpen() && bob.client.Identified.IsOpen()
	}, 5*time.Second, 10*time.Millisecond)

	msg := &content.DataMessage{Body: "over the pipe", Timestamp: uint64(time.Now().UnixMilli())}
	outcome, err := alice.client.Sender.SendDataMessage(ctx, bob.addr, nil, msg)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	d, err := bob.client.Receiver.Retrieve(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "over the pipe", d.Content.DataMessage.Body)
	assert.True(t, d.Sender.Equal(alice.addr))

	log := svc.GetDeliveryLog()
	require.NotEmpty(t, log)
	assert.Equal(t, "pipe", log[len(log)-1].Via)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["whisperpipe_dispatch_outcomes_total"])
	assert.True(t, names["whisperpipe_pipe_state"])
}

func TestClientCloseIsFinal(t *testing.T) {
	svc := simtest.NewSimulatedService()
	t.Cleanup(svc.Close)
	p := newParty(t, svc, 1, nil, false)

	p.client.Close()
	p.client.Close()
	assert.Error(t, p.client.Connect(context.Background()))

	_, err := p.client.Sender.SendDataMessage(context.Background(), p.addr, nil, &content.DataMessage{Body: "x", Timestamp: 1})
	assert.Error(t, err)
}
