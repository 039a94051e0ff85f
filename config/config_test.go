package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/whisperpipe/messaging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
[Service]
URL = "https://chat.example.org"

[Credentials]
UUID = "9d0652a3-dcc3-4d11-975f-74d61598733f"
Password = "secret"
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, uint32(1), cfg.Credentials.DeviceID)
	assert.Equal(t, messaging.DefaultMaxSendAttempts, cfg.Dispatch.MaxSendAttempts)
	assert.Equal(t, messaging.DefaultPoolSize, cfg.Dispatch.PoolSize)
	assert.Equal(t, messaging.DefaultSyncPaddingMax, cfg.Dispatch.SyncPaddingMax)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, time.Minute, cfg.ReadTimeout())
	assert.False(t, cfg.Metrics.Enable)

	root, err := cfg.TrustRoot()
	require.NoError(t, err)
	assert.Nil(t, root)

	addr, err := cfg.LocalAddress()
	require.NoError(t, err)
	assert.Equal(t, "9d0652a3-dcc3-4d11-975f-74d61598733f", addr.Identifier())
}

func TestLoadFullFile(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	body := `
[Service]
URL = "https://chat.example.org"
UserAgent = "whisperpipe-test"
TrustRoot = "` + base64.StdEncoding.EncodeToString(pub) + `"

[Credentials]
Number = "+14155550100"
Password = "secret"
DeviceID = 3

[Pipe]
KeepaliveSeconds = 30
BackoffStepMillis = 100
MaxBackoffSeconds = 5
RequestTimeoutSeconds = 7
DisableSealed = true

[Pipe.Proxy]
Type = "SOCKS5"
Host = "127.0.0.1"
Port = 9050

[Dispatch]
MaxSendAttempts = 6
PoolSize = 2
SyncPaddingMax = 64

[Attachments]
CDNURL = "https://cdn.example.org"

[Journal]
Path = "/tmp/journal.db"

[Logging]
Level = "debug"
Format = "json"

[Metrics]
Enable = true
Address = ":9200"
`
	path := filepath.Join(t.TempDir(), "whisperpipe.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	root, err := cfg.TrustRoot()
	require.NoError(t, err)
	assert.Equal(t, pub, root)

	pc := cfg.PipeConfig("identified", true)
	assert.Equal(t, "+14155550100.3", pc.Login)
	assert.Equal(t, "secret", pc.Password)
	assert.Equal(t, "whisperpipe-test", pc.UserAgent)
	assert.Equal(t, 30*time.Second, pc.KeepaliveInterval)
	assert.Equal(t, 100*time.Millisecond, pc.BackoffStep)
	assert.Equal(t, 5*time.Second, pc.MaxBackoff)
	assert.Equal(t, 7*time.Second, pc.RequestTimeout)

	sealedPipe := cfg.PipeConfig("sealed", false)
	assert.Empty(t, sealedPipe.Login)
	assert.Empty(t, sealedPipe.Password)

	px := cfg.ProxyConfig()
	require.NotNil(t, px)
	assert.Equal(t, "socks5", px.Type)
	assert.Equal(t, uint16(9050), px.Port)

	addr, err := cfg.LocalAddress()
	require.NoError(t, err)
	sc := cfg.SenderConfig(addr)
	assert.Equal(t, uint32(3), sc.DeviceID)
	assert.Equal(t, 6, sc.MaxSendAttempts)
	assert.Equal(t, 2, sc.PoolSize)
	assert.Equal(t, 64, sc.SyncPaddingMax)

	assert.Equal(t, "https://cdn.example.org", cfg.AttachmentConfig().CDNURL)
	assert.Equal(t, "+14155550100.3", cfg.HTTPConfig().Login)
	assert.True(t, cfg.Pipe.DisableSealed)
	assert.Equal(t, "/tmp/journal.db", cfg.Journal.Path)
	assert.Equal(t, ":9200", cfg.Metrics.Address)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing url":      "[Credentials]\nUUID = \"9d0652a3-dcc3-4d11-975f-74d61598733f\"\n",
		"bad scheme":       "[Service]\nURL = \"ftp://x\"\n[Credentials]\nNumber = \"+1555\"\n",
		"no identity":      "[Service]\nURL = \"https://x\"\n",
		"bad number":       "[Service]\nURL = \"https://x\"\n[Credentials]\nNumber = \"555\"\n",
		"bad trust root":   "[Service]\nURL = \"https://x\"\nTrustRoot = \"AAAA\"\n[Credentials]\nNumber = \"+1555\"\n",
		"attempts":         minimal + "[Dispatch]\nMaxSendAttempts = -1\n",
		"log level":        minimal + "[Logging]\nLevel = \"loud\"\n",
		"log format":       minimal + "[Logging]\nFormat = \"xml\"\n",
		"proxy type":       minimal + "[Pipe.Proxy]\nType = \"tor\"\nHost = \"h\"\nPort = 1\n",
		"unknown key":      minimal + "[Dispatch]\nRetries = 3\n",
		"negative timeout": minimal + "[Pipe]\nReadTimeoutSeconds = -1\n",
		"syntax":           "[Service\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WHISPERPIPE_SERVICE_URL", "http://127.0.0.1:8080")
	t.Setenv("WHISPERPIPE_PASSWORD", "from-env")
	t.Setenv("WHISPERPIPE_MAX_SEND_ATTEMPTS", "9")
	t.Setenv("WHISPERPIPE_LOG_LEVEL", "warn")

	cfg, err := Load([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Service.URL)
	assert.Equal(t, "from-env", cfg.Credentials.Password)
	assert.Equal(t, 9, cfg.Dispatch.MaxSendAttempts)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvironmentOverridesIgnoreInvalid(t *testing.T) {
	for _, v := range []string{"many", "0", "1000"} {
		t.Setenv("WHISPERPIPE_MAX_SEND_ATTEMPTS", v)
		t.Setenv("WHISPERPIPE_LOG_LEVEL", "shout")
		cfg, err := Load([]byte(minimal))
		require.NoError(t, err, v)
		assert.Equal(t, messaging.DefaultMaxSendAttempts, cfg.Dispatch.MaxSendAttempts, v)
		assert.Equal(t, "info", cfg.Logging.Level)
	}
}

func TestApplyLogging(t *testing.T) {
	prevLevel, prevFormatter := logrus.GetLevel(), logrus.StandardLogger().Formatter
	t.Cleanup(func() {
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	})

	cfg, err := Load([]byte(minimal))
	require.NoError(t, err)
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.File = filepath.Join(t.TempDir(), "whisperpipe.log")

	closeLog, err := cfg.ApplyLogging()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	logrus.WithField("function", "TestApplyLogging").Info("written to file")
	require.NoError(t, closeLog())

	b, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(b), "written to file")
}
