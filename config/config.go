package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/opd-ai/whisperpipe/limits"
	"github.com/opd-ai/whisperpipe/messaging"
	"github.com/opd-ai/whisperpipe/push"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/sirupsen/logrus"
)

// Bounds for values that are also accepted from the environment.
const (
	MinSendAttempts = 1
	MaxSendAttempts = 100
	MaxPoolSize     = 1024
)

const (
	defaultKeepaliveSeconds      = 55
	defaultBackoffStepMillis     = 200
	defaultMaxBackoffSeconds     = 15
	defaultRequestTimeoutSeconds = 10
	defaultReadTimeoutSeconds    = 60
	defaultAttachmentRetryMax    = 3
	defaultAttachmentTimeout     = 60
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
	defaultMetricsAddress        = "127.0.0.1:9102"
)

// Service describes the messaging service.
type Service struct {
	// URL is the http(s) base URL of the service API.
	URL string
	// UserAgent is sent as X-Signal-Agent when set.
	UserAgent string
	// TrustRoot is the base64 Ed25519 key that signs sender
	// certificates. Without it sealed sender is unavailable.
	TrustRoot string
}

// Credentials identify the local account and device.
type Credentials struct {
	UUID     string
	Number   string
	Password string
	DeviceID uint32
}

// Proxy routes pipe connections through a proxy.
type Proxy struct {
	Type     string
	Host     string
	Port     uint16
	Username string
	Password string
}

// Pipe configures both websocket pipes. Durations are whole seconds
// unless the name says otherwise.
type Pipe struct {
	KeepaliveSeconds      int
	BackoffStepMillis     int
	MaxBackoffSeconds     int
	RequestTimeoutSeconds int
	ReadTimeoutSeconds    int
	// DisableSealed skips the unauthenticated pipe; sealed sends then
	// always use the one-shot transport.
	DisableSealed bool
	Proxy         *Proxy
}

// Dispatch configures the sender.
type Dispatch struct {
	MaxSendAttempts int
	PoolSize        int
	SyncPaddingMax  int
}

// Attachments configures the attachment CDN client.
type Attachments struct {
	CDNURL         string
	RetryMax       int
	TimeoutSeconds int
}

// Journal configures the envelope journal. An empty Path disables it.
type Journal struct {
	Path string
}

// Logging configures logrus.
type Logging struct {
	// Level is a logrus level name.
	Level string
	// Format is "text" or "json".
	Format string
	// File receives log output instead of stderr when set.
	File string
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enable  bool
	Address string
}

// Config is the top level configuration.
type Config struct {
	Service     *Service
	Credentials *Credentials
	Pipe        *Pipe
	Dispatch    *Dispatch
	Attachments *Attachments
	Journal     *Journal
	Logging     *Logging
	Metrics     *Metrics
}

// SetDefaults fills missing sections and zero values.
func (c *Config) SetDefaults() {
	if c.Service == nil {
		c.Service = &Service{}
	}
	if c.Credentials == nil {
		c.Credentials = &Credentials{}
	}
	if c.Credentials.DeviceID == 0 {
		c.Credentials.DeviceID = push.DefaultDeviceID
	}
	if c.Pipe == nil {
		c.Pipe = &Pipe{}
	}
	p := c.Pipe
	if p.KeepaliveSeconds == 0 {
		p.KeepaliveSeconds = defaultKeepaliveSeconds
	}
	if p.BackoffStepMillis == 0 {
		p.BackoffStepMillis = defaultBackoffStepMillis
	}
	if p.MaxBackoffSeconds == 0 {
		p.MaxBackoffSeconds = defaultMaxBackoffSeconds
	}
	if p.RequestTimeoutSeconds == 0 {
		p.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if p.ReadTimeoutSeconds == 0 {
		p.ReadTimeoutSeconds = defaultReadTimeoutSeconds
	}
	if c.Dispatch == nil {
		c.Dispatch = &Dispatch{}
	}
	if c.Dispatch.MaxSendAttempts == 0 {
		c.Dispatch.MaxSendAttempts = messaging.DefaultMaxSendAttempts
	}
	if c.Dispatch.PoolSize == 0 {
		c.Dispatch.PoolSize = messaging.DefaultPoolSize
	}
	if c.Dispatch.SyncPaddingMax == 0 {
		c.Dispatch.SyncPaddingMax = messaging.DefaultSyncPaddingMax
	}
	if c.Attachments == nil {
		c.Attachments = &Attachments{}
	}
	if c.Attachments.RetryMax == 0 {
		c.Attachments.RetryMax = defaultAttachmentRetryMax
	}
	if c.Attachments.TimeoutSeconds == 0 {
		c.Attachments.TimeoutSeconds = defaultAttachmentTimeout
	}
	if c.Journal == nil {
		c.Journal = &Journal{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = defaultMetricsAddress
	}
}

func validateURL(section, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", section, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: %s: scheme must be http or https, got %q", section, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("config: %s: missing host", section)
	}
	return nil
}

// Validate checks the configuration. Call SetDefaults first.
func (c *Config) Validate() error {
	if c.Service.URL == "" {
		return errors.New("config: Service: URL is required")
	}
	if err := validateURL("Service.URL", c.Service.URL); err != nil {
		return err
	}
	if c.Service.TrustRoot != "" {
		if _, err := c.TrustRoot(); err != nil {
			return err
		}
	}
	if _, err := c.LocalAddress(); err != nil {
		return err
	}
	if c.Pipe.KeepaliveSeconds < 0 || c.Pipe.BackoffStepMillis < 0 || c.Pipe.MaxBackoffSeconds < 0 ||
		c.Pipe.RequestTimeoutSeconds < 0 || c.Pipe.ReadTimeoutSeconds < 0 {
		return errors.New("config: Pipe: durations cannot be negative")
	}
	if px := c.Pipe.Proxy; px != nil {
		switch strings.ToLower(px.Type) {
		case "socks5", "http":
		default:
			return fmt.Errorf("config: Pipe.Proxy: unsupported type %q", px.Type)
		}
		if px.Host == "" || px.Port == 0 {
			return errors.New("config: Pipe.Proxy: Host and Port are required")
		}
	}
	d := c.Dispatch
	if d.MaxSendAttempts < MinSendAttempts || d.MaxSendAttempts > MaxSendAttempts {
		return fmt.Errorf("config: Dispatch: MaxSendAttempts %d outside [%d, %d]", d.MaxSendAttempts, MinSendAttempts, MaxSendAttempts)
	}
	if d.PoolSize < 1 || d.PoolSize > MaxPoolSize {
		return fmt.Errorf("config: Dispatch: PoolSize %d outside [1, %d]", d.PoolSize, MaxPoolSize)
	}
	if d.SyncPaddingMax < 1 || d.SyncPaddingMax > limits.MaxSyncPadding {
		return fmt.Errorf("config: Dispatch: SyncPaddingMax %d outside [1, %d]", d.SyncPaddingMax, limits.MaxSyncPadding)
	}
	if c.Attachments.CDNURL != "" {
		if err := validateURL("Attachments.CDNURL", c.Attachments.CDNURL); err != nil {
			return err
		}
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: Logging: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: Logging: Format %q is invalid", c.Logging.Format)
	}
	return nil
}

// ApplyEnvironment overrides fields from WHISPERPIPE_* variables.
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv("WHISPERPIPE_SERVICE_URL"); v != "" {
		c.Service.URL = v
	}
	if v := os.Getenv("WHISPERPIPE_PASSWORD"); v != "" {
		c.Credentials.Password = v
	}
	if v := os.Getenv("WHISPERPIPE_MAX_SEND_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			logrus.WithFields(logrus.Fields{
				"function":    "Config.ApplyEnvironment",
				"env_var":     "WHISPERPIPE_MAX_SEND_ATTEMPTS",
				"value":       v,
				"error":       err.Error(),
				"using_value": c.Dispatch.MaxSendAttempts,
			}).Warn("Failed to parse environment variable, using configured value")
		case n < MinSendAttempts || n > MaxSendAttempts:
			logrus.WithFields(logrus.Fields{
				"function":    "Config.ApplyEnvironment",
				"env_var":     "WHISPERPIPE_MAX_SEND_ATTEMPTS",
				"value":       n,
				"min":         MinSendAttempts,
				"max":         MaxSendAttempts,
				"using_value": c.Dispatch.MaxSendAttempts,
			}).Warn("Environment value out of bounds, using configured value")
		default:
			c.Dispatch.MaxSendAttempts = n
		}
	}
	if v := os.Getenv("WHISPERPIPE_LOG_LEVEL"); v != "" {
		if _, err := logrus.ParseLevel(v); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Config.ApplyEnvironment",
				"env_var":  "WHISPERPIPE_LOG_LEVEL",
				"value":    v,
				"error":    err.Error(),
			}).Warn("Failed to parse environment variable, using configured value")
		} else {
			c.Logging.Level = v
		}
	}
}

// Load parses b, applies defaults and environment overrides, and
// validates the result.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys: %v", undecoded)
	}
	cfg.SetDefaults()
	cfg.ApplyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads and validates the file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// ApplyLogging configures the standard logrus logger. The returned
// closer releases the log file, if any.
func (c *Config) ApplyLogging() (func() error, error) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	if c.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.Logging.File == "" {
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return func() error {
		logrus.SetOutput(os.Stderr)
		return f.Close()
	}, nil
}

// TrustRoot decodes the sender certificate trust root. It returns nil
// when none is configured.
func (c *Config) TrustRoot() (ed25519.PublicKey, error) {
	if c.Service.TrustRoot == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(c.Service.TrustRoot)
	if err != nil {
		return nil, fmt.Errorf("config: Service: TrustRoot: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("config: Service: TrustRoot must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// LocalAddress returns the configured account address.
func (c *Config) LocalAddress() (push.Address, error) {
	var addr push.Address
	if c.Credentials.UUID != "" {
		id, err := uuid.Parse(c.Credentials.UUID)
		if err != nil {
			return push.Address{}, fmt.Errorf("config: Credentials: UUID: %w", err)
		}
		addr.UUID = id
	}
	if c.Credentials.Number != "" {
		n, err := push.ParseAddress(c.Credentials.Number)
		if err != nil || n.E164 == "" {
			return push.Address{}, fmt.Errorf("config: Credentials: Number %q is not an E.164 number", c.Credentials.Number)
		}
		addr.E164 = n.E164
	}
	if addr.IsZero() {
		return push.Address{}, errors.New("config: Credentials: UUID or Number is required")
	}
	return addr, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReadTimeout is the receive loop's read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return seconds(c.Pipe.ReadTimeoutSeconds)
}

// PipeConfig returns the transport settings for a pipe. The sealed pipe
// carries no credentials.
func (c *Config) PipeConfig(name string, authenticated bool) transport.PipeConfig {
	pc := transport.PipeConfig{
		Name:              name,
		ServiceURL:        c.Service.URL,
		UserAgent:         c.Service.UserAgent,
		KeepaliveInterval: seconds(c.Pipe.KeepaliveSeconds),
		BackoffStep:       time.Duration(c.Pipe.BackoffStepMillis) * time.Millisecond,
		MaxBackoff:        seconds(c.Pipe.MaxBackoffSeconds),
		RequestTimeout:    seconds(c.Pipe.RequestTimeoutSeconds),
	}
	if authenticated {
		addr, _ := c.LocalAddress()
		pc.Login = push.Login(addr, c.Credentials.DeviceID)
		pc.Password = c.Credentials.Password
	}
	return pc
}

// ProxyConfig returns the pipe proxy, or nil for direct connections.
func (c *Config) ProxyConfig() *transport.ProxyConfig {
	px := c.Pipe.Proxy
	if px == nil {
		return nil
	}
	return &transport.ProxyConfig{
		Type:     strings.ToLower(px.Type),
		Host:     px.Host,
		Port:     px.Port,
		Username: px.Username,
		Password: px.Password,
	}
}

// HTTPConfig returns the one-shot transport settings.
func (c *Config) HTTPConfig() transport.HTTPConfig {
	addr, _ := c.LocalAddress()
	return transport.HTTPConfig{
		ServiceURL: c.Service.URL,
		Login:      push.Login(addr, c.Credentials.DeviceID),
		Password:   c.Credentials.Password,
		UserAgent:  c.Service.UserAgent,
		RetryMax:   c.Attachments.RetryMax,
		Timeout:    seconds(c.Pipe.RequestTimeoutSeconds),
	}
}

// AttachmentConfig returns the attachment store settings. The CDN
// defaults to the service URL.
func (c *Config) AttachmentConfig() push.AttachmentConfig {
	cdn := c.Attachments.CDNURL
	if cdn == "" {
		cdn = c.Service.URL
	}
	addr, _ := c.LocalAddress()
	return push.AttachmentConfig{
		CDNURL:   cdn,
		Login:    push.Login(addr, c.Credentials.DeviceID),
		Password: c.Credentials.Password,
		RetryMax: c.Attachments.RetryMax,
		Timeout:  seconds(c.Attachments.TimeoutSeconds),
	}
}

// SenderConfig returns the dispatch settings for addr.
func (c *Config) SenderConfig(addr push.Address) messaging.SenderConfig {
	return messaging.SenderConfig{
		LocalAddress:    addr,
		DeviceID:        c.Credentials.DeviceID,
		MaxSendAttempts: c.Dispatch.MaxSendAttempts,
		PoolSize:        c.Dispatch.PoolSize,
		SyncPaddingMax:  c.Dispatch.SyncPaddingMax,
	}
}
