package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opd-ai/whisperpipe/limits"
	"github.com/sirupsen/logrus"
)

// RoundTripper performs one request/response exchange with the service.
// Both *Pipe and *HTTPTransport implement it.
type RoundTripper interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// UnidentifiedAccessHeader carries the recipient's access key on sealed
// sends. Requests carrying it are never sent with basic auth.
const UnidentifiedAccessHeader = "Unidentified-Access-Key"

// HTTPConfig configures the one-shot transport.
type HTTPConfig struct {
	ServiceURL string
	Login      string
	Password   string
	UserAgent  string
	// RetryMax bounds retries of idempotent GET requests. Other verbs are
	// never retried at this layer because a resent message would reuse
	// ciphertext whose ratchet state has already advanced.
	RetryMax  int
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// HTTPTransport is the one-shot request transport used when no pipe is open.
type HTTPTransport struct {
	base       *url.URL
	login      string
	password   string
	userAgent  string
	once       *retryablehttp.Client
	idempotent *retryablehttp.Client
}

// NewHTTPTransport creates a one-shot transport for cfg.ServiceURL.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	base, err := url.Parse(cfg.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("parse service url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported service url scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	newClient := func(retryMax int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.RetryMax = retryMax
		c.RetryWaitMin = 500 * time.Millisecond
		c.RetryWaitMax = 5 * time.Second
		c.Logger = LeveledLogger{Entry: logrus.WithField("component", "http")}
		c.ErrorHandler = retryablehttp.PassthroughErrorHandler
		c.HTTPClient.Timeout = cfg.Timeout
		if cfg.TLSConfig != nil {
			if tr, ok := c.HTTPClient.Transport.(*http.Transport); ok {
				tr.TLSClientConfig = cfg.TLSConfig
			}
		}
		return c
	}

	return &HTTPTransport{
		base:       base,
		login:      cfg.Login,
		password:   cfg.Password,
		userAgent:  cfg.UserAgent,
		once:       newClient(0),
		idempotent: newClient(cfg.RetryMax),
	}, nil
}

// Do sends req as a plain HTTP request. Non-2xx statuses are returned as
// responses, not errors; only failures to complete the exchange are errors.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	target := strings.TrimRight(t.base.String(), "/") + "/" + strings.TrimLeft(req.Path, "/")

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := retryablehttp.NewRequestWithContext(ctx, req.Verb, target, body)
	if err != nil {
		return nil, err
	}

	for _, h := range req.Headers {
		k, v, ok := strings.Cut(h, ":")
		if ok {
			hr.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
	if t.userAgent != "" {
		hr.Header.Set("X-Signal-Agent", t.userAgent)
	}
	if _, sealed := req.Header(UnidentifiedAccessHeader); !sealed && t.login != "" {
		hr.SetBasicAuth(t.login, t.password)
	}

	client := t.once
	if req.Verb == http.MethodGet {
		client = t.idempotent
	}

	resp, err := client.Do(hr)
	if err != nil {
		oneShotRequests.WithLabelValues(statusClass(0)).Inc()
		logrus.WithFields(logrus.Fields{
			"function": "HTTPTransport.Do",
			"verb":     req.Verb,
			"path":     req.Path,
			"error":    err.Error(),
		}).Warn("One-shot request failed")
		return nil, fmt.Errorf("%s %s: %w", req.Verb, req.Path, err)
	}
	defer resp.Body.Close()
	oneShotRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limits.MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if err := limits.ValidateLength(int64(len(data)), limits.MaxFrameSize); err != nil {
		return nil, err
	}

	out := &Response{
		ID:      req.ID,
		Status:  uint32(resp.StatusCode),
		Message: http.StatusText(resp.StatusCode),
		Body:    data,
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			out.Headers = append(out.Headers, k+":"+v)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "HTTPTransport.Do",
		"verb":     req.Verb,
		"path":     req.Path,
		"status":   resp.StatusCode,
	}).Debug("One-shot request complete")
	return out, nil
}

// LeveledLogger adapts a logrus entry to retryablehttp's leveled logger.
type LeveledLogger struct {
	Entry *logrus.Entry
}

func (l LeveledLogger) fields(kv []interface{}) *logrus.Entry {
	e := l.Entry
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}

func (l LeveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l LeveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l LeveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l LeveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
