package push

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opd-ai/whisperpipe/content"
	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/opd-ai/whisperpipe/limits"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/sirupsen/logrus"
)

const attachmentPath = "/attachments/"

// ErrAttachmentTooLarge is returned for uploads above limits.MaxAttachmentSize.
var ErrAttachmentTooLarge = errors.New("attachment too large")

// AttachmentConfig configures the attachment storage client.
type AttachmentConfig struct {
	CDNURL   string
	Login    string
	Password string
	// RetryMax bounds download retries. Uploads stream their body and
	// are never retried.
	RetryMax int
	Timeout  time.Duration
}

// AttachmentStore uploads and downloads encrypted attachments.
type AttachmentStore struct {
	base     string
	login    string
	password string
	upload   *retryablehttp.Client
	download *retryablehttp.Client
}

// NewAttachmentStore creates a store for cfg.CDNURL.
func NewAttachmentStore(cfg AttachmentConfig) (*AttachmentStore, error) {
	if !strings.HasPrefix(cfg.CDNURL, "http://") && !strings.HasPrefix(cfg.CDNURL, "https://") {
		return nil, fmt.Errorf("unsupported attachment url %q", cfg.CDNURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	newClient := func(retryMax int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.RetryMax = retryMax
		c.Logger = transport.LeveledLogger{Entry: logrus.WithField("component", "attachments")}
		c.ErrorHandler = retryablehttp.PassthroughErrorHandler
		c.HTTPClient.Timeout = cfg.Timeout
		return c
	}

	return &AttachmentStore{
		base:     strings.TrimRight(cfg.CDNURL, "/"),
		login:    cfg.Login,
		password: cfg.Password,
		upload:   newClient(0),
		download: newClient(cfg.RetryMax),
	}, nil
}

func (s *AttachmentStore) url(id uint64) string {
	return s.base + attachmentPath + strconv.FormatUint(id, 10)
}

func newAttachmentID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Upload encrypts size bytes of plaintext under a fresh key while streaming
// them to the store, and returns the pointer a recipient needs to fetch and
// open the attachment.
func (s *AttachmentStore) Upload(ctx context.Context, plaintext io.Reader, size int64, contentType string) (*content.AttachmentPointer, error) {
	if err := limits.ValidateLength(size, limits.MaxAttachmentSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentTooLarge, err)
	}

	key, err := crypto.NewAttachmentKey()
	if err != nil {
		return nil, err
	}
	id, err := newAttachmentID()
	if err != nil {
		return nil, fmt.Errorf("attachment id: %w", err)
	}

	padded := crypto.PaddedSize(size)
	enc, err := crypto.NewAttachmentEncryptor(crypto.NewPaddingReader(plaintext, size), key)
	if err != nil {
		return nil, err
	}

	// The encryptor is consumed exactly once. retryablehttp probes the
	// function before sending without reading from it.
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) { return enc, nil })
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, s.url(id), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = crypto.AttachmentCiphertextLength(padded)
	req.Header.Set("Content-Type", "application/octet-stream")
	if s.login != "" {
		req.SetBasicAuth(s.login, s.password)
	}

	resp, err := s.upload.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusErr("upload attachment", Address{}, uint32(resp.StatusCode), http.StatusText(resp.StatusCode))
	}

	logrus.WithFields(logrus.Fields{
		"function": "AttachmentStore.Upload",
		"id":       id,
		"size":     size,
		"written":  enc.Written(),
	}).Debug("Attachment uploaded")

	return &content.AttachmentPointer{
		ID:          id,
		ContentType: contentType,
		Key:         key,
		Size:        uint32(size),
		Digest:      enc.Digest(),
	}, nil
}

// Download fetches the attachment ptr refers to, verifies it against the
// pointer's digest and writes the plaintext to dst. Nothing is written to
// dst unless the whole ciphertext authenticates.
func (s *AttachmentStore) Download(ctx context.Context, ptr *content.AttachmentPointer, dst io.Writer) (int64, error) {
	log := logrus.WithFields(logrus.Fields{
		"function": "AttachmentStore.Download",
		"id":       ptr.ID,
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.url(ptr.ID), nil)
	if err != nil {
		return 0, err
	}
	if s.login != "" {
		req.SetBasicAuth(s.login, s.password)
	}

	resp, err := s.download.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, StatusErr("download attachment", Address{}, uint32(resp.StatusCode), http.StatusText(resp.StatusCode))
	}

	tmp, err := os.CreateTemp("", "attachment-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	maxWire := crypto.AttachmentCiphertextLength(crypto.PaddedSize(limits.MaxAttachmentSize))
	size, err := io.Copy(tmp, io.LimitReader(resp.Body, maxWire+1))
	if err != nil {
		return 0, fmt.Errorf("download attachment: %w", err)
	}
	if err := limits.ValidateLength(size, maxWire); err != nil {
		return 0, err
	}

	dec, err := crypto.NewAttachmentDecryptor(tmp, size, ptr.Key, ptr.Digest)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Attachment failed verification")
		return 0, err
	}
	if ptr.Size > 0 {
		dec.LimitPlaintext(int64(ptr.Size))
	}

	n, err := io.Copy(dst, dec.Reader())
	if err != nil {
		return n, err
	}
	log.WithField("size", n).Debug("Attachment downloaded")
	return n, nil
}
