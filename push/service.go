package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/opd-ai/whisperpipe/sealed"
	"github.com/opd-ai/whisperpipe/transport"
	"github.com/sirupsen/logrus"
)

const (
	messagePath = "/v1/messages/%s"
	preKeyPath  = "/v2/keys/%s/%s"

	// MessagePushPath is the path the service uses to push envelopes.
	MessagePushPath = "/api/v1/message"
)

// ServiceClient makes the service calls the core depends on over a
// one-shot transport.
type ServiceClient struct {
	rt transport.RoundTripper
}

// NewServiceClient wraps rt.
func NewServiceClient(rt transport.RoundTripper) *ServiceClient {
	return &ServiceClient{rt: rt}
}

func withRelay(path string, addr Address) string {
	if addr.Relay == "" {
		return path
	}
	return path + "?relay=" + url.QueryEscape(addr.Relay)
}

// FetchPreKeys returns the bundles for one device of addr. Asking for the
// primary device returns bundles for every device the account has.
func (c *ServiceClient) FetchPreKeys(ctx context.Context, addr Address, deviceID uint32, access *sealed.UnidentifiedAccess) ([]*PreKeyBundle, error) {
	device := strconv.FormatUint(uint64(deviceID), 10)
	if deviceID == DefaultDeviceID {
		device = "*"
	}

	req := &transport.Request{
		Verb: http.MethodGet,
		Path: withRelay(fmt.Sprintf(preKeyPath, url.PathEscape(addr.Identifier()), device), addr),
	}
	if access != nil {
		req.Headers = append(req.Headers, transport.UnidentifiedAccessHeader+":"+access.HeaderValue())
	}

	resp, err := c.rt.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, StatusErr("fetch pre-keys", addr, resp.Status, resp.Message)
	}

	var body PreKeyResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, err
	}
	bundles, err := body.Bundles()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ServiceClient.FetchPreKeys",
		"recipient": addr.Identifier(),
		"device":    device,
		"bundles":   len(bundles),
	}).Debug("Fetched pre-key bundles")
	return bundles, nil
}

// FetchPreKey returns the bundle for exactly one device.
func (c *ServiceClient) FetchPreKey(ctx context.Context, addr Address, deviceID uint32) (*PreKeyBundle, error) {
	req := &transport.Request{
		Verb: http.MethodGet,
		Path: withRelay(fmt.Sprintf(preKeyPath, url.PathEscape(addr.Identifier()), strconv.FormatUint(uint64(deviceID), 10)), addr),
	}
	resp, err := c.rt.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, StatusErr("fetch pre-key", addr, resp.Status, resp.Message)
	}

	var body PreKeyResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, err
	}
	bundles, err := body.Bundles()
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("fetch pre-key: no bundle for device %d", deviceID)
	}
	return bundles[0], nil
}

// NewSendRequest builds the message send request for list. With access
// set, the request authenticates with the recipient's access key instead
// of our credentials.
func NewSendRequest(addr Address, list *OutgoingEnvelopeList, access *sealed.UnidentifiedAccess) (*transport.Request, error) {
	body, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode message list: %w", err)
	}
	req := &transport.Request{
		Verb:    http.MethodPut,
		Path:    withRelay(fmt.Sprintf(messagePath, url.PathEscape(addr.Identifier())), addr),
		Headers: []string{"content-type:application/json"},
		Body:    body,
	}
	if access != nil {
		req.Headers = append(req.Headers, transport.UnidentifiedAccessHeader+":"+access.HeaderValue())
	}
	return req, nil
}

// DecodeSendResponse decodes a 200 body. An empty body means no sync.
func DecodeSendResponse(body []byte) (*SendMessageResponse, error) {
	r := &SendMessageResponse{}
	if len(body) == 0 {
		return r, nil
	}
	return r, decodeJSON(body, r)
}

// DecodeMismatchedDevices decodes a 409 body.
func DecodeMismatchedDevices(body []byte) (*MismatchedDevices, error) {
	m := &MismatchedDevices{}
	return m, decodeJSON(body, m)
}

// DecodeStaleDevices decodes a 410 body.
func DecodeStaleDevices(body []byte) (*StaleDevices, error) {
	s := &StaleDevices{}
	return s, decodeJSON(body, s)
}
