// Package transport carries requests between the client and the messaging
// service, over a persistent websocket pipe or one-shot HTTP.
//
// # Architecture
//
// Both carriers implement the same abstraction, so callers can pick
// whichever is available per request:
//
//	type RoundTripper interface {
//	    Do(ctx context.Context, req *Request) (*Response, error)
//	}
//
// A Pipe multiplexes many concurrent requests over one socket. Each frame
// is either a REQUEST or a RESPONSE; responses are matched to outstanding
// requests by the caller-chosen id. The service may also send REQUEST
// frames of its own (message pushes), which queue up for ReadRequest.
//
// # Pipe Lifecycle
//
//	dialer, err := transport.NewWebsocketDialer(nil, nil, 0)
//	pipe, err := transport.NewPipe(transport.PipeConfig{
//	    Name:       "identified",
//	    ServiceURL: "https://chat.example.org",
//	    Login:      login,
//	    Password:   password,
//	}, dialer)
//	if err := pipe.Connect(ctx); err != nil {
//	    return err
//	}
//	defer pipe.Disconnect()
//
// Connect starts a manager goroutine that dials, reads frames, sends a
// keepalive every 55 seconds and reconnects with an exponential backoff
// (200ms after the first failure, doubling, capped at 15s). When the socket fails every
// outstanding request fails with ErrPipeClosed in one step. Disconnect is
// terminal.
//
// # One-Shot Transport
//
// HTTPTransport sends a single request per HTTP exchange using
// go-retryablehttp. GET requests are retried; anything that carries
// ciphertext is not, because resending it would reuse advanced session
// state. Requests with an Unidentified-Access-Key header are sent without
// basic auth.
//
// # Proxies
//
// The websocket dialer can route through a SOCKS5 or HTTP proxy
// configured with ProxyConfig.
//
// # Metrics
//
// RegisterMetrics exposes pipe state, reconnects, outstanding requests,
// push queue depth and one-shot status classes to Prometheus.
package transport
