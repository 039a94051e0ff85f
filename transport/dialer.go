package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/whisperpipe/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Conn is one established pipe socket carrying binary frames.
// WriteFrame may be called concurrently with ReadFrame. Close unblocks both.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// Dialer opens pipe sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// ProxyConfig routes pipe connections through a proxy.
type ProxyConfig struct {
	Type     string // "socks5" or "http"
	Host     string
	Port     uint16
	Username string
	Password string
}

// WebsocketDialer dials pipe sockets with gorilla/websocket.
type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWebsocketDialer creates a dialer. tlsConfig may be nil to use the
// system roots; proxyCfg may be nil for direct connections.
func NewWebsocketDialer(tlsConfig *tls.Config, proxyCfg *ProxyConfig, handshakeTimeout time.Duration) (*WebsocketDialer, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultKeepaliveInterval + 10*time.Second
	}
	d := &websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   16 * 1024,
		WriteBufferSize:  16 * 1024,
	}

	if proxyCfg != nil {
		proxyAddr := net.JoinHostPort(proxyCfg.Host, fmt.Sprint(proxyCfg.Port))
		logrus.WithFields(logrus.Fields{
			"function":   "NewWebsocketDialer",
			"proxy_type": proxyCfg.Type,
			"proxy_addr": proxyAddr,
		}).Info("Routing pipe through proxy")

		switch proxyCfg.Type {
		case "socks5":
			var auth *proxy.Auth
			if proxyCfg.Username != "" || proxyCfg.Password != "" {
				auth = &proxy.Auth{User: proxyCfg.Username, Password: proxyCfg.Password}
			}
			socks, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
			}
			d.NetDialContext = contextDialer(socks)
		case "http":
			u := &url.URL{Scheme: "http", Host: proxyAddr}
			if proxyCfg.Username != "" {
				u.User = url.UserPassword(proxyCfg.Username, proxyCfg.Password)
			}
			d.Proxy = http.ProxyURL(u)
		default:
			return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5' or 'http')", proxyCfg.Type)
		}
	}

	return &WebsocketDialer{dialer: d, writeTimeout: 10 * time.Second}, nil
}

func contextDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

// Dial opens a websocket to rawURL.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Status: resp.StatusCode, Op: "websocket handshake", Err: err}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(limits.MaxFrameSize)
	return newWSConn(ws, d.writeTimeout), nil
}

// wsConn serializes writers; gorilla allows one concurrent reader and one
// concurrent writer.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	c := &wsConn{ws: ws, writeTimeout: writeTimeout}
	ws.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c
}

// ReadFrame returns the next binary message. Text messages are skipped.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, b, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return b, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "wsConn.ReadFrame",
			"type":     typ,
		}).Debug("Ignoring non-binary websocket message")
	}
}

func (c *wsConn) WriteFrame(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "OK"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
