package stream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const closeWriteTimeout = time.Second

// WebsocketDialer dials the execution stream over gorilla/websocket.
type WebsocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebsocketDialer builds a dialer for the stream endpoint at path on serverURL.
// http and https server URLs are mapped to ws and wss.
func NewWebsocketDialer(serverURL, path string, handshakeTimeout time.Duration) (*WebsocketDialer, error) {
	streamURL, err := StreamURL(serverURL, path)
	if err != nil {
		return nil, err
	}
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WebsocketDialer{URL: streamURL, Dialer: &d}, nil
}

// StreamURL resolves path against serverURL and switches the scheme to websocket.
func StreamURL(serverURL, path string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", serverURL)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *websocketConn) Send(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, errors.Wrapf(ErrClosed, "code %d", closeErr.Code)
		}
		return nil, err
	}
	return data, nil
}

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
