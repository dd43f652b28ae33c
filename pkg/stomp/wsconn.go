package stomp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

const handshakeTimeout = 30 * time.Second

// wsConn adapts a websocket connection to the io.ReadWriteCloser the
// STOMP library expects. Reads span message boundaries transparently.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func dialWebsocket(ctx context.Context, offering *types.Offering) (*wsConn, error) {
	scheme := "wss"
	if !offering.WebsocketUseTLS {
		scheme = "ws"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", offering.StompWSHost, offering.StompWSPort),
		Path:   offering.StompWSPath,
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"v12.stomp", "v11.stomp"},
	}
	if !offering.VerifySSL {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (HTTP %d): %w", u.String(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", u.String(), err)
	}
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
