package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/BioHazard786/portal/internal/dns"
	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 15 * time.Second
	maxMessageSize   = 64 * 1024 // enough for SDP with trickled candidates
)

// Transport is one underlying connection to the signaling server. Reads and
// writes may run on different goroutines; Close may be called from any
// goroutine and must unblock a pending read.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a new Transport to rawURL.
type DialFunc func(ctx context.Context, rawURL string) (Transport, error)

// ErrUnexpectedFrame is returned by a Transport for a frame that is not text.
// The connection stays usable.
var ErrUnexpectedFrame = errors.New("unexpected non-text frame")

// WebSocketDialer dials with gorilla/websocket, resolving the host through the
// DNS fallback resolver so that a broken system resolver does not strand the
// client.
func WebSocketDialer() DialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}

			ip, err := dns.Lookup(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}

			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
	}

	return func(ctx context.Context, rawURL string) (Transport, error) {
		conn, _, err := dialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		conn.SetReadLimit(maxMessageSize)
		return &wsTransport{conn: conn}, nil
	}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch kind {
		case websocket.TextMessage:
			return data, nil
		case websocket.BinaryMessage:
			return nil, ErrUnexpectedFrame
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	// WriteControl may run concurrently with WriteMessage.
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return t.conn.Close()
}
