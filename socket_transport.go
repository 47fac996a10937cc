package phx

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the low-level duplex byte-stream collaborator a Socket
// drives. Implementations deliver exactly one onOpen, at most one of
// onClose/onError, and any number of onMessage calls. A custom Transport
// lets a host swap gorilla's websocket for any other duplex frame carrier
// without touching Socket.
type Transport interface {
	// Connect dials endpoint and begins delivering events through the
	// supplied callbacks. On a successful dial it calls onOpen before
	// returning; onClose, onError and onMessage fire afterward from a
	// goroutine the transport owns.
	Connect(ctx context.Context, endpoint string, onOpen func(), onClose func(code int, reason string), onError func(error), onMessage func(data string)) error

	// Send writes a single text frame.
	Send(data string) error

	// Close closes the underlying connection, best-effort reporting
	// code/reason to the remote peer first.
	Close(code int, reason string) error
}

// TransportFactory produces a fresh, unconnected Transport. Socket calls
// it once per Connect/reconnect cycle.
type TransportFactory func() Transport

// NewWebsocketTransportFactory returns a TransportFactory backed by
// gorilla/websocket, the default transport this module ships.
func NewWebsocketTransportFactory() TransportFactory {
	return func() Transport { return &wsTransport{} }
}

type wsTransport struct {
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

func (t *wsTransport) Connect(ctx context.Context, endpoint string, onOpen func(), onClose func(code int, reason string), onError func(error), onMessage func(data string)) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("phx: parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err == nil && isLocalhost(host) {
				addr = net.JoinHostPort("127.0.0.1", port)
			}
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &TransportError{Cause: err}
	}

	t.conn = conn
	t.done = make(chan struct{})

	conn.SetCloseHandler(func(code int, text string) error {
		return nil
	})

	go t.readLoop(onClose, onError, onMessage)
	onOpen()
	return nil
}

func (t *wsTransport) readLoop(onClose func(code int, reason string), onError func(error), onMessage func(data string)) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				onClose(ce.Code, ce.Text)
				return
			}
			onError(&TransportError{Cause: err})
			return
		}
		onMessage(string(data))
	}
}

func (t *wsTransport) Send(data string) error {
	if t.conn == nil {
		return ErrSocketClosed
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (t *wsTransport) Close(code int, reason string) error {
	if t.conn == nil {
		t.closed = true
		return nil
	}
	select {
	case <-t.done:
		t.closed = true
		return nil
	default:
		close(t.done)
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	err := t.conn.Close()
	t.closed = true
	return err
}

// Closed implements the optional transportCloser extension Socket.Disconnect
// polls before invoking its callback. Close above is itself synchronous, so
// this is true as soon as it returns.
func (t *wsTransport) Closed() bool {
	return t.closed
}

// isLocalhost reports whether host is "localhost" or a subdomain of it,
// per RFC 6761 — Go's net package doesn't resolve this the way curl and
// browsers do.
func isLocalhost(host string) bool {
	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}
