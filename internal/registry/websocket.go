package registry

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
)

// WebsocketTransport adapts a websocket connection to the Transport
// interface. Reads are pumped into a channel so the registry's worker
// consumes frames the same way for every transport.
type WebsocketTransport struct {
	conn *websocket.Conn
	in   chan []byte
	once sync.Once
}

// NewWebsocketTransport wraps an accepted or dialed websocket
// connection and starts its read pump. The pump stops, closing
// Receive, when the peer disconnects or ctx is cancelled.
func NewWebsocketTransport(ctx context.Context, conn *websocket.Conn) *WebsocketTransport {
	t := &WebsocketTransport{
		conn: conn,
		in:   make(chan []byte, 64),
	}
	go t.readPump(ctx)
	return t
}

// DialWebsocket connects to a websocket endpoint and wraps it.
func DialWebsocket(ctx context.Context, url string) (*WebsocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebsocketTransport(context.Background(), conn), nil
}

func (t *WebsocketTransport) readPump(ctx context.Context) {
	defer close(t.in)
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return
		}
		select {
		case t.in <- data:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes one frame to the peer.
func (t *WebsocketTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Receive returns the incoming frame channel.
func (t *WebsocketTransport) Receive() <-chan []byte {
	return t.in
}

// Close closes the websocket with a normal status.
func (t *WebsocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
