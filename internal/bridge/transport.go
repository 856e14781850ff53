package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// Transport carries Envelopes between the parent (host page) and the
// wallet engine. ChannelTransport covers the default in-process case (the
// wallet engine runs embedded in the host's own process); WebsocketTransport
// covers the genuinely cross-process case spec.md §5 calls out separately
// from the single-threaded cooperative wallet-origin runtime.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive() <-chan Envelope
	Close() error
}

// NewChannelPair builds two ChannelTransports wired to each other, modeling
// a same-process parent<->wallet link with no serialization boundary.
func NewChannelPair(buffer int) (parent, wallet Transport) {
	toWallet := make(chan Envelope, buffer)
	toParent := make(chan Envelope, buffer)
	closeOnce := &sync.Once{}
	closed := make(chan struct{})

	p := &channelTransport{send: toWallet, recv: toParent, closed: closed, closeOnce: closeOnce}
	w := &channelTransport{send: toParent, recv: toWallet, closed: closed, closeOnce: closeOnce}
	return p, w
}

type channelTransport struct {
	send      chan<- Envelope
	recv      chan Envelope
	closed    chan struct{}
	closeOnce *sync.Once
}

func (c *channelTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return werrors.New(werrors.Unknown, "bridge transport closed")
	case <-ctx.Done():
		return werrors.Wrap(werrors.UserCancelled, "bridge send cancelled", ctx.Err())
	}
}

func (c *channelTransport) Receive() <-chan Envelope { return c.recv }

func (c *channelTransport) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// WebsocketTransport adapts a *websocket.Conn (either side) to Transport,
// grounded on the teacher pack's own websocket client idiom (a single
// reader goroutine feeding a channel, a write mutex guarding the
// connection) rather than exposing the raw *websocket.Conn to callers.
type WebsocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	recvCh  chan Envelope
	closed  chan struct{}
	once    sync.Once
}

// NewWebsocketTransport wraps conn and starts its read pump. Closing the
// returned Transport also closes conn.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	t := &WebsocketTransport{
		conn:   conn,
		recvCh: make(chan Envelope, 32),
		closed: make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *WebsocketTransport) readPump() {
	defer close(t.recvCh)
	for {
		var env Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case t.recvCh <- env:
		case <-t.closed:
			return
		}
	}
}

func (t *WebsocketTransport) Send(ctx context.Context, env Envelope) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return werrors.Wrap(werrors.Unknown, "set bridge write deadline", err)
	}
	if err := t.conn.WriteJSON(env); err != nil {
		return werrors.Wrap(werrors.Unknown, "write bridge envelope", err)
	}
	return nil
}

func (t *WebsocketTransport) Receive() <-chan Envelope { return t.recvCh }

func (t *WebsocketTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.conn.Close()
}
