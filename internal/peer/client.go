// Package peer is the client side of the relay protocol: it dials the
// websocket, performs the authenticate handshake and exposes inbound
// frames as a channel for the requester and provider flows.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hoki-poki/hokipoki/internal/protocol"
)

// ErrClosed means the relay connection is gone.
var ErrClosed = errors.New("relay connection closed")

const (
	handshakeTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second
	frameBuffer      = 64
)

// Client is an authenticated relay session.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger

	// PeerID is assigned by the relay in connection_confirmed.
	PeerID string

	writeMu sync.Mutex
	frames  chan protocol.Frame
	done    chan struct{}
	once    sync.Once
}

// Dial connects, authenticates with the identity JWT and waits for
// connection_confirmed.
func Dial(ctx context.Context, relayURL, token string, log *zap.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn:   conn,
		log:    log,
		frames: make(chan protocol.Frame, frameBuffer),
		done:   make(chan struct{}),
	}

	if err := c.write(protocol.Frame{Type: protocol.TypeAuthenticate, Token: token}); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout)) //nolint:errcheck
	var confirmed protocol.Frame
	if err := conn.ReadJSON(&confirmed); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	if confirmed.Type != protocol.TypeConnectionConfirmed || confirmed.PeerID == "" {
		conn.Close()
		return nil, fmt.Errorf("relay handshake: unexpected frame %q", confirmed.Type)
	}
	c.PeerID = confirmed.PeerID
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	conn.SetPongHandler(func(string) error { return nil })

	go c.readPump()
	log.Debug("relay session established", zap.String("peer", c.PeerID))
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.frames)
		c.Close()
	}()
	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("relay read ended", zap.Error(err))
			}
			return
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// Frames is the inbound frame stream. It is closed when the connection
// drops.
func (c *Client) Frames() <-chan protocol.Frame { return c.frames }

// Send writes one frame. Safe for concurrent use.
func (c *Client) Send(f protocol.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.write(f)
}

func (c *Client) write(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// Await returns the next frame whose type is one of want. Frames of
// other types are logged and skipped; flow steps are strictly ordered,
// so anything out of band here is surplus.
func (c *Client) Await(ctx context.Context, want ...string) (protocol.Frame, error) {
	wanted := map[string]bool{}
	for _, t := range want {
		wanted[t] = true
	}
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return protocol.Frame{}, ErrClosed
			}
			if wanted[f.Type] {
				return f, nil
			}
			c.log.Debug("skipping frame while waiting",
				zap.String("got", f.Type),
				zap.Strings("want", want))
		case <-ctx.Done():
			return protocol.Frame{}, ctx.Err()
		}
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}
