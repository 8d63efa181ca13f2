// Package transport carries fastPort's hybrid text/binary frames over
// a single gorilla/websocket connection (grounded on the websocket
// stack named across the pack's manifests, e.g. webitel-im-delivery-service
// and gravitational-teleport). It enforces the configured payload cap
// and keeps the connection alive with ping/pong, but knows nothing
// about sessions, topics, or the wire JSON shapes above it — that is
// internal/connection's job.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = (defaultPongWait * 9) / 10

	// defaultWriteWait bounds every outbound write (spec §5
	// "Backpressure"): the broker never blocks one subscriber's stall on
	// delivery to others, so a write that cannot complete within this
	// deadline is treated as a stalled peer and the connection is closed
	// rather than left to hang a fan-out indefinitely.
	defaultWriteWait = 5 * time.Second
)

// ErrClosed is returned by SendText/SendBinary after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn wraps a *websocket.Conn with a write mutex (gorilla websocket
// connections support one concurrent reader and one concurrent writer,
// never two concurrent writers) and enforces MAX_PAYLOAD_SIZE.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool

	maxPayload int64
}

// New wraps ws, applying maxPayload (bytes) as both the read limit and
// the cap checked before every write. A maxPayload of 0 means no cap.
func New(ws *websocket.Conn, maxPayload int64) *Conn {
	c := &Conn{ws: ws, maxPayload: maxPayload}
	if maxPayload > 0 {
		ws.SetReadLimit(maxPayload)
	}
	ws.SetReadDeadline(time.Now().Add(defaultPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(defaultPongWait))
		return nil
	})
	return c
}

// SendText writes a text frame (JSON envelope).
func (c *Conn) SendText(b []byte) error { return c.send(websocket.TextMessage, b) }

// SendBinary writes a binary frame (file chunk).
func (c *Conn) SendBinary(b []byte) error { return c.send(websocket.BinaryMessage, b) }

func (c *Conn) send(messageType int, b []byte) error {
	if c.maxPayload > 0 && int64(len(b)) > c.maxPayload {
		return c.Close()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err := c.ws.WriteMessage(messageType, b); err != nil {
		// A peer that can't keep up with its own socket buffer is
		// indistinguishable from a dead one at this layer; close rather
		// than let the caller (a fan-out loop serving other subscribers
		// too) retry into the same stall.
		c.closed = true
		c.ws.Close()
		return err
	}
	return nil
}

// ReadMessage blocks for the next frame, reporting whether it was
// binary.
func (c *Conn) ReadMessage() (binary bool, data []byte, err error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return false, nil, err
	}
	return mt == websocket.BinaryMessage, data, nil
}

// RunPinger periodically pings the peer until stop is closed or a
// write fails; it should run in its own goroutine per connection.
func (c *Conn) RunPinger(stop <-chan struct{}) {
	ticker := time.NewTicker(defaultPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			closed := c.closed
			if !closed {
				_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
			c.writeMu.Unlock()
			if closed {
				return
			}
		}
	}
}

// Close closes the underlying socket. Idempotent.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
