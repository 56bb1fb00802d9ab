// Package transport carries request/response envelopes over one framed
// connection.
//
// The protocol is strictly request/response: a caller writes one request
// and reads exactly one response before the next caller may write. Conn
// holds a mutex across the whole round trip, so concurrent callers sharing a
// connection are served one at a time and never read each other's replies.
//
//	goroutine-1 ──RoundTrip──┐ lock: send → receive ── unlock
//	goroutine-2 ──RoundTrip──┘        (waits)          lock: send → receive
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"patchwire/codec"
	"patchwire/message"
	"patchwire/protocol"
)

// ErrClosed is returned by RoundTrip after Close.
var ErrClosed = errors.New("transport closed")

// Conn is one client connection to a server.
type Conn struct {
	conn   net.Conn
	framer *protocol.Framer
	codec  codec.Codec

	mu     sync.Mutex // held for a full round trip
	closed bool
}

// New wraps an established connection. A nil framer uses protocol.DefaultFramer.
func New(conn net.Conn, framer *protocol.Framer) *Conn {
	if framer == nil {
		framer = protocol.DefaultFramer
	}
	return &Conn{
		conn:   conn,
		framer: framer,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
	}
}

// Dial connects to addr over TCP.
func Dial(ctx context.Context, addr string, framer *protocol.Framer) (*Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return New(conn, framer), nil
}

// RoundTrip sends req and waits for its response. A deadline on ctx bounds
// the whole exchange. After a transport error the connection state is
// unknown and the caller should Close it.
func (t *Conn) RoundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	payload, err := t.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer t.conn.SetDeadline(time.Time{})
	}

	if err := t.framer.Send(t.conn, payload); err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Action, err)
	}
	body, err := t.framer.Receive(t.conn)
	if err != nil {
		return nil, fmt.Errorf("receiving %s response: %w", req.Action, err)
	}
	return codec.DecodeResponse(t.codec, body)
}

// RemoteAddr returns the server address.
func (t *Conn) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the connection. It waits for an in-flight round trip.
func (t *Conn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
