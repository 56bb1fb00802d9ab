// Package client talks to a patchwire server over one persistent connection.
package client

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"patchwire/discovery"
	"patchwire/dispatch"
	"patchwire/hotpatch"
	"patchwire/loadbalance"
	"patchwire/message"
	"patchwire/protocol"
	"patchwire/transport"
	"patchwire/version"
)

// Client issues calls one at a time over a single connection. It is safe for
// concurrent use; calls are serialised.
type Client struct {
	log    *zap.SugaredLogger
	conn   *transport.Conn
	digest hotpatch.Digest
}

type options struct {
	logger *zap.Logger
	framer *protocol.Framer
	digest hotpatch.Digest
}

type Option func(o *options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithFramer(f *protocol.Framer) Option {
	return func(o *options) {
		o.framer = f
	}
}

// WithDigest selects the checksum algorithm UpdateWorker computes. It must
// match the server's.
func WithDigest(d hotpatch.Digest) Option {
	return func(o *options) {
		o.digest = d
	}
}

func newOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), digest: hotpatch.MD5}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	conn, err := transport.Dial(ctx, addr, o.framer)
	if err != nil {
		return nil, err
	}
	c := &Client{
		log:    o.logger.Named("client").Sugar(),
		conn:   conn,
		digest: o.digest,
	}
	c.log.Debugw("connected", "addr", addr)
	return c, nil
}

// DialDiscovered picks a server from reg with bal and connects to it.
// Servers speaking another protocol major are skipped.
func DialDiscovered(ctx context.Context, reg discovery.Registry, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx)
	if err != nil {
		return nil, err
	}

	compatible := instances[:0:0]
	want, _ := version.Major(version.Protocol)
	for _, inst := range instances {
		// Registrations without a protocol version predate it and are kept
		if inst.ProtocolVersion != "" {
			if got, err := version.Major(inst.ProtocolVersion); err != nil || got != want {
				continue
			}
		}
		compatible = append(compatible, inst)
	}

	inst, err := bal.Pick(compatible)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, inst.Addr, opts...)
}

// Call performs action with params. A response with success=false is
// returned as a response, not an error; errors are transport failures.
func (c *Client) Call(ctx context.Context, action string, params map[string]string) (*message.Response, error) {
	if params == nil {
		params = map[string]string{}
	}
	req := &message.Request{
		ProtocolVersion: version.Protocol,
		ClientVersion:   version.Client,
		Action:          action,
		Params:          params,
	}
	resp, err := c.conn.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	c.log.Debugw("call", "action", action, "success", resp.Success, "workerVersion", resp.WorkerVersion)
	return resp, nil
}

// Actions lists the server's actions, server actions first.
func (c *Client) Actions(ctx context.Context) ([]message.ActionInfo, error) {
	resp, err := c.Call(ctx, dispatch.ActionGetActions, nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("get_actions: %s", resp.Text())
	}
	var infos []message.ActionInfo
	if err := resp.Decode(&infos); err != nil {
		return nil, fmt.Errorf("decoding action list: %w", err)
	}
	return infos, nil
}

// UpdateWorker uploads content as the new worker, with its checksum.
func (c *Client) UpdateWorker(ctx context.Context, content []byte) (*message.Response, error) {
	return c.Call(ctx, hotpatch.ActionUpdate, map[string]string{
		"file_data": message.EncodeFile(content),
		"checksum":  c.digest.Sum(content),
	})
}

// UpdateWorkerFile uploads the worker manifest at path.
func (c *Client) UpdateWorkerFile(ctx context.Context, path string) (*message.Response, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.UpdateWorker(ctx, content)
}

// CheckWorker reports whether the server's worker matches checksum.
func (c *Client) CheckWorker(ctx context.Context, checksum string) (bool, error) {
	resp, err := c.Call(ctx, hotpatch.ActionCheck, map[string]string{"checksum": checksum})
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Exit ends the session; the server closes the connection after replying.
func (c *Client) Exit(ctx context.Context) error {
	defer c.conn.Close()
	_, err := c.Call(ctx, dispatch.ActionExit, nil)
	return err
}

// Close closes the connection without saying goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ParamNames returns info's parameter names in declaration order.
func ParamNames(info message.ActionInfo) []string {
	names := make([]string, len(info.Params))
	for i, p := range info.Params {
		names[i] = p.Name
	}
	return names
}
