// Package server implements the patchwire command server: accept loop,
// per-connection session loop, built-in actions and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine per connection, strictly serial)
//	  → protocol.Receive → codec.DecodeRequest → version.Gate
//	    → Middleware Chain → Dispatcher → Decorate → protocol.Send
//
// A session ends when the peer disconnects, sends something that is not a
// valid frame or envelope, fails the version gate (after one failure
// response) or calls exit (after its acknowledgement).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"patchwire/action"
	"patchwire/codec"
	"patchwire/discovery"
	"patchwire/dispatch"
	"patchwire/hotpatch"
	"patchwire/message"
	"patchwire/middleware"
	"patchwire/protocol"
	"patchwire/version"
)

const DefaultAddr = "0.0.0.0:12345"

// Server serves the built-in actions and the worker owned by a Patcher.
type Server struct {
	log         *zap.SugaredLogger
	logger      *zap.Logger
	framer      *protocol.Framer
	codec       codec.Codec
	patcher     *hotpatch.Patcher
	dispatcher  *dispatch.Dispatcher
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatcher)))

	registry      discovery.Registry // nil when discovery is off
	advertiseAddr string             // address published to the registry, must be routable
	weight        int
	ttl           int64

	mu       sync.Mutex // guards listener, conns, shutdown
	listener net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool
	inflight sync.WaitGroup // requests between receive and send
	sessions sync.WaitGroup // connection goroutines
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
		s.log = l.Named("server").Sugar()
	}
}

// WithFramer sets the frame limits used on every connection.
func WithFramer(f *protocol.Framer) Option {
	return func(s *Server) {
		s.framer = f
	}
}

// WithMiddleware appends middlewares, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

// WithRegistry publishes the server as advertiseAddr while it serves.
// advertiseAddr differs from the listen address because "0.0.0.0:12345"
// is not something a client can dial.
func WithRegistry(reg discovery.Registry, advertiseAddr string, weight int, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.weight = weight
		s.ttl = ttl
	}
}

// New creates a server around patcher's worker.
func New(patcher *hotpatch.Patcher, opts ...Option) (*Server, error) {
	s := &Server{
		log:     zap.NewNop().Sugar(),
		logger:  zap.NewNop(),
		framer:  protocol.DefaultFramer,
		codec:   codec.GetCodec(codec.CodecTypeJSON),
		patcher: patcher,
		conns:   make(map[net.Conn]struct{}),
		ttl:     10,
	}
	for _, o := range opts {
		o(s)
	}

	s.dispatcher = dispatch.New(patcher, dispatch.WithLogger(s.logger))
	err := s.dispatcher.SetServerActions(version.Server,
		s.dispatcher.GetActionsDescriptor(),
		patcher.UpdateDescriptor(),
		patcher.CheckDescriptor(),
		exitDescriptor(),
	)
	if err != nil {
		return nil, err
	}

	// Built once, not per request
	s.handler = middleware.Chain(s.middlewares...)(s.dispatcher.Dispatch)
	return s, nil
}

// Use appends a middleware. It must be called before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatcher.Dispatch)
}

// Dispatcher exposes the action tables, mainly for listing.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func exitDescriptor() action.Descriptor {
	return action.Descriptor{
		Name:         dispatch.ActionExit,
		ResponseType: message.TypeString,
		Handler: func(ctx context.Context, params action.Params) (*message.Response, error) {
			return message.Text(true, "Goodbye"), nil
		},
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. It returns nil after
// Shutdown and the Accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Infow("server listening",
		"addr", l.Addr().String(),
		"protocolVersion", version.Protocol,
		"serverVersion", version.Server,
		"workerVersion", s.patcher.Current().Version(),
	)

	if s.registry != nil {
		err := s.registry.Register(context.Background(), discovery.Instance{
			Addr:            s.advertiseAddr,
			ServerVersion:   version.Server,
			ProtocolVersion: version.Protocol,
			Weight:          s.weight,
		}, s.ttl)
		if err != nil {
			l.Close()
			return fmt.Errorf("registering server: %w", err)
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener in Shutdown unblocks Accept
			if s.closing() {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// begin marks a request in flight, or reports that the server is stopping.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.inflight.Add(1)
	return true
}

// handleConn runs one session. The connection is owned by this goroutine and
// released on every exit path.
func (s *Server) handleConn(conn net.Conn) {
	defer s.sessions.Done()
	defer s.untrack(conn)

	session := uuid.NewString()
	log := s.log.With("session", session, "remote", conn.RemoteAddr().String())
	ctx := middleware.WithSession(context.Background(), session)
	log.Infow("client connected")

	for {
		payload, err := s.framer.Receive(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) {
				log.Infow("client disconnected")
			} else {
				log.Warnw("dropping connection", "error", err)
			}
			return
		}

		req, err := codec.DecodeRequest(s.codec, payload)
		if err != nil {
			log.Warnw("dropping connection", "error", err)
			return
		}

		if !s.begin() {
			return
		}
		done := s.serve(ctx, log, conn, req)
		s.inflight.Done()
		if done {
			return
		}
	}
}

// serve answers one request and reports whether the session is over.
func (s *Server) serve(ctx context.Context, log *zap.SugaredLogger, conn net.Conn, req *message.Request) bool {
	ctx, worker := s.dispatcher.Snapshot(ctx)

	if err := version.Gate(req, version.Protocol); err != nil {
		log.Warnw("rejecting client",
			"error", err,
			"protocolVersion", req.ProtocolVersion,
			"clientVersion", req.ClientVersion,
		)
		s.send(log, conn, worker, message.Failure("Incompatible client version: %s", peerVersion(req, err)))
		return true
	}

	resp := s.handler(ctx, req)
	if resp == nil {
		resp = message.Failure("Error performing action: %s returned no response", req.Action)
	}
	if err := s.send(log, conn, worker, resp); err != nil {
		return true
	}

	if req.Action == dispatch.ActionExit {
		log.Infow("client exited")
		return true
	}
	return false
}

// send decorates resp with the worker table that served the request.
func (s *Server) send(log *zap.SugaredLogger, conn net.Conn, worker *action.Table, resp *message.Response) error {
	resp.Decorate(message.Versions{
		Protocol: version.Protocol,
		Server:   version.Server,
		Worker:   worker.Version(),
	})
	out, err := s.codec.Encode(resp)
	if err != nil {
		log.Errorw("encoding response", "error", err)
		return err
	}
	if err := s.framer.Send(conn, out); err != nil {
		log.Warnw("sending response", "error", err)
		return err
	}
	return nil
}

// peerVersion is the version reported back to a rejected client: the field
// that failed the gate.
func peerVersion(req *message.Request, err error) string {
	var incompatible *version.IncompatibleError
	if errors.As(err, &incompatible) {
		return incompatible.Version
	}
	if req.ProtocolVersion != "" {
		return req.ProtocolVersion
	}
	return req.ClientVersion
}

// Shutdown stops the server:
//  1. Deregister from discovery, so clients stop picking this server
//  2. Stop accepting and refuse new requests on open sessions
//  3. Wait for in-flight requests, at most timeout
//  4. Close every connection and, if drained, wait for the session goroutines
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs []error
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.advertiseAddr); err != nil {
			errs = append(errs, fmt.Errorf("deregistering: %w", err))
		}
		cancel()
	}

	s.mu.Lock()
	s.shutdown = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	drained := true
	select {
	case <-done:
	case <-time.After(timeout):
		drained = false
		errs = append(errs, errors.New("timeout waiting for in-flight requests to finish"))
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	// A session stuck in a handler cannot be interrupted, only waited for
	if drained {
		s.sessions.Wait()
	}

	s.log.Infow("server stopped")
	return errors.Join(errs...)
}
