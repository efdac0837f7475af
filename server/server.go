package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrServerClosed is returned by Serve/ListenAndServe after Close or
// Shutdown has run.
var ErrServerClosed = errors.New("smtpd: server already closed")

// Server is an embeddable SMTP submission server (spec.md §1). It owns
// the Connection Supervisor (C7): admission control over how many sockets
// may be open at once (max_connections) and how many may be actively
// running the protocol loop at once (max_processings).
type Server struct {
	cfg               config
	handler           Handler
	tls               *tlsTransport
	tlsConfigOverride *tls.Config
	logger            *slog.Logger
	accept            *acceptLimiter

	mu          sync.Mutex
	cond        *sync.Cond
	connections map[net.Conn]struct{}
	processings map[net.Conn]struct{}
	listeners   []net.Listener
	wg          sync.WaitGroup
	done        chan struct{}
}

// Option configures a Server built by New.
type Option func(*Server)

// New builds a Server around handler. It fails if the accumulated options
// violate a configuration constraint (spec.md §4.10).
func New(handler Handler, opts ...Option) (*Server, error) {
	srv := &Server{
		cfg:         defaultConfig(),
		handler:     handler,
		connections: make(map[net.Conn]struct{}),
		processings: make(map[net.Conn]struct{}),
		done:        make(chan struct{}),
	}
	srv.cond = sync.NewCond(&srv.mu)

	for _, o := range opts {
		o(srv)
	}

	if err := srv.cfg.validate(); err != nil {
		return nil, err
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}

	hostTokens, err := splitNonEmpty(srv.cfg.hosts, "hosts")
	if err != nil {
		return nil, err
	}
	transport, err := newTLSTransport(srv.tlsConfigOverride, hostTokens)
	if err != nil {
		return nil, err
	}
	srv.tls = transport

	if srv.cfg.acceptRate > 0 {
		srv.accept = newAcceptLimiter(srv.cfg.acceptRate, srv.cfg.acceptInterval)
	}

	return srv, nil
}

// WithHostname sets the name the server introduces itself with in
// greetings and EHLO's first line.
func WithHostname(hostname string) Option {
	return func(s *Server) { s.cfg.hostname = hostname }
}

// WithHosts sets the comma-separated bind host list (spec.md §4.10).
func WithHosts(hosts string) Option {
	return func(s *Server) { s.cfg.hosts = hosts }
}

// WithPorts sets the comma-separated bind port list (spec.md §4.10).
func WithPorts(ports string) Option {
	return func(s *Server) { s.cfg.ports = ports }
}

// WithMaxConnections bounds how many sockets may be open at once. It must
// be >= max_processings.
func WithMaxConnections(n int) Option {
	return func(s *Server) { s.cfg.maxConnections = &n }
}

// WithMaxProcessings bounds how many connections may be actively running
// the protocol loop at once.
func WithMaxProcessings(n int) Option {
	return func(s *Server) { s.cfg.maxProcessings = n }
}

// WithPreFork enables the Process Supervisor (C8) with n worker
// processes. 0 disables pre-forking.
func WithPreFork(n int) Option {
	return func(s *Server) { s.cfg.preFork = n }
}

// WithCRLFMode selects the line-terminator policy.
func WithCRLFMode(mode CRLFMode) Option {
	return func(s *Server) { s.cfg.crlfMode = mode }
}

// WithAuthMode selects whether AUTH is forbidden, optional, or required.
func WithAuthMode(mode AuthMode) Option {
	return func(s *Server) { s.cfg.authMode = mode }
}

// WithEncryptMode selects whether STARTTLS is forbidden, optional, or
// required.
func WithEncryptMode(mode EncryptMode) Option {
	return func(s *Server) { s.cfg.encryptMode = mode }
}

// WithI18n advertises SMTPUTF8 and accepts it on MAIL FROM.
func WithI18n(enabled bool) Option {
	return func(s *Server) { s.cfg.enableI18n = enabled }
}

// WithPipelining advertises PIPELINING and stops rejecting commands sent
// ahead of their replies.
func WithPipelining(enabled bool) Option {
	return func(s *Server) { s.cfg.enablePipelining = enabled }
}

// WithReverseLookup toggles reverse-DNS resolution of remote peers on
// connect (spec.md §6 "do_dns_reverse_lookup").
func WithReverseLookup(enabled bool) Option {
	return func(s *Server) { s.cfg.doReverseLookup = enabled }
}

// WithIdleTimeout sets the Line Framer's idle deadline. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d == 0 {
			s.cfg.ioCmdTimeout = nil
			return
		}
		s.cfg.ioCmdTimeout = &d
	}
}

// WithBufferLimits sets the Line Framer's read-chunk and maximum-line
// sizes. maxSize <= 0 disables the overrun check.
func WithBufferLimits(chunkSize, maxSize int) Option {
	return func(s *Server) {
		s.cfg.ioBufferChunkSize = chunkSize
		if maxSize <= 0 {
			s.cfg.ioBufferMaxSize = nil
			return
		}
		s.cfg.ioBufferMaxSize = &maxSize
	}
}

// WithWaitBeforeClose sets the grace period Shutdown waits for in-flight
// connections before giving up.
func WithWaitBeforeClose(d time.Duration) Option {
	return func(s *Server) { s.cfg.waitBeforeClose = d }
}

// WithAcceptRateLimit throttles the accept loop to at most rate new
// connections per interval, independent of max_connections/max_processings.
// Guards against a burst of connects overwhelming the Connection Supervisor
// before per-connection admission control has a chance to apply.
func WithAcceptRateLimit(rate int, interval time.Duration) Option {
	return func(s *Server) {
		s.cfg.acceptRate = rate
		s.cfg.acceptInterval = interval
	}
}

// WithTLSConfig supplies an explicit certificate/cipher policy; without
// this option a self-signed certificate is synthesized for STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfigOverride = cfg }
}

// WithLogger sets the structured logger used for the server's own
// diagnostic logging, independent of Handler.OnLogging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// ListenAndServe resolves the configured host/port bindings and serves on
// all of them until Close/Shutdown, optionally pre-forking worker
// processes (spec.md §4.8).
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.preFork > 0 {
		return s.listenAndServePreForked(ctx)
	}

	bindings, err := ResolveBindings(ctx, s.cfg.hosts, s.cfg.ports)
	if err != nil {
		return err
	}

	listeners := make([]net.Listener, 0, len(bindings))
	for _, b := range bindings {
		l, err := net.Listen("tcp", b.String())
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			return err
		}
		listeners = append(listeners, l)
	}

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		l := l
		go func() { errCh <- s.Serve(ctx, l) }()
	}
	return <-errCh
}

// Serve accepts connections on l until Close/Shutdown or a fatal accept
// error (spec.md §4.7, grounded on the teacher's exponential-backoff
// accept loop).
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	var tempDelay time.Duration
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if maxDelay := time.Second; tempDelay > maxDelay {
					tempDelay = maxDelay
				}
				s.logger.ErrorContext(ctx, "accept error, retrying", slog.Any("err", err), slog.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		if s.accept != nil {
			s.accept.take()
		}

		s.wg.Add(1)
		go s.serveConn(ctx, c)
	}
}

// Close closes every listener and every open connection immediately.
func (s *Server) Close() error {
	select {
	case <-s.done:
		return ErrServerClosed
	default:
		close(s.done)
	}

	s.mu.Lock()
	var err error
	for _, l := range s.listeners {
		if lerr := l.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	for c := range s.connections {
		_ = c.Close()
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	return err
}

// Shutdown closes listeners, stops admitting new work, and waits up to
// wait_before_close (0 meaning unbounded) for in-flight connections to
// finish on their own (spec.md §4.7 "orderly Stop").
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrServerClosed
	default:
		close(s.done)
	}

	s.mu.Lock()
	var err error
	for _, l := range s.listeners {
		if lerr := l.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		s.wg.Wait()
	}()

	waitCtx := ctx
	if s.cfg.waitBeforeClose > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.waitBeforeClose)
		defer cancel()
	}

	select {
	case <-waitCtx.Done():
		return waitCtx.Err()
	case <-connDone:
		return err
	}
}
