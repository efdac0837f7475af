package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mailsubmit/smtpd"
)

// serveConn runs the Connection Supervisor (C7) for one accepted socket:
// admission control, greeting, the session loop, and teardown. Grounded
// on the teacher's handleConn, generalized from its single Backend
// session type to this package's explicit Session/Handler pair.
func (s *Server) serveConn(ctx context.Context, netConn net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.admitConnection(netConn) {
		_ = writeReply(netConn, smtpd.ErrTooManyConns)
		_ = netConn.Close()
		return
	}
	defer s.releaseConnection(netConn)

	if !s.waitForProcessingSlot(netConn) {
		_ = netConn.Close()
		return
	}
	defer s.releaseProcessingSlot(netConn)

	sess := NewSession()
	s.fillConnInfo(ctx, sess, netConn)

	defer func() {
		if r := recover(); r != nil {
			_ = writeReply(netConn, smtpd.ErrConnection)
			s.handler.OnLogging(ctx, sess, slog.LevelError, "panic serving connection", fmt.Errorf("%v", r))
		}
		s.handler.OnDisconnect(ctx, sess)
		_ = netConn.Close()
	}()

	if err := s.handler.OnConnect(ctx, sess); err != nil {
		_ = writeReply(netConn, asStatus(err, 554, smtpd.EnhancedCodeNotSet, "on_connect"))
		return
	}

	greeting := sess.Server.LocalResponse
	if greeting == "" {
		greeting = fmt.Sprintf("%s ESMTP Service ready", s.cfg.hostname)
	}
	if err := writeReply(netConn, smtpd.NewStatus(220, smtpd.NoEnhancedCode, greeting)); err != nil {
		return
	}

	s.sessionLoop(ctx, sess, netConn)
}

// sessionLoop drives the Line Framer, CRLF policy, and Command Dispatcher
// for the lifetime of one connection, swapping in the TLS stream in place
// when STARTTLS completes.
func (s *Server) sessionLoop(ctx context.Context, sess *Session, netConn net.Conn) {
	var maxSize int
	if s.cfg.ioBufferMaxSize != nil {
		maxSize = *s.cfg.ioBufferMaxSize
	}
	var idleTO time.Duration
	if s.cfg.ioCmdTimeout != nil {
		idleTO = *s.cfg.ioCmdTimeout
	}

	conn := netConn
	framer := NewFramer(conn, s.cfg.ioBufferChunkSize, maxSize, idleTO)

	for {
		raw, err := framer.ReadLine()
		if err != nil {
			s.handleFramerError(ctx, sess, conn, err)
			return
		}

		content, terminator, cerr := applyCRLFPolicy(s.cfg.crlfMode, raw)
		if cerr != nil {
			if werr := writeReply(conn, asStatus(cerr, 500, smtpd.EnhancedCode{5, 5, 2}, "crlf_policy")); werr != nil {
				return
			}
			continue
		}

		res := dispatchLine(ctx, sess, s.handler, &s.cfg, content, terminator, framer.Buffered())
		if res.reply != nil {
			if werr := writeReply(conn, res.reply); werr != nil {
				return
			}
		}

		if res.startTLS {
			newConn, err := s.tls.Start(conn)
			if err != nil {
				s.handler.OnLogging(ctx, sess, slog.LevelError, "starttls handshake failed", err)
				return
			}
			conn = newConn
			framer.SetConn(conn)
			sess.Server.Encrypted = time.Now()
			sess.ResetAfterSTARTTLS()
		}

		if res.closeAfterReply {
			return
		}
	}
}

// handleFramerError maps a Line Framer failure to the right farewell
// reply, or to no reply at all for a transport abort (spec.md §7).
func (s *Server) handleFramerError(ctx context.Context, sess *Session, conn net.Conn, err error) {
	switch {
	case errors.Is(err, ErrFramerTimeout):
		_ = writeReply(conn, smtpd.ErrIdleTimeout)
	case errors.Is(err, ErrOverrun):
		_ = writeReply(conn, smtpd.ErrLineTooLong)
	case isTransportAbort(err):
		s.handler.OnLogging(ctx, sess, slog.LevelDebug, "transport abort", err)
	default:
		s.handler.OnLogging(ctx, sess, slog.LevelError, "unexpected framer error", err)
		_ = writeReply(conn, smtpd.ErrConnection)
	}
}

// admitConnection enforces max_connections, registering c if there is
// room (spec.md §4.7).
func (s *Server) admitConnection(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.maxConnections != nil && len(s.connections) >= *s.cfg.maxConnections {
		return false
	}
	s.connections[c] = struct{}{}
	return true
}

func (s *Server) releaseConnection(c net.Conn) {
	s.mu.Lock()
	delete(s.connections, c)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitForProcessingSlot blocks until fewer than max_processings
// connections are actively running the protocol loop, or the server is
// shutting down (reported via the false return).
func (s *Server) waitForProcessingSlot(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.processings) >= s.cfg.maxProcessings {
		select {
		case <-s.done:
			return false
		default:
		}
		s.cond.Wait()
	}
	select {
	case <-s.done:
		return false
	default:
	}
	s.processings[c] = struct{}{}
	return true
}

func (s *Server) releaseProcessingSlot(c net.Conn) {
	s.mu.Lock()
	delete(s.processings, c)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// fillConnInfo populates the ServerInfo group's addresses, doing a
// reverse lookup of the remote peer only if configured to (spec.md §6
// "do_dns_reverse_lookup"); otherwise RemoteHost stays numeric.
func (s *Server) fillConnInfo(ctx context.Context, sess *Session, c net.Conn) {
	sess.Server.Connected = time.Now()

	if addr, ok := c.LocalAddr().(*net.TCPAddr); ok {
		sess.Server.LocalIP = addr.IP.String()
		sess.Server.LocalPort = addr.Port
		sess.Server.LocalHost = addr.IP.String()
	}
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		sess.Server.RemoteIP = addr.IP.String()
		sess.Server.RemotePort = addr.Port
		sess.Server.RemoteHost = addr.IP.String()
		if s.cfg.doReverseLookup {
			if names, err := net.DefaultResolver.LookupAddr(ctx, addr.IP.String()); err == nil && len(names) > 0 {
				sess.Server.RemoteHost = strings.TrimSuffix(names[0], ".")
			}
		}
	}
}

// writeReply renders a *smtpd.Status as one or more SMTP reply lines,
// deriving a generic X.0.0 enhanced code when the caller didn't specify
// one (spec.md §4.4, grounded on the teacher's writeResponse).
func writeReply(w io.Writer, st *smtpd.Status) error {
	lines := strings.Split(st.Message, "\n")
	enh := st.EnhancedCode
	if enh == smtpd.EnhancedCodeNotSet {
		switch cat := st.Code / 100; cat {
		case 2, 4, 5:
			enh = smtpd.EnhancedCode{cat, 0, 0}
		default:
			enh = smtpd.NoEnhancedCode
		}
	}

	for _, line := range lines[:len(lines)-1] {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", st.Code, line); err != nil {
			return err
		}
	}
	last := lines[len(lines)-1]
	if enh == smtpd.NoEnhancedCode {
		_, err := fmt.Fprintf(w, "%d %s\r\n", st.Code, last)
		return err
	}
	_, err := fmt.Fprintf(w, "%d %d.%d.%d %s\r\n", st.Code, enh[0], enh[1], enh[2], last)
	return err
}
