package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type messageCapturingHandler struct {
	BaseHandler
	from string
	to   []string
	data []byte
}

func (h *messageCapturingHandler) OnMailFrom(ctx context.Context, s *Session, addr string) (string, error) {
	h.from = addr
	return "", nil
}

func (h *messageCapturingHandler) OnRcptTo(ctx context.Context, s *Session, addr string) (string, error) {
	h.to = append(h.to, addr)
	return "", nil
}

func (h *messageCapturingHandler) OnData(ctx context.Context, s *Session) error {
	h.data = append([]byte{}, s.Message.Data...)
	return nil
}

// runSession starts serveConn against one half of a net.Pipe and returns a
// bufio.Reader over the client half, the client half itself, and a stop
// func.
func runSession(t *testing.T, srv *Server) (*bufio.Reader, net.Conn, func()) {
	t.Helper()
	client, serverSide := net.Pipe()

	srv.wg.Add(1)
	go srv.serveConn(context.Background(), serverSide)

	return bufio.NewReader(client), client, func() { _ = client.Close() }
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func expectCode(t *testing.T, r *bufio.Reader, code string) string {
	t.Helper()
	var last string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		last = line
		if len(line) > 3 && line[3] == ' ' {
			break
		}
	}
	require.True(t, strings.HasPrefix(last, code), "expected %s, got %q", code, last)
	return last
}

func TestEndToEndSubmission(t *testing.T) {
	h := &messageCapturingHandler{}
	srv, err := New(h, WithHostname("mx.example.com"), WithMaxProcessings(4))
	require.NoError(t, err)

	r, conn, stop := runSession(t, srv)
	defer stop()

	expectCode(t, r, "220")

	sendLine(t, conn, "EHLO client.example")
	expectCode(t, r, "250")

	sendLine(t, conn, "MAIL FROM:<alice@example.com>")
	expectCode(t, r, "250")

	sendLine(t, conn, "RCPT TO:<bob@example.com>")
	expectCode(t, r, "250")

	sendLine(t, conn, "DATA")
	expectCode(t, r, "354")

	sendLine(t, conn, "Subject: hi")
	sendLine(t, conn, "")
	sendLine(t, conn, "body text")
	sendLine(t, conn, ".")
	expectCode(t, r, "250")

	require.Equal(t, "alice@example.com", h.from)
	require.Equal(t, []string{"bob@example.com"}, h.to)
	require.Equal(t, "Subject: hi\r\n\r\nbody text", string(h.data))

	sendLine(t, conn, "QUIT")
	expectCode(t, r, "221")
}

func TestEndToEndBadSequence(t *testing.T) {
	h := &messageCapturingHandler{}
	srv, err := New(h)
	require.NoError(t, err)

	r, conn, stop := runSession(t, srv)
	defer stop()

	expectCode(t, r, "220")

	sendLine(t, conn, "MAIL FROM:<alice@example.com>")
	expectCode(t, r, "503")

	sendLine(t, conn, "QUIT")
	expectCode(t, r, "221")
}

func TestEndToEndAuthRequired(t *testing.T) {
	h := &messageCapturingHandler{}
	srv, err := New(h, WithAuthMode(AuthRequired))
	require.NoError(t, err)

	r, conn, stop := runSession(t, srv)
	defer stop()

	expectCode(t, r, "220")
	sendLine(t, conn, "EHLO client.example")
	expectCode(t, r, "250")

	sendLine(t, conn, "MAIL FROM:<alice@example.com>")
	expectCode(t, r, "530")
}

func TestEndToEndMaxConnections(t *testing.T) {
	h := &messageCapturingHandler{}
	srv, err := New(h, WithMaxConnections(1), WithMaxProcessings(1))
	require.NoError(t, err)

	_, _, stop1 := runSession(t, srv)
	defer stop1()
	time.Sleep(20 * time.Millisecond)

	client2, serverSide2 := net.Pipe()
	defer client2.Close()
	srv.wg.Add(1)
	go srv.serveConn(context.Background(), serverSide2)

	r2 := bufio.NewReader(client2)
	expectCode(t, r2, "421")
}
