package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() *config {
	c := defaultConfig()
	return &c
}

func TestDispatchHeloThenMailRcptData(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	res := dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	require.Equal(t, 250, res.reply.Code)
	require.Equal(t, CmdRset, s.State)

	res = dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	require.Equal(t, 250, res.reply.Code)
	require.Equal(t, CmdMail, s.State)

	res = dispatchLine(context.Background(), s, h, cfg, "RCPT TO:<c@d.com>", "\r\n", false)
	require.Equal(t, 250, res.reply.Code)
	require.Equal(t, CmdRcpt, s.State)

	res = dispatchLine(context.Background(), s, h, cfg, "DATA", "\r\n", false)
	require.Equal(t, 354, res.reply.Code)
	require.Equal(t, CmdData, s.State)
}

func TestDispatchMailBeforeHeloIsBadSequence(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	res := dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	require.Equal(t, 503, res.reply.Code)
}

func TestDispatchRcptBeforeMailIsBadSequence(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "RCPT TO:<c@d.com>", "\r\n", false)
	require.Equal(t, 503, res.reply.Code)
}

func TestDispatchRsetReturnsToRsetState(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "RSET", "\r\n", false)
	require.Equal(t, 250, res.reply.Code)
	require.Equal(t, CmdRset, s.State)
}

func TestDispatchRsetBeforeHeloIsBadSequence(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	res := dispatchLine(context.Background(), s, h, cfg, "RSET", "\r\n", false)
	require.Equal(t, 503, res.reply.Code)
	require.Equal(t, CmdHelo, s.State)
}

func TestDispatchAuthMidEnvelopeIsBadSequence(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "AUTH LOGIN", "\r\n", false)
	require.Equal(t, 503, res.reply.Code)
}

func TestDispatchRcptStaysBlockedAfterMailRejectedForTLS(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.encryptMode = TLSRequired

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)
	require.Equal(t, CmdRset, s.State)

	res = dispatchLine(context.Background(), s, h, cfg, "RCPT TO:<c@d.com>", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)
}

func TestDispatchDataStaysBlockedAfterMailRejectedForAuth(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.authMode = AuthRequired

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)

	res = dispatchLine(context.Background(), s, h, cfg, "DATA", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)
}

func TestDispatchQuitClosesConnection(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	res := dispatchLine(context.Background(), s, h, cfg, "QUIT", "\r\n", false)
	require.Equal(t, 221, res.reply.Code)
	require.True(t, res.closeAfterReply)
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	res := dispatchLine(context.Background(), s, h, cfg, "WIZBANG", "\r\n", false)
	require.Equal(t, 500, res.reply.Code)
}

func TestDispatchPipeliningRejectedWhenDisabled(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.enablePipelining = false

	res := dispatchLine(context.Background(), s, h, cfg, "NOOP", "\r\n", true)
	require.Equal(t, 500, res.reply.Code)
}

func TestDispatchPipeliningAllowedWhenEnabled(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.enablePipelining = true

	res := dispatchLine(context.Background(), s, h, cfg, "NOOP", "\r\n", true)
	require.Equal(t, 250, res.reply.Code)
}

func TestDispatchStartTLSTransition(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "STARTTLS", "\r\n", false)
	require.Equal(t, 220, res.reply.Code)
	require.True(t, res.startTLS)
}

func TestDispatchStartTLSForbidden(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.encryptMode = TLSForbidden

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "STARTTLS", "\r\n", false)
	require.Equal(t, 502, res.reply.Code)
}

func TestDispatchMailRequiresAuthWhenAuthRequired(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.authMode = AuthRequired

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)
}

func TestDispatchMailRequiresTLSWhenEncryptRequired(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.encryptMode = TLSRequired

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "MAIL FROM:<a@b.com>", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)
}

func TestDispatchRsetRequiresTLSWhenEncryptRequired(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.encryptMode = TLSRequired

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "RSET", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)
}

func TestDispatchAuthRequiresTLSWhenEncryptRequired(t *testing.T) {
	s := NewSession()
	h := BaseHandler{}
	cfg := testConfig()
	cfg.encryptMode = TLSRequired
	cfg.authMode = AuthOptional

	dispatchLine(context.Background(), s, h, cfg, "EHLO client.example", "\r\n", false)
	res := dispatchLine(context.Background(), s, h, cfg, "AUTH LOGIN", "\r\n", false)
	require.Equal(t, 530, res.reply.Code)
}

func TestEhloLinesAdvertiseConfiguredExtensions(t *testing.T) {
	s := NewSession()
	cfg := testConfig()
	cfg.enableI18n = true
	cfg.enablePipelining = true
	cfg.authMode = AuthOptional

	lines := ehloLines(cfg, s)
	require.Contains(t, lines, "SMTPUTF8")
	require.Contains(t, lines, "PIPELINING")
	require.Contains(t, lines, "STARTTLS")
}

func TestEhloLinesOmitStartTLSOnceEncrypted(t *testing.T) {
	s := NewSession()
	s.Server.Encrypted = time.Now()

	cfg := testConfig()
	lines := ehloLines(cfg, s)
	require.NotContains(t, lines, "STARTTLS")
}
