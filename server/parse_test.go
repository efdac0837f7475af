package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCmd(t *testing.T) {
	cases := []struct {
		line, verb, arg string
	}{
		{"HELO", "HELO", ""},
		{"EHLO relay.example", "EHLO", "relay.example"},
		{"MAIL FROM:<a@b.com>", "MAIL", "FROM:<a@b.com>"},
		{"STARTTLS", "STARTTLS", ""},
		{"starttls", "STARTTLS", ""},
		{"", "", ""},
	}
	for _, c := range cases {
		verb, arg, err := parseCmd(c.line)
		require.NoError(t, err, c.line)
		require.Equal(t, c.verb, verb, c.line)
		require.Equal(t, c.arg, arg, c.line)
	}
}

func TestParseCmdMalformed(t *testing.T) {
	_, _, err := parseCmd("MAILX")
	require.Error(t, err)

	_, _, err = parseCmd("HI")
	require.Error(t, err)
}

func TestHelloArgument(t *testing.T) {
	domain, err := helloArgument("mail.example.com")
	require.NoError(t, err)
	require.Equal(t, "mail.example.com", domain)

	domain, err = helloArgument("mail.example.com extra-token")
	require.NoError(t, err)
	require.Equal(t, "mail.example.com", domain)

	_, err = helloArgument("")
	require.Error(t, err)
}

func TestAddrParserReversePath(t *testing.T) {
	p := &addrParser{s: "<>"}
	addr, err := p.reversePath()
	require.NoError(t, err)
	require.Equal(t, "", addr)

	p = &addrParser{s: "<alice@example.com>"}
	addr, err = p.reversePath()
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", addr)
}

func TestAddrParserPathSourceRoute(t *testing.T) {
	p := &addrParser{s: "<@relay.example:bob@example.com>"}
	addr, err := p.path()
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", addr)
}

func TestAddrParserQuotedLocalPart(t *testing.T) {
	p := &addrParser{s: `<"john doe"@example.com>`}
	addr, err := p.path()
	require.NoError(t, err)
	require.Equal(t, `john doe@example.com`, addr)
}

func TestAddrParserMalformed(t *testing.T) {
	p := &addrParser{s: "<@example.com>"}
	_, err := p.path()
	require.Error(t, err)

	p = &addrParser{s: "<bob@>"}
	_, err = p.path()
	require.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	out, err := parseArgs("BODY=8BITMIME SMTPUTF8")
	require.NoError(t, err)
	require.Equal(t, "8BITMIME", out["BODY"])
	_, ok := out["SMTPUTF8"]
	require.True(t, ok)
}
