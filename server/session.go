package server

import (
	"time"

	"github.com/mailsubmit/smtpd"
)

// ServerInfo is the "server" group of the Session Context (spec.md §3):
// connection identity, greeting strings, and authentication/encryption
// timestamps.
type ServerInfo struct {
	LocalHost, LocalIP     string
	LocalPort              int
	RemoteHost, RemoteIP   string
	RemotePort             int
	Helo                   string
	LocalResponse          string
	HeloResponse           string
	Connected              time.Time
	AuthorizationID        string
	AuthenticationID       string
	Authenticated          time.Time
	Encrypted              time.Time
	Exceptions             int
	Errors                 []error
}

// Envelope is the MAIL FROM + RCPT TO pair, distinct from message headers.
type Envelope struct {
	From     string
	To       []string
	BodyType smtpd.BodyType
	UTF8     bool
}

// Message is the DATA accumulator.
type Message struct {
	Received  time.Time
	Delivered time.Time
	ByteSize  int64
	// HeadersSeen is false until the first blank line of the body has
	// been observed, i.e. the header block is complete.
	HeadersSeen bool
	// CRLF is the terminator of the last body line appended. Under
	// CRLFLeave it is the terminator observed on the wire; under
	// CRLFEnsure and CRLFStrict it is always "\r\n".
	CRLF string
	Data []byte
}

// authScratch holds the pending identities of a LOGIN challenge sequence
// between its two steps (spec.md §3 "Auth challenge scratch"). It is
// cleared on completion or reset.
type authScratch struct {
	authorizationID  string
	authenticationID string
}

func (a *authScratch) clear() {
	a.authorizationID = ""
	a.authenticationID = ""
}

// Session is the per-connection state: the Session Context plus the
// command-sequence token (spec.md §3/§4.3). A Session is created on accept
// and is never shared across connections.
type Session struct {
	Server   ServerInfo
	Envelope Envelope
	Message  Message
	State    CmdState

	auth        authScratch
	dataStarted bool
}

// NewSession builds a freshly connection-initialized Session.
func NewSession() *Session {
	s := &Session{}
	s.InitConnection()
	return s
}

// InitConnection performs the "connection_initialize" reset mode: the
// server group is rebuilt with empty strings and zero counters, and the
// state returns to CmdHelo, the only legal initial state.
func (s *Session) InitConnection() {
	s.Server = ServerInfo{}
	s.Envelope = Envelope{}
	s.Message = Message{}
	s.auth.clear()
	s.dataStarted = false
	s.State = CmdHelo
}

// ResetMessage performs the "per-message" reset mode: envelope and message
// are cleared, auth scratch is cleared, state moves to CmdRset, and the
// authenticated flag is cleared (invariant 4: "authenticated" holds only
// until the next RSET/HELO). This runs after a completed DATA, on HELO/EHLO,
// and on RSET (spec.md §3 Lifecycle).
func (s *Session) ResetMessage() {
	s.Envelope = Envelope{}
	s.Message = Message{}
	s.auth.clear()
	s.dataStarted = false
	s.Server.AuthorizationID = ""
	s.Server.AuthenticationID = ""
	s.Server.Authenticated = time.Time{}
	s.State = CmdRset
}

// recordError clones err into the session's error list and increments the
// exception counter (spec.md §4.9, §7 propagation policy). Called only by
// the owning session's goroutine, so no locking is required.
func (s *Session) recordError(err error) {
	s.Server.Exceptions++
	s.Server.Errors = append(s.Server.Errors, err)
}

// IsAuthenticated reports whether a successful AUTH has occurred and has
// not since been cleared by RSET/HELO (invariant 4).
func (s *Session) IsAuthenticated() bool {
	return !s.Server.Authenticated.IsZero()
}

// IsEncrypted reports whether STARTTLS has completed (invariant 5).
func (s *Session) IsEncrypted() bool {
	return !s.Server.Encrypted.IsZero()
}

// ResetAfterSTARTTLS clears the envelope/message/auth scratch, the
// authenticated flag, and the HELO greeting, then returns to CmdHelo: RFC
// 5321 requires a client to re-introduce itself after upgrading to TLS, a
// prior AUTH does not survive that re-introduction (invariant 4), but the
// connection's identity (addresses, Connected/Encrypted timestamps) does.
func (s *Session) ResetAfterSTARTTLS() {
	s.Envelope = Envelope{}
	s.Message = Message{}
	s.auth.clear()
	s.dataStarted = false
	s.Server.Helo = ""
	s.Server.HeloResponse = ""
	s.Server.AuthorizationID = ""
	s.Server.AuthenticationID = ""
	s.Server.Authenticated = time.Time{}
	s.State = CmdHelo
}
