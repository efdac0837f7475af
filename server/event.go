package server

import (
	"context"
	"log/slog"
)

// LogSeverity mirrors the severity levels used by on_logging_event in the
// spec: debug-level transport aborts and shutdown signals are never logged
// as errors, protocol errors are notices, and unexpected failures are
// errors or fatal.
type LogSeverity = slog.Level

// Handler is the set of host callbacks a Server invokes while driving a
// session (spec.md §4.9). All methods default to no-ops via BaseHandler,
// except OnAuth (denies) and OnUnknownCommand (500), matching the spec's
// stated defaults.
//
// Every method receives the live Session so a Handler can read (never
// mutate concurrently — sessions are single-owner) the envelope/message
// being built. Handlers that want to reject a step return a *smtpd.Status
// to pick an exact reply; any other error becomes 500 (command handling)
// or 451 (DATA completion), per spec.md §4.9/§7.
type Handler interface {
	// OnLogging is invoked for every loggable event in the session,
	// including ones the server already intends to log itself.
	OnLogging(ctx context.Context, s *Session, severity LogSeverity, message string, err error)

	// OnConnect fires right after accept, before the greeting is sent.
	// It may set Session.Server.LocalResponse/HeloResponse.
	OnConnect(ctx context.Context, s *Session) error

	// OnDisconnect always fires exactly once per session, regardless of
	// how the session ended.
	OnDisconnect(ctx context.Context, s *Session)

	// OnHelo fires after a syntactically valid HELO/EHLO argument. It
	// may set Session.Server.HeloResponse.
	OnHelo(ctx context.Context, s *Session, arg string) error

	// OnAuth verifies credentials decoded from an AUTH LOGIN or AUTH
	// PLAIN sub-dialog. authz may be empty. A non-empty return value
	// overrides the stored authorization id; see chooseAuthzID.
	OnAuth(ctx context.Context, s *Session, authz, authn, secret string) (authzOverride string, err error)

	// OnMailFrom fires after MAIL FROM parses. A non-empty return value
	// replaces the address recorded on the envelope.
	OnMailFrom(ctx context.Context, s *Session, addr string) (overrideAddr string, err error)

	// OnRcptTo fires after RCPT TO parses. A non-empty return value
	// replaces the address appended to the envelope.
	OnRcptTo(ctx context.Context, s *Session, addr string) (overrideAddr string, err error)

	// OnDataStart fires once, on the first line received after DATA.
	OnDataStart(ctx context.Context, s *Session) error

	// OnDataHeaders fires once the header block's terminating blank
	// line has been observed.
	OnDataHeaders(ctx context.Context, s *Session) error

	// OnDataReceiving fires after every body line is appended. It may
	// abort the transfer by returning an error.
	OnDataReceiving(ctx context.Context, s *Session) error

	// OnData fires once the terminating "." has been seen and
	// Session.Message is complete. A *smtpd.Status surfaces a specific
	// reply; any other error becomes 451.
	OnData(ctx context.Context, s *Session) error

	// OnUnknownCommand fires for any verb the dispatcher does not
	// recognize. The default raises 500.
	OnUnknownCommand(ctx context.Context, s *Session, line string) error
}

// BaseHandler implements Handler with the spec's stated defaults. Embed it
// and override only the methods a given backend cares about.
type BaseHandler struct{}

var _ Handler = BaseHandler{}

func (BaseHandler) OnLogging(context.Context, *Session, LogSeverity, string, error) {}
func (BaseHandler) OnConnect(context.Context, *Session) error                       { return nil }
func (BaseHandler) OnDisconnect(context.Context, *Session)                          {}
func (BaseHandler) OnHelo(context.Context, *Session, string) error                  { return nil }

func (BaseHandler) OnAuth(context.Context, *Session, string, string, string) (string, error) {
	return "", ErrAuthDenied
}

func (BaseHandler) OnMailFrom(context.Context, *Session, string) (string, error) { return "", nil }
func (BaseHandler) OnRcptTo(context.Context, *Session, string) (string, error)   { return "", nil }
func (BaseHandler) OnDataStart(context.Context, *Session) error                 { return nil }
func (BaseHandler) OnDataHeaders(context.Context, *Session) error               { return nil }
func (BaseHandler) OnDataReceiving(context.Context, *Session) error             { return nil }
func (BaseHandler) OnData(context.Context, *Session) error                      { return nil }

func (BaseHandler) OnUnknownCommand(ctx context.Context, s *Session, line string) error {
	return ErrUnknownCommandStatus
}
