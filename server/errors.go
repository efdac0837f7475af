package server

import (
	"errors"
	"io"
	"net"

	"github.com/mailsubmit/smtpd"
)

// Error taxonomy (spec.md §7). *smtpd.Status is the ProtocolError kind: it
// carries the exact reply to send. The sentinels below are the shutdown
// signals (the two framer failure modes, ErrOverrun and ErrFramerTimeout,
// are declared in framer.go), plus the default replies for host-callback decisions the spec pins down
// (OnAuth's default denial, OnUnknownCommand's default 500).
var (
	// errStopService cancels a listener's accept loop. It is never
	// logged as an error (spec.md §7 "Shutdown signals").
	errStopService = errors.New("smtpd: stop-service")

	// errStopConnection cancels a session worker immediately. Like
	// errStopService, it is clean shutdown, not a logged error.
	errStopConnection = errors.New("smtpd: stop-connection")

	// ErrAuthDenied is BaseHandler's default OnAuth outcome: deny every
	// credential, mapped to 535.
	ErrAuthDenied = smtpd.NewStatus(535, smtpd.EnhancedCode{5, 7, 8}, "Authentication denied")

	// ErrUnknownCommandStatus is BaseHandler's default
	// OnUnknownCommand outcome (spec.md §4.9).
	ErrUnknownCommandStatus = smtpd.NewStatus(500, smtpd.EnhancedCode{5, 5, 1}, "Command not implemented")
)

// asStatus extracts the *smtpd.Status a handler or internal check raised,
// falling back to a generic status with defaultCode for any other error
// (callers pass 500 while handling a command, 451 for DATA completion).
func asStatus(err error, defaultCode int, enh smtpd.EnhancedCode, label string) *smtpd.Status {
	var st *smtpd.Status
	if errors.As(err, &st) {
		return st
	}
	return smtpd.NewStatus(defaultCode, enh, label+": "+err.Error())
}

// isTransportAbort reports whether err is the peer going away rather than
// a protocol or programming error: EOF, a reset connection, or any
// net.Error. These are logged at debug level and never answered with a
// farewell reply (spec.md §7 "TransportAbort").
func isTransportAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// isShutdownSignal reports whether err is one of the two cancellation
// sentinels, which must never be logged as errors.
func isShutdownSignal(err error) bool {
	return errors.Is(err, errStopService) || errors.Is(err, errStopConnection)
}
