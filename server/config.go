package server

import (
	"errors"
	"fmt"
	"time"
)

// CRLFMode selects how the dispatcher treats client line terminators and
// what terminator DATA reassembly emits (spec.md §4.4 "CRLF policy").
type CRLFMode int

const (
	// CRLFEnsure strips every CR and LF from incoming lines before
	// dispatch and always emits "\r\n" within DATA. This is the default.
	CRLFEnsure CRLFMode = iota
	// CRLFLeave records whether each line ended in "\r\n" or a bare
	// "\n" and, during DATA, reuses the observed terminator.
	CRLFLeave
	// CRLFStrict requires exactly "\r\n" with no interior CR; any
	// violation is a 500.
	CRLFStrict
)

func (m CRLFMode) valid() bool { return m == CRLFEnsure || m == CRLFLeave || m == CRLFStrict }

// AuthMode controls whether AUTH is offered and/or required before
// MAIL/RCPT/DATA (spec.md invariant 7).
type AuthMode int

const (
	// AuthForbidden never advertises AUTH and rejects it if issued.
	AuthForbidden AuthMode = iota
	// AuthOptional advertises AUTH but does not require it.
	AuthOptional
	// AuthRequired advertises AUTH and rejects MAIL/RCPT/DATA with 530
	// until the session has authenticated.
	AuthRequired
)

func (m AuthMode) valid() bool { return m == AuthForbidden || m == AuthOptional || m == AuthRequired }

// EncryptMode controls whether STARTTLS is offered and/or required
// (spec.md invariant 8).
type EncryptMode int

const (
	// TLSForbidden never advertises STARTTLS.
	TLSForbidden EncryptMode = iota
	// TLSOptional advertises STARTTLS but does not require it.
	TLSOptional
	// TLSRequired advertises STARTTLS and rejects
	// AUTH/MAIL/RCPT/DATA/RSET with 530 until the session is encrypted.
	TLSRequired
)

func (m EncryptMode) valid() bool {
	return m == TLSForbidden || m == TLSOptional || m == TLSRequired
}

// config holds every validated knob of a Server (spec.md §4.10). It is
// built up by Option functions and checked by validate() in New.
type config struct {
	hostname string
	hosts    string
	ports    string

	maxConnections  *int
	maxProcessings  int
	preFork         int
	crlfMode        CRLFMode
	authMode        AuthMode
	encryptMode     EncryptMode
	enableI18n      bool
	enablePipelining bool
	doReverseLookup bool

	ioCmdTimeout      *time.Duration
	ioBufferMaxSize   *int
	ioBufferChunkSize int

	waitBeforeClose time.Duration

	acceptRate     int
	acceptInterval time.Duration
}

func defaultConfig() config {
	return config{
		hostname:          "localhost",
		hosts:             "127.0.0.1",
		ports:             "2525",
		maxProcessings:    1,
		crlfMode:          CRLFEnsure,
		authMode:          AuthForbidden,
		encryptMode:       TLSOptional,
		ioBufferChunkSize: 4096,
		doReverseLookup:   true,
	}
}

// validate enforces spec.md §4.10's constraints, raised "during
// construction" per the spec (here: returned from New rather than
// panicking, per Go convention).
func (c *config) validate() error {
	if c.maxProcessings <= 0 {
		return errors.New("smtpd: max_processings must be a positive integer")
	}
	if c.maxConnections != nil {
		if *c.maxConnections <= 0 {
			return errors.New("smtpd: max_connections must be a positive integer or unset")
		}
		if *c.maxConnections < c.maxProcessings {
			return errors.New("smtpd: max_connections must be >= max_processings")
		}
	}
	if c.preFork != 0 && c.preFork < 2 {
		return errors.New("smtpd: pre_fork must be 0 or >= 2")
	}
	if !c.crlfMode.valid() {
		return fmt.Errorf("smtpd: invalid crlf_mode %d", c.crlfMode)
	}
	if !c.authMode.valid() {
		return fmt.Errorf("smtpd: invalid auth_mode %d", c.authMode)
	}
	if !c.encryptMode.valid() {
		return fmt.Errorf("smtpd: invalid encrypt_mode %d", c.encryptMode)
	}
	if c.ioBufferMaxSize != nil && *c.ioBufferMaxSize <= 0 {
		return errors.New("smtpd: io_buffer_max_size must be positive or unset")
	}
	if c.ioCmdTimeout != nil && *c.ioCmdTimeout <= 0 {
		return errors.New("smtpd: io_cmd_timeout must be positive or unset")
	}
	if c.acceptRate < 0 {
		return errors.New("smtpd: accept_rate must be positive or unset")
	}
	return nil
}
