package server

import (
	"context"
	"strings"

	"github.com/mailsubmit/smtpd"
)

// dispatchResult tells the Connection Supervisor's session loop what to do
// after one line has been processed: what to reply, whether to close the
// connection once the reply has been flushed, and whether to perform the
// STARTTLS handshake in place.
type dispatchResult struct {
	reply           *smtpd.Status
	closeAfterReply bool
	startTLS        bool
}

// dispatchLine is the Command Dispatcher (C4): it turns one framed,
// CRLF-policy-decoded line into a reply and a state transition, given the
// session's current command-sequence token (spec.md §4.4).
//
// buffered reports whether another complete line is already sitting in
// the Framer, used to enforce the pipelining policy against commands sent
// ahead of their replies.
func dispatchLine(ctx context.Context, s *Session, h Handler, cfg *config, content, terminator string, buffered bool) dispatchResult {
	switch s.State {
	case CmdData:
		res := feedDataLine(ctx, s, h, content, terminator)
		return dispatchResult{reply: res.reply}

	case CmdAuthPlainValues:
		reply, next := continueAuthPlainValues(ctx, s, h, content)
		s.State = next
		return dispatchResult{reply: reply}

	case CmdAuthLoginUser:
		reply, next := continueAuthLoginUser(ctx, s, h, content)
		s.State = next
		return dispatchResult{reply: reply}

	case CmdAuthLoginPass:
		reply, next := continueAuthLoginPass(ctx, s, h, content)
		s.State = next
		return dispatchResult{reply: reply}
	}

	if !cfg.enablePipelining && buffered {
		return dispatchResult{reply: smtpd.ErrPipelining}
	}

	verb, arg, err := parseCmd(content)
	if err != nil {
		return dispatchResult{reply: smtpd.ErrBadSyntax}
	}
	if verb == "" {
		return dispatchResult{reply: smtpd.ErrBadSyntax}
	}

	switch verb {
	case "HELO", "EHLO":
		return dispatchHelo(ctx, s, h, cfg, verb, arg)
	case "AUTH":
		return dispatchAuth(ctx, s, h, cfg, arg)
	case "STARTTLS":
		return dispatchStartTLS(s, cfg, arg)
	case "MAIL":
		return dispatchMail(ctx, s, h, cfg, arg)
	case "RCPT":
		return dispatchRcpt(ctx, s, h, cfg, arg)
	case "DATA":
		return dispatchData(s, cfg, arg)
	case "RSET":
		if s.State == CmdHelo {
			return dispatchResult{reply: smtpd.ErrBadSequence}
		}
		if cfg.encryptMode == TLSRequired && !s.IsEncrypted() {
			return dispatchResult{reply: smtpd.ErrTLSRequired}
		}
		s.ResetMessage()
		return dispatchResult{reply: smtpd.NewStatus(250, smtpd.EnhancedCode{2, 0, 0}, "OK")}
	case "NOOP":
		return dispatchResult{reply: smtpd.StatusNoop}
	case "QUIT":
		s.State = CmdQuit
		return dispatchResult{reply: smtpd.StatusQuit, closeAfterReply: true}
	default:
		err := h.OnUnknownCommand(ctx, s, content)
		return dispatchResult{reply: asStatus(err, 500, smtpd.EnhancedCode{5, 5, 1}, "on_unknown_command")}
	}
}

func dispatchHelo(ctx context.Context, s *Session, h Handler, cfg *config, verb, arg string) dispatchResult {
	domain, err := helloArgument(arg)
	if err != nil {
		return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Invalid domain")}
	}

	s.Server.Helo = domain
	if err := h.OnHelo(ctx, s, domain); err != nil {
		s.recordError(err)
		return dispatchResult{reply: asStatus(err, 500, smtpd.EnhancedCodeNotSet, "on_helo")}
	}

	s.ResetMessage()
	s.Server.Helo = domain

	greeting := cfg.hostname
	if s.Server.HeloResponse != "" {
		greeting = s.Server.HeloResponse
	}
	if verb == "HELO" {
		return dispatchResult{reply: smtpd.NewStatus(250, smtpd.EnhancedCodeNotSet, greeting)}
	}
	lines := ehloLines(cfg, s)
	lines[0] = greeting
	return dispatchResult{reply: smtpd.NewStatus(250, smtpd.EnhancedCodeNotSet, lines...)}
}

// ehloLines builds EHLO's multi-line extension advertisement (spec.md
// §4.4). STARTTLS is suppressed once the session is already encrypted.
func ehloLines(cfg *config, s *Session) []string {
	lines := []string{cfg.hostname, "8BITMIME"}
	if cfg.enableI18n {
		lines = append(lines, "SMTPUTF8")
	}
	if cfg.enablePipelining {
		lines = append(lines, "PIPELINING")
	}
	if cfg.authMode != AuthForbidden {
		lines = append(lines, "AUTH "+strings.Join(authMechanisms(cfg.authMode), " "))
	}
	if cfg.encryptMode != TLSForbidden && !s.IsEncrypted() {
		lines = append(lines, "STARTTLS")
	}
	return lines
}

func dispatchAuth(ctx context.Context, s *Session, h Handler, cfg *config, arg string) dispatchResult {
	if s.State != CmdRset {
		return dispatchResult{reply: smtpd.ErrBadSequence}
	}
	if cfg.encryptMode == TLSRequired && !s.IsEncrypted() {
		return dispatchResult{reply: smtpd.ErrTLSRequired}
	}
	reply, next := startAuth(ctx, s, h, cfg.authMode, arg)
	s.State = next
	return dispatchResult{reply: reply}
}

func dispatchStartTLS(s *Session, cfg *config, arg string) dispatchResult {
	if s.State == CmdHelo {
		return dispatchResult{reply: smtpd.ErrBadSequence}
	}
	if cfg.encryptMode == TLSForbidden {
		return dispatchResult{reply: smtpd.NewStatus(502, smtpd.EnhancedCode{5, 5, 1}, "Command not implemented")}
	}
	if s.IsEncrypted() {
		return dispatchResult{reply: smtpd.NewStatus(502, smtpd.EnhancedCode{5, 5, 1}, "Already running in TLS")}
	}
	if arg != "" {
		return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Syntax error, no parameters allowed")}
	}
	s.State = CmdStartTLS
	return dispatchResult{
		reply:    smtpd.NewStatus(220, smtpd.EnhancedCode{2, 0, 0}, "Ready to start TLS"),
		startTLS: true,
	}
}

func dispatchMail(ctx context.Context, s *Session, h Handler, cfg *config, arg string) dispatchResult {
	if s.State == CmdHelo {
		return dispatchResult{reply: smtpd.ErrBadSequence}
	}
	if s.State != CmdRset {
		return dispatchResult{reply: smtpd.ErrBadSequence}
	}
	if cfg.encryptMode == TLSRequired && !s.IsEncrypted() {
		return dispatchResult{reply: smtpd.ErrTLSRequired}
	}
	if cfg.authMode == AuthRequired && !s.IsAuthenticated() {
		return dispatchResult{reply: smtpd.ErrAuthRequired}
	}

	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Syntax error in MAIL FROM")}
	}
	p := &addrParser{s: strings.TrimSpace(rest)}
	addr, err := p.reversePath()
	if err != nil {
		return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Malformed address")}
	}

	params, _ := parseArgs(p.s)
	opts := smtpd.MailOptions{}
	for k, v := range params {
		switch k {
		case "BODY":
			switch strings.ToUpper(v) {
			case "7BIT":
				opts.Body = smtpd.Body7Bit
			case "8BITMIME":
				opts.Body = smtpd.Body8BitMIME
			default:
				return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Unsupported BODY value")}
			}
		case "SMTPUTF8":
			if !cfg.enableI18n {
				return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "SMTPUTF8 not supported")}
			}
			opts.UTF8 = true
		default:
			return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Unsupported MAIL FROM parameter")}
		}
	}

	override, err := h.OnMailFrom(ctx, s, addr)
	if err != nil {
		s.recordError(err)
		return dispatchResult{reply: asStatus(err, 500, smtpd.EnhancedCodeNotSet, "on_mail_from")}
	}
	if override != "" {
		addr = override
	}

	s.Envelope = Envelope{From: addr, BodyType: opts.Body, UTF8: opts.UTF8}
	s.State = CmdMail
	return dispatchResult{reply: smtpd.NewStatus(250, smtpd.EnhancedCode{2, 0, 0}, "OK")}
}

func dispatchRcpt(ctx context.Context, s *Session, h Handler, cfg *config, arg string) dispatchResult {
	if cfg.encryptMode == TLSRequired && !s.IsEncrypted() {
		return dispatchResult{reply: smtpd.ErrTLSRequired}
	}
	if cfg.authMode == AuthRequired && !s.IsAuthenticated() {
		return dispatchResult{reply: smtpd.ErrAuthRequired}
	}
	if s.State != CmdMail && s.State != CmdRcpt {
		return dispatchResult{reply: smtpd.ErrBadSequence}
	}

	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Syntax error in RCPT TO")}
	}
	p := &addrParser{s: strings.TrimSpace(rest)}
	addr, err := p.path()
	if err != nil {
		return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Malformed address")}
	}

	override, err := h.OnRcptTo(ctx, s, addr)
	if err != nil {
		s.recordError(err)
		return dispatchResult{reply: asStatus(err, 500, smtpd.EnhancedCodeNotSet, "on_rcpt_to")}
	}
	if override != "" {
		addr = override
	}

	s.Envelope.To = append(s.Envelope.To, addr)
	s.State = CmdRcpt
	return dispatchResult{reply: smtpd.NewStatus(250, smtpd.EnhancedCode{2, 0, 0}, "OK")}
}

func dispatchData(s *Session, cfg *config, arg string) dispatchResult {
	if cfg.encryptMode == TLSRequired && !s.IsEncrypted() {
		return dispatchResult{reply: smtpd.ErrTLSRequired}
	}
	if cfg.authMode == AuthRequired && !s.IsAuthenticated() {
		return dispatchResult{reply: smtpd.ErrAuthRequired}
	}
	if s.State != CmdRcpt {
		return dispatchResult{reply: smtpd.ErrBadSequence}
	}
	if arg != "" {
		return dispatchResult{reply: smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Syntax error, no parameters allowed")}
	}
	s.beginData()
	s.State = CmdData
	return dispatchResult{reply: smtpd.NewStatus(354, smtpd.EnhancedCodeNotSet, "Start mail input; end with <CRLF>.<CRLF>")}
}
