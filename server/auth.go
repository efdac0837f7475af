package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/mailsubmit/smtpd"
)

// authMechanisms lists the mechanisms advertised on "AUTH" in EHLO's
// extension block. Only LOGIN and PLAIN are supported (spec.md §4.5,
// Non-goals: no CRAM-MD5).
func authMechanisms(mode AuthMode) []string {
	if mode == AuthForbidden {
		return nil
	}
	return []string{sasl.Login, sasl.Plain}
}

// startAuth begins the AUTH Sub-protocol (C5) for an "AUTH <mech> [initial
// response]" command line. It returns the reply to send and the state the
// dispatcher should move to: either a terminal reply (success/failure,
// moving to CmdRset) or a 334 continuation (moving to one of the
// CmdAuth... states).
func startAuth(ctx context.Context, s *Session, h Handler, mode AuthMode, arg string) (*smtpd.Status, CmdState) {
	if mode == AuthForbidden {
		return smtpd.NewStatus(502, smtpd.EnhancedCode{5, 5, 1}, "Command not implemented"), s.State
	}
	if s.IsAuthenticated() {
		return smtpd.NewStatus(503, smtpd.EnhancedCode{5, 5, 1}, "Already authenticated"), s.State
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return smtpd.NewStatus(501, smtpd.EnhancedCode{5, 5, 4}, "Missing mechanism"), s.State
	}
	mech := strings.ToUpper(fields[0])
	var initial string
	if len(fields) > 1 {
		initial = fields[1]
	}

	switch mech {
	case sasl.Plain:
		if initial != "" {
			return continuePlain(ctx, s, h, initial)
		}
		return authChallenge(""), CmdAuthPlainValues

	case sasl.Login:
		if initial != "" {
			decoded, cancelled, err := decodeChallengeLine(initial)
			if cancelled {
				return cancelAuth(s)
			}
			if err != nil {
				return malformedCredentials(s)
			}
			s.auth.authenticationID = string(decoded)
			return authChallenge("Password:"), CmdAuthLoginPass
		}
		return authChallenge("Username:"), CmdAuthLoginUser

	default:
		return smtpd.NewStatus(504, smtpd.EnhancedCode{5, 5, 4}, "Unrecognized authentication type"), s.State
	}
}

// continueAuthPlainValues handles the client's base64 credential line after
// a bare "AUTH PLAIN" (spec.md §4.5 two-step PLAIN).
func continueAuthPlainValues(ctx context.Context, s *Session, h Handler, line string) (*smtpd.Status, CmdState) {
	return continuePlain(ctx, s, h, line)
}

// continueAuthLoginUser handles the client's base64 username after "AUTH
// LOGIN" (spec.md §4.5 LOGIN, step 1).
func continueAuthLoginUser(ctx context.Context, s *Session, h Handler, line string) (*smtpd.Status, CmdState) {
	decoded, cancelled, err := decodeChallengeLine(line)
	if cancelled {
		return cancelAuth(s)
	}
	if err != nil {
		return malformedCredentials(s)
	}
	s.auth.authenticationID = string(decoded)
	return authChallenge("Password:"), CmdAuthLoginPass
}

// continueAuthLoginPass handles the client's base64 password, the final
// step of LOGIN (spec.md §4.5 LOGIN, step 2).
func continueAuthLoginPass(ctx context.Context, s *Session, h Handler, line string) (*smtpd.Status, CmdState) {
	decoded, cancelled, err := decodeChallengeLine(line)
	if cancelled {
		return cancelAuth(s)
	}
	if err != nil {
		return malformedCredentials(s)
	}
	return finishAuth(ctx, s, h, "", s.auth.authenticationID, string(decoded))
}

// continuePlain decodes a PLAIN credential blob (authzid NUL authcid NUL
// passwd, exactly three fields) and finishes the exchange. It handles both
// the one-shot "AUTH PLAIN <blob>" and the two-step continuation line.
func continuePlain(ctx context.Context, s *Session, h Handler, b64 string) (*smtpd.Status, CmdState) {
	decoded, cancelled, err := decodeChallengeLine(b64)
	if cancelled {
		return cancelAuth(s)
	}
	if err != nil {
		return malformedCredentials(s)
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 {
		return malformedCredentials(s)
	}
	return finishAuth(ctx, s, h, string(parts[0]), string(parts[1]), string(parts[2]))
}

// finishAuth calls the host callback, records the outcome, and always
// clears the LOGIN scratch and moves to CmdRset regardless of outcome
// (spec.md §4.5/§4.9).
func finishAuth(ctx context.Context, s *Session, h Handler, authz, authn, secret string) (*smtpd.Status, CmdState) {
	override, err := h.OnAuth(ctx, s, authz, authn, secret)
	s.auth.clear()

	if err != nil {
		s.recordError(err)
		return asStatus(err, 535, smtpd.EnhancedCode{5, 7, 8}, "on_auth"), CmdRset
	}

	s.Server.AuthorizationID = chooseAuthzID(override, authz, authn)
	s.Server.AuthenticationID = authn
	s.Server.Authenticated = time.Now()
	return smtpd.NewStatus(235, smtpd.EnhancedCode{2, 0, 0}, "Authentication succeeded"), CmdRset
}

// chooseAuthzID implements the authorization_id selection rule: an
// override from on_auth wins, otherwise a non-empty decoded authzid,
// otherwise the authentication id itself.
func chooseAuthzID(override, authz, authn string) string {
	if override != "" {
		return override
	}
	if authz != "" {
		return authz
	}
	return authn
}

func cancelAuth(s *Session) (*smtpd.Status, CmdState) {
	s.auth.clear()
	return smtpd.NewStatus(501, smtpd.EnhancedCode{5, 0, 0}, "Negotiation cancelled"), CmdRset
}

// malformedCredentials handles a decode/field-count failure in the
// challenge-response itself: a syntax error the dispatcher catches before
// ever calling on_auth, so it is reported as 500, not the 535 reserved for
// an actual on_auth rejection (spec.md §4.5).
func malformedCredentials(s *Session) (*smtpd.Status, CmdState) {
	s.auth.clear()
	return smtpd.NewStatus(500, smtpd.EnhancedCode{5, 5, 4}, "Malformed authentication response"), CmdRset
}

// authChallenge builds the "334 <base64>" continuation reply. An empty
// prompt (PLAIN's initial challenge) sends "334 " with no text.
func authChallenge(prompt string) *smtpd.Status {
	encoded := ""
	if prompt != "" {
		encoded = base64.StdEncoding.EncodeToString([]byte(prompt))
	}
	return smtpd.NewStatus(334, smtpd.NoEnhancedCode, encoded)
}

// decodeChallengeLine decodes a client continuation line, recognizing the
// "*" cancellation token (RFC 4954 §4).
func decodeChallengeLine(line string) (data []byte, cancelled bool, err error) {
	if line == "*" {
		return nil, true, nil
	}
	data, err = base64.StdEncoding.DecodeString(line)
	return data, false, err
}
