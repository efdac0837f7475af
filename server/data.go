package server

import (
	"context"
	"strings"
	"time"

	"github.com/mailsubmit/smtpd"
)

// beginData starts the message accumulator for a DATA transfer (spec.md
// §4.6). Called by the dispatcher when it accepts DATA, before the 354
// reply is written.
func (s *Session) beginData() {
	s.Message.Received = time.Now()
	s.dataStarted = false
}

// dataLineResult tells the dispatcher's session loop what to do after one
// line of DATA has been processed.
type dataLineResult struct {
	// done is true once the transfer has ended, either on the
	// terminating "." or because a callback aborted it; the message has
	// already been reset (Session.ResetMessage) and the caller only sends
	// reply.
	done  bool
	reply *smtpd.Status
}

// feedDataLine processes one already CRLF-policy-decoded line received
// while Session.State == CmdData (spec.md §4.6, C6 DATA Reassembler).
// content never includes its terminator; terminator is what CRLFLeave
// observed for this line ("" under CRLFEnsure/CRLFStrict is impossible,
// since those always return "\r\n").
func feedDataLine(ctx context.Context, s *Session, h Handler, content, terminator string) dataLineResult {
	if !s.dataStarted {
		s.dataStarted = true
		if err := h.OnDataStart(ctx, s); err != nil {
			s.recordError(err)
			status := asStatus(err, 500, smtpd.EnhancedCodeNotSet, "on_data_start")
			s.ResetMessage()
			return dataLineResult{done: true, reply: status}
		}
	}

	if content == "." {
		return completeData(ctx, s, h)
	}

	// Dot-stuffing (RFC 5321 §4.5.2): a leading "." is doubled by the
	// client to escape a line that would otherwise look like the
	// terminator; strip exactly one.
	if strings.HasPrefix(content, ".") {
		content = content[1:]
	}

	if !s.Message.HeadersSeen && content == "" {
		s.Message.HeadersSeen = true
		if err := h.OnDataHeaders(ctx, s); err != nil {
			s.recordError(err)
			status := asStatus(err, 500, smtpd.EnhancedCodeNotSet, "on_data_headers")
			s.ResetMessage()
			return dataLineResult{done: true, reply: status}
		}
	}

	term := terminator
	if term == "" {
		term = "\r\n"
	}
	s.Message.Data = append(s.Message.Data, content...)
	s.Message.Data = append(s.Message.Data, term...)
	s.Message.CRLF = term

	if err := h.OnDataReceiving(ctx, s); err != nil {
		s.recordError(err)
		status := asStatus(err, 500, smtpd.EnhancedCodeNotSet, "on_data_receiving")
		s.ResetMessage()
		return dataLineResult{done: true, reply: status}
	}

	return dataLineResult{}
}

// completeData fires on_message_data, replies, and always performs the
// per-message reset regardless of outcome (spec.md §4.6).
func completeData(ctx context.Context, s *Session, h Handler) dataLineResult {
	if term := trailingTerminator(s.Message.Data); term != "" {
		s.Message.Data = s.Message.Data[:len(s.Message.Data)-len(term)]
	}
	s.Message.ByteSize = int64(len(s.Message.Data))
	s.Message.Delivered = time.Now()

	err := h.OnData(ctx, s)
	var reply *smtpd.Status
	if err != nil {
		s.recordError(err)
		reply = asStatus(err, 451, smtpd.EnhancedCode{4, 0, 0}, "on_data")
	} else {
		reply = smtpd.NewStatus(250, smtpd.EnhancedCode{2, 0, 0}, "Requested mail action okay, completed")
	}

	s.ResetMessage()
	return dataLineResult{done: true, reply: reply}
}

// trailingTerminator returns the "\r\n" or "\n" suffix of data, if any.
func trailingTerminator(data []byte) string {
	switch {
	case len(data) >= 2 && data[len(data)-2] == '\r' && data[len(data)-1] == '\n':
		return "\r\n"
	case len(data) >= 1 && data[len(data)-1] == '\n':
		return "\n"
	default:
		return ""
	}
}
