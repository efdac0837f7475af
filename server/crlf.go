package server

import (
	"bytes"
	"strings"

	"github.com/mailsubmit/smtpd"
)

// applyCRLFPolicy turns a raw framed line (terminator included) into the
// text the dispatcher sees, plus the terminator to remember for CRLFLeave
// (spec.md §4.4 "CRLF policy"). raw never contains more than one line.
func applyCRLFPolicy(mode CRLFMode, raw []byte) (content string, terminator string, err error) {
	switch mode {
	case CRLFEnsure:
		stripped := make([]byte, 0, len(raw))
		for _, b := range raw {
			if b != '\r' && b != '\n' {
				stripped = append(stripped, b)
			}
		}
		return string(stripped), "\r\n", nil

	case CRLFLeave:
		switch {
		case bytes.HasSuffix(raw, []byte("\r\n")):
			return string(raw[:len(raw)-2]), "\r\n", nil
		case bytes.HasSuffix(raw, []byte("\n")):
			return string(raw[:len(raw)-1]), "\n", nil
		default:
			return string(raw), "", nil
		}

	case CRLFStrict:
		if !bytes.HasSuffix(raw, []byte("\r\n")) {
			return "", "", smtpd.ErrBadCRLF
		}
		body := raw[:len(raw)-2]
		if bytes.IndexByte(body, '\r') >= 0 {
			return "", "", smtpd.ErrBadCRLF
		}
		return string(body), "\r\n", nil

	default:
		return strings.TrimRight(string(raw), "\r\n"), "\r\n", nil
	}
}
