// Package smtpd contains the wire-level vocabulary shared by the server
// implementation in the server subpackage: status replies, enhanced codes,
// and the MAIL FROM parameter types (BodyType, MailOptions) the dispatcher
// parses into the envelope.
package smtpd
