package smtpd

// BodyType describes the value of the MAIL FROM BODY= parameter.
type BodyType string

const (
	// Body7Bit means the body type is 7BIT.
	Body7Bit BodyType = "7BIT"
	// Body8BitMIME means the body type is 8BITMIME.
	Body8BitMIME BodyType = "8BITMIME"
)

// MailOptions contains the parsed ESMTP parameters of a MAIL FROM command
// (spec.md §4.4 "MAIL FROM parameters"). Only BODY= and SMTPUTF8 are
// recognized; any other parameter is rejected with 501 before a Session
// ever sees it.
type MailOptions struct {
	// Body is the BODY= value, empty if the client didn't send one.
	Body BodyType

	// UTF8 is set when the client sent SMTPUTF8.
	UTF8 bool
}
