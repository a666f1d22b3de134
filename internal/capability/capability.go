// Package capability defines the bitset vocabularies used to advertise and
// negotiate ESMTP extensions, SASL mechanisms, and DSN NOTIFY flags, grounded
// on the EHLO capability lines the teacher's command.go builds by hand
// (internal/smtp/command.go EHLOCommand) and on spec.md's Mechanism set.
package capability

// Extension is a bitset of ESMTP extensions a session may advertise.
type Extension uint32

const (
	ExtPipelining Extension = 1 << iota
	ExtSize
	Ext8BitMIME
	ExtSTARTTLS
	ExtAuth
	ExtChunking // CHUNKING / BDAT
	ExtSMTPUTF8
	ExtDSN
	ExtRequireTLS
	ExtEnhancedStatusCodes
)

// Has reports whether all bits in mask are set in e.
func (e Extension) Has(mask Extension) bool { return e&mask == mask }

// Mechanism is a bitset of SASL mechanisms a session may offer or a client
// may request.
type Mechanism uint32

const (
	MechPlain Mechanism = 1 << iota
	MechLogin
	MechXOAuth2
	MechOAuthBearer
)

// Has reports whether all bits in mask are set in m.
func (m Mechanism) Has(mask Mechanism) bool { return m&mask == mask }

// Name returns the SASL mechanism name as used on the wire (AUTH line and
// go-sasl mechanism constants).
func (m Mechanism) Name() string {
	switch m {
	case MechPlain:
		return "PLAIN"
	case MechLogin:
		return "LOGIN"
	case MechXOAuth2:
		return "XOAUTH2"
	case MechOAuthBearer:
		return "OAUTHBEARER"
	default:
		return ""
	}
}

// Names returns the wire names of every mechanism bit set in m, in a stable
// advertisement order (PLAIN, LOGIN, XOAUTH2, OAUTHBEARER).
func (m Mechanism) Names() []string {
	var names []string
	for _, bit := range []Mechanism{MechPlain, MechLogin, MechXOAuth2, MechOAuthBearer} {
		if m.Has(bit) {
			names = append(names, bit.Name())
		}
	}
	return names
}

// DSN is a bitset of RFC 3461 NOTIFY parameter flags.
type DSN uint32

const (
	DSNNever DSN = 1 << iota
	DSNSuccess
	DSNDelay
	DSNFailure
)

// Has reports whether all bits in mask are set in d.
func (d DSN) Has(mask DSN) bool { return d&mask == mask }

// NotifyParam renders the RCPT TO NOTIFY= parameter value per spec.md §4.2:
// NEVER is exclusive; otherwise a comma-joined subset of
// SUCCESS/DELAY/FAILURE for whichever bits are set.
func (d DSN) NotifyParam() string {
	if d.Has(DSNNever) {
		return "NEVER"
	}
	var parts []string
	if d.Has(DSNSuccess) {
		parts = append(parts, "SUCCESS")
	}
	if d.Has(DSNDelay) {
		parts = append(parts, "DELAY")
	}
	if d.Has(DSNFailure) {
		parts = append(parts, "FAILURE")
	}
	return join(parts, ",")
}

func join(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}
