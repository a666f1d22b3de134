// Package envelope defines the per-connection/per-transaction attribute bag
// that flows through the inbound session, the throttle engine, and
// SessionConfig's IfBlock evaluation, along with the per-stage key
// discipline spec'd in the original session configuration design.
package envelope

import "fmt"

// Key identifies one attribute carried by an Envelope.
type Key string

const (
	KeyListener       Key = "listener"
	KeyRemoteIP       Key = "remote_ip"
	KeyLocalIP        Key = "local_ip"
	KeyHeloDomain     Key = "helo_domain"
	KeyAuthenticatedAs Key = "authenticated_as"
	KeySender         Key = "sender"
	KeySenderDomain   Key = "sender_domain"
	KeyRecipient      Key = "recipient"
	KeyRecipientDomain Key = "recipient_domain"
	KeyPriority       Key = "priority"
)

// Stage identifies the point in the session lifecycle an Envelope is being
// evaluated at. The set of Keys available differs per stage; evaluating a
// Key not available at the current Stage is a programming error the caller
// must not commit (Testable property: envelope-key discipline).
type Stage int

const (
	StageConnect Stage = iota
	StageHelo
	StageAuth
	StageMail
	StageRcpt
	StageData
)

func (s Stage) String() string {
	switch s {
	case StageConnect:
		return "connect"
	case StageHelo:
		return "helo"
	case StageAuth:
		return "auth"
	case StageMail:
		return "mail"
	case StageRcpt:
		return "rcpt"
	case StageData:
		return "data"
	default:
		return "unknown"
	}
}

// availableKeys mirrors original_source/src/config/session.rs's per-stage
// available_keys arrays: a key becomes available only once the protocol
// state that produces it has been reached, and stays available afterward.
var availableKeys = map[Stage]map[Key]bool{
	StageConnect: keySet(KeyListener, KeyRemoteIP, KeyLocalIP),
	StageHelo:    keySet(KeyListener, KeyRemoteIP, KeyLocalIP, KeyHeloDomain),
	StageAuth:    keySet(KeyListener, KeyRemoteIP, KeyLocalIP, KeyHeloDomain, KeyAuthenticatedAs),
	StageMail: keySet(KeyListener, KeyRemoteIP, KeyLocalIP, KeyHeloDomain,
		KeyAuthenticatedAs, KeySender, KeySenderDomain),
	StageRcpt: keySet(KeyListener, KeyRemoteIP, KeyLocalIP, KeyHeloDomain,
		KeyAuthenticatedAs, KeySender, KeySenderDomain, KeyRecipient, KeyRecipientDomain),
	StageData: keySet(KeyListener, KeyRemoteIP, KeyLocalIP, KeyHeloDomain,
		KeyAuthenticatedAs, KeySender, KeySenderDomain, KeyRecipient, KeyRecipientDomain, KeyPriority),
}

func keySet(keys ...Key) map[Key]bool {
	m := make(map[Key]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Envelope carries the attributes accumulated during one SMTP/LMTP
// transaction. Zero value is a valid empty envelope.
type Envelope struct {
	values map[Key]string
	stage  Stage
}

// New returns an Envelope positioned at StageConnect.
func New() *Envelope {
	return &Envelope{values: make(map[Key]string), stage: StageConnect}
}

// Stage returns the envelope's current stage.
func (e *Envelope) Stage() Stage { return e.stage }

// Advance moves the envelope to a new stage. Stages only move forward;
// RSET moves the envelope back via Reset, not Advance.
func (e *Envelope) Advance(s Stage) {
	if s > e.stage {
		e.stage = s
	}
}

// Reset moves the envelope back to StageAuth (or leaves it where it is if it
// has not yet passed StageAuth), clearing transaction-scoped keys
// (sender/recipient/priority) while keeping connection- and auth-scoped ones,
// mirroring RSET/MAIL-reset semantics in the inbound state machine.
func (e *Envelope) Reset() {
	for _, k := range []Key{KeySender, KeySenderDomain, KeyRecipient, KeyRecipientDomain, KeyPriority} {
		delete(e.values, k)
	}
	if e.stage > StageAuth {
		e.stage = StageAuth
	}
}

// Set stores a value for k. It panics if k is not available at the
// envelope's current stage, enforcing the key discipline at the point of
// assignment rather than only at read time.
func (e *Envelope) Set(k Key, v string) {
	if !e.Allowed(k) {
		panic(fmt.Sprintf("envelope: key %q not available at stage %s", k, e.stage))
	}
	if e.values == nil {
		e.values = make(map[Key]string)
	}
	e.values[k] = v
}

// Get returns the value for k and whether it was set. It does not enforce
// stage discipline on read: a key set earlier remains readable later.
func (e *Envelope) Get(k Key) (string, bool) {
	v, ok := e.values[k]
	return v, ok
}

// Allowed reports whether k may be set at the envelope's current stage.
func (e *Envelope) Allowed(k Key) bool {
	return availableKeys[e.stage][k]
}

// AllowedAt reports whether k is ever available at stage s, independent of
// the envelope's current stage. Used by config validation to reject
// SessionConfig conditions that reference a key before it can exist.
func AllowedAt(s Stage, k Key) bool {
	return availableKeys[s][k]
}
