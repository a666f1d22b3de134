package config

import "github.com/infodancer/smtpd/internal/envelope"

// Condition decides whether one IfThen branch of an IfBlock applies to a
// given Envelope. Concrete conditions (equality, list membership, CIDR
// matching) are the rule-engine's concern and stay outside this package;
// IfBlock only needs the ability to evaluate whatever Condition it's given.
type Condition interface {
	Match(e *envelope.Envelope) bool
}

// Always is a Condition that matches every Envelope.
type Always struct{}

func (Always) Match(*envelope.Envelope) bool { return true }

// Never is a Condition that matches no Envelope.
type Never struct{}

func (Never) Match(*envelope.Envelope) bool { return false }

// EnvelopeEquals matches when the Envelope's value for Key equals Value.
type EnvelopeEquals struct {
	Key   envelope.Key
	Value string
}

func (c EnvelopeEquals) Match(e *envelope.Envelope) bool {
	v, ok := e.Get(c.Key)
	return ok && v == c.Value
}

// EnvelopeIn matches when the Envelope's value for Key is one of Values.
type EnvelopeIn struct {
	Key    envelope.Key
	Values []string
}

func (c EnvelopeIn) Match(e *envelope.Envelope) bool {
	v, ok := e.Get(c.Key)
	if !ok {
		return false
	}
	for _, want := range c.Values {
		if v == want {
			return true
		}
	}
	return false
}

// IfThen is one (Condition, Then) branch of an IfBlock.
type IfThen[T any] struct {
	Condition Condition
	Then      T
}

// IfBlock is an ordered list of conditional values plus a default, evaluated
// per-Envelope to yield exactly one T. This is the Go rendering of spec.md's
// IfBlock<T>: the first matching IfThen wins; if none match, Default applies.
type IfBlock[T any] struct {
	IfThen  []IfThen[T]
	Default T
}

// New returns an IfBlock whose Eval always yields def, with no conditional
// branches — used for every SessionConfig field's built-in default.
func New[T any](def T) IfBlock[T] {
	return IfBlock[T]{Default: def}
}

// Eval resolves the IfBlock against e, returning the first matching branch's
// Then value, or Default if none match.
func (b IfBlock[T]) Eval(e *envelope.Envelope) T {
	for _, branch := range b.IfThen {
		if branch.Condition.Match(e) {
			return branch.Then
		}
	}
	return b.Default
}
