// Package policy declares the external-collaborator interfaces spec.md §6
// names as out-of-scope for this module's implementation: a configuration
// rule engine, directory/list lookups, a scripting engine, and the
// persistent queue/blob store. internal/spamcheck (ScriptRunnerAdapter) and
// internal/directory (MemoryDirectory) implement these interfaces;
// internal/smtp and internal/outbound do not import this package.
package policy

import (
	"context"
	"io"
)

// ScriptAction is the verdict a ScriptRunner returns for one hook
// invocation (connect/ehlo/auth/mail/rcpt/data stages).
type ScriptAction int

const (
	Continue ScriptAction = iota
	Accept
	Reject
	Discard
	Quarantine
)

// ScriptResult is the outcome of one ScriptRunner invocation.
type ScriptResult struct {
	Action  ScriptAction
	Code    int
	Message string
}

// ScriptRunner is the scripting-engine hook external collaborator. A nil
// ScriptRunner means no hook is configured for that stage.
type ScriptRunner interface {
	Run(ctx context.Context, stage string, message io.Reader) (ScriptResult, error)
}

// Lookup is the directory/list-lookup external collaborator (rcpt.lookup_*,
// auth.lookup).
type Lookup interface {
	Contains(ctx context.Context, value string) (bool, error)
}

// Directory authenticates credentials and checks mailbox existence.
// internal/directory.MemoryDirectory implements it; internal/smtp does not
// use it and calls the infodancer/auth module directly.
type Directory interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
	UserExists(ctx context.Context, address string) (bool, error)
}
