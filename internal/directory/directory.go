// Package directory provides a reference policy.Directory implementation.
// The real infodancer/auth module is an external collaborator per spec.md
// §1/§6 (directory/list lookups are out of scope); this package gives an
// in-memory implementation of that interface. cmd/smtpd does not use it:
// its stack authenticates through infodancer/auth.
package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/infodancer/smtpd/internal/policy"
)

// MemoryDirectory is an in-memory credential/mailbox directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	users   map[string]string // username -> password
	mailbox map[string]bool   // address -> exists
}

// NewMemoryDirectory returns an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string]string),
		mailbox: make(map[string]bool),
	}
}

// AddUser registers a username/password pair usable by Authenticate, and
// marks it as an existing mailbox for UserExists.
func (d *MemoryDirectory) AddUser(username, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[username] = password
	d.mailbox[strings.ToLower(username)] = true
}

// AddMailbox marks address as an existing mailbox without credentials,
// usable by RCPT-stage UserExists checks.
func (d *MemoryDirectory) AddMailbox(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mailbox[strings.ToLower(address)] = true
}

func (d *MemoryDirectory) Authenticate(_ context.Context, username, password string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	want, ok := d.users[username]
	return ok && want == password, nil
}

func (d *MemoryDirectory) UserExists(_ context.Context, address string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mailbox[strings.ToLower(address)], nil
}

var _ policy.Directory = (*MemoryDirectory)(nil)
