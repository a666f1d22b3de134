// Package queue defines the outbound delivery data model — Message,
// Recipient, and HostResponse — and an in-memory reference Queue/BlobStore
// implementation. Persistent storage is an explicit non-goal (spec.md §1);
// this package exists so internal/outbound has something concrete to drive
// in tests without depending on a real external store.
package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/infodancer/smtpd/internal/capability"
)

// RecipientState is the tagged variant spec.md §3 calls Recipient.Status.
type RecipientState int

const (
	StatusScheduled RecipientState = iota
	StatusCompleted
	StatusTemporaryFailure
	StatusPermanentFailure
)

func (s RecipientState) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusTemporaryFailure:
		return "temporary_failure"
	case StatusPermanentFailure:
		return "permanent_failure"
	default:
		return "scheduled"
	}
}

// Recipient is one queued recipient of a Message.
type Recipient struct {
	Address string
	Status  RecipientState
	DSN     capability.DSN
	// LastResponse holds the most recent remote-host reply text, retained
	// for logging/diagnostics even when the status-accounting rules (spec
	// Open Question 2) discard it from the authoritative Status.
	LastResponse string
}

// MailFromFlags are the optional MAIL FROM parameters spec.md §4.2 gates
// behind both the message flag and the remote's advertised capability.
type MailFromFlags struct {
	Size        int64
	RequireTLS  bool
	SMTPUTF8    bool
	RetFullBody bool // RET=FULL if true, RET=HDRS if false and RetSet
	RetSet      bool
	EnvID       string
}

// Message is one queued outbound message.
type Message struct {
	ID          string
	ReturnPath  string
	Recipients  []Recipient
	Flags       MailFromFlags
	Priority    int
	CreatedAt   time.Time
	bodyOpen    func() (io.ReadCloser, error)
}

// SetBodyOpener configures how Body() opens the message body blob.
func (m *Message) SetBodyOpener(open func() (io.ReadCloser, error)) {
	m.bodyOpen = open
}

// Body opens the message body for reading.
func (m *Message) Body() (io.ReadCloser, error) {
	if m.bodyOpen == nil {
		return nil, errors.New("queue: message has no body opener configured")
	}
	return m.bodyOpen()
}

// AllTerminal reports whether every Recipient has reached a terminal state
// (Completed or PermanentFailure) — spec.md §4.2's condition for the whole
// delivery attempt to be considered Completed rather than re-Scheduled.
func (m *Message) AllTerminal() bool {
	for _, r := range m.Recipients {
		if r.Status != StatusCompleted && r.Status != StatusPermanentFailure {
			return false
		}
	}
	return true
}

// HostResponse wraps a remote host's reply alongside any error
// encountered talking to it, per spec.md's HostResponse<E>.
type HostResponse[E any] struct {
	Code    int
	Message string
	Err     E
}

// Queue is the external collaborator spec.md §6 calls Queue.enqueue /
// dequeue. BlobStore is folded into the same interface here since the
// in-memory reference implementation backs both with the same map.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message, body io.Reader) error
	Dequeue(ctx context.Context) (*Message, bool, error)
	Update(ctx context.Context, msg *Message) error
}

// MemoryQueue is an in-memory reference Queue implementation for tests and
// for cmd/relayd when no persistent store is configured.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []*Message
	bodies  map[string][]byte
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{bodies: make(map[string][]byte)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *Message, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bodies[msg.ID] = data
	msg.SetBodyOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(q.bodies[msg.ID])), nil
	})
	q.pending = append(q.pending, msg)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true, nil
}

func (q *MemoryQueue) Update(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !msg.AllTerminal() {
		q.pending = append(q.pending, msg)
	}
	return nil
}
