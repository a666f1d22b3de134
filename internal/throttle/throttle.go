// Package throttle implements the token-bucket-with-concurrency-cap
// admission control engine from spec.md §4.3: a process-wide shared map of
// counters keyed by composite envelope-attribute keys, with lazy eviction.
package throttle

import (
	"sync"
	"time"

	"github.com/infodancer/smtpd/internal/envelope"
)

// KeyPart identifies one component of a throttle rule's composite key.
type KeyPart int

const (
	KeyListener KeyPart = iota
	KeyRemoteIP
	KeyLocalIP
	KeyAuthenticatedAs
	KeyHeloDomain
	KeySender
	KeySenderDomain
	KeyRecipient
	KeyRecipientDomain
)

var keyPartEnvelopeKey = map[KeyPart]envelope.Key{
	KeyListener:        envelope.KeyListener,
	KeyRemoteIP:        envelope.KeyRemoteIP,
	KeyLocalIP:         envelope.KeyLocalIP,
	KeyAuthenticatedAs: envelope.KeyAuthenticatedAs,
	KeyHeloDomain:      envelope.KeyHeloDomain,
	KeySender:          envelope.KeySender,
	KeySenderDomain:    envelope.KeySenderDomain,
	KeyRecipient:       envelope.KeyRecipient,
	KeyRecipientDomain: envelope.KeyRecipientDomain,
}

// Rule describes one throttle: the envelope attributes that make up its
// composite key, plus its rate and concurrency limits. A zero Rate or
// Window disables the rate limit; a zero MaxConcurrent disables the
// concurrency cap.
type Rule struct {
	Name          string
	KeyParts      []KeyPart
	Rate          int           // max admissions per Window
	Window        time.Duration
	MaxConcurrent int
}

// compositeKey builds the string key a Rule's counters are stored under for
// a given Envelope, e.g. "myrule|listener=smtp|remote_ip=10.0.0.1".
func (r Rule) compositeKey(e *envelope.Envelope) string {
	key := r.Name
	for _, part := range r.KeyParts {
		ek := keyPartEnvelopeKey[part]
		v, _ := e.Get(ek)
		key += "|" + string(ek) + "=" + v
	}
	return key
}

// Store is the backend a Store implementation uses to admit or reject a
// request against a Rule for a given Envelope.
type Store interface {
	// Admit attempts to admit one unit of work under rule for e. It returns
	// ok=false if the rate or concurrency limit has been exceeded. release
	// must be called (if non-nil) when the unit of work completes, to free
	// its concurrency slot.
	Admit(rule Rule, e *envelope.Envelope) (ok bool, release func(), err error)
}

// Engine evaluates a list of Rules in order, admitting only if every rule
// that applies admits. It releases any already-admitted rules' concurrency
// slots if a later rule rejects, leaving no partial admission behind.
type Engine struct {
	Store Store
}

// NewEngine returns an Engine backed by store.
func NewEngine(store Store) *Engine {
	return &Engine{Store: store}
}

// Admit evaluates rules against e in order. It returns ok=false on the
// first rule that rejects, and a release func that must be invoked when the
// caller's unit of work completes (e.g. when a connection closes, or a
// message transaction finishes).
func (en *Engine) Admit(rules []Rule, e *envelope.Envelope) (ok bool, release func(), err error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			if releases[i] != nil {
				releases[i]()
			}
		}
	}
	for _, rule := range rules {
		admitted, rel, admitErr := en.Store.Admit(rule, e)
		if admitErr != nil {
			releaseAll()
			return false, nil, admitErr
		}
		if !admitted {
			releaseAll()
			return false, nil, nil
		}
		releases = append(releases, rel)
	}
	return true, releaseAll, nil
}

// MemoryStore is an in-process Store using a shared map guarded by a mutex,
// with lazy eviction of rate-limit windows that have fully elapsed.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counterState
}

type counterState struct {
	windowStart time.Time
	count       int
	concurrent  int
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counterState)}
}

func (m *MemoryStore) Admit(rule Rule, e *envelope.Envelope) (bool, func(), error) {
	key := rule.compositeKey(e)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.counters[key]
	if !ok {
		st = &counterState{windowStart: now}
		m.counters[key] = st
	}

	if rule.Rate > 0 && rule.Window > 0 {
		if now.Sub(st.windowStart) >= rule.Window {
			st.windowStart = now
			st.count = 0
		}
		if st.count >= rule.Rate {
			return false, nil, nil
		}
	}

	if rule.MaxConcurrent > 0 && st.concurrent >= rule.MaxConcurrent {
		return false, nil, nil
	}

	st.count++
	if rule.MaxConcurrent > 0 {
		st.concurrent++
	}

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if rule.MaxConcurrent > 0 && st.concurrent > 0 {
			st.concurrent--
		}
	}
	return true, release, nil
}

// Evict removes any counter whose rate window has elapsed and which has no
// concurrent holders, bounding memory growth for keys that are no longer
// active. Callers typically run this periodically from a background
// goroutine.
func (m *MemoryStore) Evict(olderThan time.Duration) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, st := range m.counters {
		if st.concurrent == 0 && now.Sub(st.windowStart) > olderThan {
			delete(m.counters, k)
		}
	}
}
