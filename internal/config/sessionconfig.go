package config

import (
	"time"

	"github.com/infodancer/smtpd/internal/capability"
	"github.com/infodancer/smtpd/internal/throttle"
)

// SessionConfig is the IfBlock-tree conditional configuration for one
// inbound SMTP/LMTP session, matching spec.md §3's dotted-key tree and
// ported field-for-field from original_source/src/config/session.rs. Every
// leaf is an IfBlock so it can vary per-listener, per-IP, per-sender, etc.
type SessionConfig struct {
	Duration      IfBlock[time.Duration] // session.duration
	TransferLimit IfBlock[int64]         // session.transfer-limit (bytes)
	Timeout       IfBlock[time.Duration] // session.timeout

	Connect SessionConnectConfig
	Ehlo    SessionEhloConfig
	Auth    SessionAuthConfig
	Mail    SessionMailConfig
	Rcpt    SessionRcptConfig
	Data    SessionDataConfig
}

// SessionConnectConfig is session.connect.*.
type SessionConnectConfig struct {
	Script   IfBlock[string] // session.connect.script
	Throttle IfBlock[[]throttle.Rule]
}

// SessionEhloConfig is session.ehlo.*.
type SessionEhloConfig struct {
	Script        IfBlock[string]
	Require       IfBlock[bool]  // session.ehlo.require
	Multiple      IfBlock[bool]  // session.ehlo.multiple
	Pipelining    IfBlock[bool]  // session.ehlo.capabilities.pipelining
	Chunking      IfBlock[bool]  // session.ehlo.capabilities.chunking
	RequireTLS    IfBlock[bool]  // session.ehlo.capabilities.requiretls
	NoSoliciting  IfBlock[bool]  // session.ehlo.capabilities.no-soliciting
	FutureRelease IfBlock[bool]  // session.ehlo.capabilities.future-release
	DeliverBy     IfBlock[bool]  // session.ehlo.capabilities.deliver-by
	MtPriority    IfBlock[bool]  // session.ehlo.capabilities.mt-priority
	Size          IfBlock[int64] // session.ehlo.capabilities.size (0 = disabled)
}

// SessionAuthConfig is session.auth.*.
type SessionAuthConfig struct {
	Script     IfBlock[string]
	Require    IfBlock[bool]
	Lookup     IfBlock[string]
	Mechanisms IfBlock[capability.Mechanism] // session.auth.enable
	ErrorsMax  IfBlock[int]                  // session.auth.errors.max
	ErrorsWait IfBlock[time.Duration]        // session.auth.errors.wait
}

// SessionMailConfig is session.mail.*.
type SessionMailConfig struct {
	Script   IfBlock[string]
	Throttle IfBlock[[]throttle.Rule]
}

// SessionRcptConfig is session.rcpt.*.
type SessionRcptConfig struct {
	Script          IfBlock[string]
	Relay           IfBlock[bool]
	Expn            IfBlock[bool]
	Vrfy            IfBlock[bool]
	LookupDomains   IfBlock[string]
	LookupAddresses IfBlock[string]
	ErrorsMax       IfBlock[int]
	ErrorsWait      IfBlock[time.Duration]
	MaxRecipients   IfBlock[int]
	Throttle        IfBlock[[]throttle.Rule]
}

// SessionDataConfig is session.data.*.
type SessionDataConfig struct {
	Script             IfBlock[string]
	MaxMessages        IfBlock[int]
	MaxMessageSize     IfBlock[int64]
	MaxReceivedHeaders IfBlock[int]
	MaxMimeParts       IfBlock[int]
	MaxNestedMessages  IfBlock[int]
	AddReceived        IfBlock[bool]
	AddReceivedSPF     IfBlock[bool]
	AddReturnPath      IfBlock[bool]
	AddAuthResults     IfBlock[bool]
	AddMessageID       IfBlock[bool]
	AddDate            IfBlock[bool]
}

// DefaultSessionConfig returns the SessionConfig with every default value
// from spec.md §3 / original_source/src/config/session.rs, and no
// conditional branches — every IfBlock.Eval returns its Default regardless
// of Envelope.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Duration:      New(15 * time.Minute),
		TransferLimit: New[int64](500 * 1024 * 1024),
		Timeout:       New(5 * time.Minute),
		Connect: SessionConnectConfig{
			Script:   New(""),
			Throttle: New[[]throttle.Rule](nil),
		},
		Ehlo: SessionEhloConfig{
			Script:        New(""),
			Require:       New(true),
			Multiple:      New(true),
			Pipelining:    New(true),
			Chunking:      New(true),
			RequireTLS:    New(false),
			NoSoliciting:  New(false),
			FutureRelease: New(false),
			DeliverBy:     New(false),
			MtPriority:    New(false),
			Size:          New[int64](25 * 1024 * 1024),
		},
		Auth: SessionAuthConfig{
			Script:     New(""),
			Require:    New(false),
			Lookup:     New(""),
			Mechanisms: New[capability.Mechanism](0),
			ErrorsMax:  New(3),
			ErrorsWait: New(30 * time.Second),
		},
		Mail: SessionMailConfig{
			Script:   New(""),
			Throttle: New[[]throttle.Rule](nil),
		},
		Rcpt: SessionRcptConfig{
			Script:          New(""),
			Relay:           New(false),
			Expn:            New(false),
			Vrfy:            New(false),
			LookupDomains:   New(""),
			LookupAddresses: New(""),
			ErrorsMax:       New(10),
			ErrorsWait:      New(30 * time.Second),
			MaxRecipients:   New(100),
			Throttle:        New[[]throttle.Rule](nil),
		},
		Data: SessionDataConfig{
			Script:             New(""),
			MaxMessages:        New(10),
			MaxMessageSize:     New[int64](25 * 1024 * 1024),
			MaxReceivedHeaders: New(50),
			MaxMimeParts:       New(50),
			MaxNestedMessages:  New(3),
			AddReceived:        New(true),
			AddReceivedSPF:     New(true),
			AddReturnPath:      New(true),
			AddAuthResults:     New(true),
			AddMessageID:       New(true),
			AddDate:            New(true),
		},
	}
}
