package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
	"github.com/infodancer/smtpd/internal/capability"
	"github.com/infodancer/smtpd/internal/envelope"
	"github.com/infodancer/smtpd/internal/throttle"
)

// Errors for SMTP command processing
var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrBadSequence       = errors.New("bad sequence of commands")
	ErrTooManyRecipients = errors.New("too many recipients")
	ErrInputTooLong      = errors.New("input exceeds maximum length")
)

// SessionState represents the current state of an SMTP session
type SessionState int

const (
	StateInit      SessionState = iota // Initial state, waiting for HELO/EHLO
	StateGreeted                       // After successful HELO/EHLO
	StateMailFrom                      // After successful MAIL FROM
	StateRcptTo                        // After at least one successful RCPT TO
	StateData                          // In DATA mode, receiving message content
)

// String returns a human-readable representation of the session state
func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateGreeted:
		return "GREETED"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateRcptTo:
		return "RCPT_TO"
	case StateData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// SessionConfig holds configurable limits and settings (reusable across sessions)
type SessionConfig struct {
	MaxRecipients    int   // Maximum number of RCPT TO recipients (default: 100)
	MaxMessageSize   int64 // Maximum message size in bytes (0 = unlimited)
	MaxHeloDomainLen int   // Maximum HELO/EHLO domain length (default: 255)
	MaxEmailLen      int   // Maximum email address length (default: 320)

	// Extensions is the bitset of ESMTP extensions advertised in the EHLO
	// reply (spec.md §4.1's capability advertisement step).
	Extensions capability.Extension
	// Mechanisms is the bitset of AUTH mechanisms advertised, subject to
	// the same TLS/localhost gating EHLOCommand already applies.
	Mechanisms capability.Mechanism

	// Throttle is the admission control engine evaluated at the connect,
	// MAIL, and RCPT stages (spec.md §4.3). Nil disables throttling.
	Throttle *throttle.Engine
	// ConnectRules, MailRules, and RcptRules are the Rule sets evaluated
	// against the session's Envelope at each corresponding stage. A rule
	// set is skipped (not rejected) if Throttle is nil.
	ConnectRules []throttle.Rule
	MailRules    []throttle.Rule
	RcptRules    []throttle.Rule

	// DomainProvider resolves each RCPT TO domain against the per-domain
	// configuration tree (spec.md §3's rcpt.lookup_domains), rejecting
	// addresses in domains the server doesn't host. Nil skips domain
	// validation entirely (accept-all, useful for relay-only deployments).
	DomainProvider domain.DomainProvider
	// AuthAgent backs RCPT TO's mailbox-existence check (rcpt.lookup_addresses)
	// via UserExists. Nil skips the existence check even when DomainProvider
	// is set.
	AuthAgent auth.AuthenticationAgent
}

// DefaultSessionConfig returns sensible defaults per RFC 5321
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRecipients:    100,
		MaxMessageSize:   25 * 1024 * 1024, // 25MiB, per original_source session defaults
		MaxHeloDomainLen: 255,              // per RFC 5321
		MaxEmailLen:      320,              // 64 local + @ + 255 domain
		Extensions: capability.ExtPipelining | capability.ExtSize | capability.Ext8BitMIME |
			capability.ExtChunking | capability.ExtSMTPUTF8 | capability.ExtDSN |
			capability.ExtEnhancedStatusCodes,
		Mechanisms: capability.MechPlain | capability.MechLogin,
	}
}

// ConnectionInfo holds per-connection context about the client
type ConnectionInfo struct {
	Listener              string // Name of the listener that accepted the connection
	ClientIP              string // Remote IP address
	LocalIP               string // Local (server-side) IP address
	ReverseDNS            string // Reverse DNS hostname (if resolved)
	ConcurrentConnections int    // Number of active connections from this IP
	Reputation            int    // Reputation score (-100 to 100, 0 = neutral)
}

// SMTPSession represents an SMTP session state
type SMTPSession struct {
	config     SessionConfig
	connInfo   ConnectionInfo
	state      SessionState
	helo       string
	sender     string
	recipients []string

	// Authentication state
	authenticated bool
	authUser      string
	authMech      string

	// TLS state
	tlsActive bool

	// BDAT chunk accumulation (spec.md §4.1's BDAT/CHUNKING alternative to
	// DATA+dot-stuffing). bdatData accumulates chunk bytes across successive
	// BDAT commands until a chunk marked LAST completes the transaction.
	bdatActive bool
	bdatData   []byte

	// env carries the envelope attributes used to key throttle.Engine
	// admission checks (spec.md §4.3) and, eventually, SessionConfig's
	// IfBlock evaluation.
	env *envelope.Envelope
	// connRelease holds the throttle release func for the connect-stage
	// admission, invoked when the connection closes.
	connRelease func()
	// mailRelease and rcptReleases hold the throttle release funcs for the
	// current transaction's MAIL and RCPT admissions, invoked on Reset.
	mailRelease  func()
	rcptReleases []func()

	// pendingAuth holds an in-progress multi-turn AUTH exchange (LOGIN, or
	// PLAIN without an initial response). Non-nil only between the 334
	// prompt and the client's continuation line.
	pendingAuth authContinuation

	// resolvedDomain is the domain.Domain matched against the most recently
	// accepted RCPT TO, set only when SessionConfig.DomainProvider is
	// configured. finishMessage consults it to pick a per-domain delivery
	// agent override. For a transaction whose recipients span more than one
	// hosted domain, the last accepted RCPT wins; mixed-domain delivery
	// overrides aren't split per recipient.
	resolvedDomain *domain.Domain
}

// SetResolvedDomain records the domain.Domain matched for the most recently
// accepted RCPT TO.
func (s *SMTPSession) SetResolvedDomain(d *domain.Domain) {
	s.resolvedDomain = d
}

// ResolvedDomain returns the domain.Domain matched for the most recently
// accepted RCPT TO, or nil if domain validation is disabled or no RCPT has
// been accepted yet.
func (s *SMTPSession) ResolvedDomain() *domain.Domain {
	return s.resolvedDomain
}

// SetPendingAuth registers a multi-turn AUTH continuation to receive the
// next line read from the connection instead of normal command dispatch.
func (s *SMTPSession) SetPendingAuth(cont authContinuation) {
	s.pendingAuth = cont
}

// PendingAuth returns the in-progress AUTH continuation, or nil if none.
func (s *SMTPSession) PendingAuth() authContinuation {
	return s.pendingAuth
}

// ClearPendingAuth ends the in-progress AUTH continuation, if any.
func (s *SMTPSession) ClearPendingAuth() {
	s.pendingAuth = nil
}

// BeginBDAT marks the session as having received at least one BDAT chunk,
// so a stray non-BDAT command while chunks are pending is rejected.
func (s *SMTPSession) BeginBDAT() {
	s.bdatActive = true
}

// AppendBDATChunk appends one BDAT chunk's bytes to the accumulated body.
func (s *SMTPSession) AppendBDATChunk(data []byte) {
	s.bdatData = append(s.bdatData, data...)
}

// BDATData returns the bytes accumulated across all BDAT chunks so far.
func (s *SMTPSession) BDATData() []byte {
	return s.bdatData
}

// InBDAT reports whether a BDAT transaction is in progress.
func (s *SMTPSession) InBDAT() bool {
	return s.bdatActive
}

// NewSMTPSession creates a new SMTP session with the given connection info and config
func NewSMTPSession(connInfo ConnectionInfo, config SessionConfig) *SMTPSession {
	env := envelope.New()
	env.Set(envelope.KeyListener, connInfo.Listener)
	env.Set(envelope.KeyRemoteIP, connInfo.ClientIP)
	env.Set(envelope.KeyLocalIP, connInfo.LocalIP)
	return &SMTPSession{
		config:     config,
		connInfo:   connInfo,
		state:      StateInit,
		recipients: make([]string, 0),
		env:        env,
	}
}

// Envelope returns the session's envelope attribute bag.
func (s *SMTPSession) Envelope() *envelope.Envelope {
	return s.env
}

// AdmitConnect evaluates the config's ConnectRules against the session's
// envelope, admitting the connection itself. Returns ok=false if throttled;
// the admission's concurrency slot (if any) is released when the
// connection closes via ReleaseConnect.
func (s *SMTPSession) AdmitConnect() (ok bool, err error) {
	if s.config.Throttle == nil || len(s.config.ConnectRules) == 0 {
		return true, nil
	}
	admitted, release, admitErr := s.config.Throttle.Admit(s.config.ConnectRules, s.env)
	if admitErr != nil {
		return false, admitErr
	}
	if admitted {
		s.connRelease = release
	}
	return admitted, nil
}

// ReleaseConnect releases the connect-stage throttle admission, if any.
func (s *SMTPSession) ReleaseConnect() {
	if s.connRelease != nil {
		s.connRelease()
		s.connRelease = nil
	}
}

// admitMail evaluates MailRules once the sender and HELO domain are known.
func (s *SMTPSession) admitMail() (ok bool, err error) {
	if s.config.Throttle == nil || len(s.config.MailRules) == 0 {
		return true, nil
	}
	admitted, release, admitErr := s.config.Throttle.Admit(s.config.MailRules, s.env)
	if admitErr != nil {
		return false, admitErr
	}
	if admitted {
		s.mailRelease = release
	}
	return admitted, nil
}

// admitRcpt evaluates RcptRules for the recipient just set on the envelope.
func (s *SMTPSession) admitRcpt() (ok bool, err error) {
	if s.config.Throttle == nil || len(s.config.RcptRules) == 0 {
		return true, nil
	}
	admitted, release, admitErr := s.config.Throttle.Admit(s.config.RcptRules, s.env)
	if admitErr != nil {
		return false, admitErr
	}
	if admitted && release != nil {
		s.rcptReleases = append(s.rcptReleases, release)
	}
	return admitted, nil
}

// releaseTransaction releases every throttle admission made during the
// current MAIL/RCPT transaction, leaving the connect-stage admission held.
func (s *SMTPSession) releaseTransaction() {
	if s.mailRelease != nil {
		s.mailRelease()
		s.mailRelease = nil
	}
	for _, r := range s.rcptReleases {
		if r != nil {
			r()
		}
	}
	s.rcptReleases = nil
}

// Config returns the session configuration
func (s *SMTPSession) Config() SessionConfig {
	return s.config
}

// ConnInfo returns the connection information
func (s *SMTPSession) ConnInfo() ConnectionInfo {
	return s.connInfo
}

// State returns the current session state
func (s *SMTPSession) State() SessionState {
	return s.state
}

// SetState sets the session state
func (s *SMTPSession) SetState(state SessionState) {
	s.state = state
}

// SetHelo sets the HELO/EHLO domain
func (s *SMTPSession) SetHelo(domain string) {
	s.helo = domain
}

// GetHelo returns the HELO/EHLO domain
func (s *SMTPSession) GetHelo() string {
	return s.helo
}

// SetSender sets the envelope sender
func (s *SMTPSession) SetSender(sender string) {
	s.sender = sender
}

// GetSender returns the envelope sender
func (s *SMTPSession) GetSender() string {
	return s.sender
}

// AddRecipient adds a recipient to the envelope
func (s *SMTPSession) AddRecipient(recipient string) {
	s.recipients = append(s.recipients, recipient)
}

// GetRecipients returns a copy of the envelope recipients (defensive copy)
func (s *SMTPSession) GetRecipients() []string {
	result := make([]string, len(s.recipients))
	copy(result, s.recipients)
	return result
}

// RecipientCount returns the number of recipients
func (s *SMTPSession) RecipientCount() int {
	return len(s.recipients)
}

// InData returns whether the session is in DATA mode
func (s *SMTPSession) InData() bool {
	return s.state == StateData
}

// Reset resets the session state for a new transaction (keeps HELO and auth)
func (s *SMTPSession) Reset() {
	s.sender = ""
	s.recipients = make([]string, 0)
	s.bdatActive = false
	s.bdatData = nil
	s.resolvedDomain = nil
	s.releaseTransaction()
	s.env.Reset()
	if s.state != StateInit {
		s.state = StateGreeted
	}
}

// SetAuthenticated marks the session as authenticated with the given user and mechanism
func (s *SMTPSession) SetAuthenticated(user, mechanism string) {
	s.authenticated = true
	s.authUser = user
	s.authMech = mechanism
}

// IsAuthenticated returns whether the session is authenticated
func (s *SMTPSession) IsAuthenticated() bool {
	return s.authenticated
}

// GetAuthUser returns the authenticated username (empty if not authenticated)
func (s *SMTPSession) GetAuthUser() string {
	return s.authUser
}

// GetAuthMech returns the authentication mechanism used (empty if not authenticated)
func (s *SMTPSession) GetAuthMech() string {
	return s.authMech
}

// SetTLSActive marks the session as TLS-encrypted
func (s *SMTPSession) SetTLSActive(active bool) {
	s.tlsActive = active
}

// IsTLSActive returns whether the connection is TLS-encrypted
func (s *SMTPSession) IsTLSActive() bool {
	return s.tlsActive
}

// SMTPCommand interface defines the contract for SMTP commands using regexp patterns
type SMTPCommand interface {
	// Pattern returns the compiled regexp for matching this command
	Pattern() *regexp.Regexp

	// Execute processes the command. matches[0] is full line, matches[1:] are capture groups
	Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error)
}

// SMTPResult represents the result of processing an SMTP command
type SMTPResult struct {
	Code    int
	Message string   // Single-line message (backward compatible)
	Lines   []string // Multi-line response (optional, overrides Message if present)
}

// CommandRegistry holds registered commands and matches input against them
type CommandRegistry struct {
	commands []SMTPCommand
}

// NewCommandRegistry creates a new command registry with all standard SMTP commands.
// tlsConfig is optional and enables STARTTLS support when provided.
func NewCommandRegistry(hostname string, authAgent interface{}, tlsConfig *tls.Config) *CommandRegistry {
	commands := []SMTPCommand{
		&EHLOCommand{hostname: hostname, authAgent: authAgent, tlsConfig: tlsConfig},
		&HELOCommand{},
		&MAILCommand{},
		&RCPTCommand{},
		&DATACommand{},
		&RSETCommand{},
		&NOOPCommand{},
		&QUITCommand{},
	}

	// Add STARTTLS command if TLS configuration is available
	if tlsConfig != nil {
		commands = append([]SMTPCommand{&STARTTLSCommand{tlsConfig: tlsConfig}}, commands...)
	}

	// Add AUTH command if authentication agent is configured
	if authAgent != nil {
		commands = append([]SMTPCommand{&AUTHCommand{authAgent: authAgent}}, commands...)
	}

	return &CommandRegistry{
		commands: commands,
	}
}

// Match finds the command that matches the input line and returns it with captured groups
func (r *CommandRegistry) Match(line string) (SMTPCommand, []string, error) {
	for _, cmd := range r.commands {
		if matches := cmd.Pattern().FindStringSubmatch(line); matches != nil {
			return cmd, matches, nil
		}
	}
	return nil, nil, ErrUnknownCommand
}

// Pre-compiled regexp patterns for SMTP commands
var (
	ehloPattern = regexp.MustCompile(`(?i)^EHLO\s+(\S+)\s*$`)
	heloPattern = regexp.MustCompile(`(?i)^HELO\s+(\S+)\s*$`)
	mailPattern = regexp.MustCompile(`(?i)^MAIL\s+FROM:\s*<([^>]*)>(.*)$`)
	rcptPattern = regexp.MustCompile(`(?i)^RCPT\s+TO:\s*<([^>]*)>(.*)$`)
	dataPattern = regexp.MustCompile(`(?i)^DATA\s*$`)
	// bdatPattern matches "BDAT <size>" or "BDAT <size> LAST". Handled
	// directly in the connection loop (not through CommandRegistry) since
	// the size must be known before the raw chunk bytes can be read off
	// the wire, and no single textual reply is owed until they are.
	bdatPattern = regexp.MustCompile(`(?i)^BDAT\s+(\d+)(\s+LAST)?\s*$`)
	rsetPattern = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern = regexp.MustCompile(`(?i)^NOOP(?:\s.*)?$`)
	quitPattern = regexp.MustCompile(`(?i)^QUIT\s*$`)
)

// EHLOCommand implements the EHLO command
type EHLOCommand struct {
	hostname  string
	authAgent interface{}  // auth.AuthenticationAgent (using interface{} to avoid import cycle)
	tlsConfig *tls.Config  // TLS configuration for STARTTLS support
}

func (c *EHLOCommand) Pattern() *regexp.Regexp {
	return ehloPattern
}

func (c *EHLOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]

	// Validate domain length
	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "Domain name too long"}, nil
	}

	session.SetHelo(domain)
	session.SetState(StateGreeted)
	session.env.Advance(envelope.StageHelo)
	session.env.Set(envelope.KeyHeloDomain, domain)

	clientIP := session.ConnInfo().ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}

	// Build multi-line response with capabilities
	hostname := c.hostname
	if hostname == "" {
		hostname = "localhost"
	}

	lines := []string{hostname + " Hello " + domain + " [" + clientIP + "]"}
	ext := session.Config().Extensions

	if ext.Has(capability.ExtPipelining) {
		lines = append(lines, "PIPELINING")
	}
	if ext.Has(capability.ExtSize) {
		size := session.Config().MaxMessageSize
		if size <= 0 {
			lines = append(lines, "SIZE")
		} else {
			lines = append(lines, "SIZE "+strconv.FormatInt(size, 10))
		}
	}
	if ext.Has(capability.Ext8BitMIME) {
		lines = append(lines, "8BITMIME")
	}
	if ext.Has(capability.ExtChunking) {
		lines = append(lines, "CHUNKING")
	}
	if ext.Has(capability.ExtSMTPUTF8) {
		lines = append(lines, "SMTPUTF8")
	}
	if ext.Has(capability.ExtDSN) {
		lines = append(lines, "DSN")
	}
	if ext.Has(capability.ExtEnhancedStatusCodes) {
		lines = append(lines, "ENHANCEDSTATUSCODES")
	}

	// Advertise STARTTLS if TLS config is available and TLS is not already active
	if c.tlsConfig != nil && !session.IsTLSActive() {
		lines = append(lines, "STARTTLS")
	}

	// Add AUTH capability if auth agent is configured and conditions are met
	if c.authAgent != nil {
		// Only advertise AUTH if TLS is active or connection is from localhost
		if session.IsTLSActive() || isLocalhost(clientIP) {
			if names := session.Config().Mechanisms.Names(); len(names) > 0 {
				lines = append(lines, "AUTH "+strings.Join(names, " "))
			}
		}
	}

	return SMTPResult{Code: 250, Lines: lines}, nil
}

// HELOCommand implements the HELO command
type HELOCommand struct{}

func (c *HELOCommand) Pattern() *regexp.Regexp {
	return heloPattern
}

func (c *HELOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]

	// Validate domain length
	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "Domain name too long"}, nil
	}

	session.SetHelo(domain)
	session.SetState(StateGreeted)
	session.env.Advance(envelope.StageHelo)
	session.env.Set(envelope.KeyHeloDomain, domain)

	clientIP := session.ConnInfo().ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}

	return SMTPResult{Code: 250, Message: "Hello " + domain + " [" + clientIP + "]"}, nil
}

// MAILCommand implements the MAIL command
type MAILCommand struct{}

func (c *MAILCommand) Pattern() *regexp.Regexp {
	return mailPattern
}

func (c *MAILCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	// Check state - must be greeted first
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}

	email := matches[1]
	// matches[2] contains optional parameters (SIZE, BODY, etc.) - ignored for now

	// Validate email length
	if len(email) > session.Config().MaxEmailLen {
		return SMTPResult{Code: 501, Message: "Email address too long"}, nil
	}

	// Reset any previous transaction and set new sender
	session.Reset()
	session.SetSender(email)
	session.SetState(StateMailFrom)
	session.env.Advance(envelope.StageMail)
	session.env.Set(envelope.KeySender, email)
	session.env.Set(envelope.KeySenderDomain, domainOf(email))

	admitted, err := session.admitMail()
	if err != nil {
		return SMTPResult{Code: 451, Message: "Requested action aborted: throttle error"}, nil
	}
	if !admitted {
		session.Reset()
		return SMTPResult{Code: 450, Message: "Too many messages, try again later"}, nil
	}

	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// domainOf returns the portion of an email address after the last '@', or
// "" if addr has no domain part (e.g. the null reverse-path "<>").
func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// RCPTCommand implements the RCPT command
type RCPTCommand struct{}

func (c *RCPTCommand) Pattern() *regexp.Regexp {
	return rcptPattern
}

func (c *RCPTCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	// Check state - must have MAIL FROM first
	if session.State() < StateMailFrom {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}

	email := matches[1]
	// matches[2] contains optional parameters - ignored for now

	// Validate email length
	if len(email) > session.Config().MaxEmailLen {
		return SMTPResult{Code: 501, Message: "Email address too long"}, nil
	}

	// Check recipient limit
	if session.RecipientCount() >= session.Config().MaxRecipients {
		return SMTPResult{Code: 452, Message: "Too many recipients"}, nil
	}

	session.env.Advance(envelope.StageRcpt)
	session.env.Set(envelope.KeyRecipient, email)
	session.env.Set(envelope.KeyRecipientDomain, domainOf(email))

	admitted, admitErr := session.admitRcpt()
	if admitErr != nil {
		return SMTPResult{Code: 451, Message: "Requested action aborted: throttle error"}, nil
	}
	if !admitted {
		return SMTPResult{Code: 452, Message: "Too many recipients, try again later"}, nil
	}

	if dp := session.Config().DomainProvider; dp != nil {
		d := dp.GetDomain(domainOf(email))
		if d == nil {
			return SMTPResult{Code: 550, Message: "5.1.2 Relay access denied"}, nil
		}
		if aa := session.Config().AuthAgent; aa != nil {
			exists, err := aa.UserExists(ctx, email)
			if err != nil {
				return SMTPResult{Code: 451, Message: "4.3.0 Temporary lookup failure"}, nil
			}
			if !exists {
				return SMTPResult{Code: 550, Message: "5.1.1 User unknown"}, nil
			}
		}
		session.SetResolvedDomain(d)
	}

	session.AddRecipient(email)
	session.SetState(StateRcptTo)

	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// DATACommand implements the DATA command
type DATACommand struct{}

func (c *DATACommand) Pattern() *regexp.Regexp {
	return dataPattern
}

func (c *DATACommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	// Check state - must have at least one recipient
	if session.State() < StateRcptTo {
		return SMTPResult{Code: 503, Message: "Bad sequence of commands"}, nil
	}

	session.SetState(StateData)

	return SMTPResult{Code: 354, Message: "Start mail input; end with <CRLF>.<CRLF>"}, nil
}

// RSETCommand implements the RSET command
type RSETCommand struct{}

func (c *RSETCommand) Pattern() *regexp.Regexp {
	return rsetPattern
}

func (c *RSETCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	session.Reset()
	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// NOOPCommand implements the NOOP command
type NOOPCommand struct{}

func (c *NOOPCommand) Pattern() *regexp.Regexp {
	return noopPattern
}

func (c *NOOPCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 250, Message: "OK"}, nil
}

// QUITCommand implements the QUIT command
type QUITCommand struct{}

func (c *QUITCommand) Pattern() *regexp.Regexp {
	return quitPattern
}

func (c *QUITCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 221, Message: "Goodbye"}, nil
}

// isLocalhost checks if the given IP address is a localhost address
func isLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" ||
		len(ip) > 4 && ip[:4] == "127." || ip == "localhost"
}
