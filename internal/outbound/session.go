// Package outbound implements the outbound delivery engine from spec.md
// §4.2: negotiate ESMTP/LMTP with a remote MX and hand off a queued
// message, with per-recipient status accounting. Grounded on
// original_source/src/outbound/session.rs for sequencing, and on
// emersion/go-smtp's Client for the net/textproto reply-parsing technique,
// hand-rolled here (rather than wrapping go-smtp.Client) so BDAT/LMTP
// per-recipient accounting stays fully inspectable and testable against a
// fake listener, matching the teacher's own raw-protocol style.
package outbound

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/infodancer/smtpd/internal/capability"
	"github.com/infodancer/smtpd/internal/queue"
)

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// Protocol selects ESMTP vs LMTP framing for the remote host.
type Protocol int

const (
	ProtocolSMTP Protocol = iota
	ProtocolLMTP
)

// Credentials are optional outbound AUTH credentials.
type Credentials struct {
	Username string
	Password string
}

// Options configures one delivery attempt.
type Options struct {
	Protocol       Protocol
	HeloDomain     string
	Creds          *Credentials // nil = no AUTH attempted
	CommandTimeout time.Duration

	// TLSStrategy governs whether STARTTLS is attempted/required for this
	// connection (spec.md §4.2's optional STARTTLS step). The zero value is
	// TLSOpportunistic: upgrade when offered, proceed in the clear otherwise.
	TLSStrategy TLSStrategy
	// TLSConfig is used for the STARTTLS handshake when the remote
	// advertises it. Nil disables STARTTLS entirely, which is only valid
	// alongside TLSOpportunistic — TLSRequired with a nil TLSConfig fails
	// the connection.
	TLSConfig *tls.Config
}

// Outcome is the overall result of one delivery attempt — spec.md §4.2's
// Completed(()) vs Scheduled return value.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeScheduled
)

// Session drives one outbound connection to a remote MX.
type Session struct {
	conn net.Conn
	text *textproto.Conn
	opts Options
	caps Capabilities
}

// NewSession wraps conn (already connected — implicit-TLS dialing, if any,
// is the caller's responsibility) as an outbound delivery session. A
// cleartext STARTTLS upgrade, if offered and permitted by opts.TLSStrategy,
// happens during Deliver's greeting/negotiation step.
func NewSession(conn net.Conn, opts Options) *Session {
	return &Session{
		conn: conn,
		text: textproto.NewConn(conn),
		opts: opts,
	}
}

func (s *Session) deadline() {
	if s.opts.CommandTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.opts.CommandTimeout))
	}
}

// greetAndNegotiate performs the initial 220 read, EHLO/LHLO, an optional
// STARTTLS upgrade (with a mandatory re-EHLO on success), and optional AUTH
// with a mandatory re-EHLO after a successful AUTH — steps 1-3 of spec.md
// §4.2. A connection already TLS-wrapped before NewSession (e.g. an
// implicit-TLS port) simply won't see STARTTLS advertised and this step
// is a no-op.
func (s *Session) greetAndNegotiate(ctx context.Context) error {
	s.deadline()
	if _, _, err := s.text.ReadResponse(220); err != nil {
		return fmt.Errorf("outbound: reading greeting: %w", err)
	}

	caps, err := s.ehlo()
	if err != nil {
		return err
	}
	s.caps = caps

	if err := s.maybeStartTLS(ctx); err != nil {
		return err
	}

	if s.opts.Creds != nil {
		if err := s.auth(ctx, *s.opts.Creds); err != nil {
			return fmt.Errorf("outbound: AUTH failed: %w", err)
		}
		// Mandatory re-EHLO after a successful AUTH (capabilities may change).
		caps, err = s.ehlo()
		if err != nil {
			return err
		}
		s.caps = caps
	}
	return nil
}

func (s *Session) ehlo() (Capabilities, error) {
	verb := "EHLO"
	if s.opts.Protocol == ProtocolLMTP {
		verb = "LHLO"
	}
	s.deadline()
	id, err := s.text.Cmd("%s %s", verb, s.opts.HeloDomain)
	if err != nil {
		return Capabilities{}, err
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	_, message, err := s.text.ReadResponse(250)
	if err != nil {
		return Capabilities{}, fmt.Errorf("outbound: %s rejected: %w", verb, err)
	}
	return parseCapabilities(strings.Split(message, "\n")), nil
}

// maybeStartTLS upgrades the connection via STARTTLS when the remote
// advertises it and TLSConfig is set, re-running EHLO/LHLO afterward since
// capabilities may change once encrypted. TLSRequired fails the connection
// outright if the remote doesn't offer STARTTLS, the handshake fails, or no
// TLSConfig was supplied at all; TLSOpportunistic just leaves the
// connection in the clear.
func (s *Session) maybeStartTLS(ctx context.Context) error {
	if s.opts.TLSConfig == nil {
		if s.opts.TLSStrategy.Requirement == TLSRequired {
			return fmt.Errorf("outbound: TLS required by policy but no TLS configuration was supplied")
		}
		return nil
	}
	if !s.caps.Extensions.Has(capability.ExtSTARTTLS) {
		if s.opts.TLSStrategy.Requirement == TLSRequired {
			return fmt.Errorf("outbound: remote does not advertise STARTTLS but policy requires TLS")
		}
		return nil
	}

	s.deadline()
	id, err := s.text.Cmd("STARTTLS")
	if err != nil {
		return err
	}
	s.text.StartResponse(id)
	_, _, err = s.text.ReadResponse(220)
	s.text.EndResponse(id)
	if err != nil {
		if s.opts.TLSStrategy.Requirement == TLSRequired {
			return fmt.Errorf("outbound: STARTTLS rejected: %w", err)
		}
		return nil
	}

	tlsConn := tls.Client(s.conn, s.opts.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("outbound: TLS handshake failed: %w", err)
	}
	s.conn = tlsConn
	s.text = textproto.NewConn(tlsConn)

	caps, err := s.ehlo()
	if err != nil {
		return err
	}
	s.caps = caps
	return nil
}

func (s *Session) auth(ctx context.Context, creds Credentials) error {
	if !s.caps.Mechanisms.Has(capability.MechPlain) {
		return fmt.Errorf("outbound: remote does not advertise AUTH PLAIN")
	}
	client := sasl.NewPlainClient("", creds.Username, creds.Password)
	mech, initial, err := client.Start()
	if err != nil {
		return err
	}

	s.deadline()
	var id uint
	if len(initial) > 0 {
		id, err = s.text.Cmd("AUTH %s %s", mech, encodeBase64(initial))
	} else {
		id, err = s.text.Cmd("AUTH %s", mech)
	}
	if err != nil {
		return err
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)

	for {
		code, message, err := s.text.ReadResponse(-1)
		if err != nil {
			return err
		}
		if code == 235 {
			return nil
		}
		if code != 334 {
			return fmt.Errorf("outbound: AUTH rejected: %d %s", code, message)
		}
		challenge, err := decodeBase64(message)
		if err != nil {
			return err
		}
		resp, err := client.Next(challenge)
		if err != nil {
			return err
		}
		if err := s.text.PrintfLine("%s", encodeBase64(resp)); err != nil {
			return err
		}
	}
}

// Deliver runs the full spec.md §4.2 algorithm against msg: MAIL FROM, RCPT
// TO loop (skipping already-terminal recipients), body transmission
// (BDAT if the remote advertises CHUNKING, else DATA), response
// accounting per protocol, and a best-effort QUIT.
func (s *Session) Deliver(ctx context.Context, msg *queue.Message) (Outcome, error) {
	if err := s.greetAndNegotiate(ctx); err != nil {
		return OutcomeScheduled, err
	}

	if err := s.mailFrom(msg); err != nil {
		return OutcomeScheduled, err
	}

	accepted, err := s.rcptTo(msg)
	if err != nil {
		return OutcomeScheduled, err
	}
	if len(accepted) == 0 {
		s.quit()
		if msg.AllTerminal() {
			return OutcomeCompleted, nil
		}
		return OutcomeScheduled, nil
	}

	body, err := msg.Body()
	if err != nil {
		return OutcomeScheduled, err
	}
	defer body.Close()

	if s.opts.Protocol == ProtocolLMTP {
		if err := s.sendBodyLMTP(accepted, body); err != nil {
			return OutcomeScheduled, err
		}
	} else {
		if err := s.sendBodySMTP(accepted, body); err != nil {
			return OutcomeScheduled, err
		}
	}

	s.quit()
	if msg.AllTerminal() {
		return OutcomeCompleted, nil
	}
	return OutcomeScheduled, nil
}

func (s *Session) mailFrom(msg *queue.Message) error {
	cmd := fmt.Sprintf("MAIL FROM:<%s>", msg.ReturnPath)
	if msg.Flags.Size > 0 && s.caps.Extensions.Has(capability.ExtSize) {
		cmd += fmt.Sprintf(" SIZE=%d", msg.Flags.Size)
	}
	if msg.Flags.RequireTLS && s.caps.Extensions.Has(capability.ExtRequireTLS) {
		cmd += " REQUIRETLS"
	}
	if msg.Flags.SMTPUTF8 && s.caps.Extensions.Has(capability.ExtSMTPUTF8) {
		cmd += " SMTPUTF8"
	}
	if msg.Flags.RetSet && s.caps.Extensions.Has(capability.ExtDSN) {
		if msg.Flags.RetFullBody {
			cmd += " RET=FULL"
		} else {
			cmd += " RET=HDRS"
		}
	}
	if msg.Flags.EnvID != "" && s.caps.Extensions.Has(capability.ExtDSN) {
		cmd += " ENVID=" + msg.Flags.EnvID
	}

	s.deadline()
	id, err := s.text.Cmd("%s", cmd)
	if err != nil {
		return err
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	_, _, err = s.text.ReadResponse(250)
	return err
}

// rcptTo issues RCPT TO for every non-terminal recipient, addressing the
// recipient's own address (original_source's session.rs erroneously used
// the return path here; fixed per spec.md Open Question 1), and returns the
// recipients the remote accepted with a 250.
func (s *Session) rcptTo(msg *queue.Message) ([]*queue.Recipient, error) {
	var accepted []*queue.Recipient
	for i := range msg.Recipients {
		rcpt := &msg.Recipients[i]
		if rcpt.Status == queue.StatusCompleted || rcpt.Status == queue.StatusPermanentFailure {
			continue
		}

		cmd := fmt.Sprintf("RCPT TO:<%s>", rcpt.Address)
		if s.caps.Extensions.Has(capability.ExtDSN) {
			if notify := rcpt.DSN.NotifyParam(); notify != "" {
				cmd += " NOTIFY=" + notify
			}
		}

		s.deadline()
		id, err := s.text.Cmd("%s", cmd)
		if err != nil {
			return nil, err
		}
		s.text.StartResponse(id)
		code, message, err := s.text.ReadResponse(-1)
		s.text.EndResponse(id)
		if err != nil {
			return nil, err
		}

		switch {
		case code >= 200 && code < 300:
			accepted = append(accepted, rcpt)
		case code >= 500:
			rcpt.Status = queue.StatusPermanentFailure
			rcpt.LastResponse = message
		default:
			rcpt.Status = queue.StatusTemporaryFailure
			rcpt.LastResponse = message
		}
	}
	return accepted, nil
}

// sendBodySMTP sends the message via BDAT (if CHUNKING is advertised) or
// classic DATA+dot-stuffing, and applies the all-or-nothing accounting rule:
// a single 250 marks every accepted recipient Completed; any other final
// reply reverts them all to Scheduled (not a failure status — spec.md's
// retry policy, DESIGN.md Open Question 2).
func (s *Session) sendBodySMTP(accepted []*queue.Recipient, body io.Reader) error {
	var code int
	var err error
	if s.caps.Extensions.Has(capability.ExtChunking) {
		code, err = s.sendBDAT(body)
	} else {
		code, err = s.sendDATA(body)
	}
	if err != nil {
		return err
	}
	if code == 250 {
		for _, r := range accepted {
			r.Status = queue.StatusCompleted
		}
		return nil
	}
	for _, r := range accepted {
		r.Status = queue.StatusScheduled
	}
	return nil
}

// sendBodyLMTP sends the body once, then consumes exactly one reply per
// accepted recipient, in RCPT order, mapping each independently.
func (s *Session) sendBodyLMTP(accepted []*queue.Recipient, body io.Reader) error {
	var bdatID uint
	usingBDAT := s.caps.Extensions.Has(capability.ExtChunking)
	if usingBDAT {
		id, err := s.sendBDATCommand(body)
		if err != nil {
			return err
		}
		bdatID = id
		s.text.StartResponse(bdatID)
		defer s.text.EndResponse(bdatID)
	} else {
		if err := s.writeDATAHeader(); err != nil {
			return err
		}
		if err := s.writeDotStuffedBody(body); err != nil {
			return err
		}
	}

	for _, r := range accepted {
		code, message, err := s.text.ReadResponse(-1)
		if err != nil {
			return err
		}
		switch {
		case code >= 200 && code < 300:
			r.Status = queue.StatusCompleted
		case code >= 500:
			r.Status = queue.StatusPermanentFailure
			r.LastResponse = message
		default:
			r.Status = queue.StatusTemporaryFailure
			r.LastResponse = message
		}
	}
	return nil
}

func (s *Session) sendDATA(body io.Reader) (int, error) {
	if err := s.writeDATAHeader(); err != nil {
		return 0, err
	}
	if err := s.writeDotStuffedBody(body); err != nil {
		return 0, err
	}
	code, _, err := s.text.ReadResponse(-1)
	return code, err
}

func (s *Session) writeDATAHeader() error {
	s.deadline()
	id, err := s.text.Cmd("DATA")
	if err != nil {
		return err
	}
	s.text.StartResponse(id)
	_, _, err = s.text.ReadResponse(354)
	s.text.EndResponse(id)
	return err
}

func (s *Session) writeDotStuffedBody(body io.Reader) error {
	w := s.text.DotWriter()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return w.Close()
}

func (s *Session) sendBDAT(body io.Reader) (int, error) {
	id, err := s.sendBDATCommand(body)
	if err != nil {
		return 0, err
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	code, _, err := s.text.ReadResponse(-1)
	return code, err
}

// sendBDATCommand writes "BDAT <size> LAST" followed by the raw message
// bytes, and returns the pipeline id callers use to bracket reading the
// response(s)); it does not itself read any reply.
func (s *Session) sendBDATCommand(body io.Reader) (uint, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	s.deadline()
	id, err := s.text.Cmd("BDAT %d LAST", len(data))
	if err != nil {
		return 0, err
	}
	if _, err := s.text.W.Write(data); err != nil {
		return 0, err
	}
	if err := s.text.W.Flush(); err != nil {
		return 0, err
	}
	return id, nil
}

// quit sends QUIT best-effort, capped at 10s, ignoring the reply/any error.
func (s *Session) quit() {
	_ = s.conn.SetDeadline(time.Now().Add(10 * time.Second))
	id, err := s.text.Cmd("QUIT")
	if err == nil {
		s.text.StartResponse(id)
		_, _, _ = s.text.ReadResponse(-1)
		s.text.EndResponse(id)
	}
	_ = s.conn.Close()
}
