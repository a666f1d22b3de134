package smtp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/infodancer/smtpd/internal/config"
)

// buildTraceHeaders constructs the RFC 5321 §4.4 trace headers (Received,
// Return-Path, Message-ID, Date) a DATA transaction prepends before storage,
// gated per SessionDataConfig's Add* IfBlocks (spec.md §3's session.data.*
// tree). Headers are returned in the order they should appear, outermost
// (Received) first, matching RFC 5322 §3.6's "newest header first" layout.
func buildTraceHeaders(hostname string, session *SMTPSession, cfg config.SessionDataConfig, now time.Time) []headerField {
	env := session.Envelope()
	var headers []headerField

	if cfg.AddReceived.Eval(env) {
		headers = append(headers, headerField{"Received", buildReceivedHeader(hostname, session, now)})
	}
	if cfg.AddReturnPath.Eval(env) {
		headers = append(headers, headerField{"Return-Path", "<" + session.GetSender() + ">"})
	}
	if cfg.AddMessageID.Eval(env) {
		headers = append(headers, headerField{"Message-ID", generateMessageID(hostname)})
	}
	if cfg.AddDate.Eval(env) {
		headers = append(headers, headerField{"Date", now.Format(time.RFC1123Z)})
	}
	return headers
}

// headerField is one header name/value pair, kept ordered (unlike
// map[string]string) since Received must stay outermost among the trace
// headers this session adds.
type headerField struct {
	Name  string
	Value string
}

// buildReceivedHeader renders a Received trace header for an inbound
// transaction, identifying the connecting client and the protocol used.
func buildReceivedHeader(hostname string, session *SMTPSession, now time.Time) string {
	proto := "ESMTP"
	if session.IsAuthenticated() {
		proto = "ESMTPA"
	}
	if session.IsTLSActive() {
		proto += "S"
	}

	from := session.GetHelo()
	if from == "" {
		from = "unknown"
	}

	return fmt.Sprintf("from %s ([%s])\r\n\tby %s with %s\r\n\tfor <%s>; %s",
		from, session.ConnInfo().ClientIP, hostname, proto, firstRecipient(session), now.Format(time.RFC1123Z))
}

// firstRecipient returns the transaction's first RCPT TO address, or "" if
// none were accepted yet (shouldn't happen once DATA starts, but Received
// construction must not panic on an empty slice).
func firstRecipient(session *SMTPSession) string {
	recipients := session.GetRecipients()
	if len(recipients) == 0 {
		return ""
	}
	return recipients[0]
}

// generateMessageID returns a Message-ID value (RFC 5322 §3.6.4) unique
// enough for this server's purposes: a random 128-bit local part plus the
// server hostname as the domain. No library in the dependency set
// generates message IDs, so this uses crypto/rand directly.
func generateMessageID(hostname string) string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("<%s@%s>", hex.EncodeToString(buf[:]), hostname)
}
